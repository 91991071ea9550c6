package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	// ErrSettingNotFound is returned when a setting name is not defined
	ErrSettingNotFound = errors.New("setting not found")
	// ErrInvalidSetting is returned when a setting fails validation
	ErrInvalidSetting = errors.New("invalid setting")
)

// ActivationKind is the closed set of supported activation functions
type ActivationKind int

const (
	ReLU ActivationKind = iota
	LeakyReLU
)

func (k ActivationKind) String() string {
	switch k {
	case ReLU:
		return "relu"
	case LeakyReLU:
		return "leaky_relu"
	default:
		return fmt.Sprintf("ActivationKind(%d)", int(k))
	}
}

// Activation selects the non-linearity used after every conv and dense
// layer. Alpha is the negative slope and only meaningful for LeakyReLU.
type Activation struct {
	Kind  ActivationKind
	Alpha float32
}

// DefaultLeakyAlpha is the negative slope used when none is configured
const DefaultLeakyAlpha = 0.01

// ParseActivation maps a configured activation name to its variant
func ParseActivation(name string, alpha float32) (Activation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "relu":
		return Activation{Kind: ReLU}, nil
	case "leaky_relu", "leakyrelu", "leaky-relu":
		return Activation{Kind: LeakyReLU, Alpha: alpha}, nil
	default:
		return Activation{}, fmt.Errorf("%w: unknown activation %q (valid: relu, leaky_relu)", ErrInvalidSetting, name)
	}
}

// Setting is one named hyperparameter configuration. Values are immutable
// once loaded through ParseSettings.
type Setting struct {
	Name          string
	ConvLayers    int
	Kernel        [2]int
	Stride        int
	MaxPoolSize   [2]int
	Activation    Activation
	DenseUnits    []int
	Dropout       float32
	Optimizer     string
	LearningRate  float32
	BatchSize     int
	BaseChannels  int
	MaxChannels   int
	GlobalAvgPool bool
}

// settingJSON mirrors the on-disk layout. Optional fields are pointers so
// that defaults can be told apart from explicit zero values.
type settingJSON struct {
	Name          string   `json:"name"`
	Stride        *int     `json:"stride"`
	Kernel        []int    `json:"kernel"`
	MaxPoolSize   []int    `json:"maxPoolSize"`
	Optimizer     string   `json:"optimizer"`
	LearningRate  float64  `json:"learningRate"`
	ConvLayers    int      `json:"convLayers"`
	DenseUnits    []int    `json:"denseUnits"`
	Activation    string   `json:"activation"`
	BatchSize     int      `json:"batchSize"`
	Dropout       float64  `json:"dropout"`
	LeakyAlpha    *float64 `json:"leakyAlpha"`
	BaseChannels  *int     `json:"baseChannels"`
	MaxChannels   *int     `json:"maxChannels"`
	GlobalAvgPool *bool    `json:"globalAvgPool"`
}

// MarshalJSON writes the setting in the settings file layout
func (s Setting) MarshalJSON() ([]byte, error) {
	alpha := float64(DefaultLeakyAlpha)
	if s.Activation.Kind == LeakyReLU {
		alpha = float64(s.Activation.Alpha)
	}
	stride, base, maxCh, gap := s.Stride, s.BaseChannels, s.MaxChannels, s.GlobalAvgPool
	return json.Marshal(settingJSON{
		Name:          s.Name,
		Stride:        &stride,
		Kernel:        s.Kernel[:],
		MaxPoolSize:   s.MaxPoolSize[:],
		Optimizer:     s.Optimizer,
		LearningRate:  float64(s.LearningRate),
		ConvLayers:    s.ConvLayers,
		DenseUnits:    s.DenseUnits,
		Activation:    s.Activation.Kind.String(),
		BatchSize:     s.BatchSize,
		Dropout:       float64(s.Dropout),
		LeakyAlpha:    &alpha,
		BaseChannels:  &base,
		MaxChannels:   &maxCh,
		GlobalAvgPool: &gap,
	})
}

// UnmarshalJSON reads one setting, applying defaults and validation
func (s *Setting) UnmarshalJSON(data []byte) error {
	var raw settingJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := raw.toSetting()
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (raw settingJSON) toSetting() (Setting, error) {
	s := Setting{
		Name:         raw.Name,
		ConvLayers:   raw.ConvLayers,
		Kernel:       [2]int{3, 3},
		Stride:       1,
		MaxPoolSize:  [2]int{2, 2},
		DenseUnits:   append([]int(nil), raw.DenseUnits...),
		Dropout:      float32(raw.Dropout),
		Optimizer:    strings.ToLower(strings.TrimSpace(raw.Optimizer)),
		LearningRate: float32(raw.LearningRate),
		BatchSize:    raw.BatchSize,
		BaseChannels: 64,
		MaxChannels:  512,
	}

	if raw.Stride != nil {
		s.Stride = *raw.Stride
	}
	if raw.BaseChannels != nil {
		s.BaseChannels = *raw.BaseChannels
	}
	if raw.MaxChannels != nil {
		s.MaxChannels = *raw.MaxChannels
	}
	if raw.GlobalAvgPool != nil {
		s.GlobalAvgPool = *raw.GlobalAvgPool
	}

	var err error
	if s.Kernel, err = pair("kernel", raw.Kernel, s.Kernel); err != nil {
		return Setting{}, err
	}
	if s.MaxPoolSize, err = pair("maxPoolSize", raw.MaxPoolSize, s.MaxPoolSize); err != nil {
		return Setting{}, err
	}

	alpha := float32(DefaultLeakyAlpha)
	if raw.LeakyAlpha != nil {
		alpha = float32(*raw.LeakyAlpha)
	}
	if s.Activation, err = ParseActivation(raw.Activation, alpha); err != nil {
		return Setting{}, fmt.Errorf("setting %q: %w", raw.Name, err)
	}

	if err := s.Validate(); err != nil {
		return Setting{}, err
	}
	return s, nil
}

func pair(field string, values []int, def [2]int) ([2]int, error) {
	switch len(values) {
	case 0:
		return def, nil
	case 1:
		return [2]int{values[0], values[0]}, nil
	case 2:
		return [2]int{values[0], values[1]}, nil
	default:
		return def, fmt.Errorf("%w: %s must have 1 or 2 values, got %d", ErrInvalidSetting, field, len(values))
	}
}

// Validate checks the numeric ranges of a setting
func (s *Setting) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: setting %q: %s", ErrInvalidSetting, s.Name, fmt.Sprintf(format, args...))
	}

	switch {
	case s.Name == "":
		return fmt.Errorf("%w: setting name must not be empty", ErrInvalidSetting)
	case s.ConvLayers < 0:
		return invalid("convLayers must be >= 0, got %d", s.ConvLayers)
	case s.Kernel[0] <= 0 || s.Kernel[1] <= 0:
		return invalid("kernel must be positive, got %v", s.Kernel)
	case s.Stride <= 0:
		return invalid("stride must be positive, got %d", s.Stride)
	case s.MaxPoolSize[0] <= 0 || s.MaxPoolSize[1] <= 0:
		return invalid("maxPoolSize must be positive, got %v", s.MaxPoolSize)
	case s.Dropout < 0 || s.Dropout > 1:
		return invalid("dropout must be in [0,1], got %g", s.Dropout)
	case s.LearningRate <= 0:
		return invalid("learningRate must be positive, got %g", s.LearningRate)
	case s.BatchSize <= 0:
		return invalid("batchSize must be positive, got %d", s.BatchSize)
	case s.BaseChannels <= 0 || s.MaxChannels <= 0:
		return invalid("baseChannels and maxChannels must be positive, got %d/%d", s.BaseChannels, s.MaxChannels)
	}
	for i, u := range s.DenseUnits {
		if u <= 0 {
			return invalid("denseUnits[%d] must be positive, got %d", i, u)
		}
	}
	if s.Activation.Kind == LeakyReLU && s.Activation.Alpha < 0 {
		return invalid("leakyAlpha must be >= 0, got %g", s.Activation.Alpha)
	}
	return nil
}

func (s *Setting) String() string {
	return fmt.Sprintf("%s conv=%d kernel=%v stride=%d pool=%v dense=%v act=%s opt=%s lr=%.4g bs=%d drop=%.2f base=%d max=%d gap=%t",
		s.Name, s.ConvLayers, s.Kernel, s.Stride, s.MaxPoolSize, s.DenseUnits, s.Activation.Kind,
		s.Optimizer, s.LearningRate, s.BatchSize, s.Dropout, s.BaseChannels, s.MaxChannels, s.GlobalAvgPool)
}

// Settings is the ordered collection of named settings
type Settings struct {
	order  []string
	byName map[string]Setting
}

// ParseSettings decodes a JSON array of settings. Unknown fields are
// ignored. Later entries with a duplicate name replace earlier ones.
func ParseSettings(r io.Reader) (*Settings, error) {
	var raw []settingJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}

	settings := &Settings{byName: make(map[string]Setting, len(raw))}
	for _, r := range raw {
		s, err := r.toSetting()
		if err != nil {
			return nil, err
		}
		if _, exists := settings.byName[s.Name]; !exists {
			settings.order = append(settings.order, s.Name)
		}
		settings.byName[s.Name] = s
	}
	return settings, nil
}

// LoadSettings reads settings from a JSON file
func LoadSettings(path string) (*Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings file: %w", err)
	}
	defer f.Close()
	return ParseSettings(f)
}

// Get looks up a setting by name
func (s *Settings) Get(name string) (Setting, error) {
	setting, ok := s.byName[name]
	if !ok {
		return Setting{}, fmt.Errorf("%w: %q (available: %s)", ErrSettingNotFound, name, strings.Join(s.order, ", "))
	}
	setting.DenseUnits = append([]int(nil), setting.DenseUnits...)
	return setting, nil
}

// Names returns the setting names in file order
func (s *Settings) Names() []string {
	return append([]string(nil), s.order...)
}
