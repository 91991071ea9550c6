package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tsawler/go-cnn/engine"
	"github.com/tsawler/go-cnn/layers"
)

// Framework identifies checkpoints written by this module
const (
	Framework         = "go-cnn"
	FormatVersion     = "1.0.0"
	SynsetMetadataKey = "synset"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Checkpoint represents a trained model: its architecture, every state
// tensor (including BatchNorm running statistics) and metadata
type Checkpoint struct {
	ModelSpec     *layers.ModelSpec  `json:"model_spec"`
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model state tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "gamma", "beta", "running_mean", "running_var"
}

// TrainingState captures how the model was trained
type TrainingState struct {
	Setting      string  `json:"setting"`
	Epochs       int     `json:"epochs"`
	LearningRate float32 `json:"learning_rate"`
	Optimizer    string  `json:"optimizer,omitempty"`
	FinalLoss    float64 `json:"final_loss"`
	FinalValAcc  float64 `json:"final_val_accuracy"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Synset      string    `json:"synset"` // Comma-joined class names in label order
	Tags        []string  `json:"tags,omitempty"`
}

// Classes splits the synset back into class names
func (m CheckpointMetadata) Classes() []string {
	if m.Synset == "" {
		return nil
	}
	return strings.Split(m.Synset, ",")
}

// Properties returns the metadata as ONNX metadata_props
func (m CheckpointMetadata) Properties() map[string]string {
	props := map[string]string{
		SynsetMetadataKey: m.Synset,
		"framework":       m.Framework,
		"version":         m.Version,
		"created_at":      m.CreatedAt.UTC().Format(time.RFC3339),
	}
	if m.Description != "" {
		props["description"] = m.Description
	}
	return props
}

// NewCheckpoint captures model state together with its class list
func NewCheckpoint(model *engine.Model, classes []string, state TrainingState) (*Checkpoint, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("checkpoint needs at least one class")
	}
	for _, c := range classes {
		if strings.Contains(c, ",") || strings.ContainsAny(c, "\r\n") {
			return nil, fmt.Errorf("class name %q cannot be stored in a synset", c)
		}
	}
	if n := model.Spec().NumClasses(); n != len(classes) {
		return nil, fmt.Errorf("model has %d outputs but %d classes were given", n, len(classes))
	}

	return &Checkpoint{
		ModelSpec:     model.Spec(),
		Weights:       ExtractWeights(model),
		TrainingState: state,
		Metadata: CheckpointMetadata{
			Version:   FormatVersion,
			Framework: Framework,
			CreatedAt: time.Now(),
			Synset:    strings.Join(classes, ","),
		},
	}, nil
}

// ExtractWeights copies every state tensor of model
func ExtractWeights(model *engine.Model) []WeightTensor {
	state := model.State()
	weights := make([]WeightTensor, len(state))
	for i, p := range state {
		weights[i] = WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float32(nil), p.Value.Data...),
			Layer: p.Layer,
			Type:  string(p.Kind),
		}
	}
	return weights
}

// LoadWeights copies checkpoint weights into model, checking shapes
func LoadWeights(model *engine.Model, weights []WeightTensor) error {
	values := make(map[string][]float32, len(weights))
	shapes := make(map[string][]int, len(weights))
	for _, w := range weights {
		values[w.Name] = w.Data
		shapes[w.Name] = w.Shape
	}

	for _, p := range model.State() {
		shape, ok := shapes[p.Name]
		if !ok {
			continue
		}
		if len(shape) != len(p.Value.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: model %v vs checkpoint %v", p.Name, p.Value.Shape, shape)
		}
		for j, dim := range p.Value.Shape {
			if dim != shape[j] {
				return fmt.Errorf("dimension mismatch for weight %s at index %d: model %d vs checkpoint %d",
					p.Name, j, dim, shape[j])
			}
		}
	}

	return model.LoadState(values)
}

// Restore builds a model from the checkpoint's spec and loads its weights
func (c *Checkpoint) Restore() (*engine.Model, error) {
	if c.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint has no model spec")
	}
	model, err := engine.NewModel(c.ModelSpec, engine.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild model: %w", err)
	}
	if err := LoadWeights(model, c.Weights); err != nil {
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}
	model.Eval()
	return model, nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a checkpoint to path
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
		checkpoint.Metadata.Version = FormatVersion
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return NewONNXExporter().ExportToONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a checkpoint. Only the JSON format can be loaded;
// ONNX files are export-only (see ReadONNX).
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	default:
		return nil, fmt.Errorf("loading %s checkpoints is not supported", cs.format.String())
	}
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return file.Close()
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	return &checkpoint, nil
}
