package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// RunConfig holds everything a pipeline run needs besides the hyperparameter
// setting itself. Values are loaded from JSON and then overridden by CLI
// flags.
type RunConfig struct {
	Setting         string   `json:"setting"`
	SettingsFile    string   `json:"settingsJson"`
	RawRoot         string   `json:"raw"`
	DatasetsRoot    string   `json:"datasetsRoot"`
	OutputRoot      string   `json:"outputRoot"`
	ValSplit        float64  `json:"valSplit"`
	Seed            int64    `json:"seed"`
	Epochs          int      `json:"epochs"`
	ImageSize       int      `json:"imageSize"`
	Grayscale       bool     `json:"grayscale"`
	ShuffleTrain    bool     `json:"shuffleTrain"`
	SaveActivations bool     `json:"saveActivations"`
	VizLayers       []string `json:"vizLayers"`
	TileSize        int      `json:"tileSize"`
	CacheSize       int      `json:"cacheSize"`
	Prefetch        int      `json:"prefetch"`
}

// DefaultRunConfig returns the default run configuration
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Setting:         "baseline",
		SettingsFile:    "settings.json",
		RawRoot:         "data/raw/PetImages",
		DatasetsRoot:    "data/datasets",
		OutputRoot:      "models",
		ValSplit:        0.2,
		Seed:            42,
		Epochs:          3,
		ImageSize:       128,
		Grayscale:       false,
		ShuffleTrain:    true,
		SaveActivations: false,
		VizLayers:       []string{"conv1", "conv2", "flatten"},
		TileSize:        64,
		CacheSize:       256,
		Prefetch:        2,
	}
}

// LoadRunConfig reads a run configuration file on top of the defaults. An
// empty path returns the defaults.
func LoadRunConfig(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read run config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse run config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the run configuration ranges
func (c RunConfig) Validate() error {
	switch {
	case c.Setting == "":
		return fmt.Errorf("%w: run config needs a setting name", ErrInvalidSetting)
	case c.ValSplit < 0 || c.ValSplit > 1:
		return fmt.Errorf("%w: valSplit must be in [0,1], got %g", ErrInvalidSetting, c.ValSplit)
	case c.Epochs < 0:
		return fmt.Errorf("%w: epochs must be >= 0, got %d", ErrInvalidSetting, c.Epochs)
	case c.ImageSize <= 0:
		return fmt.Errorf("%w: imageSize must be positive, got %d", ErrInvalidSetting, c.ImageSize)
	case c.Prefetch < 0:
		return fmt.Errorf("%w: prefetch must be >= 0, got %d", ErrInvalidSetting, c.Prefetch)
	case c.TileSize <= 0:
		return fmt.Errorf("%w: tileSize must be positive, got %d", ErrInvalidSetting, c.TileSize)
	}
	return nil
}

// RunTag formats the dataset run tag (yyyyMMdd-HHmm) for t
func RunTag(t time.Time) string {
	return t.Format("20060102-1504")
}
