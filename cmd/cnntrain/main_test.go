package main

import (
	"flag"
	"io"
	"testing"

	"github.com/tsawler/go-cnn/config"
)

func parseOverrides(t *testing.T, cfg config.RunConfig, args ...string) (config.RunConfig, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	flags := newOverrideFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	err := flags.apply(fs, &cfg)
	return cfg, err
}

func TestOverrides(t *testing.T) {
	base := config.DefaultRunConfig()
	base.Epochs = 7
	base.RawRoot = "from-file"

	cfg, err := parseOverrides(t, base,
		"--setting", "deep", "--val", "0.3", "--seed", "9", "--img", "64",
		"--grayscale", "--save-activations", "--viz-layers", "conv1, fc1,,logits")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if cfg.Setting != "deep" || cfg.ValSplit != 0.3 || cfg.Seed != 9 || cfg.ImageSize != 64 {
		t.Errorf("Flags not applied: %+v", cfg)
	}
	if !cfg.Grayscale || !cfg.SaveActivations {
		t.Error("Boolean flags not applied")
	}
	if len(cfg.VizLayers) != 3 || cfg.VizLayers[1] != "fc1" {
		t.Errorf("Unexpected viz layers %v", cfg.VizLayers)
	}

	// Values from the config file survive when no flag is given
	if cfg.Epochs != 7 || cfg.RawRoot != "from-file" {
		t.Errorf("Unset flags overwrote config values: epochs=%d raw=%s", cfg.Epochs, cfg.RawRoot)
	}
}

func TestOverridesValidate(t *testing.T) {
	if _, err := parseOverrides(t, config.DefaultRunConfig(), "--val", "1.5"); err == nil {
		t.Error("Expected validation error for val > 1")
	}
	if _, err := parseOverrides(t, config.DefaultRunConfig(), "--img", "0"); err == nil {
		t.Error("Expected validation error for zero image size")
	}
}
