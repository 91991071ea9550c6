package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleSettings = `[
  {"name": "baseline", "convLayers": 2, "kernel": [3,3], "stride": 1, "maxPoolSize": [2,2],
   "activation": "relu", "denseUnits": [128], "optimizer": "adam", "learningRate": 0.001,
   "batchSize": 32, "unknownField": true},
  {"name": "leaky", "convLayers": 3, "kernel": [5], "activation": "leakyrelu", "leakyAlpha": 0.2,
   "denseUnits": [64, 32], "dropout": 0.5, "optimizer": "SGD", "learningRate": 0.01,
   "batchSize": 16, "baseChannels": 16, "maxChannels": 32, "globalAvgPool": true}
]`

func TestParseSettings(t *testing.T) {
	settings, err := ParseSettings(strings.NewReader(sampleSettings))
	if err != nil {
		t.Fatalf("ParseSettings failed: %v", err)
	}

	if got := settings.Names(); len(got) != 2 || got[0] != "baseline" || got[1] != "leaky" {
		t.Errorf("unexpected names %v", got)
	}

	t.Run("defaults", func(t *testing.T) {
		s, err := settings.Get("baseline")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if s.BaseChannels != 64 || s.MaxChannels != 512 {
			t.Errorf("channel defaults not applied: %d/%d", s.BaseChannels, s.MaxChannels)
		}
		if s.GlobalAvgPool || s.Dropout != 0 {
			t.Errorf("unexpected defaults: gap=%t dropout=%f", s.GlobalAvgPool, s.Dropout)
		}
		if s.Activation.Kind != ReLU {
			t.Errorf("expected relu, got %s", s.Activation.Kind)
		}
	})

	t.Run("explicit values", func(t *testing.T) {
		s, err := settings.Get("leaky")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if s.Kernel != [2]int{5, 5} {
			t.Errorf("single kernel value should expand, got %v", s.Kernel)
		}
		if s.Activation.Kind != LeakyReLU || s.Activation.Alpha != 0.2 {
			t.Errorf("unexpected activation %+v", s.Activation)
		}
		if s.Optimizer != "sgd" {
			t.Errorf("optimizer should be lower-cased, got %q", s.Optimizer)
		}
		if !s.GlobalAvgPool || s.BaseChannels != 16 || s.MaxChannels != 32 {
			t.Errorf("unexpected overrides %+v", s)
		}
	})

	t.Run("unknown setting", func(t *testing.T) {
		_, err := settings.Get("missing")
		if !errors.Is(err, ErrSettingNotFound) {
			t.Fatalf("expected ErrSettingNotFound, got %v", err)
		}
		if !strings.Contains(err.Error(), "baseline, leaky") {
			t.Errorf("error should list available settings: %v", err)
		}
	})
}

func TestParseSettingsValidation(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"unknown activation", `[{"name":"a","activation":"swish","learningRate":0.1,"batchSize":1}]`},
		{"dropout out of range", `[{"name":"a","dropout":1.5,"learningRate":0.1,"batchSize":1}]`},
		{"zero batch", `[{"name":"a","learningRate":0.1,"batchSize":0}]`},
		{"bad kernel", `[{"name":"a","kernel":[1,2,3],"learningRate":0.1,"batchSize":1}]`},
		{"negative dense", `[{"name":"a","denseUnits":[-1],"learningRate":0.1,"batchSize":1}]`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseSettings(strings.NewReader(test.json))
			if !errors.Is(err, ErrInvalidSetting) {
				t.Errorf("expected ErrInvalidSetting, got %v", err)
			}
		})
	}
}

func TestSettingJSONRoundTrip(t *testing.T) {
	settings, err := ParseSettings(strings.NewReader(sampleSettings))
	if err != nil {
		t.Fatalf("ParseSettings failed: %v", err)
	}
	s, _ := settings.Get("leaky")

	data, err := s.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON failed: %v", err)
	}
	var back Setting
	if err := back.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON failed: %v", err)
	}
	if back.String() != s.String() {
		t.Errorf("round trip mismatch:\n%s\n%s", back.String(), s.String())
	}
}

func TestLoadRunConfig(t *testing.T) {
	t.Run("empty path", func(t *testing.T) {
		cfg, err := LoadRunConfig("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Setting != "baseline" || cfg.ValSplit != 0.2 || cfg.Seed != 42 || cfg.Epochs != 3 {
			t.Errorf("unexpected defaults %+v", cfg)
		}
	})

	t.Run("file overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pipeline.json")
		if err := os.WriteFile(path, []byte(`{"setting":"leaky","epochs":7,"vizLayers":["conv1"]}`), 0644); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadRunConfig(path)
		if err != nil {
			t.Fatalf("LoadRunConfig failed: %v", err)
		}
		if cfg.Setting != "leaky" || cfg.Epochs != 7 || len(cfg.VizLayers) != 1 {
			t.Errorf("overrides not applied: %+v", cfg)
		}
		if cfg.ValSplit != 0.2 {
			t.Errorf("defaults should survive, got valSplit %g", cfg.ValSplit)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadRunConfig(filepath.Join(t.TempDir(), "nope.json")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestRunTag(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 59, 0, time.UTC)
	if got := RunTag(ts); got != "20240309-1405" {
		t.Errorf("RunTag = %s", got)
	}
}
