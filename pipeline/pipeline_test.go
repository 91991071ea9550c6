package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tsawler/go-cnn/checkpoints"
	"github.com/tsawler/go-cnn/config"
	"github.com/tsawler/go-cnn/vision/dataset"
)

const testSettings = `[
  {"name": "tiny", "convLayers": 1, "kernel": [3,3], "activation": "relu",
   "denseUnits": [4], "optimizer": "adam", "learningRate": 0.01, "batchSize": 4,
   "baseChannels": 4, "maxChannels": 4}
]`

func writePNG(t *testing.T, path string, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 12, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 12; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
}

func testConfig(t *testing.T) config.RunConfig {
	t.Helper()
	root := t.TempDir()
	raw := filepath.Join(root, "raw")
	for class, base := range map[string]uint8{"Cat": 30, "Dog": 200} {
		dir := filepath.Join(raw, class)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create %s: %v", dir, err)
		}
		for i := 0; i < 5; i++ {
			writePNG(t, filepath.Join(dir, fmt.Sprintf("%s_%d.png", class, i)), color.RGBA{base, base + uint8(i), 90, 255})
		}
	}

	settingsPath := filepath.Join(root, "settings.json")
	if err := os.WriteFile(settingsPath, []byte(testSettings), 0644); err != nil {
		t.Fatalf("Failed to write settings: %v", err)
	}

	cfg := config.DefaultRunConfig()
	cfg.Setting = "tiny"
	cfg.SettingsFile = settingsPath
	cfg.RawRoot = raw
	cfg.DatasetsRoot = filepath.Join(root, "datasets")
	cfg.OutputRoot = filepath.Join(root, "models")
	cfg.ImageSize = 8
	cfg.Epochs = 2
	cfg.TileSize = 8
	cfg.CacheSize = 16
	cfg.ValSplit = 0.4
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedNow() time.Time {
	return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
}

func TestRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.SaveActivations = true
	cfg.VizLayers = []string{"conv1", "flatten", "fc7"}

	result, err := Run(context.Background(), cfg, Options{Logger: quietLogger(), Now: fixedNow})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if fmt.Sprint(result.Classes) != "[Cat Dog]" {
		t.Errorf("Unexpected classes %v", result.Classes)
	}
	if result.History.Len() != 2 {
		t.Errorf("Expected 2 epochs, got %d", result.History.Len())
	}
	if result.Dataset.Manifest.RunTag != "20240506-0708" {
		t.Errorf("Unexpected run tag %q", result.Dataset.Manifest.RunTag)
	}
	if m := result.Dataset.Manifest; m.TotalTrain() != 6 || m.TotalVal() != 4 {
		t.Errorf("Expected 6/4 split, got %d/%d", m.TotalTrain(), m.TotalVal())
	}

	for _, name := range []string{
		checkpoints.ModelJSONFile, checkpoints.ModelONNXFile, checkpoints.SynsetFile,
		HistoryFile, ConfusionFile, ConfusionImage,
	} {
		if _, err := os.Stat(filepath.Join(result.ModelDir, name)); err != nil {
			t.Errorf("Expected %s in model directory: %v", name, err)
		}
	}

	// Two classes times the two captured layers; fc7 does not exist
	if len(result.Activations) != 4 {
		t.Errorf("Expected 4 activation files, got %v", result.Activations)
	}
	for _, name := range []string{"Cat_conv1.png", "Dog_flatten.png"} {
		if _, err := os.Stat(filepath.Join(result.ModelDir, ActivationsSubdir, name)); err != nil {
			t.Errorf("Expected activation %s: %v", name, err)
		}
	}

	_, classes, err := checkpoints.NewPersister(cfg.OutputRoot, quietLogger()).Load(result.ModelDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if fmt.Sprint(classes) != "[Cat Dog]" {
		t.Errorf("Loaded classes %v", classes)
	}

	// A second run within the same minute must not reuse the prepared dataset
	cfg.Seed = 7
	if _, err := Run(context.Background(), cfg, Options{Logger: quietLogger(), Now: fixedNow}); !errors.Is(err, dataset.ErrRunExists) {
		t.Errorf("Expected ErrRunExists, got %v", err)
	}
}

func TestRunWithoutActivations(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 0

	result, err := Run(context.Background(), cfg, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.History.Len() != 0 {
		t.Errorf("Expected empty history, got %d epochs", result.History.Len())
	}
	if len(result.Activations) != 0 {
		t.Errorf("Expected no activations, got %v", result.Activations)
	}
	if _, err := os.Stat(filepath.Join(result.ModelDir, ConfusionFile)); !os.IsNotExist(err) {
		t.Errorf("Confusion matrix should not be written without validation epochs: %v", err)
	}
}

func TestRunErrors(t *testing.T) {
	t.Run("unknown setting", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Setting = "huge"
		if _, err := Run(context.Background(), cfg, Options{Logger: quietLogger()}); !errors.Is(err, config.ErrSettingNotFound) {
			t.Errorf("Expected ErrSettingNotFound, got %v", err)
		}
	})

	t.Run("missing raw root", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.RawRoot = filepath.Join(t.TempDir(), "nothing")
		if _, err := Run(context.Background(), cfg, Options{Logger: quietLogger()}); !errors.Is(err, dataset.ErrRawRootMissing) {
			t.Errorf("Expected ErrRawRootMissing, got %v", err)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.ValSplit = 2
		if _, err := Run(context.Background(), cfg, Options{Logger: quietLogger()}); !errors.Is(err, config.ErrInvalidSetting) {
			t.Errorf("Expected ErrInvalidSetting, got %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := Run(ctx, testConfig(t), Options{Logger: quietLogger()}); !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	})
}
