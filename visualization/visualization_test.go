package visualization

import (
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-cnn/taps"
	"github.com/tsawler/go-cnn/tensor"
)

func ramp(n int) []float32 {
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i)
	}
	return data
}

func readPNG(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("Failed to decode %s: %v", path, err)
	}
	return img
}

func testSnapshot() taps.Snapshot {
	reg := taps.NewRegistry(nil)
	reg.Observe("conv1", tensor.MustNew([]int{2, 5, 4, 4}, ramp(2*5*4*4)))
	reg.Observe("flatten", tensor.MustNew([]int{2, 10}, ramp(20)))
	reg.Observe("flat", tensor.MustNew([]int{6}, []float32{3, 3, 3, 3, 3, 3}))
	return reg.Snapshot()
}

func TestExportActivation(t *testing.T) {
	snap := testSnapshot()
	dir := t.TempDir()

	t.Run("feature grid", func(t *testing.T) {
		out := filepath.Join(dir, "grids", "cat_conv1.png")
		if err := ExportActivation(snap, "conv1", out, 16); err != nil {
			t.Fatalf("ExportActivation failed: %v", err)
		}
		img := readPNG(t, out)
		// 5 channels -> 3 columns, 2 rows
		if b := img.Bounds(); b.Dx() != 48 || b.Dy() != 32 {
			t.Errorf("Unexpected grid size %v", b)
		}
		// Unused sixth cell stays black
		if r, _, _, _ := img.At(40, 24).RGBA(); r != 0 {
			t.Errorf("Expected empty cell to be black, got %d", r)
		}
	})

	t.Run("vector stripe", func(t *testing.T) {
		out := filepath.Join(dir, "flatten.png")
		if err := ExportActivation(snap, "flatten", out, 100); err != nil {
			t.Fatalf("ExportActivation failed: %v", err)
		}
		img := readPNG(t, out)
		if b := img.Bounds(); b.Dx() != 10 || b.Dy() != 50 {
			t.Errorf("Unexpected stripe size %v", b)
		}
		first, _, _, _ := img.At(0, 0).RGBA()
		last, _, _, _ := img.At(9, 0).RGBA()
		if first != 0 || last>>8 != 255 {
			t.Errorf("Expected min/max scaling, got %d and %d", first, last>>8)
		}
	})

	t.Run("small tile uses minimum stripe height", func(t *testing.T) {
		out := filepath.Join(dir, "flat.png")
		if err := ExportActivation(snap, "flat", out, 8); err != nil {
			t.Fatalf("ExportActivation failed: %v", err)
		}
		img := readPNG(t, out)
		if img.Bounds().Dy() != MinStripeHeight {
			t.Errorf("Expected height %d, got %d", MinStripeHeight, img.Bounds().Dy())
		}
		if r, _, _, _ := img.At(2, 2).RGBA(); r != 0 {
			t.Errorf("Constant vector should render black, got %d", r)
		}
	})

	t.Run("missing layer", func(t *testing.T) {
		err := ExportActivation(snap, "fc9", filepath.Join(dir, "x.png"), 16)
		if !errors.Is(err, ErrNoActivation) {
			t.Fatalf("Expected ErrNoActivation, got %v", err)
		}
		msg := err.Error()
		if !strings.Contains(msg, "no activation captured for fc9") || !strings.Contains(msg, "conv1, flatten, flat") {
			t.Errorf("Unexpected error message %q", msg)
		}
	})

	t.Run("invalid tile", func(t *testing.T) {
		if err := ExportActivation(snap, "conv1", filepath.Join(dir, "y.png"), 0); err == nil {
			t.Error("Expected error for zero tile size")
		}
	})
}

func TestUnsupportedShape(t *testing.T) {
	reg := taps.NewRegistry(nil)
	reg.Observe("deep", tensor.MustNew([]int{1, 1, 2, 2, 2}, ramp(8)))
	err := ExportActivation(reg.Snapshot(), "deep", filepath.Join(t.TempDir(), "deep.png"), 8)
	if !errors.Is(err, ErrUnsupportedShape) {
		t.Errorf("Expected ErrUnsupportedShape, got %v", err)
	}
}

func TestSaveConfusionMatrix2x2(t *testing.T) {
	out := filepath.Join(t.TempDir(), "confusion.png")
	if err := SaveConfusionMatrix2x2([2][2]int{{5, 1}, {2, 4}}, [2]string{"Cat", "Dog"}, out); err != nil {
		t.Fatalf("SaveConfusionMatrix2x2 failed: %v", err)
	}
	img := readPNG(t, out)
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 320 {
		t.Errorf("Unexpected image size %v", b)
	}
	// Corner padding stays white
	if r, g, b, _ := img.At(1, 1).RGBA(); r>>8 != 255 || g>>8 != 255 || b>>8 != 255 {
		t.Errorf("Expected white background, got %d %d %d", r>>8, g>>8, b>>8)
	}
}
