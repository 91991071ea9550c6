package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// createTestImage creates a solid-colored RGBA image
func createTestImage(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write PNG: %v", err)
	}
}

func writeJPEG(t *testing.T, path string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("Failed to encode JPEG: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write JPEG: %v", err)
	}
}

func TestTransformApplyShape(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		grayscale     bool
	}{
		{"square", 40, 40, false},
		{"landscape", 100, 30, false},
		{"portrait", 20, 90, true},
		{"upscale", 5, 3, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tr := NewTransform(32, test.grayscale)
			out, err := tr.Apply(createTestImage(test.width, test.height, color.RGBA{200, 100, 50, 255}))
			if err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
			if len(out.Shape) != 3 || out.Shape[0] != 3 || out.Shape[1] != 32 || out.Shape[2] != 32 {
				t.Fatalf("Expected shape [3 32 32], got %v", out.Shape)
			}

			lo := (0 - Mean[0]) / Std[0]
			hi := (1 - Mean[2]) / Std[2]
			for i, v := range out.Data {
				if math.IsNaN(float64(v)) || v < lo-1e-4 || v > hi+1e-4 {
					t.Fatalf("Value %f at %d outside normalized range [%f, %f]", v, i, lo, hi)
				}
			}
		})
	}
}

func TestTransformLetterbox(t *testing.T) {
	tr := NewTransform(20, false)
	canvas, err := tr.Render(createTestImage(40, 10, color.RGBA{255, 255, 255, 255}))
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	// 40x10 scales to 20x5, centered vertically at rows 7..11
	if c := canvas.RGBAAt(10, 0); c.R != 0 || c.A != 255 {
		t.Errorf("Expected opaque black padding, got %v", c)
	}
	if c := canvas.RGBAAt(10, 9); c.R < 250 {
		t.Errorf("Expected white content at center, got %v", c)
	}
	if c := canvas.RGBAAt(10, 19); c.R != 0 {
		t.Errorf("Expected black padding at bottom, got %v", c)
	}
}

func TestTransformGrayscaleAppearance(t *testing.T) {
	tr := NewTransform(8, true)
	canvas, err := tr.Render(createTestImage(8, 8, color.RGBA{255, 0, 0, 255}))
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	c := canvas.RGBAAt(4, 4)
	if c.R != c.G || c.G != c.B {
		t.Errorf("Expected equal channels, got %v", c)
	}
	want := color.GrayModel.Convert(color.RGBA{255, 0, 0, 255}).(color.Gray).Y
	if diff := int(c.R) - int(want); diff < -2 || diff > 2 {
		t.Errorf("Expected luminance %d, got %d", want, c.R)
	}

	out, err := tr.Apply(createTestImage(8, 8, color.RGBA{255, 0, 0, 255}))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if out.Shape[0] != 3 {
		t.Errorf("Grayscale output should keep 3 channels, got %d", out.Shape[0])
	}
}

func TestTransformInvalidSize(t *testing.T) {
	tr := NewTransform(0, false)
	if _, err := tr.Apply(createTestImage(4, 4, color.RGBA{A: 255})); err == nil {
		t.Error("Expected error for zero target size")
	}
}

func TestLoadImage(t *testing.T) {
	dir := t.TempDir()

	pngPath := filepath.Join(dir, "ok.png")
	writePNG(t, pngPath, createTestImage(10, 8, color.RGBA{10, 20, 30, 255}))
	jpgPath := filepath.Join(dir, "ok.jpg")
	writeJPEG(t, jpgPath, createTestImage(12, 12, color.RGBA{10, 20, 30, 255}))

	for _, p := range []string{pngPath, jpgPath} {
		img, err := LoadImage(p)
		if err != nil {
			t.Fatalf("LoadImage(%s) failed: %v", p, err)
		}
		if img.Bounds().Dx() < 2 {
			t.Errorf("Unexpected bounds %v", img.Bounds())
		}
	}

	textPath := filepath.Join(dir, "notes.jpg")
	os.WriteFile(textPath, []byte("this is not an image at all"), 0644)

	truncPath := filepath.Join(dir, "trunc.png")
	var buf bytes.Buffer
	png.Encode(&buf, createTestImage(10, 10, color.RGBA{A: 255}))
	os.WriteFile(truncPath, buf.Bytes()[:40], 0644)

	tinyPath := filepath.Join(dir, "tiny.png")
	writePNG(t, tinyPath, createTestImage(1, 5, color.RGBA{A: 255}))

	tests := []struct {
		name   string
		path   string
		reason string
	}{
		{"missing", filepath.Join(dir, "missing.png"), ReasonIO},
		{"text", textPath, ReasonMIME},
		{"truncated", truncPath, ReasonDecode},
		{"too small", tinyPath, ReasonSize},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := LoadImage(test.path)
			skip, ok := IsSkip(err)
			if !ok {
				t.Fatalf("Expected SkipError, got %v", err)
			}
			if skip.Reason != test.reason {
				t.Errorf("Expected reason %s, got %s", test.reason, skip.Reason)
			}
			if skip.Path != test.path {
				t.Errorf("Expected path %s, got %s", test.path, skip.Path)
			}
		})
	}
}

func TestHasAllowedExtension(t *testing.T) {
	tests := map[string]bool{
		"a.jpg":  true,
		"a.JPEG": true,
		"a.webp": true,
		"a.tif":  true,
		"a.txt":  false,
		"a":      false,
	}
	for path, want := range tests {
		if got := HasAllowedExtension(path); got != want {
			t.Errorf("HasAllowedExtension(%q) = %t, expected %t", path, got, want)
		}
	}
}

func TestPreprocessBatch(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 5; i++ {
		p := filepath.Join(dir, "img"+string(rune('a'+i))+".png")
		writePNG(t, p, createTestImage(10+i, 12, color.RGBA{uint8(i * 40), 0, 0, 255}))
		paths = append(paths, p)
	}

	results, err := PreprocessBatch(paths, 16, false, 3)
	if err != nil {
		t.Fatalf("PreprocessBatch failed: %v", err)
	}
	if len(results) != len(paths) {
		t.Fatalf("Expected %d results, got %d", len(paths), len(results))
	}
	for i, r := range results {
		if r.Numel() != 3*16*16 {
			t.Errorf("Result %d has %d elements", i, r.Numel())
		}
	}

	if _, err := PreprocessBatch(append(paths, filepath.Join(dir, "nope.png")), 16, false, 2); err == nil {
		t.Error("Expected error for missing file")
	}
}
