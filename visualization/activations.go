// Package visualization renders captured activations and evaluation results
// as PNG images.
package visualization

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	gtensor "gorgonia.org/tensor"

	"github.com/tsawler/go-cnn/taps"
)

var (
	// ErrNoActivation is returned when the requested tap was not captured
	ErrNoActivation = errors.New("no activation captured")
	// ErrUnsupportedShape is returned for activations that cannot be drawn
	ErrUnsupportedShape = errors.New("unsupported activation shape")
)

// MinStripeHeight is the smallest height of a vector stripe image
const MinStripeHeight = 32

// ExportActivation writes the activation captured under layer to outFile.
// Feature maps ([C,H,W] or [N,C,H,W]) become a tiled grid, vectors ([D] or
// [N,D]) a stripe. Only the first batch element is drawn.
func ExportActivation(snapshot taps.Snapshot, layer, outFile string, tile int) error {
	if tile <= 0 {
		return fmt.Errorf("tile size must be positive, got %d", tile)
	}
	d, ok := snapshot.Get(layer)
	if !ok {
		return fmt.Errorf("%w for %s, available: [%s]", ErrNoActivation, layer, strings.Join(snapshot.Names(), ", "))
	}

	if d.Dims() >= 3 {
		return SaveFeatureGrid(d, outFile, tile)
	}
	return SaveVectorStripe(d, outFile, max(MinStripeHeight, tile/2))
}

// SaveFeatureGrid draws every channel of a feature map as a grayscale tile,
// min/max scaled per channel, in a grid of ceil(sqrt(C)) columns.
func SaveFeatureGrid(d *gtensor.Dense, outFile string, tile int) error {
	data, shape, err := firstElement(d, 3)
	if err != nil {
		return err
	}
	c, h, w := shape[0], shape[1], shape[2]
	if c == 0 || h == 0 || w == 0 {
		return fmt.Errorf("%w: empty feature map %v", ErrUnsupportedShape, shape)
	}

	cols := int(math.Ceil(math.Sqrt(float64(c))))
	rows := (c + cols - 1) / cols
	grid := image.NewGray(image.Rect(0, 0, cols*tile, rows*tile))

	channel := image.NewGray(image.Rect(0, 0, w, h))
	for ch := 0; ch < c; ch++ {
		plane := data[ch*h*w : (ch+1)*h*w]
		scaleToGray(plane, channel.Pix)

		r, col := ch/cols, ch%cols
		dst := image.Rect(col*tile, r*tile, (col+1)*tile, (r+1)*tile)
		draw.CatmullRom.Scale(grid, dst, channel, channel.Bounds(), draw.Src, nil)
	}

	return writePNG(outFile, grid)
}

// SaveVectorStripe draws a vector as a strip of height pixels, one column per
// element, min/max scaled.
func SaveVectorStripe(d *gtensor.Dense, outFile string, height int) error {
	if height <= 0 {
		return fmt.Errorf("stripe height must be positive, got %d", height)
	}
	data, shape, err := firstElement(d, 1)
	if err != nil {
		return err
	}
	width := shape[0]
	if width == 0 {
		return fmt.Errorf("%w: empty vector", ErrUnsupportedShape)
	}

	row := make([]uint8, width)
	scaleToGray(data, row)

	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		copy(img.Pix[y*img.Stride:y*img.Stride+width], row)
	}
	return writePNG(outFile, img)
}

// firstElement returns the values of d as a tensor of rank want, taking the
// first batch element when d has one extra leading dimension.
func firstElement(d *gtensor.Dense, want int) ([]float32, []int, error) {
	values, ok := d.Data().([]float32)
	if !ok {
		return nil, nil, fmt.Errorf("%w: dtype %v", ErrUnsupportedShape, d.Dtype())
	}
	shape := []int(d.Shape().Clone())

	switch len(shape) {
	case want:
		return values, shape, nil
	case want + 1:
		if shape[0] == 0 {
			return nil, nil, fmt.Errorf("%w: empty batch in %v", ErrUnsupportedShape, shape)
		}
		inner := shape[1:]
		n := 1
		for _, dim := range inner {
			n *= dim
		}
		return values[:n], inner, nil
	default:
		return nil, nil, fmt.Errorf("%w: expected rank %d or %d, got %v", ErrUnsupportedShape, want, want+1, shape)
	}
}

// scaleToGray maps values linearly onto 0..255; a constant input is black
func scaleToGray(values []float32, out []uint8) {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	for i, v := range values {
		if hi > lo {
			out[i] = uint8(255 * (v - lo) / (hi - lo))
		} else {
			out[i] = 0
		}
	}
}

func writePNG(outFile string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(outFile), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(outFile)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", outFile, err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("failed to encode %s: %w", outFile, err)
	}
	return f.Close()
}
