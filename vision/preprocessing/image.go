package preprocessing

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/tsawler/go-cnn/tensor"
)

// ImageNet statistics used for per-channel normalization
var (
	Mean = [3]float32{0.485, 0.456, 0.406}
	Std  = [3]float32{0.229, 0.224, 0.225}
)

// AllowedExtensions lists the image file extensions accepted from raw folders
var AllowedExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tif", ".tiff", ".webp"}

// HasAllowedExtension reports whether path ends in one of AllowedExtensions
func HasAllowedExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// Skip reasons reported for rejected files
const (
	ReasonMIME   = "mime"
	ReasonDecode = "decode"
	ReasonSize   = "size"
	ReasonIO     = "io"
)

// SkipError marks a file that cannot be used as a training image
type SkipError struct {
	Path   string
	Reason string
	Err    error
}

func (e *SkipError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("skipping %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("skipping %s: %s: %v", e.Path, e.Reason, e.Err)
}

func (e *SkipError) Unwrap() error {
	return e.Err
}

// LoadImage reads path, checks that its content is an image and decodes it.
// Any failure is reported as a *SkipError.
func LoadImage(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SkipError{Path: path, Reason: ReasonIO, Err: err}
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, &SkipError{Path: path, Reason: ReasonMIME, Err: fmt.Errorf("content type %s", mtype.String())}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &SkipError{Path: path, Reason: ReasonDecode, Err: err}
	}

	b := img.Bounds()
	if b.Dx() <= 1 || b.Dy() <= 1 {
		return nil, &SkipError{Path: path, Reason: ReasonSize, Err: fmt.Errorf("image is %dx%d", b.Dx(), b.Dy())}
	}
	return img, nil
}

// IsSkip reports whether err marks a skippable file, returning its details
func IsSkip(err error) (*SkipError, bool) {
	var skip *SkipError
	if errors.As(err, &skip) {
		return skip, true
	}
	return nil, false
}

// Transform resizes, pads and normalizes images into [3, S, S] tensors
type Transform struct {
	TargetSize int
	Grayscale  bool

	mu     sync.Mutex
	canvas *image.RGBA
}

// NewTransform creates a transform producing size×size outputs
func NewTransform(size int, grayscale bool) *Transform {
	return &Transform{
		TargetSize: size,
		Grayscale:  grayscale,
	}
}

// Render letterboxes img onto a black S×S canvas, preserving aspect ratio,
// and applies the grayscale appearance if enabled. The returned image is
// owned by the caller.
func (t *Transform) Render(img image.Image) (*image.RGBA, error) {
	canvas := image.NewRGBA(image.Rect(0, 0, t.TargetSize, t.TargetSize))
	if err := t.renderInto(canvas, img); err != nil {
		return nil, err
	}
	return canvas, nil
}

func (t *Transform) renderInto(canvas *image.RGBA, img image.Image) error {
	size := t.TargetSize
	if size <= 0 {
		return fmt.Errorf("target size must be positive, got %d", size)
	}
	src := img.Bounds()
	if src.Dx() <= 0 || src.Dy() <= 0 {
		return fmt.Errorf("empty source image")
	}

	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	// Longer edge becomes size, shorter edge scales proportionally
	w, h := size, size
	if src.Dx() >= src.Dy() {
		h = (src.Dy()*size + src.Dx()/2) / src.Dx()
	} else {
		w = (src.Dx()*size + src.Dy()/2) / src.Dy()
	}
	w, h = max(w, 1), max(h, 1)

	x0, y0 := (size-w)/2, (size-h)/2
	dst := image.Rect(x0, y0, x0+w, y0+h)
	draw.CatmullRom.Scale(canvas, dst, img, src, draw.Over, nil)

	if t.Grayscale {
		toGrayAppearance(canvas)
	}
	return nil
}

// toGrayAppearance replaces each pixel with its luminance on all channels
func toGrayAppearance(canvas *image.RGBA) {
	pix := canvas.Pix
	for i := 0; i+3 < len(pix); i += 4 {
		c := color.RGBA{R: pix[i], G: pix[i+1], B: pix[i+2], A: 255}
		y := color.GrayModel.Convert(c).(color.Gray).Y
		pix[i], pix[i+1], pix[i+2] = y, y, y
	}
}

// Apply renders img and converts it to a normalized CHW tensor
func (t *Transform) Apply(img image.Image) (*tensor.Tensor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := t.TargetSize
	if t.canvas == nil || t.canvas.Bounds().Dx() != size {
		if size <= 0 {
			return nil, fmt.Errorf("target size must be positive, got %d", size)
		}
		t.canvas = image.NewRGBA(image.Rect(0, 0, size, size))
	}
	if err := t.renderInto(t.canvas, img); err != nil {
		return nil, err
	}
	return ToTensor(t.canvas)
}

// ApplyFile loads path and applies the transform
func (t *Transform) ApplyFile(path string) (*tensor.Tensor, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, err
	}
	return t.Apply(img)
}

// ToTensor converts an RGBA image into a normalized [3, H, W] tensor
func ToTensor(img *image.RGBA) (*tensor.Tensor, error) {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	plane := width * height
	data := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			idx := y*width + x
			for c := 0; c < 3; c++ {
				v := float32(row[x*4+c]) / 255
				data[c*plane+idx] = (v - Mean[c]) / Std[c]
			}
		}
	}

	return tensor.New([]int{3, height, width}, data)
}

// PreprocessBatch loads and transforms multiple images concurrently
func PreprocessBatch(imagePaths []string, targetSize int, grayscale bool, maxWorkers int) ([]*tensor.Tensor, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*tensor.Tensor, len(imagePaths))
	errs := make([]error, len(imagePaths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			transform := NewTransform(targetSize, grayscale)

			for j := range jobs {
				results[j.index], errs[j.index] = transform.ApplyFile(j.path)
			}
		}()
	}

	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to process image %d: %w", i, err)
		}
	}

	return results, nil
}
