package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tsawler/go-cnn/vision/preprocessing"
)

var (
	// ErrRawRootMissing is returned when the raw image root does not exist
	ErrRawRootMissing = errors.New("raw dataset root not found")
	// ErrNoClasses is returned when the raw root has no class folders
	ErrNoClasses = errors.New("no class folders found")
	// ErrRunExists is returned when OutputRoot/RunTag was already prepared
	ErrRunExists = errors.New("prepared dataset already exists")
)

// Split directory names under a prepared run
const (
	TrainDir     = "train"
	ValDir       = "val"
	MetadataFile = "metadata.json"
)

// PrepareOptions configures dataset preparation
type PrepareOptions struct {
	RawRoot     string
	OutputRoot  string
	RunTag      string
	ValFraction float64
	Seed        int64
	TargetSize  int
	Grayscale   bool
	Logger      *slog.Logger
}

// SkipEntry records a raw file that was left out and why
type SkipEntry struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Manifest is the metadata.json written next to a prepared dataset
type Manifest struct {
	Classes             []string              `json:"classes"`
	TrainCount          map[string]int `json:"trainCount"`
	ValCount            map[string]int `json:"valCount"`
	TargetSize          int            `json:"targetSize"`
	GrayscaleAppearance bool           `json:"grayscaleAppearance"`
	Skipped             []SkipEntry    `json:"skipped"`
	Seed                int64          `json:"seed"`
	ValFraction         float64        `json:"valFraction"`
	RunTag              string         `json:"runTag"`
}

// TotalTrain returns the number of training images over all classes
func (m *Manifest) TotalTrain() int {
	return sumCounts(m.TrainCount)
}

// TotalVal returns the number of validation images over all classes
func (m *Manifest) TotalVal() int {
	return sumCounts(m.ValCount)
}

func sumCounts(counts map[string]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}

// PrepareResult locates the prepared dataset
type PrepareResult struct {
	Root         string
	TrainRoot    string
	ValRoot      string
	MetadataPath string
	Manifest     *Manifest
}

// Prepare builds OutputRoot/RunTag/{train,val}/<class>/ from the class
// folders under RawRoot. Usable images are shuffled per class with
// SubSeed(seed, classIndex), split val-first, rendered through the image
// transform and written as PNG. Raw files are never modified, and an existing
// OutputRoot/RunTag directory is never reused.
func Prepare(ctx context.Context, opts PrepareOptions) (*PrepareResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TargetSize <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %d", opts.TargetSize)
	}
	if opts.ValFraction < 0 || opts.ValFraction > 1 {
		return nil, fmt.Errorf("val fraction must be in [0,1], got %f", opts.ValFraction)
	}

	info, err := os.Stat(opts.RawRoot)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrRawRootMissing, opts.RawRoot)
	}

	classes, err := listClasses(opts.RawRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoClasses, opts.RawRoot)
	}

	root := filepath.Join(opts.OutputRoot, opts.RunTag)
	if err := os.MkdirAll(opts.OutputRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create datasets root: %w", err)
	}
	if err := os.Mkdir(root, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrRunExists, root)
		}
		return nil, fmt.Errorf("failed to create %s: %w", root, err)
	}

	result := &PrepareResult{
		Root:         root,
		TrainRoot:    filepath.Join(root, TrainDir),
		ValRoot:      filepath.Join(root, ValDir),
		MetadataPath: filepath.Join(root, MetadataFile),
		Manifest: &Manifest{
			Classes:             classes,
			TrainCount:          make(map[string]int, len(classes)),
			ValCount:            make(map[string]int, len(classes)),
			TargetSize:          opts.TargetSize,
			GrayscaleAppearance: opts.Grayscale,
			Skipped:             []SkipEntry{},
			Seed:                opts.Seed,
			ValFraction:         opts.ValFraction,
			RunTag:              opts.RunTag,
		},
	}

	transform := preprocessing.NewTransform(opts.TargetSize, opts.Grayscale)

	for classIdx, className := range classes {
		train, val, err := prepareClass(ctx, opts, result, transform, classIdx, className, logger)
		if err != nil {
			return nil, err
		}
		result.Manifest.TrainCount[className] = train
		result.Manifest.ValCount[className] = val

		logger.Info("prepared class",
			"class", className,
			"train", train,
			"val", val,
		)
	}

	if err := writeManifest(result.MetadataPath, result.Manifest); err != nil {
		return nil, err
	}

	logger.Info("dataset prepared",
		"root", root,
		"classes", len(classes),
		"train", result.Manifest.TotalTrain(),
		"val", result.Manifest.TotalVal(),
		"skipped", len(result.Manifest.Skipped),
	)
	return result, nil
}

func prepareClass(ctx context.Context, opts PrepareOptions, result *PrepareResult, transform *preprocessing.Transform,
	classIdx int, className string, logger *slog.Logger) (int, int, error) {
	trainDir := filepath.Join(result.TrainRoot, className)
	valDir := filepath.Join(result.ValRoot, className)
	for _, dir := range []string{trainDir, valDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, 0, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	classRoot := filepath.Join(opts.RawRoot, className)
	candidates, err := listImages(classRoot, preprocessing.AllowedExtensions)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list images for class %s: %w", className, err)
	}

	usable := make([]string, 0, len(candidates))
	for _, path := range candidates {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		if _, err := preprocessing.LoadImage(path); err != nil {
			if skip, ok := preprocessing.IsSkip(err); ok {
				result.Manifest.Skipped = append(result.Manifest.Skipped, SkipEntry{Path: skip.Path, Reason: skip.Reason})
				logger.Debug("skipping file", "class", className, "path", skip.Path, "reason", skip.Reason)
				continue
			}
			return 0, 0, err
		}
		usable = append(usable, path)
	}

	names := preparedNames(classRoot, usable)
	train, val := SplitFiles(usable, opts.ValFraction, SubSeed(opts.Seed, classIdx))

	for _, part := range []struct {
		files []string
		dir   string
	}{{val, valDir}, {train, trainDir}} {
		for _, path := range part.files {
			if err := ctx.Err(); err != nil {
				return 0, 0, err
			}
			if err := writePrepared(transform, path, filepath.Join(part.dir, names[path])); err != nil {
				return 0, 0, err
			}
		}
	}

	return len(train), len(val), nil
}

// preparedNames assigns every usable file of a class a distinct PNG name.
// Paths relative to the class folder are flattened with "_" and lose their
// extension; names already taken get a numeric suffix in lexical path order.
func preparedNames(classRoot string, paths []string) map[string]string {
	names := make(map[string]string, len(paths))
	taken := make(map[string]bool, len(paths))
	for _, path := range paths {
		rel, err := filepath.Rel(classRoot, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		rel = strings.TrimSuffix(rel, filepath.Ext(rel))
		base := strings.ReplaceAll(filepath.ToSlash(rel), "/", "_")

		name := base + ".png"
		for n := 1; taken[strings.ToLower(name)]; n++ {
			name = fmt.Sprintf("%s_%d.png", base, n)
		}
		taken[strings.ToLower(name)] = true
		names[path] = name
	}
	return names
}

func writePrepared(transform *preprocessing.Transform, path, out string) error {
	img, err := preprocessing.LoadImage(path)
	if err != nil {
		return fmt.Errorf("failed to reload %s: %w", path, err)
	}
	rendered, err := transform.Render(img)
	if err != nil {
		return fmt.Errorf("failed to transform %s: %w", path, err)
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", out, err)
	}
	if err := png.Encode(f, rendered); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", out, err)
	}
	return f.Close()
}

func writeManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a metadata.json written by Prepare
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}
