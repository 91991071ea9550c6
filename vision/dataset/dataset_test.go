package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// writeTestPNG writes a small solid PNG
func writeTestPNG(t *testing.T, path string, w, h int, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
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

// createRawDataset creates root/<class>/img_N.png for each class
func createRawDataset(t *testing.T, counts map[string]int) string {
	t.Helper()
	root := t.TempDir()
	for class, n := range counts {
		dir := filepath.Join(root, class)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create %s: %v", dir, err)
		}
		for i := 0; i < n; i++ {
			writeTestPNG(t, filepath.Join(dir, fmt.Sprintf("img_%02d.png", i)), 12, 9, color.RGBA{uint8(i * 10), 80, 160, 255})
		}
	}
	return root
}

func listPNGs(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	for i := range files {
		files[i] = filepath.Base(files[i])
	}
	sort.Strings(files)
	return files
}

func TestValCount(t *testing.T) {
	tests := []struct {
		n        int
		f        float64
		expected int
	}{
		{0, 0.2, 0},
		{10, 0.2, 2},
		{10, 0.25, 3},
		{3, 0.1, 1},
		{1, 0.5, 1},
		{5, 0, 1},
		{5, 1, 5},
	}
	for _, test := range tests {
		if got := ValCount(test.n, test.f); got != test.expected {
			t.Errorf("ValCount(%d, %f) = %d, expected %d", test.n, test.f, got, test.expected)
		}
	}
}

func TestSplitFiles(t *testing.T) {
	files := make([]string, 10)
	for i := range files {
		files[i] = fmt.Sprintf("f%d", i)
	}

	train1, val1 := SplitFiles(files, 0.3, 7)
	train2, val2 := SplitFiles(files, 0.3, 7)

	if len(val1) != 3 || len(train1) != 7 {
		t.Fatalf("Expected 7/3 split, got %d/%d", len(train1), len(val1))
	}
	for i := range val1 {
		if val1[i] != val2[i] {
			t.Fatalf("Split not deterministic: %v vs %v", val1, val2)
		}
	}
	for i := range train1 {
		if train1[i] != train2[i] {
			t.Fatalf("Split not deterministic: %v vs %v", train1, train2)
		}
	}

	seen := make(map[string]bool)
	for _, f := range append(append([]string(nil), train1...), val1...) {
		if seen[f] {
			t.Errorf("File %s appears twice", f)
		}
		seen[f] = true
	}
	if len(seen) != len(files) {
		t.Errorf("Split lost files: %d of %d", len(seen), len(files))
	}
	if files[0] != "f0" || files[9] != "f9" {
		t.Error("SplitFiles modified its input")
	}
}

func TestSubSeed(t *testing.T) {
	if SubSeed(42, 0) != SubSeed(42, 0) {
		t.Error("SubSeed is not deterministic")
	}
	if SubSeed(42, 0) == SubSeed(42, 1) {
		t.Error("Different classes should get different seeds")
	}
	if SubSeed(42, 0) == SubSeed(43, 0) {
		t.Error("Different run seeds should give different class seeds")
	}
}

func TestPrepareCatDog(t *testing.T) {
	raw := createRawDataset(t, map[string]int{"Cat": 10, "Dog": 10})
	out := t.TempDir()

	opts := PrepareOptions{
		RawRoot:     raw,
		OutputRoot:  out,
		RunTag:      "20240101-1200",
		ValFraction: 0.2,
		Seed:        42,
		TargetSize:  16,
	}
	result, err := Prepare(context.Background(), opts)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	m := result.Manifest
	if len(m.Classes) != 2 || m.Classes[0] != "Cat" || m.Classes[1] != "Dog" {
		t.Fatalf("Unexpected classes %v", m.Classes)
	}
	if m.TotalTrain() != 16 || m.TotalVal() != 4 {
		t.Errorf("Expected 16/4 totals, got %d/%d", m.TotalTrain(), m.TotalVal())
	}
	for _, class := range m.Classes {
		if m.TrainCount[class] != 8 || m.ValCount[class] != 2 {
			t.Errorf("Class %s split %d/%d, expected 8/2", class, m.TrainCount[class], m.ValCount[class])
		}
		if n := len(listPNGs(t, filepath.Join(result.TrainRoot, class))); n != 8 {
			t.Errorf("Class %s has %d train files", class, n)
		}
		if n := len(listPNGs(t, filepath.Join(result.ValRoot, class))); n != 2 {
			t.Errorf("Class %s has %d val files", class, n)
		}
	}

	// Prepared images are target-sized PNGs
	files := listPNGs(t, filepath.Join(result.ValRoot, "Cat"))
	f, _ := os.Open(filepath.Join(result.ValRoot, "Cat", files[0]))
	cfg, err := png.DecodeConfig(f)
	f.Close()
	if err != nil || cfg.Width != 16 || cfg.Height != 16 {
		t.Errorf("Prepared image config %+v, %v", cfg, err)
	}

	read, err := ReadManifest(result.MetadataPath)
	if err != nil {
		t.Fatalf("ReadManifest failed: %v", err)
	}
	if read.RunTag != opts.RunTag || read.Seed != 42 || read.TargetSize != 16 {
		t.Errorf("Manifest round trip mismatch: %+v", read)
	}

	// Counts are stored per class in metadata.json
	data, err := os.ReadFile(result.MetadataPath)
	if err != nil {
		t.Fatalf("Failed to read metadata: %v", err)
	}
	var doc struct {
		TrainCount map[string]int `json:"trainCount"`
		ValCount   map[string]int `json:"valCount"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("metadata.json counts are not per-class maps: %v", err)
	}
	expectedTrain := map[string]int{"Cat": 8, "Dog": 8}
	expectedVal := map[string]int{"Cat": 2, "Dog": 2}
	if fmt.Sprint(doc.TrainCount) != fmt.Sprint(expectedTrain) || fmt.Sprint(doc.ValCount) != fmt.Sprint(expectedVal) {
		t.Errorf("Expected trainCount=%v valCount=%v, got %v %v", expectedTrain, expectedVal, doc.TrainCount, doc.ValCount)
	}

	// Same seed reproduces the same val files
	opts.OutputRoot = t.TempDir()
	again, err := Prepare(context.Background(), opts)
	if err != nil {
		t.Fatalf("second Prepare failed: %v", err)
	}
	a := listPNGs(t, filepath.Join(result.ValRoot, "Dog"))
	b := listPNGs(t, filepath.Join(again.ValRoot, "Dog"))
	if fmt.Sprint(a) != fmt.Sprint(b) {
		t.Errorf("Split differs between runs: %v vs %v", a, b)
	}

	// Raw files are untouched
	if n := len(listPNGs(t, filepath.Join(raw, "Cat"))); n != 10 {
		t.Errorf("Raw folder changed: %d files", n)
	}
}

func TestPrepareSkipsBadFiles(t *testing.T) {
	raw := createRawDataset(t, map[string]int{"a": 3, "b": 0})
	os.WriteFile(filepath.Join(raw, "a", "broken.jpg"), []byte("not an image"), 0644)
	os.WriteFile(filepath.Join(raw, "a", "notes.txt"), []byte("ignored"), 0644)
	nested := filepath.Join(raw, "a", "more")
	os.MkdirAll(nested, 0755)
	writeTestPNG(t, filepath.Join(nested, "img_00.png"), 8, 8, color.RGBA{A: 255})

	result, err := Prepare(context.Background(), PrepareOptions{
		RawRoot:     raw,
		OutputRoot:  t.TempDir(),
		RunTag:      "run",
		ValFraction: 0.25,
		Seed:        1,
		TargetSize:  8,
	})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	m := result.Manifest
	if len(m.Skipped) != 1 || m.Skipped[0].Reason != "mime" {
		t.Errorf("Unexpected skip list %+v", m.Skipped)
	}
	if m.TrainCount["a"]+m.ValCount["a"] != 4 || m.ValCount["a"] != 1 {
		t.Errorf("Class a split %d/%d", m.TrainCount["a"], m.ValCount["a"])
	}
	if n, ok := m.TrainCount["b"]; !ok || n != 0 || m.ValCount["b"] != 0 {
		t.Errorf("Empty class split %d/%d", m.TrainCount["b"], m.ValCount["b"])
	}
	if _, err := os.Stat(filepath.Join(result.TrainRoot, "b")); err != nil {
		t.Errorf("Empty class should still get a train folder: %v", err)
	}

	ds, err := NewImageFolderDataset(result.TrainRoot, nil)
	if err != nil {
		t.Fatalf("NewImageFolderDataset failed: %v", err)
	}
	if ds.NumClasses() != 2 || ds.Len() != 3 {
		t.Errorf("Expected 2 classes and 3 train images, got %d and %d", ds.NumClasses(), ds.Len())
	}
}

func TestPrepareNameCollisions(t *testing.T) {
	raw := t.TempDir()
	dir := filepath.Join(raw, "x")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create %s: %v", dir, err)
	}
	for _, name := range []string{"a.png", "a_1.png", "b.png", "b.gif.png"} {
		writeTestPNG(t, filepath.Join(dir, name), 8, 8, color.RGBA{R: 200, A: 255})
	}
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for name, encode := range map[string]func(*os.File) error{
		"a.jpg": func(f *os.File) error { return jpeg.Encode(f, img, nil) },
		"b.gif": func(f *os.File) error { return gif.Encode(f, img, nil) },
	} {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("Failed to create %s: %v", name, err)
		}
		if err := encode(f); err != nil {
			t.Fatalf("Failed to encode %s: %v", name, err)
		}
		f.Close()
	}

	result, err := Prepare(context.Background(), PrepareOptions{
		RawRoot:     raw,
		OutputRoot:  t.TempDir(),
		RunTag:      "run",
		ValFraction: 0.3,
		Seed:        7,
		TargetSize:  8,
	})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	m := result.Manifest
	if len(m.Skipped) != 0 {
		t.Fatalf("Unexpected skips %+v", m.Skipped)
	}
	train := listPNGs(t, filepath.Join(result.TrainRoot, "x"))
	val := listPNGs(t, filepath.Join(result.ValRoot, "x"))
	if m.TrainCount["x"]+m.ValCount["x"] != 6 {
		t.Errorf("Expected 6 usable images, manifest has %d", m.TrainCount["x"]+m.ValCount["x"])
	}
	if len(train) != m.TrainCount["x"] || len(val) != m.ValCount["x"] {
		t.Errorf("Files on disk %d/%d do not match manifest %d/%d", len(train), len(val), m.TrainCount["x"], m.ValCount["x"])
	}
}

func TestPrepareRefusesExistingRun(t *testing.T) {
	raw := createRawDataset(t, map[string]int{"a": 5, "b": 5})
	out := t.TempDir()
	opts := PrepareOptions{RawRoot: raw, OutputRoot: out, RunTag: "r", ValFraction: 0.2, Seed: 1, TargetSize: 8}

	first, err := Prepare(context.Background(), opts)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	opts.Seed = 2
	if _, err := Prepare(context.Background(), opts); !errors.Is(err, ErrRunExists) {
		t.Fatalf("Expected ErrRunExists, got %v", err)
	}

	// The first run is left as it was
	for _, class := range []string{"a", "b"} {
		train := listPNGs(t, filepath.Join(first.TrainRoot, class))
		val := listPNGs(t, filepath.Join(first.ValRoot, class))
		if len(train) != 4 || len(val) != 1 {
			t.Errorf("Class %s has %d/%d files after refused run", class, len(train), len(val))
		}
		seen := map[string]bool{}
		for _, name := range train {
			seen[name] = true
		}
		for _, name := range val {
			if seen[name] {
				t.Errorf("Class %s: %s is in both train and val", class, name)
			}
		}
	}
}

func TestPrepareErrors(t *testing.T) {
	_, err := Prepare(context.Background(), PrepareOptions{RawRoot: filepath.Join(t.TempDir(), "missing"), TargetSize: 8})
	if !errors.Is(err, ErrRawRootMissing) {
		t.Errorf("Expected ErrRawRootMissing, got %v", err)
	}

	_, err = Prepare(context.Background(), PrepareOptions{RawRoot: t.TempDir(), TargetSize: 8})
	if !errors.Is(err, ErrNoClasses) {
		t.Errorf("Expected ErrNoClasses, got %v", err)
	}

	raw := createRawDataset(t, map[string]int{"a": 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Prepare(ctx, PrepareOptions{RawRoot: raw, OutputRoot: t.TempDir(), RunTag: "x", TargetSize: 8, ValFraction: 0.5})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestImageFolderDataset(t *testing.T) {
	root := createRawDataset(t, map[string]int{"cat": 3, "dog": 2, "bird": 1})

	ds, err := NewImageFolderDataset(root, nil)
	if err != nil {
		t.Fatalf("NewImageFolderDataset failed: %v", err)
	}

	names := ds.ClassNames()
	if fmt.Sprint(names) != "[bird cat dog]" {
		t.Errorf("Expected sorted classes, got %v", names)
	}
	if ds.Len() != 6 {
		t.Errorf("Expected 6 images, got %d", ds.Len())
	}

	path, label, err := ds.GetItem(0)
	if err != nil || label != 0 || filepath.Base(filepath.Dir(path)) != "bird" {
		t.Errorf("GetItem(0) = %s, %d, %v", path, label, err)
	}
	if _, _, err := ds.GetItem(6); err == nil {
		t.Error("Expected error for out-of-range index")
	}

	dist := ds.ClassDistribution()
	if dist["cat"] != 3 || dist["dog"] != 2 || dist["bird"] != 1 {
		t.Errorf("Unexpected distribution %v", dist)
	}

	first := ds.FirstOfEachClass()
	if first[0] != 0 || first[1] != 1 || first[2] != 4 {
		t.Errorf("FirstOfEachClass = %v", first)
	}

	sub := ds.Subset([]int{1, 4})
	if sub.Len() != 2 || sub.NumClasses() != 3 {
		t.Errorf("Subset has %d items, %d classes", sub.Len(), sub.NumClasses())
	}

	if _, err := NewImageFolderDataset(t.TempDir(), nil); err == nil {
		t.Error("Expected error for root without classes")
	}
}
