package dataset

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/go-cnn/vision/preprocessing"
)

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// listClasses returns the sorted names of the immediate subdirectories of root
func listClasses(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var classes []string
	for _, entry := range entries {
		if entry.IsDir() {
			classes = append(classes, entry.Name())
		}
	}
	sort.Strings(classes)
	return classes, nil
}

// listImages walks dir recursively in lexical order and returns the files
// whose extension is in extensions
func listImages(dir string, extensions []string) ([]string, error) {
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if allowed[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// NewImageFolderDataset creates a dataset from a directory structure. Class
// folders and files are sorted; a class folder without images still counts
// as a class.
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = preprocessing.AllowedExtensions
	}

	classes, err := listClasses(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("no class directories found in %s", root)
	}

	dataset := &ImageFolderDataset{
		classNames: classes,
		classToIdx: make(map[string]int, len(classes)),
	}

	for classIdx, className := range classes {
		dataset.classToIdx[className] = classIdx

		files, err := listImages(filepath.Join(root, className), extensions)
		if err != nil {
			return nil, fmt.Errorf("failed to list images for class %s: %w", className, err)
		}
		for _, file := range files {
			dataset.imagePaths = append(dataset.imagePaths, file)
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	return dataset, nil
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names in label order
func (d *ImageFolderDataset) ClassNames() []string {
	return append([]string(nil), d.classNames...)
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int, len(d.classNames))
	for _, name := range d.classNames {
		dist[name] = 0
	}
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// FirstOfEachClass returns, per class in label order, the index of its
// first sample, or -1 if the class has none
func (d *ImageFolderDataset) FirstOfEachClass() []int {
	first := make([]int, len(d.classNames))
	for i := range first {
		first[i] = -1
	}
	for i, label := range d.labels {
		if first[label] < 0 {
			first[label] = i
		}
	}
	return first
}

// Subset creates a subset of the dataset with the specified indices
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classNames: d.classNames,
		classToIdx: d.classToIdx,
	}

	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
	}

	return subset
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		fmt.Fprintf(&sb, "  %s: %d samples\n", className, dist[className])
	}

	return sb.String()
}
