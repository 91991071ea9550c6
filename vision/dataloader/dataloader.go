package dataloader

import (
	"fmt"

	"github.com/tsawler/go-cnn/tensor"
	"github.com/tsawler/go-cnn/training"
	"github.com/tsawler/go-cnn/vision/preprocessing"
)

// Source lists labelled image paths, such as a dataset.ImageFolderDataset
type Source interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
}

// ImageDataset loads and transforms images from a Source on demand, keeping
// recently used samples in a CacheManager. It implements training.Dataset.
type ImageDataset struct {
	source    Source
	transform *preprocessing.Transform
	cache     *CacheManager
	imageSize int
}

// Config holds configuration for image datasets and their loaders
type Config struct {
	BatchSize    int
	ImageSize    int
	Grayscale    bool
	Seed         int64
	ShuffleTrain bool
	MaxCacheSize int           // Maximum number of images to cache, 0 disables caching
	CacheManager *CacheManager // Optional shared cache manager
}

// NewImageDataset wraps source. A nil cache disables caching.
func NewImageDataset(source Source, imageSize int, grayscale bool, cache *CacheManager) *ImageDataset {
	if cache == nil {
		cache = NewCacheManager(0, 0)
	}
	return &ImageDataset{
		source:    source,
		transform: preprocessing.NewTransform(imageSize, grayscale),
		cache:     cache,
		imageSize: imageSize,
	}
}

// Len returns the number of samples
func (d *ImageDataset) Len() int {
	return d.source.Len()
}

// Get returns the [3, S, S] tensor and label of sample idx
func (d *ImageDataset) Get(idx int) (*tensor.Tensor, int, error) {
	imagePath, label, err := d.source.GetItem(idx)
	if err != nil {
		return nil, 0, err
	}

	shape := []int{3, d.imageSize, d.imageSize}
	if cached, ok := d.cache.Get(imagePath); ok {
		t, err := tensor.New(shape, cached)
		return t, label, err
	}

	t, err := d.transform.ApplyFile(imagePath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load %s: %w", imagePath, err)
	}
	if err := d.cache.Put(imagePath, t.Data); err != nil {
		return nil, 0, err
	}
	return t, label, nil
}

// Path returns the image path of sample idx
func (d *ImageDataset) Path(idx int) (string, error) {
	imagePath, _, err := d.source.GetItem(idx)
	return imagePath, err
}

// Cache returns the cache backing this dataset
func (d *ImageDataset) Cache() *CacheManager {
	return d.cache
}

// CreateSharedDataLoaders creates train and validation loaders over a cache
// shared by both splits. The train loader shuffles when config.ShuffleTrain
// is set; the validation loader never shuffles.
func CreateSharedDataLoaders(trainSource, valSource Source, config Config) (*training.DataLoader, *training.DataLoader, error) {
	cache := config.CacheManager
	if cache == nil {
		cache = NewCacheManager(config.MaxCacheSize, 3*config.ImageSize*config.ImageSize)
	}

	trainDataset := NewImageDataset(trainSource, config.ImageSize, config.Grayscale, cache)
	valDataset := NewImageDataset(valSource, config.ImageSize, config.Grayscale, cache)

	trainLoader, err := training.NewDataLoader(trainDataset, config.BatchSize, config.ShuffleTrain, config.Seed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create train loader: %w", err)
	}
	valLoader, err := training.NewDataLoader(valDataset, config.BatchSize, false, config.Seed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create validation loader: %w", err)
	}

	return trainLoader, valLoader, nil
}
