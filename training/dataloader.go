package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-cnn/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                                // Total number of samples
	Get(idx int) (data *tensor.Tensor, label int, err error) // A single CHW sample and its class index
}

// Loader iterates the batches of one epoch. The trainer calls Reset at the
// start of every pass and Next until HasNext reports false.
type Loader interface {
	Reset()
	HasNext() bool
	Next() (*Batch, error)
	Len() int
	NumSamples() int
}

// DataLoader provides batching and seeded shuffling over a Dataset
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. With shuffle enabled, Reset
// permutes the sample order using a generator seeded with seed.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}, nil
}

// Batch represents a batch of images and labels. Data is drawn from the
// global buffer pool; call Release once the batch is no longer needed.
type Batch struct {
	Data   *tensor.Tensor
	Labels *Int32Labels
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	if b == nil || b.Data == nil {
		return 0
	}
	return b.Data.Shape[0]
}

// Release returns the batch storage to the buffer pool
func (b *Batch) Release() {
	if b == nil || b.Data == nil {
		return
	}
	b.Data.Release()
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// NumSamples returns the dataset size
func (dl *DataLoader) NumSamples() int {
	return len(dl.indices)
}

// BatchSize returns the configured batch size
func (dl *DataLoader) BatchSize() int {
	return dl.batchSize
}

// Reset rewinds the loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if the epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}

	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}

	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// loadBatch stacks samples into a pooled [B, C, H, W] tensor
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	batchSize := len(indices)
	labels := make([]int32, batchSize)
	var batchData *tensor.Tensor
	var sampleSize int

	for i, idx := range indices {
		data, label, err := dl.dataset.Get(idx)
		if err != nil {
			if batchData != nil {
				batchData.Release()
			}
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}

		if batchData == nil {
			sampleSize = data.Numel()
			shape := append([]int{batchSize}, data.Shape...)
			batchData, err = tensor.NewPooled(shape)
			if err != nil {
				return nil, fmt.Errorf("failed to create batch data tensor: %w", err)
			}
		} else if data.Numel() != sampleSize {
			batchData.Release()
			return nil, fmt.Errorf("sample %d has %d elements, expected %d", idx, data.Numel(), sampleSize)
		}

		copy(batchData.Data[i*sampleSize:(i+1)*sampleSize], data.Data)
		labels[i] = int32(label)
	}

	batchLabels, err := NewInt32Labels(labels, []int{batchSize})
	if err != nil {
		batchData.Release()
		return nil, err
	}

	return &Batch{
		Data:   batchData,
		Labels: batchLabels,
	}, nil
}
