package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-cnn/memory"
)

// New wraps data in a tensor of the given shape. The slice is not copied.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	return &Tensor{
		Shape:   copyShape(shape),
		Strides: calculateStrides(shape),
		Data:    data,
	}, nil
}

// MustNew is like New but panics on an invalid shape. It is meant for shapes
// that were already validated by the caller.
func MustNew(shape []int, data []float32) *Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Zeros creates a zero-filled tensor
func Zeros(shape []int) (*Tensor, error) {
	return New(shape, nil)
}

// Full creates a tensor with every element set to value
func Full(shape []int, value float32) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// NewPooled creates a zero-filled tensor whose storage is borrowed from the
// global buffer pool. The caller must call Release when done.
func NewPooled(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	return &Tensor{
		Shape:   copyShape(shape),
		Strides: calculateStrides(shape),
		Data:    memory.GetGlobalBufferPool().GetFloat32Buffer(numElems),
		pooled:  true,
	}, nil
}

// RandomNormal fills a new tensor with samples from N(mean, std^2) drawn
// from rng.
func RandomNormal(rng *rand.Rand, shape []int, mean, std float32) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = mean + std*float32(rng.NormFloat64())
	}
	return t, nil
}

// HeNormal draws weights with the He initialisation std = sqrt(2/fanIn).
func HeNormal(rng *rand.Rand, shape []int, fanIn int) (*Tensor, error) {
	if fanIn <= 0 {
		return nil, fmt.Errorf("fan-in must be positive, got %d", fanIn)
	}
	return RandomNormal(rng, shape, 0, float32(math.Sqrt(2.0/float64(fanIn))))
}
