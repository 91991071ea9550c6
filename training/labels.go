package training

import (
	"fmt"
)

// Int32Labels wraps []int32 class indices together with their shape
type Int32Labels struct {
	data  []int32
	shape []int
}

// NewInt32Labels creates classification labels. The product of shape must
// equal len(data); an empty shape denotes a scalar label.
func NewInt32Labels(data []int32, shape []int) (*Int32Labels, error) {
	expected := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("invalid label shape %v", shape)
		}
		expected *= dim
	}
	if len(data) != expected {
		return nil, fmt.Errorf("data size %d doesn't match shape %v (expected %d)", len(data), shape, expected)
	}

	return &Int32Labels{
		data:  data,
		shape: append([]int(nil), shape...),
	}, nil
}

// Data returns the underlying label slice
func (l *Int32Labels) Data() []int32 {
	return l.data
}

// Size returns the number of label elements
func (l *Int32Labels) Size() int {
	return len(l.data)
}

// Shape returns a copy of the label shape
func (l *Int32Labels) Shape() []int {
	return append([]int(nil), l.shape...)
}

// NormalizeLabels turns labels of shape [B], [B,1] or a scalar (B = 1) into a
// 1-D vector of length batchSize.
func NormalizeLabels(labels *Int32Labels, batchSize int) ([]int32, error) {
	if labels == nil {
		return nil, fmt.Errorf("nil labels")
	}
	shape := labels.shape
	switch {
	case len(shape) == 0 && batchSize == 1:
	case len(shape) == 1 && shape[0] == batchSize:
	case len(shape) == 2 && shape[0] == batchSize && shape[1] == 1:
	default:
		return nil, fmt.Errorf("label shape %v incompatible with batch size %d", shape, batchSize)
	}
	return labels.data, nil
}
