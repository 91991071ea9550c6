package tensor

import (
	"fmt"
	"strings"
)

// Reshape returns a view with a new shape over the same data
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}

	if calculateNumElements(newShape) != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape tensor of size %d to shape %v", len(t.Data), newShape)
	}

	return &Tensor{
		Shape:   copyShape(newShape),
		Strides: calculateStrides(newShape),
		Data:    t.Data,
	}, nil
}

// Clone returns a deep copy that does not share storage with t and is never
// pooled.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:   copyShape(t.Shape),
		Strides: copyShape(t.Strides),
		Data:    data,
	}
}

// Numel returns the number of elements
func (t *Tensor) Numel() int {
	return len(t.Data)
}

// Dim returns the number of dimensions
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Size returns a copy of the shape
func (t *Tensor) Size() []int {
	return copyShape(t.Shape)
}

// At returns the element at the given indices
func (t *Tensor) At(indices ...int) (float32, error) {
	idx, err := t.offset(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[idx], nil
}

// SetAt sets the element at the given indices
func (t *Tensor) SetAt(value float32, indices ...int) error {
	idx, err := t.offset(indices)
	if err != nil {
		return err
	}
	t.Data[idx] = value
	return nil
}

func (t *Tensor) offset(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	idx := 0
	for i, v := range indices {
		if v < 0 || v >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range for dimension %d of size %d", v, i, t.Shape[i])
		}
		idx += v * t.Strides[i]
	}
	return idx, nil
}

// Zero sets every element to 0
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// SameShape reports whether two shapes are identical
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PrintData renders at most maxElements values for debugging
func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor%v [", t.Shape)
	for i, v := range t.Data {
		if i >= maxElements {
			fmt.Fprintf(&sb, " ... (%d more)", len(t.Data)-maxElements)
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%.4f", v)
	}
	sb.WriteString("]")
	return sb.String()
}
