package tensor

import (
	"fmt"
	"math"
)

func checkShapesEqual(t1, t2 *Tensor) error {
	if !SameShape(t1.Shape, t2.Shape) {
		return fmt.Errorf("tensor shapes must match: %v vs %v", t1.Shape, t2.Shape)
	}
	return nil
}

// Add returns the element-wise sum of two tensors of the same shape
func Add(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkShapesEqual(t1, t2); err != nil {
		return nil, err
	}
	result := t1.Clone()
	for i, v := range t2.Data {
		result.Data[i] += v
	}
	return result, nil
}

// AddInPlace adds src into dst
func AddInPlace(dst, src *Tensor) error {
	if err := checkShapesEqual(dst, src); err != nil {
		return err
	}
	for i, v := range src.Data {
		dst.Data[i] += v
	}
	return nil
}

// Scale multiplies every element by s in place
func (t *Tensor) Scale(s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// ReLU returns max(0, x) element-wise
func ReLU(t *Tensor) *Tensor {
	result := t.Clone()
	for i, v := range result.Data {
		if v < 0 {
			result.Data[i] = 0
		}
	}
	return result
}

// Softmax applies a numerically stable softmax along the last axis of a
// [rows, cols] tensor.
func Softmax(t *Tensor) (*Tensor, error) {
	if t.Dim() != 2 {
		return nil, fmt.Errorf("Softmax requires a 2D tensor, got %dD", t.Dim())
	}
	rows, cols := t.Shape[0], t.Shape[1]
	result := t.Clone()
	for r := 0; r < rows; r++ {
		row := result.Data[r*cols : (r+1)*cols]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxVal))
			row[j] = float32(e)
			sum += e
		}
		for j := range row {
			row[j] = float32(float64(row[j]) / sum)
		}
	}
	return result, nil
}

// ArgMaxRows returns the index of the largest value in each row of a
// [rows, cols] tensor. Ties resolve to the lowest index.
func ArgMaxRows(t *Tensor) ([]int, error) {
	if t.Dim() != 2 {
		return nil, fmt.Errorf("ArgMaxRows requires a 2D tensor, got %dD", t.Dim())
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		row := t.Data[r*cols : (r+1)*cols]
		best := 0
		for j := 1; j < cols; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[r] = best
	}
	return out, nil
}
