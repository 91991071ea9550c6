package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Gemm computes C = alpha*op(A)*op(B) + beta*C on row-major slices, where
// op(A) is m×k, op(B) is k×n and C is m×n. transA and transB select whether
// A and B are stored transposed.
func Gemm(transA, transB bool, m, n, k int, alpha float32, a, b []float32, beta float32, c []float32) {
	ta, tb := blas.NoTrans, blas.NoTrans
	ga := blas32.General{Rows: m, Cols: k, Stride: k, Data: a}
	if transA {
		ta = blas.Trans
		ga = blas32.General{Rows: k, Cols: m, Stride: m, Data: a}
	}
	gb := blas32.General{Rows: k, Cols: n, Stride: n, Data: b}
	if transB {
		tb = blas.Trans
		gb = blas32.General{Rows: n, Cols: k, Stride: k, Data: b}
	}
	gc := blas32.General{Rows: m, Cols: n, Stride: n, Data: c}
	blas32.Gemm(ta, tb, alpha, ga, gb, beta, gc)
}

// MatMul multiplies two 2-D tensors
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if t1.Dim() != 2 || t2.Dim() != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got %dD and %dD", t1.Dim(), t2.Dim())
	}

	rows1, cols1 := t1.Shape[0], t1.Shape[1]
	rows2, cols2 := t2.Shape[0], t2.Shape[1]
	if cols1 != rows2 {
		return nil, fmt.Errorf("incompatible dimensions for matrix multiplication: (%d x %d) and (%d x %d)",
			rows1, cols1, rows2, cols2)
	}

	result, err := Zeros([]int{rows1, cols2})
	if err != nil {
		return nil, err
	}
	Gemm(false, false, rows1, cols2, cols1, 1, t1.Data, t2.Data, 0, result.Data)
	return result, nil
}

// Transpose returns the transpose of a 2-D tensor
func Transpose(t *Tensor) (*Tensor, error) {
	if t.Dim() != 2 {
		return nil, fmt.Errorf("Transpose requires a 2D tensor, got %dD", t.Dim())
	}
	rows, cols := t.Shape[0], t.Shape[1]
	result, err := Zeros([]int{cols, rows})
	if err != nil {
		return nil, err
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			result.Data[j*rows+i] = t.Data[i*cols+j]
		}
	}
	return result, nil
}

// Flatten collapses every dimension after the first into one
func Flatten(t *Tensor) (*Tensor, error) {
	if t.Dim() < 1 {
		return nil, fmt.Errorf("cannot flatten a scalar tensor")
	}
	return t.Reshape([]int{t.Shape[0], len(t.Data) / t.Shape[0]})
}
