package tensor

import (
	"fmt"

	"github.com/tsawler/go-cnn/memory"
)

// Tensor is a dense row-major float32 array. Batch activations use the
// NCHW layout; dense activations use [batch, features].
type Tensor struct {
	Shape   []int
	Strides []int
	Data    []float32

	pooled bool
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

// Release returns a pooled tensor's storage to the global buffer pool. It is
// a no-op for tensors that were not allocated from the pool, and calling it
// twice is safe.
func (t *Tensor) Release() {
	if t == nil || !t.pooled {
		return
	}
	memory.GetGlobalBufferPool().PutFloat32Buffer(t.Data)
	t.Data = nil
	t.pooled = false
}

// Pooled reports whether the tensor's storage came from the buffer pool
func (t *Tensor) Pooled() bool {
	return t.pooled
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: must have at least one dimension")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}
