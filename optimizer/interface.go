package optimizer

import (
	"fmt"

	"github.com/tsawler/go-cnn/tensor"
)

// Optimizer updates model weights in place from their gradients
type Optimizer interface {
	// Step performs a single optimization step. weights and grads must be
	// parallel slices with matching shapes, in the same order on every call.
	Step(weights, grads []*tensor.Tensor) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// LearningRate returns the current learning rate
	LearningRate() float32

	// Name returns the optimizer name for logging
	Name() string
}

// stateBuffers lazily allocates one zeroed buffer per weight tensor and
// checks that later calls keep the same layout.
type stateBuffers struct {
	buffers [][][]float32
}

func (s *stateBuffers) ensure(count int, weights, grads []*tensor.Tensor) error {
	if len(weights) != len(grads) {
		return fmt.Errorf("weights/gradients count mismatch: %d vs %d", len(weights), len(grads))
	}
	for i := range weights {
		if grads[i] == nil {
			return fmt.Errorf("missing gradient for weight %d", i)
		}
		if len(weights[i].Data) != len(grads[i].Data) {
			return fmt.Errorf("weight %d has %d elements but gradient has %d", i, len(weights[i].Data), len(grads[i].Data))
		}
	}

	if s.buffers == nil {
		s.buffers = make([][][]float32, count)
		for k := range s.buffers {
			s.buffers[k] = make([][]float32, len(weights))
			for i, w := range weights {
				s.buffers[k][i] = make([]float32, len(w.Data))
			}
		}
		return nil
	}

	if len(s.buffers[0]) != len(weights) {
		return fmt.Errorf("optimizer initialized for %d weights, got %d", len(s.buffers[0]), len(weights))
	}
	for i, w := range weights {
		if len(s.buffers[0][i]) != len(w.Data) {
			return fmt.Errorf("weight %d changed size from %d to %d", i, len(s.buffers[0][i]), len(w.Data))
		}
	}
	return nil
}
