package optimizer

import (
	"github.com/tsawler/go-cnn/tensor"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD implements stochastic gradient descent with optional momentum
type SGD struct {
	config SGDConfig
	state  stateBuffers // [0] velocity
	steps  uint64
}

// NewSGD creates a new SGD optimizer
func NewSGD(config SGDConfig) *SGD {
	return &SGD{config: config}
}

// Step applies one SGD update: v = mu*v + g, w -= lr*v
func (s *SGD) Step(weights, grads []*tensor.Tensor) error {
	if err := s.state.ensure(1, weights, grads); err != nil {
		return err
	}
	s.steps++

	cfg := s.config
	for i, w := range weights {
		vel := s.state.buffers[0][i]
		for j, g := range grads[i].Data {
			if cfg.WeightDecay != 0 {
				g += cfg.WeightDecay * w.Data[j]
			}
			if cfg.Momentum == 0 {
				w.Data[j] -= cfg.LearningRate * g
				continue
			}
			vel[j] = cfg.Momentum*vel[j] + g
			if cfg.Nesterov {
				w.Data[j] -= cfg.LearningRate * (g + cfg.Momentum*vel[j])
			} else {
				w.Data[j] -= cfg.LearningRate * vel[j]
			}
		}
	}
	return nil
}

// GetStepCount returns the current step number
func (s *SGD) GetStepCount() uint64 { return s.steps }

// UpdateLearningRate updates the learning rate
func (s *SGD) UpdateLearningRate(lr float32) { s.config.LearningRate = lr }

// LearningRate returns the current learning rate
func (s *SGD) LearningRate() float32 { return s.config.LearningRate }

// Name returns "sgd"
func (s *SGD) Name() string { return string(KindSGD) }
