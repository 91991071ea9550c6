package optimizer

import (
	"math"

	"github.com/tsawler/go-cnn/tensor"
)

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float32
	Alpha        float32
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
	}
}

// RMSProp scales each update by a running average of squared gradients
type RMSProp struct {
	config RMSPropConfig
	state  stateBuffers // [0] squared gradient average, [1] momentum
	steps  uint64
}

// NewRMSProp creates a new RMSProp optimizer
func NewRMSProp(config RMSPropConfig) *RMSProp {
	return &RMSProp{config: config}
}

// Step applies one RMSProp update
func (r *RMSProp) Step(weights, grads []*tensor.Tensor) error {
	if err := r.state.ensure(2, weights, grads); err != nil {
		return err
	}
	r.steps++

	cfg := r.config
	for i, w := range weights {
		sq, buf := r.state.buffers[0][i], r.state.buffers[1][i]
		for j, g := range grads[i].Data {
			if cfg.WeightDecay != 0 {
				g += cfg.WeightDecay * w.Data[j]
			}
			sq[j] = cfg.Alpha*sq[j] + (1-cfg.Alpha)*g*g
			update := g / float32(math.Sqrt(float64(sq[j]))+float64(cfg.Epsilon))
			if cfg.Momentum != 0 {
				buf[j] = cfg.Momentum*buf[j] + update
				update = buf[j]
			}
			w.Data[j] -= cfg.LearningRate * update
		}
	}
	return nil
}

// GetStepCount returns the current step number
func (r *RMSProp) GetStepCount() uint64 { return r.steps }

// UpdateLearningRate updates the learning rate
func (r *RMSProp) UpdateLearningRate(lr float32) { r.config.LearningRate = lr }

// LearningRate returns the current learning rate
func (r *RMSProp) LearningRate() float32 { return r.config.LearningRate }

// Name returns "rmsprop"
func (r *RMSProp) Name() string { return string(KindRMSProp) }
