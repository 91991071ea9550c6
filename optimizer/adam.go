package optimizer

import (
	"math"

	"github.com/tsawler/go-cnn/tensor"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements Adam with bias-corrected first and second moments
type Adam struct {
	config AdamConfig
	state  stateBuffers // [0] momentum, [1] variance
	steps  uint64
}

// NewAdam creates a new Adam optimizer
func NewAdam(config AdamConfig) *Adam {
	return &Adam{config: config}
}

// Step applies one Adam update
func (a *Adam) Step(weights, grads []*tensor.Tensor) error {
	if err := a.state.ensure(2, weights, grads); err != nil {
		return err
	}
	a.steps++

	cfg := a.config
	bc1 := 1 - math.Pow(float64(cfg.Beta1), float64(a.steps))
	bc2 := 1 - math.Pow(float64(cfg.Beta2), float64(a.steps))
	stepSize := float64(cfg.LearningRate) * math.Sqrt(bc2) / bc1

	for i, w := range weights {
		m, v := a.state.buffers[0][i], a.state.buffers[1][i]
		for j, g := range grads[i].Data {
			if cfg.WeightDecay != 0 {
				g += cfg.WeightDecay * w.Data[j]
			}
			m[j] = cfg.Beta1*m[j] + (1-cfg.Beta1)*g
			v[j] = cfg.Beta2*v[j] + (1-cfg.Beta2)*g*g
			denom := math.Sqrt(float64(v[j])) + float64(cfg.Epsilon)*math.Sqrt(bc2)
			w.Data[j] -= float32(stepSize * float64(m[j]) / denom)
		}
	}
	return nil
}

// GetStepCount returns the current step number
func (a *Adam) GetStepCount() uint64 { return a.steps }

// UpdateLearningRate updates the learning rate
func (a *Adam) UpdateLearningRate(lr float32) { a.config.LearningRate = lr }

// LearningRate returns the current learning rate
func (a *Adam) LearningRate() float32 { return a.config.LearningRate }

// Name returns "adam"
func (a *Adam) Name() string { return string(KindAdam) }
