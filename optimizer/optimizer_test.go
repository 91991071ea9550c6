package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/go-cnn/tensor"
)

// quadratic minimizes f(w) = sum((w - 3)^2)
func runQuadratic(t *testing.T, opt Optimizer, steps int) []float32 {
	t.Helper()
	w := tensor.MustNew([]int{3}, []float32{0, 1, -2})
	g := tensor.MustNew([]int{3}, nil)
	for i := 0; i < steps; i++ {
		for j, v := range w.Data {
			g.Data[j] = 2 * (v - 3)
		}
		if err := opt.Step([]*tensor.Tensor{w}, []*tensor.Tensor{g}); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}
	return w.Data
}

func TestOptimizersConverge(t *testing.T) {
	tests := []struct {
		name  string
		opt   Optimizer
		steps int
	}{
		{"adam", NewAdam(AdamConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}), 500},
		{"sgd", NewSGD(SGDConfig{LearningRate: 0.05, Momentum: 0.9}), 300},
		{"sgd plain", NewSGD(DefaultSGDConfig()), 1000},
		{"rmsprop", NewRMSProp(RMSPropConfig{LearningRate: 0.01, Alpha: 0.99, Epsilon: 1e-8}), 2000},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w := runQuadratic(t, test.opt, test.steps)
			for i, v := range w {
				if math.Abs(float64(v-3)) > 0.05 {
					t.Errorf("w[%d] = %f, expected ~3", i, v)
				}
			}
			if test.opt.GetStepCount() != uint64(test.steps) {
				t.Errorf("step count = %d", test.opt.GetStepCount())
			}
		})
	}
}

func TestAdamFirstStep(t *testing.T) {
	// With bias correction the first Adam step moves each weight by ~lr
	opt := NewAdam(DefaultAdamConfig())
	w := tensor.MustNew([]int{2}, []float32{1, 1})
	g := tensor.MustNew([]int{2}, []float32{0.5, -4})
	if err := opt.Step([]*tensor.Tensor{w}, []*tensor.Tensor{g}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if math.Abs(float64(w.Data[0]-0.999)) > 1e-5 || math.Abs(float64(w.Data[1]-1.001)) > 1e-5 {
		t.Errorf("unexpected weights after one step: %v", w.Data)
	}
}

func TestStepValidation(t *testing.T) {
	opt := NewSGD(DefaultSGDConfig())
	w := tensor.MustNew([]int{2}, nil)
	if err := opt.Step([]*tensor.Tensor{w}, nil); err == nil {
		t.Error("expected error for missing gradients")
	}
	if err := opt.Step([]*tensor.Tensor{w}, []*tensor.Tensor{tensor.MustNew([]int{3}, nil)}); err == nil {
		t.Error("expected error for size mismatch")
	}

	if err := opt.Step([]*tensor.Tensor{w}, []*tensor.Tensor{tensor.MustNew([]int{2}, nil)}); err != nil {
		t.Fatalf("valid step failed: %v", err)
	}
	w2 := tensor.MustNew([]int{2}, nil)
	if err := opt.Step([]*tensor.Tensor{w, w2}, []*tensor.Tensor{w, w2}); err == nil {
		t.Error("expected error when the weight layout changes")
	}
}

func TestNewFromName(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"adam", "adam"},
		{"SGD", "sgd"},
		{"rmsprop", "rmsprop"},
		{"adagrad", "adam"},
		{"", "adam"},
	}

	for _, test := range tests {
		opt := New(test.name, 0.02, nil)
		if opt.Name() != test.expected {
			t.Errorf("New(%q).Name() = %s, expected %s", test.name, opt.Name(), test.expected)
		}
		if opt.LearningRate() != 0.02 {
			t.Errorf("New(%q) learning rate = %f", test.name, opt.LearningRate())
		}
	}

	if sgd, ok := New("sgd", 0.1, nil).(*SGD); !ok || sgd.config.Momentum != SGDMomentum {
		t.Error("sgd should use momentum 0.9")
	}
	if _, err := ParseKind("lbfgs"); err == nil {
		t.Error("expected error for unknown optimizer")
	}
}

func TestFixedLR(t *testing.T) {
	s := FixedLR{Rate: 0.003}
	for epoch := 0; epoch < 5; epoch++ {
		if s.GetLR(epoch, epoch*10, 1.0) != 0.003 {
			t.Errorf("FixedLR changed at epoch %d", epoch)
		}
	}
	if s.GetName() != "FixedLR" {
		t.Errorf("unexpected name %s", s.GetName())
	}
}
