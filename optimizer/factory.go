package optimizer

import (
	"fmt"
	"log/slog"
	"strings"
)

// Kind names a supported optimizer
type Kind string

const (
	KindAdam    Kind = "adam"
	KindSGD     Kind = "sgd"
	KindRMSProp Kind = "rmsprop"
)

// SGDMomentum is the momentum used for settings that select sgd
const SGDMomentum = 0.9

// ParseKind maps a configured optimizer name to its Kind
func ParseKind(name string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(name))) {
	case KindAdam:
		return KindAdam, nil
	case KindSGD:
		return KindSGD, nil
	case KindRMSProp:
		return KindRMSProp, nil
	default:
		return "", fmt.Errorf("unknown optimizer %q (valid: adam, sgd, rmsprop)", name)
	}
}

// New creates the optimizer named by a setting with the given learning rate.
// An unknown name falls back to adam and is logged.
func New(name string, lr float32, logger *slog.Logger) Optimizer {
	if logger == nil {
		logger = slog.Default()
	}

	kind, err := ParseKind(name)
	if err != nil {
		logger.Warn("falling back to adam", "optimizer", name, "error", err)
		kind = KindAdam
	}

	switch kind {
	case KindSGD:
		cfg := DefaultSGDConfig()
		cfg.LearningRate = lr
		cfg.Momentum = SGDMomentum
		return NewSGD(cfg)
	case KindRMSProp:
		cfg := DefaultRMSPropConfig()
		cfg.LearningRate = lr
		return NewRMSProp(cfg)
	default:
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewAdam(cfg)
	}
}

// FixedLR is a learning-rate tracker that always returns the same rate.
// It satisfies the training scheduler interface.
type FixedLR struct {
	Rate float64
}

// GetLR returns the fixed rate, ignoring epoch, step and baseLR
func (f FixedLR) GetLR(epoch int, step int, baseLR float64) float64 {
	return f.Rate
}

// GetName returns the scheduler name for logging
func (f FixedLR) GetName() string {
	return "FixedLR"
}
