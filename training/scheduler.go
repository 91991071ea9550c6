package training

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of epoch and step.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

