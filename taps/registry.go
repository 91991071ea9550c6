// Package taps captures named intermediate activations during a forward pass.
//
// Tap layers in the engine hand their input to an Observer without changing
// it. The Registry is the standard Observer: it keeps an independent copy of
// the most recent tensor seen under each name.
package taps

import (
	"log/slog"
	"sync"

	gtensor "gorgonia.org/tensor"

	"github.com/tsawler/go-cnn/tensor"
)

// Observer receives the tensor flowing through a tap layer. Implementations
// must not retain or modify t; it is owned by the engine.
type Observer interface {
	Observe(name string, t *tensor.Tensor)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(name string, t *tensor.Tensor)

// Observe calls f(name, t)
func (f ObserverFunc) Observe(name string, t *tensor.Tensor) {
	f(name, t)
}

// Registry stores the latest activation per tap name in first-insertion
// order. A capture that fails is dropped and never reaches the forward pass.
type Registry struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*gtensor.Dense
	dropped int
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*gtensor.Dense),
		logger:  logger,
	}
}

// Observe copies t and stores it under name, replacing any previous copy
func (r *Registry) Observe(name string, t *tensor.Tensor) {
	defer func() {
		if rec := recover(); rec != nil {
			r.mu.Lock()
			r.dropped++
			r.mu.Unlock()
			r.logger.Debug("activation capture dropped", "tap", name, "panic", rec)
		}
	}()

	dense := toDense(t)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; !exists {
		r.order = append(r.order, name)
	}
	r.entries[name] = dense
}

// Get returns a copy of the latest capture for name
func (r *Registry) Get(name string) (*gtensor.Dense, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return d.Clone().(*gtensor.Dense), true
}

// Names returns the captured tap names in first-insertion order
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of captured taps
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Dropped returns how many captures failed since the last Reset
func (r *Registry) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Reset forgets every capture
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.entries = make(map[string]*gtensor.Dense)
	r.dropped = 0
}

// Snapshot returns the current captures. Later forward passes do not change
// a snapshot that was already taken.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		names:  append([]string(nil), r.order...),
		values: make(map[string]*gtensor.Dense, len(r.entries)),
	}
	for k, v := range r.entries {
		s.values[k] = v
	}
	return s
}

func toDense(t *tensor.Tensor) *gtensor.Dense {
	if t == nil {
		panic("nil activation")
	}
	backing := make([]float32, len(t.Data))
	copy(backing, t.Data)
	return gtensor.New(
		gtensor.Of(gtensor.Float32),
		gtensor.WithShape(t.Shape...),
		gtensor.WithBacking(backing),
	)
}
