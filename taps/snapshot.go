package taps

import (
	gtensor "gorgonia.org/tensor"
)

// Snapshot is an insertion-ordered, read-only view of captured activations
type Snapshot struct {
	names  []string
	values map[string]*gtensor.Dense
}

// Get returns a copy of the activation captured under name, so callers
// cannot change what later readers see
func (s Snapshot) Get(name string) (*gtensor.Dense, bool) {
	d, ok := s.values[name]
	if !ok {
		return nil, false
	}
	return d.Clone().(*gtensor.Dense), true
}

// Names returns the tap names in the order they were first captured
func (s Snapshot) Names() []string {
	return append([]string(nil), s.names...)
}

// Len returns the number of captured activations
func (s Snapshot) Len() int {
	return len(s.names)
}

// Float32s returns a copy of the captured values and their shape
func (s Snapshot) Float32s(name string) ([]float32, []int, bool) {
	d, ok := s.values[name]
	if !ok {
		return nil, nil, false
	}
	data, ok := d.Data().([]float32)
	if !ok {
		return nil, nil, false
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out, []int(d.Shape().Clone()), true
}
