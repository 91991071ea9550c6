// Package engine executes a compiled layers.ModelSpec on the CPU.
//
// A Model owns its parameters, running statistics and per-layer caches. The
// forward pass in training mode records what the backward pass needs; in
// evaluation mode no caches are kept and Backward fails.
package engine

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/tsawler/go-cnn/layers"
	"github.com/tsawler/go-cnn/taps"
	"github.com/tsawler/go-cnn/tensor"
)

// ErrNoForwardCache is returned by Backward when no training-mode forward
// pass preceded it.
var ErrNoForwardCache = errors.New("backward called without a training forward pass")

// ParameterKind names the role of a model tensor
type ParameterKind string

const (
	KindWeight      ParameterKind = "weight"
	KindBias        ParameterKind = "bias"
	KindGamma       ParameterKind = "gamma"
	KindBeta        ParameterKind = "beta"
	KindRunningMean ParameterKind = "running_mean"
	KindRunningVar  ParameterKind = "running_var"
)

// Parameter is a named model tensor. Grad is nil for non-learnable buffers.
type Parameter struct {
	Name  string
	Layer string
	Kind  ParameterKind
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// Options configures model construction
type Options struct {
	// Seed drives weight initialization and dropout masks
	Seed int64
	// Observer receives tap activations. Nil uses the model's own registry.
	Observer taps.Observer
}

type layer interface {
	name() string
	forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	backward(grad *tensor.Tensor) (*tensor.Tensor, error)
	parameters() []*Parameter
	buffers() []*Parameter
}

// Model is a runnable network built from a compiled ModelSpec
type Model struct {
	spec     *layers.ModelSpec
	layers   []layer
	training bool
	registry *taps.Registry
	observer taps.Observer
	rng      *rand.Rand
}

// NewModel allocates and initializes every layer of spec. Weights use He
// initialization, biases and BatchNorm shifts start at zero and BatchNorm
// scales at one.
func NewModel(spec *layers.ModelSpec, opts Options) (*Model, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled")
	}

	m := &Model{
		spec:     spec,
		training: true,
		registry: taps.NewRegistry(nil),
		rng:      rand.New(rand.NewSource(opts.Seed)),
	}
	m.observer = opts.Observer
	if m.observer == nil {
		m.observer = m.registry
	}

	for i := range spec.Layers {
		ls := &spec.Layers[i]
		l, err := m.newLayer(ls)
		if err != nil {
			return nil, fmt.Errorf("failed to create layer %d (%s): %w", i, ls.Name, err)
		}
		m.layers = append(m.layers, l)
	}

	return m, nil
}

func (m *Model) newLayer(ls *layers.LayerSpec) (layer, error) {
	switch ls.Type {
	case layers.Conv2D:
		return newConv2D(ls, m.rng)
	case layers.Dense:
		return newDense(ls, m.rng)
	case layers.BatchNorm:
		return newBatchNorm(ls)
	case layers.ReLU:
		return &leakyReLU{layerName: ls.Name}, nil
	case layers.LeakyReLU:
		return &leakyReLU{layerName: ls.Name, alpha: ls.FloatParam("negative_slope", 0.01)}, nil
	case layers.MaxPool2D:
		return &maxPool2D{layerName: ls.Name, poolH: ls.IntParam("pool_h", 2), poolW: ls.IntParam("pool_w", 2)}, nil
	case layers.Dropout:
		return &dropout{layerName: ls.Name, rate: ls.FloatParam("rate", 0), rng: m.rng}, nil
	case layers.GlobalAvgPool:
		return &globalAvgPool{layerName: ls.Name}, nil
	case layers.Flatten:
		return &flatten{layerName: ls.Name}, nil
	case layers.Tap:
		return &tap{layerName: ls.Name, model: m}, nil
	default:
		return nil, fmt.Errorf("unsupported layer type: %s", ls.Type)
	}
}

// Spec returns the compiled specification the model was built from
func (m *Model) Spec() *layers.ModelSpec {
	return m.spec
}

// Train switches to training mode: batch statistics, active dropout and
// cached intermediates for Backward.
func (m *Model) Train() {
	m.training = true
}

// Eval switches to evaluation mode: running statistics, no dropout and no
// caches.
func (m *Model) Eval() {
	m.training = false
}

// IsTraining reports the current mode
func (m *Model) IsTraining() bool {
	return m.training
}

// Forward runs x ([batch, ...input dims]) through every layer and returns the
// logits. Tap layers report to the model's observer.
func (m *Model) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := m.checkInput(x); err != nil {
		return nil, err
	}

	out := x
	for i, l := range m.layers {
		next, err := l.forward(out, m.training)
		if err != nil {
			return nil, fmt.Errorf("forward failed at layer %d (%s): %w", i, l.name(), err)
		}
		out = next
	}
	return out, nil
}

// Backward propagates the loss gradient with respect to the logits back
// through the network, overwriting every parameter gradient. It returns the
// gradient with respect to the input.
func (m *Model) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if !m.training {
		return nil, ErrNoForwardCache
	}

	grad := gradOut
	for i := len(m.layers) - 1; i >= 0; i-- {
		l := m.layers[i]
		next, err := l.backward(grad)
		if err != nil {
			return nil, fmt.Errorf("backward failed at layer %d (%s): %w", i, l.name(), err)
		}
		grad = next
	}
	return grad, nil
}

func (m *Model) checkInput(x *tensor.Tensor) error {
	if x == nil {
		return fmt.Errorf("nil input")
	}
	want := m.spec.InputShape
	if len(x.Shape) != len(want) {
		return fmt.Errorf("input rank %d does not match model input %v", len(x.Shape), want)
	}
	for i := 1; i < len(want); i++ {
		if x.Shape[i] != want[i] {
			return fmt.Errorf("input shape %v does not match model input %v", x.Shape, want)
		}
	}
	return nil
}

// Parameters returns the learnable tensors in layer order
func (m *Model) Parameters() []*Parameter {
	var params []*Parameter
	for _, l := range m.layers {
		params = append(params, l.parameters()...)
	}
	return params
}

// Buffers returns the non-learnable state (BatchNorm running statistics)
func (m *Model) Buffers() []*Parameter {
	var bufs []*Parameter
	for _, l := range m.layers {
		bufs = append(bufs, l.buffers()...)
	}
	return bufs
}

// State returns parameters followed by buffers, the full set needed to
// restore a trained model.
func (m *Model) State() []*Parameter {
	return append(m.Parameters(), m.Buffers()...)
}

// Weights returns the learnable tensors in the order the optimizer expects
func (m *Model) Weights() []*tensor.Tensor {
	params := m.Parameters()
	out := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		out[i] = p.Value
	}
	return out
}

// Gradients returns the gradients matching Weights
func (m *Model) Gradients() []*tensor.Tensor {
	params := m.Parameters()
	out := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		out[i] = p.Grad
	}
	return out
}

// LoadState copies values into the named tensors. Every state tensor must be
// present with a matching element count.
func (m *Model) LoadState(values map[string][]float32) error {
	for _, p := range m.State() {
		data, ok := values[p.Name]
		if !ok {
			return fmt.Errorf("missing state tensor %q", p.Name)
		}
		if len(data) != len(p.Value.Data) {
			return fmt.Errorf("state tensor %q has %d elements, expected %d", p.Name, len(data), len(p.Value.Data))
		}
		copy(p.Value.Data, data)
	}
	return nil
}

// Registry returns the model's own activation registry
func (m *Model) Registry() *taps.Registry {
	return m.registry
}

// Activations returns the activations captured by the most recent forward
// pass. It is empty for a model without tap layers.
func (m *Model) Activations() taps.Snapshot {
	return m.registry.Snapshot()
}

// TapNames returns the tap layer names in network order
func (m *Model) TapNames() []string {
	return m.spec.TapNames()
}

func paramName(layerName string, kind ParameterKind) string {
	return layerName + "." + string(kind)
}

func newParameter(layerName string, kind ParameterKind, value *tensor.Tensor, learnable bool) *Parameter {
	p := &Parameter{
		Name:  paramName(layerName, kind),
		Layer: layerName,
		Kind:  kind,
		Value: value,
	}
	if learnable {
		p.Grad = tensor.MustNew(value.Shape, nil)
	}
	return p
}
