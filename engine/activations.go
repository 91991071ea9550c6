package engine

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-cnn/tensor"
)

// leakyReLU computes max(x, alpha*x); alpha 0 is a plain ReLU
type leakyReLU struct {
	layerName string
	alpha     float32

	input *tensor.Tensor
}

func (r *leakyReLU) name() string             { return r.layerName }
func (r *leakyReLU) parameters() []*Parameter { return nil }
func (r *leakyReLU) buffers() []*Parameter    { return nil }

func (r *leakyReLU) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	y, err := tensor.Zeros(x.Shape)
	if err != nil {
		return nil, err
	}
	for i, v := range x.Data {
		if v > 0 {
			y.Data[i] = v
		} else {
			y.Data[i] = r.alpha * v
		}
	}
	if training {
		r.input = x
	} else {
		r.input = nil
	}
	return y, nil
}

func (r *leakyReLU) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if r.input == nil {
		return nil, ErrNoForwardCache
	}
	dx, err := tensor.Zeros(grad.Shape)
	if err != nil {
		return nil, err
	}
	for i, v := range r.input.Data {
		if v > 0 {
			dx.Data[i] = grad.Data[i]
		} else {
			dx.Data[i] = r.alpha * grad.Data[i]
		}
	}
	r.input = nil
	return dx, nil
}

// maxPool2D pools non-overlapping poolH×poolW windows (stride = window).
// Trailing rows and columns that do not fill a window are dropped.
type maxPool2D struct {
	layerName    string
	poolH, poolW int

	inputShape []int
	argmax     []int32
}

func (p *maxPool2D) name() string             { return p.layerName }
func (p *maxPool2D) parameters() []*Parameter { return nil }
func (p *maxPool2D) buffers() []*Parameter    { return nil }

func (p *maxPool2D) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Dim() != 4 {
		return nil, fmt.Errorf("max pool expects 4D input, got %v", x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outH, outW := h/p.poolH, w/p.poolW
	if outH == 0 || outW == 0 {
		return nil, fmt.Errorf("pool size %dx%d exceeds spatial size %dx%d", p.poolH, p.poolW, h, w)
	}

	y, err := tensor.Zeros([]int{n, c, outH, outW})
	if err != nil {
		return nil, err
	}
	var argmax []int32
	if training {
		argmax = make([]int32, len(y.Data))
	}

	for plane := 0; plane < n*c; plane++ {
		inOff := plane * h * w
		outOff := plane * outH * outW
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				best := inOff + oy*p.poolH*w + ox*p.poolW
				for ky := 0; ky < p.poolH; ky++ {
					row := inOff + (oy*p.poolH+ky)*w + ox*p.poolW
					for kx := 0; kx < p.poolW; kx++ {
						if x.Data[row+kx] > x.Data[best] {
							best = row + kx
						}
					}
				}
				o := outOff + oy*outW + ox
				y.Data[o] = x.Data[best]
				if argmax != nil {
					argmax[o] = int32(best)
				}
			}
		}
	}

	if training {
		p.inputShape = x.Size()
	} else {
		p.inputShape = nil
	}
	p.argmax = argmax
	return y, nil
}

func (p *maxPool2D) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if p.argmax == nil {
		return nil, ErrNoForwardCache
	}
	if len(grad.Data) != len(p.argmax) {
		return nil, fmt.Errorf("gradient size %d does not match pool output size %d", len(grad.Data), len(p.argmax))
	}
	dx, err := tensor.Zeros(p.inputShape)
	if err != nil {
		return nil, err
	}
	for i, idx := range p.argmax {
		dx.Data[idx] += grad.Data[i]
	}
	p.argmax, p.inputShape = nil, nil
	return dx, nil
}

// dropout zeroes each element with probability rate during training and
// scales survivors by 1/(1-rate). It is the identity in evaluation mode.
type dropout struct {
	layerName string
	rate      float32
	rng       *rand.Rand

	mask    []float32
	trained bool
}

func (d *dropout) name() string             { return d.layerName }
func (d *dropout) parameters() []*Parameter { return nil }
func (d *dropout) buffers() []*Parameter    { return nil }

func (d *dropout) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	d.trained = training
	d.mask = nil
	if !training || d.rate <= 0 {
		return x, nil
	}

	y, err := tensor.Zeros(x.Shape)
	if err != nil {
		return nil, err
	}
	d.mask = make([]float32, len(x.Data))
	if d.rate >= 1 {
		return y, nil
	}

	keep := 1 / (1 - d.rate)
	for i, v := range x.Data {
		if d.rng.Float32() >= d.rate {
			d.mask[i] = keep
			y.Data[i] = v * keep
		}
	}
	return y, nil
}

func (d *dropout) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.trained {
		return nil, ErrNoForwardCache
	}
	if d.mask == nil {
		return grad, nil
	}
	dx, err := tensor.Zeros(grad.Shape)
	if err != nil {
		return nil, err
	}
	for i, m := range d.mask {
		dx.Data[i] = grad.Data[i] * m
	}
	d.mask = nil
	return dx, nil
}

// globalAvgPool averages each channel plane, [N,C,H,W] to [N,C]
type globalAvgPool struct {
	layerName  string
	inputShape []int
}

func (g *globalAvgPool) name() string             { return g.layerName }
func (g *globalAvgPool) parameters() []*Parameter { return nil }
func (g *globalAvgPool) buffers() []*Parameter    { return nil }

func (g *globalAvgPool) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Dim() != 4 {
		return nil, fmt.Errorf("global average pool expects 4D input, got %v", x.Shape)
	}
	n, c, area := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	y, err := tensor.Zeros([]int{n, c})
	if err != nil {
		return nil, err
	}
	for plane := 0; plane < n*c; plane++ {
		var sum float32
		for _, v := range x.Data[plane*area : (plane+1)*area] {
			sum += v
		}
		y.Data[plane] = sum / float32(area)
	}
	if training {
		g.inputShape = x.Size()
	} else {
		g.inputShape = nil
	}
	return y, nil
}

func (g *globalAvgPool) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if g.inputShape == nil {
		return nil, ErrNoForwardCache
	}
	dx, err := tensor.Zeros(g.inputShape)
	if err != nil {
		return nil, err
	}
	area := g.inputShape[2] * g.inputShape[3]
	for plane, v := range grad.Data {
		share := v / float32(area)
		row := dx.Data[plane*area : (plane+1)*area]
		for i := range row {
			row[i] = share
		}
	}
	g.inputShape = nil
	return dx, nil
}

// flatten reshapes [N, ...] to [N, features] without copying
type flatten struct {
	layerName  string
	inputShape []int
}

func (f *flatten) name() string             { return f.layerName }
func (f *flatten) parameters() []*Parameter { return nil }
func (f *flatten) buffers() []*Parameter    { return nil }

func (f *flatten) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if training {
		f.inputShape = x.Size()
	} else {
		f.inputShape = nil
	}
	return tensor.Flatten(x)
}

func (f *flatten) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if f.inputShape == nil {
		return nil, ErrNoForwardCache
	}
	dx, err := grad.Reshape(f.inputShape)
	f.inputShape = nil
	return dx, err
}

// tap hands its input to the model observer and passes it on unchanged
type tap struct {
	layerName string
	model     *Model
}

func (t *tap) name() string             { return t.layerName }
func (t *tap) parameters() []*Parameter { return nil }
func (t *tap) buffers() []*Parameter    { return nil }

func (t *tap) forward(x *tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	t.observe(x)
	return x, nil
}

func (t *tap) observe(x *tensor.Tensor) {
	defer func() { _ = recover() }()
	t.model.observer.Observe(t.layerName, x)
}

func (t *tap) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	return grad, nil
}
