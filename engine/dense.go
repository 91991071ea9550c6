package engine

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-cnn/layers"
	"github.com/tsawler/go-cnn/tensor"
)

// dense is a fully connected layer y = xW + b with W stored as [in, out].
// Inputs with more than two dimensions are flattened per sample.
type dense struct {
	layerName string
	in, out   int
	weight    *Parameter
	bias      *Parameter

	input      *tensor.Tensor
	inputShape []int
}

func newDense(ls *layers.LayerSpec, rng *rand.Rand) (*dense, error) {
	d := &dense{
		layerName: ls.Name,
		in:        ls.IntParam("input_size", 0),
		out:       ls.IntParam("output_size", 0),
	}
	if d.in <= 0 || d.out <= 0 {
		return nil, fmt.Errorf("invalid dense parameters %v", ls.Parameters)
	}

	w, err := tensor.HeNormal(rng, []int{d.in, d.out}, d.in)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize dense weights: %w", err)
	}
	d.weight = newParameter(ls.Name, KindWeight, w, true)

	if ls.BoolParam("use_bias", true) {
		b, err := tensor.Zeros([]int{d.out})
		if err != nil {
			return nil, err
		}
		d.bias = newParameter(ls.Name, KindBias, b, true)
	}
	return d, nil
}

func (d *dense) name() string { return d.layerName }

func (d *dense) parameters() []*Parameter {
	if d.bias == nil {
		return []*Parameter{d.weight}
	}
	return []*Parameter{d.weight, d.bias}
}

func (d *dense) buffers() []*Parameter { return nil }

func (d *dense) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	n := x.Shape[0]
	if x.Numel() != n*d.in {
		return nil, fmt.Errorf("dense expects %d features per sample, got shape %v", d.in, x.Shape)
	}

	y, err := tensor.Zeros([]int{n, d.out})
	if err != nil {
		return nil, err
	}
	tensor.Gemm(false, false, n, d.out, d.in, 1, x.Data, d.weight.Value.Data, 0, y.Data)
	if d.bias != nil {
		for r := 0; r < n; r++ {
			row := y.Data[r*d.out : (r+1)*d.out]
			for j, bv := range d.bias.Value.Data {
				row[j] += bv
			}
		}
	}

	if training {
		d.input = x
		d.inputShape = x.Size()
	} else {
		d.input = nil
	}
	return y, nil
}

func (d *dense) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if d.input == nil {
		return nil, ErrNoForwardCache
	}
	n := d.inputShape[0]
	if !tensor.SameShape(grad.Shape, []int{n, d.out}) {
		return nil, fmt.Errorf("gradient shape %v does not match dense output [%d %d]", grad.Shape, n, d.out)
	}

	// dW = x^T × g
	tensor.Gemm(true, false, d.in, d.out, n, 1, d.input.Data, grad.Data, 0, d.weight.Grad.Data)
	if d.bias != nil {
		d.bias.Grad.Zero()
		for r := 0; r < n; r++ {
			for j, v := range grad.Data[r*d.out : (r+1)*d.out] {
				d.bias.Grad.Data[j] += v
			}
		}
	}

	dx, err := tensor.Zeros(d.inputShape)
	if err != nil {
		return nil, err
	}
	// dx = g × W^T
	tensor.Gemm(false, true, n, d.in, d.out, 1, grad.Data, d.weight.Value.Data, 0, dx.Data)

	d.input = nil
	return dx, nil
}
