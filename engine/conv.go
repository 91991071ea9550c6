package engine

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-cnn/layers"
	"github.com/tsawler/go-cnn/memory"
	"github.com/tsawler/go-cnn/tensor"
)

// conv2D is a 2-D convolution computed as im2col followed by a GEMM per
// batch element. Weights are [outC, inC, kh, kw].
type conv2D struct {
	layerName  string
	inC, outC  int
	kh, kw     int
	stride     int
	padH, padW int
	weight     *Parameter
	bias       *Parameter

	input *tensor.Tensor
}

func newConv2D(ls *layers.LayerSpec, rng *rand.Rand) (*conv2D, error) {
	c := &conv2D{
		layerName: ls.Name,
		inC:       ls.IntParam("input_channels", 0),
		outC:      ls.IntParam("output_channels", 0),
		kh:        ls.IntParam("kernel_h", 0),
		kw:        ls.IntParam("kernel_w", 0),
		stride:    ls.IntParam("stride", 1),
		padH:      ls.IntParam("pad_h", 0),
		padW:      ls.IntParam("pad_w", 0),
	}
	if c.inC <= 0 || c.outC <= 0 || c.kh <= 0 || c.kw <= 0 || c.stride <= 0 {
		return nil, fmt.Errorf("invalid conv parameters %v", ls.Parameters)
	}

	fanIn := c.inC * c.kh * c.kw
	w, err := tensor.HeNormal(rng, []int{c.outC, c.inC, c.kh, c.kw}, fanIn)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize conv weights: %w", err)
	}
	c.weight = newParameter(ls.Name, KindWeight, w, true)

	if ls.BoolParam("use_bias", true) {
		b, err := tensor.Zeros([]int{c.outC})
		if err != nil {
			return nil, err
		}
		c.bias = newParameter(ls.Name, KindBias, b, true)
	}
	return c, nil
}

func (c *conv2D) name() string { return c.layerName }

func (c *conv2D) parameters() []*Parameter {
	if c.bias == nil {
		return []*Parameter{c.weight}
	}
	return []*Parameter{c.weight, c.bias}
}

func (c *conv2D) buffers() []*Parameter { return nil }

func (c *conv2D) geometry(x *tensor.Tensor) (n, h, w, outH, outW int, err error) {
	if x.Dim() != 4 || x.Shape[1] != c.inC {
		return 0, 0, 0, 0, 0, fmt.Errorf("conv expects [N,%d,H,W], got %v", c.inC, x.Shape)
	}
	n, h, w = x.Shape[0], x.Shape[2], x.Shape[3]
	outH = tensor.ConvOutputSize(h, c.kh, c.stride, c.padH)
	outW = tensor.ConvOutputSize(w, c.kw, c.stride, c.padW)
	if outH <= 0 || outW <= 0 {
		return 0, 0, 0, 0, 0, fmt.Errorf("kernel %dx%d does not fit input %dx%d", c.kh, c.kw, h, w)
	}
	return n, h, w, outH, outW, nil
}

func (c *conv2D) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	n, h, w, outH, outW, err := c.geometry(x)
	if err != nil {
		return nil, err
	}

	out, err := tensor.Zeros([]int{n, c.outC, outH, outW})
	if err != nil {
		return nil, err
	}

	k := c.inC * c.kh * c.kw
	l := outH * outW
	imgSize := c.inC * h * w

	pool := memory.GetGlobalBufferPool()
	cols := pool.GetFloat32Buffer(k * l)
	defer pool.PutFloat32Buffer(cols)

	for b := 0; b < n; b++ {
		tensor.Im2Col(x.Data[b*imgSize:(b+1)*imgSize], c.inC, h, w, c.kh, c.kw, c.stride, c.padH, c.padW, cols)
		dst := out.Data[b*c.outC*l : (b+1)*c.outC*l]
		tensor.Gemm(false, false, c.outC, l, k, 1, c.weight.Value.Data, cols, 0, dst)
		if c.bias != nil {
			for oc := 0; oc < c.outC; oc++ {
				bv := c.bias.Value.Data[oc]
				row := dst[oc*l : (oc+1)*l]
				for i := range row {
					row[i] += bv
				}
			}
		}
	}

	if training {
		c.input = x
	} else {
		c.input = nil
	}
	return out, nil
}

func (c *conv2D) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	x := c.input
	if x == nil {
		return nil, ErrNoForwardCache
	}
	n, h, w, outH, outW, err := c.geometry(x)
	if err != nil {
		return nil, err
	}
	if !tensor.SameShape(grad.Shape, []int{n, c.outC, outH, outW}) {
		return nil, fmt.Errorf("gradient shape %v does not match conv output [%d %d %d %d]", grad.Shape, n, c.outC, outH, outW)
	}

	k := c.inC * c.kh * c.kw
	l := outH * outW
	imgSize := c.inC * h * w

	dx, err := tensor.Zeros(x.Shape)
	if err != nil {
		return nil, err
	}
	c.weight.Grad.Zero()
	if c.bias != nil {
		c.bias.Grad.Zero()
	}

	pool := memory.GetGlobalBufferPool()
	cols := pool.GetFloat32Buffer(k * l)
	dcols := pool.GetFloat32Buffer(k * l)
	defer pool.PutFloat32Buffer(cols)
	defer pool.PutFloat32Buffer(dcols)

	for b := 0; b < n; b++ {
		tensor.Im2Col(x.Data[b*imgSize:(b+1)*imgSize], c.inC, h, w, c.kh, c.kw, c.stride, c.padH, c.padW, cols)
		g := grad.Data[b*c.outC*l : (b+1)*c.outC*l]

		// dW += g × cols^T
		tensor.Gemm(false, true, c.outC, k, l, 1, g, cols, 1, c.weight.Grad.Data)
		// dcols = W^T × g
		tensor.Gemm(true, false, k, l, c.outC, 1, c.weight.Value.Data, g, 0, dcols)
		tensor.Col2Im(dcols, c.inC, h, w, c.kh, c.kw, c.stride, c.padH, c.padW, dx.Data[b*imgSize:(b+1)*imgSize])

		if c.bias != nil {
			for oc := 0; oc < c.outC; oc++ {
				var sum float32
				for _, v := range g[oc*l : (oc+1)*l] {
					sum += v
				}
				c.bias.Grad.Data[oc] += sum
			}
		}
	}

	c.input = nil
	return dx, nil
}
