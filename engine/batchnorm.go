package engine

import (
	"fmt"
	"math"

	"github.com/tsawler/go-cnn/layers"
	"github.com/tsawler/go-cnn/tensor"
)

// batchNorm normalizes over every axis except the channel axis (dim 1). It
// accepts [N,C] and [N,C,H,W] inputs.
type batchNorm struct {
	layerName   string
	features    int
	eps         float32
	momentum    float32
	gamma       *Parameter
	beta        *Parameter
	runningMean *Parameter
	runningVar  *Parameter

	xhat   *tensor.Tensor
	invStd []float32
}

func newBatchNorm(ls *layers.LayerSpec) (*batchNorm, error) {
	features := ls.IntParam("num_features", 0)
	if features <= 0 {
		return nil, fmt.Errorf("invalid num_features %d", features)
	}

	gamma, _ := tensor.Full([]int{features}, 1)
	beta, _ := tensor.Zeros([]int{features})
	mean, _ := tensor.Zeros([]int{features})
	variance, _ := tensor.Full([]int{features}, 1)

	return &batchNorm{
		layerName:   ls.Name,
		features:    features,
		eps:         ls.FloatParam("eps", layers.DefaultBatchNormEps),
		momentum:    ls.FloatParam("momentum", layers.DefaultBatchNormMomentum),
		gamma:       newParameter(ls.Name, KindGamma, gamma, true),
		beta:        newParameter(ls.Name, KindBeta, beta, true),
		runningMean: newParameter(ls.Name, KindRunningMean, mean, false),
		runningVar:  newParameter(ls.Name, KindRunningVar, variance, false),
	}, nil
}

func (bn *batchNorm) name() string { return bn.layerName }

func (bn *batchNorm) parameters() []*Parameter {
	return []*Parameter{bn.gamma, bn.beta}
}

func (bn *batchNorm) buffers() []*Parameter {
	return []*Parameter{bn.runningMean, bn.runningVar}
}

// layout returns batch size and the number of elements per channel per sample
func (bn *batchNorm) layout(x *tensor.Tensor) (int, int, error) {
	if (x.Dim() != 2 && x.Dim() != 4) || x.Shape[1] != bn.features {
		return 0, 0, fmt.Errorf("batch norm expects [N,%d] or [N,%d,H,W], got %v", bn.features, bn.features, x.Shape)
	}
	spatial := 1
	for _, d := range x.Shape[2:] {
		spatial *= d
	}
	return x.Shape[0], spatial, nil
}

func (bn *batchNorm) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	n, spatial, err := bn.layout(x)
	if err != nil {
		return nil, err
	}
	c := bn.features
	y, err := tensor.Zeros(x.Shape)
	if err != nil {
		return nil, err
	}
	gamma, beta := bn.gamma.Value.Data, bn.beta.Value.Data

	if !training {
		bn.xhat, bn.invStd = nil, nil
		rm, rv := bn.runningMean.Value.Data, bn.runningVar.Value.Data
		for ch := 0; ch < c; ch++ {
			inv := float32(1 / math.Sqrt(float64(rv[ch]+bn.eps)))
			for b := 0; b < n; b++ {
				off := (b*c + ch) * spatial
				for s := 0; s < spatial; s++ {
					y.Data[off+s] = gamma[ch]*(x.Data[off+s]-rm[ch])*inv + beta[ch]
				}
			}
		}
		return y, nil
	}

	m := n * spatial
	xhat, err := tensor.Zeros(x.Shape)
	if err != nil {
		return nil, err
	}
	invStd := make([]float32, c)

	for ch := 0; ch < c; ch++ {
		var sum float64
		for b := 0; b < n; b++ {
			off := (b*c + ch) * spatial
			for s := 0; s < spatial; s++ {
				sum += float64(x.Data[off+s])
			}
		}
		mean := sum / float64(m)

		var sq float64
		for b := 0; b < n; b++ {
			off := (b*c + ch) * spatial
			for s := 0; s < spatial; s++ {
				d := float64(x.Data[off+s]) - mean
				sq += d * d
			}
		}
		variance := sq / float64(m)
		inv := 1 / math.Sqrt(variance+float64(bn.eps))
		invStd[ch] = float32(inv)

		for b := 0; b < n; b++ {
			off := (b*c + ch) * spatial
			for s := 0; s < spatial; s++ {
				h := float32((float64(x.Data[off+s]) - mean) * inv)
				xhat.Data[off+s] = h
				y.Data[off+s] = gamma[ch]*h + beta[ch]
			}
		}

		// Running variance tracks the unbiased estimate
		unbiased := variance
		if m > 1 {
			unbiased = sq / float64(m-1)
		}
		mom := bn.momentum
		bn.runningMean.Value.Data[ch] = (1-mom)*bn.runningMean.Value.Data[ch] + mom*float32(mean)
		bn.runningVar.Value.Data[ch] = (1-mom)*bn.runningVar.Value.Data[ch] + mom*float32(unbiased)
	}

	bn.xhat, bn.invStd = xhat, invStd
	return y, nil
}

func (bn *batchNorm) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.xhat == nil {
		return nil, ErrNoForwardCache
	}
	if !tensor.SameShape(grad.Shape, bn.xhat.Shape) {
		return nil, fmt.Errorf("gradient shape %v does not match batch norm output %v", grad.Shape, bn.xhat.Shape)
	}
	n, spatial, err := bn.layout(bn.xhat)
	if err != nil {
		return nil, err
	}
	c := bn.features
	m := float32(n * spatial)

	dx, err := tensor.Zeros(grad.Shape)
	if err != nil {
		return nil, err
	}

	for ch := 0; ch < c; ch++ {
		var sumDy, sumDyXhat float32
		for b := 0; b < n; b++ {
			off := (b*c + ch) * spatial
			for s := 0; s < spatial; s++ {
				g := grad.Data[off+s]
				sumDy += g
				sumDyXhat += g * bn.xhat.Data[off+s]
			}
		}
		bn.gamma.Grad.Data[ch] = sumDyXhat
		bn.beta.Grad.Data[ch] = sumDy

		scale := bn.gamma.Value.Data[ch] * bn.invStd[ch] / m
		for b := 0; b < n; b++ {
			off := (b*c + ch) * spatial
			for s := 0; s < spatial; s++ {
				dx.Data[off+s] = scale * (m*grad.Data[off+s] - sumDy - bn.xhat.Data[off+s]*sumDyXhat)
			}
		}
	}

	bn.xhat, bn.invStd = nil, nil
	return dx, nil
}
