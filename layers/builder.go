package layers

import (
	"fmt"

	"github.com/tsawler/go-cnn/config"
)

// BatchNorm constants used by the setting-driven builder
const (
	DefaultBatchNormEps      = 1e-5
	DefaultBatchNormMomentum = 0.1
)

// BuildOptions controls optional parts of a built network
type BuildOptions struct {
	// Taps inserts identity tap layers at the named introspection points
	Taps bool
}

// BuildFromSetting turns a hyperparameter setting into a compiled ModelSpec.
// inputShape is [batch, channels, height, width].
//
// Each conv block is Conv2D, BatchNorm, activation and MaxPool2D. The channel
// count starts at min(baseChannels, maxChannels) and doubles after every
// block, capped at maxChannels. The head is an optional global average pool,
// a flatten, the configured dense layers (each with activation and dropout)
// and a final dense layer with numClasses outputs.
//
// With taps enabled the network reports convI_pre (after the activation),
// convI_pool and convI (after pooling) for every block, then flatten, fcJ for
// every dense layer and logits.
func BuildFromSetting(setting config.Setting, numClasses int, inputShape []int, opts BuildOptions) (*ModelSpec, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("numClasses must be positive, got %d", numClasses)
	}
	if len(inputShape) != 4 {
		return nil, fmt.Errorf("input shape must be [batch, channels, height, width], got %v", inputShape)
	}
	if err := setting.Validate(); err != nil {
		return nil, err
	}

	mb := NewModelBuilder(inputShape)
	tap := func(name string) {
		if opts.Taps {
			mb.AddTap(name)
		}
	}
	activation := func(name string) {
		switch setting.Activation.Kind {
		case config.LeakyReLU:
			mb.AddLeakyReLU(setting.Activation.Alpha, "leaky_relu_"+name)
		default:
			mb.AddReLU("relu_" + name)
		}
	}

	channels := minInt(setting.BaseChannels, setting.MaxChannels)
	kh, kw := setting.Kernel[0], setting.Kernel[1]
	for i := 1; i <= setting.ConvLayers; i++ {
		block := fmt.Sprintf("conv%d", i)
		mb.AddConv2D(channels, kh, kw, setting.Stride, kh/2, kw/2, true, "conv2d_"+block)
		mb.AddBatchNorm(channels, DefaultBatchNormEps, DefaultBatchNormMomentum, "batchnorm_"+block)
		activation(block)
		tap(block + "_pre")
		mb.AddMaxPool2D(setting.MaxPoolSize[0], setting.MaxPoolSize[1], "maxpool_"+block)
		tap(block + "_pool")
		tap(block)
		channels = minInt(channels*2, setting.MaxChannels)
	}

	if setting.GlobalAvgPool {
		mb.AddGlobalAvgPool("global_avg_pool")
	}
	mb.AddFlatten("flatten_features")
	tap("flatten")

	for j, units := range setting.DenseUnits {
		block := fmt.Sprintf("fc%d", j+1)
		mb.AddDense(units, true, "dense_"+block)
		activation(block)
		tap(block)
		if setting.Dropout > 0 {
			mb.AddDropout(setting.Dropout, "dropout_"+block)
		}
	}

	mb.AddDense(numClasses, true, "dense_logits")
	tap("logits")

	spec, err := mb.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to build setting %q: %w", setting.Name, err)
	}
	return spec, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
