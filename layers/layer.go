package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	MaxPool2D
	Dropout
	BatchNorm
	LeakyReLU
	GlobalAvgPool
	Flatten
	Tap
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case LeakyReLU:
		return "LeakyReLU"
	case GlobalAvgPool:
		return "GlobalAvgPool"
	case Flatten:
		return "Flatten"
	case Tap:
		return "Tap"
	default:
		return "Unknown"
	}
}

// LayerSpec is the configuration of a single layer. It carries no execution
// logic; the engine package turns a compiled ModelSpec into a runnable model.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder assembles layer specifications and compiles them into a
// ModelSpec with inferred shapes.
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder. inputShape is
// [batch, channels, height, width] or [batch, features].
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: append([]int(nil), inputShape...),
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// AddDense adds a dense layer. Multi-dimensional inputs are flattened.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddConv2D adds a Conv2D layer with a kh×kw kernel and per-axis padding
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelH, kernelW, stride, padH, padW int,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_h":        kernelH,
			"kernel_w":        kernelW,
			"stride":          stride,
			"pad_h":           padH,
			"pad_w":           padW,
			"use_bias":        useBias,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// AddLeakyReLU adds a Leaky ReLU activation with the given negative slope
func (mb *ModelBuilder) AddLeakyReLU(negativeSlope float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: LeakyReLU,
		Name: name,
		Parameters: map[string]interface{}{
			"negative_slope": negativeSlope,
		},
	})
}

// AddMaxPool2D adds a max pooling layer whose stride equals its window
func (mb *ModelBuilder) AddMaxPool2D(poolH, poolW int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_h": poolH,
			"pool_w": poolW,
		},
	})
}

// AddDropout adds an inverted dropout layer
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// AddBatchNorm adds a batch normalization layer over dimension 1
func (mb *ModelBuilder) AddBatchNorm(numFeatures int, eps float32, momentum float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features": numFeatures,
			"eps":          eps,
			"momentum":     momentum,
		},
	})
}

// AddGlobalAvgPool averages each channel over its spatial extent
func (mb *ModelBuilder) AddGlobalAvgPool(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: GlobalAvgPool, Name: name})
}

// AddFlatten reshapes [batch, ...] to [batch, features]
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name})
}

// AddTap adds an identity layer that reports its input to an observer
// under name.
func (mb *ModelBuilder) AddTap(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Tap, Name: name})
}

// Compile computes shapes and parameter information for every layer
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) < 2 {
		return nil, fmt.Errorf("input shape must include a batch dimension, got %v", mb.inputShape)
	}
	for i, d := range mb.inputShape {
		if d <= 0 {
			return nil, fmt.Errorf("input shape dimension %d must be positive, got %d", i, d)
		}
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}

	seen := make(map[string]bool, len(mb.layers))
	for i, layer := range mb.layers {
		if layer.Name == "" {
			return nil, fmt.Errorf("layer %d (%s) has no name", i, layer.Type)
		}
		if seen[layer.Name] {
			return nil, fmt.Errorf("duplicate layer name %q", layer.Name)
		}
		seen[layer.Name] = true

		params := make(map[string]interface{}, len(layer.Parameters))
		for k, v := range layer.Parameters {
			params[k] = v
		}
		layer.Parameters = params
		model.Layers[i] = layer
	}

	currentShape := model.InputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]
		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case MaxPool2D:
		return computeMaxPoolInfo(layer, inputShape)
	case GlobalAvgPool:
		if len(inputShape) != 4 {
			return nil, nil, 0, fmt.Errorf("GlobalAvgPool requires 4D input, got %v", inputShape)
		}
		return []int{inputShape[0], inputShape[1]}, [][]int{}, 0, nil
	case Flatten:
		features := 1
		for _, d := range inputShape[1:] {
			features *= d
		}
		return []int{inputShape[0], features}, [][]int{}, 0, nil
	case Dropout:
		rate := getFloatParam(layer.Parameters, "rate", 0)
		if rate < 0 || rate > 1 {
			return nil, nil, 0, fmt.Errorf("dropout rate must be in [0,1], got %g", rate)
		}
		return computeActivationInfo(inputShape)
	case ReLU, LeakyReLU, Tap:
		return computeActivationInfo(inputShape)
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	outputSize := getIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing or invalid output_size parameter")
	}
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	// Everything after the batch dimension is flattened
	inputSize := 1
	for i := 1; i < len(inputShape); i++ {
		inputSize *= inputShape[i]
	}
	layer.Parameters["input_size"] = inputSize

	outputShape := []int{inputShape[0], outputSize}

	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return outputShape, paramShapes, paramCount, nil
}

// computeConv2DInfo computes Conv2D layer information
func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires 4D input [batch, channels, height, width], got %v", inputShape)
	}

	outputChannels := getIntParam(layer.Parameters, "output_channels", 0)
	kernelH := getIntParam(layer.Parameters, "kernel_h", 0)
	kernelW := getIntParam(layer.Parameters, "kernel_w", 0)
	stride := getIntParam(layer.Parameters, "stride", 1)
	padH := getIntParam(layer.Parameters, "pad_h", 0)
	padW := getIntParam(layer.Parameters, "pad_w", 0)
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	if outputChannels <= 0 || kernelH <= 0 || kernelW <= 0 || stride <= 0 || padH < 0 || padW < 0 {
		return nil, nil, 0, fmt.Errorf("invalid Conv2D parameters %v", layer.Parameters)
	}

	batchSize, inputChannels, inputHeight, inputWidth := inputShape[0], inputShape[1], inputShape[2], inputShape[3]
	layer.Parameters["input_channels"] = inputChannels

	outputHeight := (inputHeight+2*padH-kernelH)/stride + 1
	outputWidth := (inputWidth+2*padW-kernelW)/stride + 1
	if inputHeight+2*padH < kernelH || inputWidth+2*padW < kernelW || outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, fmt.Errorf("kernel %dx%d does not fit input %dx%d with padding %d,%d",
			kernelH, kernelW, inputHeight, inputWidth, padH, padW)
	}

	outputShape := []int{batchSize, outputChannels, outputHeight, outputWidth}

	paramShapes := [][]int{{outputChannels, inputChannels, kernelH, kernelW}}
	paramCount := int64(outputChannels * inputChannels * kernelH * kernelW)
	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return outputShape, paramShapes, paramCount, nil
}

// computeBatchNormInfo computes batch normalization layer information
func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 2 && len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("batch norm layer requires 2D or 4D input, got %v", inputShape)
	}

	numFeatures := getIntParam(layer.Parameters, "num_features", 0)
	if numFeatures != inputShape[1] {
		return nil, nil, 0, fmt.Errorf("num_features (%d) doesn't match input feature dimension (%d)", numFeatures, inputShape[1])
	}

	outputShape := append([]int(nil), inputShape...)

	// gamma and beta; running mean and variance are buffers, not parameters
	paramShapes := [][]int{{numFeatures}, {numFeatures}}
	return outputShape, paramShapes, int64(numFeatures * 2), nil
}

// computeMaxPoolInfo computes max pooling output shape
func computeMaxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("MaxPool2D requires 4D input, got %v", inputShape)
	}
	poolH := getIntParam(layer.Parameters, "pool_h", 2)
	poolW := getIntParam(layer.Parameters, "pool_w", 2)
	if poolH <= 0 || poolW <= 0 {
		return nil, nil, 0, fmt.Errorf("invalid pool size %dx%d", poolH, poolW)
	}
	if inputShape[2] < poolH || inputShape[3] < poolW {
		return nil, nil, 0, fmt.Errorf("pool size %dx%d exceeds spatial size %dx%d",
			poolH, poolW, inputShape[2], inputShape[3])
	}
	return []int{inputShape[0], inputShape[1], inputShape[2] / poolH, inputShape[3] / poolW}, [][]int{}, 0, nil
}

func computeActivationInfo(inputShape []int) ([]int, [][]int, int64, error) {
	return append([]int(nil), inputShape...), [][]int{}, 0, nil
}

// TapNames returns the names of all tap layers in layer order
func (ms *ModelSpec) TapNames() []string {
	var names []string
	for _, layer := range ms.Layers {
		if layer.Type == Tap {
			names = append(names, layer.Name)
		}
	}
	return names
}

// NumClasses returns the width of the final layer output
func (ms *ModelSpec) NumClasses() int {
	if len(ms.OutputShape) == 0 {
		return 0
	}
	return ms.OutputShape[len(ms.OutputShape)-1]
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	sb.WriteString("Model Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&sb, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		if layer.ParameterCount > 0 {
			fmt.Fprintf(&sb, "  Params: %d\n", layer.ParameterCount)
		}
	}

	return sb.String()
}

// Helper functions for parameter extraction. Values decoded from JSON arrive
// as float64, so numeric getters accept either representation.
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		case float32:
			return int(v)
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case float32:
			return v
		case float64:
			return float32(v)
		case int:
			return float32(v)
		}
	}
	return defaultValue
}

// IntParam returns an integer layer parameter or defaultValue
func (ls *LayerSpec) IntParam(key string, defaultValue int) int {
	return getIntParam(ls.Parameters, key, defaultValue)
}

// BoolParam returns a boolean layer parameter or defaultValue
func (ls *LayerSpec) BoolParam(key string, defaultValue bool) bool {
	return getBoolParam(ls.Parameters, key, defaultValue)
}

// FloatParam returns a float layer parameter or defaultValue
func (ls *LayerSpec) FloatParam(key string, defaultValue float32) float32 {
	return getFloatParam(ls.Parameters, key, defaultValue)
}
