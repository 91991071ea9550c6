package checkpoints

import (
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/tsawler/go-cnn/layers"
	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX constants used by the exporter
const (
	onnxIRVersion    = 7
	onnxOpsetVersion = 13
	onnxFloat        = 1 // TensorProto.DataType FLOAT

	attrFloat = 1
	attrInt   = 2
	attrInts  = 7
)

// Field numbers from onnx.proto
const (
	modelIRVersion       = 1
	modelProducerName    = 2
	modelProducerVersion = 3
	modelModelVersion    = 5
	modelGraph           = 7
	modelOpsetImport     = 8
	modelMetadataProps   = 14

	graphNode        = 1
	graphName        = 2
	graphInitializer = 5
	graphInput       = 11
	graphOutput      = 12

	nodeInput     = 1
	nodeOutput    = 2
	nodeName      = 3
	nodeOpType    = 4
	nodeAttribute = 5

	attributeName = 1
	attributeF    = 2
	attributeI    = 3
	attributeInts = 8
	attributeType = 20

	tensorDims      = 1
	tensorDataType  = 2
	tensorFloatData = 4
	tensorName      = 8

	valueInfoName = 1
	valueInfoType = 2

	typeTensorType   = 1
	tensorElemType   = 1
	tensorShape      = 2
	shapeDim         = 1
	dimValue         = 1
	dimParam         = 2
	opsetDomain      = 1
	opsetVersion     = 2
	stringEntryKey   = 1
	stringEntryValue = 2
)

// onnxAttribute is a node attribute; exactly one of the value fields is used
type onnxAttribute struct {
	name string
	kind int
	f    float32
	i    int64
	ints []int64
}

type onnxNode struct {
	name       string
	opType     string
	inputs     []string
	outputs    []string
	attributes []onnxAttribute
}

type onnxTensor struct {
	name string
	dims []int
	data []float32
}

// ONNXExporter converts checkpoints into ONNX ModelProto files
type ONNXExporter struct {
	nodes        []onnxNode
	initializers []onnxTensor
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX writes checkpoint as an inference graph to path. Checkpoint
// metadata is stored in metadata_props.
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	data, err := oe.Encode(checkpoint)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

// Encode serializes checkpoint as an ONNX ModelProto
func (oe *ONNXExporter) Encode(checkpoint *Checkpoint) ([]byte, error) {
	if checkpoint.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint has no model spec")
	}
	oe.nodes, oe.initializers = nil, nil

	weightMap := make(map[string]WeightTensor, len(checkpoint.Weights))
	for _, w := range checkpoint.Weights {
		weightMap[w.Name] = w
	}

	current := "input"
	for _, ls := range checkpoint.ModelSpec.Layers {
		next, err := oe.addLayer(ls, weightMap, current)
		if err != nil {
			return nil, fmt.Errorf("failed to create ONNX node for layer %s: %w", ls.Name, err)
		}
		current = next
	}

	var graph []byte
	for _, n := range oe.nodes {
		graph = protowire.AppendTag(graph, graphNode, protowire.BytesType)
		graph = protowire.AppendBytes(graph, encodeNode(n))
	}
	graph = protowire.AppendTag(graph, graphName, protowire.BytesType)
	graph = protowire.AppendString(graph, "go-cnn")
	for _, t := range oe.initializers {
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, encodeTensor(t))
	}
	graph = protowire.AppendTag(graph, graphInput, protowire.BytesType)
	graph = protowire.AppendBytes(graph, encodeValueInfo("input", checkpoint.ModelSpec.InputShape))
	graph = protowire.AppendTag(graph, graphOutput, protowire.BytesType)
	graph = protowire.AppendBytes(graph, encodeValueInfo(current, checkpoint.ModelSpec.OutputShape))

	var model []byte
	model = protowire.AppendTag(model, modelIRVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, onnxIRVersion)
	model = protowire.AppendTag(model, modelProducerName, protowire.BytesType)
	model = protowire.AppendString(model, checkpoint.Metadata.Framework)
	model = protowire.AppendTag(model, modelProducerVersion, protowire.BytesType)
	model = protowire.AppendString(model, checkpoint.Metadata.Version)
	model = protowire.AppendTag(model, modelModelVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, 1)
	model = protowire.AppendTag(model, modelGraph, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)

	var opset []byte
	opset = protowire.AppendTag(opset, opsetDomain, protowire.BytesType)
	opset = protowire.AppendString(opset, "")
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, onnxOpsetVersion)
	model = protowire.AppendTag(model, modelOpsetImport, protowire.BytesType)
	model = protowire.AppendBytes(model, opset)

	props := checkpoint.Metadata.Properties()
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, stringEntryKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, stringEntryValue, protowire.BytesType)
		entry = protowire.AppendString(entry, props[k])
		model = protowire.AppendTag(model, modelMetadataProps, protowire.BytesType)
		model = protowire.AppendBytes(model, entry)
	}

	return model, nil
}

// addLayer appends the nodes for one layer and returns its output name
func (oe *ONNXExporter) addLayer(ls layers.LayerSpec, weightMap map[string]WeightTensor, input string) (string, error) {
	output := ls.Name + "_output"

	switch ls.Type {
	case layers.Conv2D:
		kh, kw := ls.IntParam("kernel_h", 3), ls.IntParam("kernel_w", 3)
		stride := ls.IntParam("stride", 1)
		padH, padW := ls.IntParam("pad_h", 0), ls.IntParam("pad_w", 0)
		inputs, err := oe.addInitializers(ls.Name, weightMap, "weight", "bias")
		if err != nil {
			return "", err
		}
		oe.nodes = append(oe.nodes, onnxNode{
			name:    ls.Name,
			opType:  "Conv",
			inputs:  append([]string{input}, inputs...),
			outputs: []string{output},
			attributes: []onnxAttribute{
				{name: "kernel_shape", kind: attrInts, ints: []int64{int64(kh), int64(kw)}},
				{name: "strides", kind: attrInts, ints: []int64{int64(stride), int64(stride)}},
				{name: "pads", kind: attrInts, ints: []int64{int64(padH), int64(padW), int64(padH), int64(padW)}},
			},
		})

	case layers.BatchNorm:
		inputs, err := oe.addInitializers(ls.Name, weightMap, "gamma", "beta", "running_mean", "running_var")
		if err != nil {
			return "", err
		}
		if len(inputs) != 4 {
			return "", fmt.Errorf("batch norm %s needs scale, bias, mean and variance", ls.Name)
		}
		oe.nodes = append(oe.nodes, onnxNode{
			name:    ls.Name,
			opType:  "BatchNormalization",
			inputs:  append([]string{input}, inputs...),
			outputs: []string{output},
			attributes: []onnxAttribute{
				{name: "epsilon", kind: attrFloat, f: ls.FloatParam("eps", 1e-5)},
				{name: "momentum", kind: attrFloat, f: 1 - ls.FloatParam("momentum", 0.1)},
			},
		})

	case layers.ReLU:
		oe.nodes = append(oe.nodes, onnxNode{name: ls.Name, opType: "Relu", inputs: []string{input}, outputs: []string{output}})

	case layers.LeakyReLU:
		oe.nodes = append(oe.nodes, onnxNode{
			name:       ls.Name,
			opType:     "LeakyRelu",
			inputs:     []string{input},
			outputs:    []string{output},
			attributes: []onnxAttribute{{name: "alpha", kind: attrFloat, f: ls.FloatParam("negative_slope", 0.01)}},
		})

	case layers.MaxPool2D:
		ph, pw := int64(ls.IntParam("pool_h", 2)), int64(ls.IntParam("pool_w", 2))
		oe.nodes = append(oe.nodes, onnxNode{
			name:    ls.Name,
			opType:  "MaxPool",
			inputs:  []string{input},
			outputs: []string{output},
			attributes: []onnxAttribute{
				{name: "kernel_shape", kind: attrInts, ints: []int64{ph, pw}},
				{name: "strides", kind: attrInts, ints: []int64{ph, pw}},
			},
		})

	case layers.GlobalAvgPool:
		oe.nodes = append(oe.nodes, onnxNode{name: ls.Name, opType: "GlobalAveragePool", inputs: []string{input}, outputs: []string{output}})

	case layers.Flatten:
		oe.nodes = append(oe.nodes, onnxNode{
			name:       ls.Name,
			opType:     "Flatten",
			inputs:     []string{input},
			outputs:    []string{output},
			attributes: []onnxAttribute{{name: "axis", kind: attrInt, i: 1}},
		})

	case layers.Dropout:
		// Inference graph: dropout is the identity
		oe.nodes = append(oe.nodes, onnxNode{name: ls.Name, opType: "Identity", inputs: []string{input}, outputs: []string{output}})

	case layers.Tap:
		return input, nil

	case layers.Dense:
		w, ok := weightMap[ls.Name+".weight"]
		if !ok || len(w.Shape) != 2 {
			return "", fmt.Errorf("missing 2D weight for dense layer %s", ls.Name)
		}
		// Stored as [in, out]; Gemm with transB expects [out, in]
		oe.initializers = append(oe.initializers, onnxTensor{
			name: w.Name,
			dims: []int{w.Shape[1], w.Shape[0]},
			data: transposeMatrix(w.Data, w.Shape[0], w.Shape[1]),
		})
		inputs := []string{input, w.Name}
		if b, ok := weightMap[ls.Name+".bias"]; ok {
			oe.initializers = append(oe.initializers, onnxTensor{name: b.Name, dims: b.Shape, data: b.Data})
			inputs = append(inputs, b.Name)
		}
		oe.nodes = append(oe.nodes, onnxNode{
			name:       ls.Name,
			opType:     "Gemm",
			inputs:     inputs,
			outputs:    []string{output},
			attributes: []onnxAttribute{{name: "transB", kind: attrInt, i: 1}},
		})

	default:
		return "", fmt.Errorf("unsupported layer type for ONNX export: %s", ls.Type)
	}

	return output, nil
}

// addInitializers registers the named tensors of a layer that exist in
// weightMap, returning their names in order
func (oe *ONNXExporter) addInitializers(layerName string, weightMap map[string]WeightTensor, kinds ...string) ([]string, error) {
	var names []string
	for i, kind := range kinds {
		w, ok := weightMap[layerName+"."+kind]
		if !ok {
			if i == 0 {
				return nil, fmt.Errorf("missing %s.%s", layerName, kind)
			}
			continue
		}
		oe.initializers = append(oe.initializers, onnxTensor{name: w.Name, dims: w.Shape, data: w.Data})
		names = append(names, w.Name)
	}
	return names, nil
}

func encodeNode(n onnxNode) []byte {
	var b []byte
	for _, in := range n.inputs {
		b = protowire.AppendTag(b, nodeInput, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.outputs {
		b = protowire.AppendTag(b, nodeOutput, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = protowire.AppendTag(b, nodeName, protowire.BytesType)
	b = protowire.AppendString(b, n.name)
	b = protowire.AppendTag(b, nodeOpType, protowire.BytesType)
	b = protowire.AppendString(b, n.opType)
	for _, a := range n.attributes {
		b = protowire.AppendTag(b, nodeAttribute, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeAttribute(a))
	}
	return b
}

func encodeAttribute(a onnxAttribute) []byte {
	var b []byte
	b = protowire.AppendTag(b, attributeName, protowire.BytesType)
	b = protowire.AppendString(b, a.name)
	switch a.kind {
	case attrFloat:
		b = protowire.AppendTag(b, attributeF, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.f))
	case attrInt:
		b = protowire.AppendTag(b, attributeI, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.i))
	case attrInts:
		var packed []byte
		for _, v := range a.ints {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		b = protowire.AppendTag(b, attributeInts, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = protowire.AppendTag(b, attributeType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.kind))
	return b
}

func encodeTensor(t onnxTensor) []byte {
	var b []byte
	var dims []byte
	for _, d := range t.dims {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	b = protowire.AppendTag(b, tensorDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxFloat)

	floats := make([]byte, 0, 4*len(t.data))
	for _, v := range t.data {
		floats = protowire.AppendFixed32(floats, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorFloatData, protowire.BytesType)
	b = protowire.AppendBytes(b, floats)
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, t.name)
	return b
}

// encodeValueInfo describes a float tensor whose first dimension is the
// symbolic batch size N
func encodeValueInfo(name string, shape []int) []byte {
	var shapeMsg []byte
	for i, d := range shape {
		var dim []byte
		if i == 0 {
			dim = protowire.AppendTag(dim, dimParam, protowire.BytesType)
			dim = protowire.AppendString(dim, "N")
		} else {
			dim = protowire.AppendTag(dim, dimValue, protowire.VarintType)
			dim = protowire.AppendVarint(dim, uint64(d))
		}
		shapeMsg = protowire.AppendTag(shapeMsg, shapeDim, protowire.BytesType)
		shapeMsg = protowire.AppendBytes(shapeMsg, dim)
	}

	var tensorType []byte
	tensorType = protowire.AppendTag(tensorType, tensorElemType, protowire.VarintType)
	tensorType = protowire.AppendVarint(tensorType, onnxFloat)
	tensorType = protowire.AppendTag(tensorType, tensorShape, protowire.BytesType)
	tensorType = protowire.AppendBytes(tensorType, shapeMsg)

	var typeMsg []byte
	typeMsg = protowire.AppendTag(typeMsg, typeTensorType, protowire.BytesType)
	typeMsg = protowire.AppendBytes(typeMsg, tensorType)

	var b []byte
	b = protowire.AppendTag(b, valueInfoName, protowire.BytesType)
	b = protowire.AppendString(b, name)
	b = protowire.AppendTag(b, valueInfoType, protowire.BytesType)
	b = protowire.AppendBytes(b, typeMsg)
	return b
}

// transposeMatrix transposes a rows×cols matrix stored row-major
func transposeMatrix(data []float32, rows, cols int) []float32 {
	transposed := make([]float32, len(data))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			transposed[j*rows+i] = data[i*cols+j]
		}
	}
	return transposed
}

// ONNXModel is the subset of an ONNX file read back by ReadONNX
type ONNXModel struct {
	IRVersion    int64
	ProducerName string
	OpsetVersion int64
	Nodes        []ONNXNode
	Initializers map[string]ONNXTensor
	Inputs       []string
	Outputs      []string
	Metadata     map[string]string
}

// ONNXNode identifies a graph node
type ONNXNode struct {
	Name   string
	OpType string
}

// ONNXTensor is a float initializer
type ONNXTensor struct {
	Dims []int
	Data []float32
}

// ReadONNX parses the ONNX file at path
func ReadONNX(path string) (*ONNXModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}
	model, err := DecodeONNX(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ONNX file %s: %w", path, err)
	}
	return model, nil
}

// ReadONNXMetadata returns the metadata_props of the ONNX file at path
func ReadONNXMetadata(path string) (map[string]string, error) {
	model, err := ReadONNX(path)
	if err != nil {
		return nil, err
	}
	return model.Metadata, nil
}

// DecodeONNX parses a serialized ModelProto
func DecodeONNX(data []byte) (*ONNXModel, error) {
	model := &ONNXModel{
		Initializers: make(map[string]ONNXTensor),
		Metadata:     make(map[string]string),
	}

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
		switch num {
		case modelIRVersion:
			model.IRVersion = int64(v)
		case modelProducerName:
			model.ProducerName = string(raw)
		case modelGraph:
			return decodeGraph(raw, model)
		case modelOpsetImport:
			return walkFields(raw, func(num protowire.Number, _ protowire.Type, _ []byte, v uint64) error {
				if num == opsetVersion {
					model.OpsetVersion = int64(v)
				}
				return nil
			})
		case modelMetadataProps:
			var key, value string
			err := walkFields(raw, func(num protowire.Number, _ protowire.Type, raw []byte, _ uint64) error {
				switch num {
				case stringEntryKey:
					key = string(raw)
				case stringEntryValue:
					value = string(raw)
				}
				return nil
			})
			if err != nil {
				return err
			}
			model.Metadata[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return model, nil
}

func decodeGraph(data []byte, model *ONNXModel) error {
	return walkFields(data, func(num protowire.Number, _ protowire.Type, raw []byte, _ uint64) error {
		switch num {
		case graphNode:
			var node ONNXNode
			err := walkFields(raw, func(num protowire.Number, _ protowire.Type, raw []byte, _ uint64) error {
				switch num {
				case nodeName:
					node.Name = string(raw)
				case nodeOpType:
					node.OpType = string(raw)
				}
				return nil
			})
			if err != nil {
				return err
			}
			model.Nodes = append(model.Nodes, node)
		case graphInitializer:
			name, t, err := decodeTensor(raw)
			if err != nil {
				return err
			}
			model.Initializers[name] = t
		case graphInput, graphOutput:
			var name string
			err := walkFields(raw, func(num protowire.Number, _ protowire.Type, raw []byte, _ uint64) error {
				if num == valueInfoName {
					name = string(raw)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if num == graphInput {
				model.Inputs = append(model.Inputs, name)
			} else {
				model.Outputs = append(model.Outputs, name)
			}
		}
		return nil
	})
}

func decodeTensor(data []byte) (string, ONNXTensor, error) {
	var name string
	var t ONNXTensor
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
		switch num {
		case tensorName:
			name = string(raw)
		case tensorDims:
			if typ == protowire.VarintType {
				t.Dims = append(t.Dims, int(v))
				return nil
			}
			for len(raw) > 0 {
				d, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.Dims = append(t.Dims, int(d))
				raw = raw[n:]
			}
		case tensorFloatData:
			if typ == protowire.Fixed32Type {
				t.Data = append(t.Data, math.Float32frombits(uint32(v)))
				return nil
			}
			for len(raw) > 0 {
				bits, n := protowire.ConsumeFixed32(raw)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.Data = append(t.Data, math.Float32frombits(bits))
				raw = raw[n:]
			}
		}
		return nil
	})
	return name, t, err
}

// walkFields calls fn for every field of a message. Length-delimited values
// arrive in raw; varint and fixed values in v.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var raw []byte
		var v uint64
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			var v32 uint32
			v32, n = protowire.ConsumeFixed32(data)
			v = uint64(v32)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if err := fn(num, typ, raw, v); err != nil {
			return err
		}
	}
	return nil
}
