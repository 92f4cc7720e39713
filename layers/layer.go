package layers

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	ReLU
	LeakyReLU
	Sigmoid
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case ReLU:
		return "ReLU"
	case LeakyReLU:
		return "LeakyReLU"
	case Sigmoid:
		return "Sigmoid"
	default:
		return "Unknown"
	}
}

// ParseLayerType is the inverse of LayerType.String.
func ParseLayerType(s string) (LayerType, error) {
	switch s {
	case "Dense":
		return Dense, nil
	case "ReLU":
		return ReLU, nil
	case "LeakyReLU":
		return LeakyReLU, nil
	case "Sigmoid":
		return Sigmoid, nil
	default:
		return 0, fmt.Errorf("unknown layer type %q", s)
	}
}

// LayerSpec defines layer configuration. It carries no execution logic;
// shapes and parameter counts are filled in by Compile.
type LayerSpec struct {
	Type LayerType `json:"type"`
	Name string    `json:"name"`

	// Dense
	Units   int  `json:"units,omitempty"`
	UseBias bool `json:"use_bias,omitempty"`

	// LeakyReLU
	NegativeSlope float32 `json:"negative_slope,omitempty"`

	InputShape      []int   `json:"input_shape,omitempty"`
	OutputShape     []int   `json:"output_shape,omitempty"`
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Name   string      `json:"name"`
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder provides a fluent interface for building models
type ModelBuilder struct {
	name       string
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder. inputShape is
// [batch, height, width, channels]; the batch dimension is nominal.
func NewModelBuilder(name string, inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		name:       name,
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// AddDense adds a fully connected layer. Inputs of rank > 2 are flattened.
func (mb *ModelBuilder) AddDense(units int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Dense, Name: name, Units: units, UseBias: useBias})
}

// AddReLU adds a ReLU activation
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// AddLeakyReLU adds a LeakyReLU activation
func (mb *ModelBuilder) AddLeakyReLU(negativeSlope float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: LeakyReLU, Name: name, NegativeSlope: negativeSlope})
}

// AddSigmoid adds a sigmoid activation
func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Sigmoid, Name: name})
}

// Compile computes shapes and parameter counts for every layer
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) < 2 {
		return nil, fmt.Errorf("input shape %v must include a batch dimension", mb.inputShape)
	}

	model := &ModelSpec{
		Name:       mb.name,
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	copy(model.Layers, mb.layers)

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

// Recompile recomputes derived fields of a spec, e.g. after it was decoded
// from a file that only carried the layer configuration.
func (ms *ModelSpec) Recompile() (*ModelSpec, error) {
	builder := NewModelBuilder(ms.Name, ms.InputShape)
	for _, layer := range ms.Layers {
		builder.AddLayer(LayerSpec{
			Type:          layer.Type,
			Name:          layer.Name,
			Units:         layer.Units,
			UseBias:       layer.UseBias,
			NegativeSlope: layer.NegativeSlope,
		})
	}
	return builder.Compile()
}

func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case ReLU, LeakyReLU, Sigmoid:
		return append([]int(nil), inputShape...), [][]int{}, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if layer.Units <= 0 {
		return nil, nil, 0, fmt.Errorf("dense layer needs a positive unit count, got %d", layer.Units)
	}

	// Everything except the batch dimension is flattened.
	inputSize := 1
	for i := 1; i < len(inputShape); i++ {
		inputSize *= inputShape[i]
	}

	paramShapes := [][]int{{inputSize, layer.Units}}
	paramCount := int64(inputSize * layer.Units)
	if layer.UseBias {
		paramShapes = append(paramShapes, []int{layer.Units})
		paramCount += int64(layer.Units)
	}

	return []int{inputShape[0], layer.Units}, paramShapes, paramCount, nil
}

// InputSize is the flattened per-sample input width.
func (ms *ModelSpec) InputSize() int {
	size := 1
	for i := 1; i < len(ms.InputShape); i++ {
		size *= ms.InputShape[i]
	}
	return size
}

// Summary returns a PyTorch-style architecture listing followed by a
// parameter and memory summary.
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	name := ms.Name
	if name == "" {
		name = "Model"
	}
	fmt.Fprintf(&sb, "%s(\n", name)
	for _, layer := range ms.Layers {
		fmt.Fprintf(&sb, "  %s\n", formatLayer(layer))
	}
	sb.WriteString(")\n\n")

	fmt.Fprintf(&sb, "Input shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total parameters: %s\n", humanize.Comma(ms.TotalParameters))
	fmt.Fprintf(&sb, "Trainable parameters: %s\n", humanize.Comma(ms.TotalParameters))
	sb.WriteString("Non-trainable parameters: 0\n")
	fmt.Fprintf(&sb, "Params size: %s\n", humanize.IBytes(uint64(ms.TotalParameters*4)))
	// Adam keeps two moments per parameter.
	fmt.Fprintf(&sb, "Optimizer state size: %s\n", humanize.IBytes(uint64(ms.TotalParameters*8)))

	return sb.String()
}

func formatLayer(layer LayerSpec) string {
	switch layer.Type {
	case Dense:
		inFeatures := 0
		if len(layer.ParameterShapes) > 0 {
			inFeatures = layer.ParameterShapes[0][0]
		}
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)",
			layer.Name, inFeatures, layer.Units, layer.UseBias)
	case LeakyReLU:
		return fmt.Sprintf("(%s): LeakyReLU(negative_slope=%g)", layer.Name, layer.NegativeSlope)
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}
