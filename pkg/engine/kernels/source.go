package kernels

import (
	"fmt"
	"slices"

	"k8s.io/examples/AI/texturenet/pkg/engine/shape"
	"k8s.io/examples/AI/texturenet/pkg/model"
)

type InputParams struct {
	Shape []int
}

// inputKernel uploads caller-fed values.
type inputKernel struct{}

func (inputKernel) Parse(node model.NodeDescriptor) (any, error) {
	s, err := node.Params.IntsOr("shape", nil)
	if err != nil {
		return nil, err
	}
	// Placeholders commonly carry a -1 batch dimension; inference runs one image at a time.
	if len(s) == 4 && s[0] == -1 {
		s = slices.Clone(s)
		s[0] = 1
	}
	if err := shape.Validate(s); err != nil {
		return nil, fmt.Errorf("input shape: %w", err)
	}
	return &InputParams{Shape: s}, nil
}

func (inputKernel) Infer(inputs [][]int, params any) ([]int, error) {
	if err := expectInputs(inputs, 0); err != nil {
		return nil, err
	}
	return slices.Clone(params.(*InputParams).Shape), nil
}

func (inputKernel) Run(inv *Invocation) error {
	if want := inv.Output.Layout.Elements(); len(inv.Feed) != want {
		return fmt.Errorf("%w: fed %d values, input holds %d", shape.ErrShapeMismatch, len(inv.Feed), want)
	}
	inv.Output.Write(inv.Feed)
	return nil
}

func (inputKernel) Shader() string { return uploadShader }

type ConstantParams struct {
	Shape  []int
	Values []float32
}

type constantKernel struct{}

func (constantKernel) Parse(node model.NodeDescriptor) (any, error) {
	values, ok, err := node.Params.Floats("values")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("constant has no values")
	}
	s, err := node.Params.IntsOr("shape", []int{len(values)})
	if err != nil {
		return nil, err
	}
	if err := shape.Validate(s); err != nil {
		return nil, fmt.Errorf("constant shape: %w", err)
	}
	if shape.Size(s) != len(values) {
		return nil, fmt.Errorf("%w: %d values for constant shape %v", shape.ErrShapeMismatch, len(values), s)
	}
	return &ConstantParams{Shape: s, Values: values}, nil
}

func (constantKernel) Infer(inputs [][]int, params any) ([]int, error) {
	if err := expectInputs(inputs, 0); err != nil {
		return nil, err
	}
	return slices.Clone(params.(*ConstantParams).Shape), nil
}

func (constantKernel) Run(inv *Invocation) error {
	inv.Output.Write(inv.Params.(*ConstantParams).Values)
	return nil
}

func (constantKernel) Shader() string { return uploadShader }
