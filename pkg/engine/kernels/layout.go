package kernels

import (
	"fmt"
	"slices"

	"k8s.io/examples/AI/texturenet/pkg/engine/shape"
	"k8s.io/examples/AI/texturenet/pkg/model"
)

// PadParams add zeros around the spatial dimensions.
type PadParams struct {
	Padding shape.Padding
}

type padKernel struct{}

// Parse accepts "paddings" as [top, bottom, left, right], or as flattened per-dimension
// [before, after] pairs for a [H,W,C] or [N,H,W,C] tensor. Padding of the batch and
// channel dimensions must be zero.
func (padKernel) Parse(node model.NodeDescriptor) (any, error) {
	vals, err := node.Params.IntsOr("paddings", nil)
	if err != nil {
		return nil, err
	}
	var pad shape.Padding
	switch len(vals) {
	case 4:
		pad = shape.Padding{Top: vals[0], Bottom: vals[1], Left: vals[2], Right: vals[3]}
	case 6, 8:
		offset := len(vals) - 6
		for i := 0; i < offset; i++ {
			if vals[i] != 0 {
				return nil, fmt.Errorf("%w: padding of the batch dimension is not supported", shape.ErrInvalidGeometry)
			}
		}
		if vals[offset+4] != 0 || vals[offset+5] != 0 {
			return nil, fmt.Errorf("%w: padding of the channel dimension is not supported", shape.ErrInvalidGeometry)
		}
		pad = shape.Padding{Top: vals[offset], Bottom: vals[offset+1], Left: vals[offset+2], Right: vals[offset+3]}
	default:
		return nil, fmt.Errorf("%w: paddings must have 4, 6 or 8 values, got %d", shape.ErrInvalidGeometry, len(vals))
	}
	if pad.Top < 0 || pad.Bottom < 0 || pad.Left < 0 || pad.Right < 0 {
		return nil, fmt.Errorf("%w: negative padding %+v", shape.ErrInvalidGeometry, pad)
	}
	return &PadParams{Padding: pad}, nil
}

func (padKernel) Infer(inputs [][]int, params any) ([]int, error) {
	if err := expectInputs(inputs, 1); err != nil {
		return nil, err
	}
	p := params.(*PadParams)
	h, w, _, err := shape.Spatial(inputs[0])
	if err != nil {
		return nil, err
	}
	out := slices.Clone(inputs[0])
	out[len(out)-3] = h + p.Padding.Top + p.Padding.Bottom
	out[len(out)-2] = w + p.Padding.Left + p.Padding.Right
	return out, nil
}

func (padKernel) Run(inv *Invocation) error {
	p := inv.Params.(*PadParams)
	in := inv.Inputs[0]
	inH, inW, c, err := shape.Spatial(in.Shape())
	if err != nil {
		return err
	}
	_, outW, _, err := shape.Spatial(inv.Output.Shape())
	if err != nil {
		return err
	}
	src := in.Values()
	// The output texture arrives zeroed, so only the interior is written.
	for y := 0; y < inH; y++ {
		for x := 0; x < inW; x++ {
			srcBase := (y*inW + x) * c
			dstBase := ((y+p.Padding.Top)*outW + x + p.Padding.Left) * c
			for ch := 0; ch < c; ch++ {
				inv.Output.Store(dstBase+ch, src[srcBase+ch])
			}
		}
	}
	return nil
}

func (padKernel) Shader() string { return padShader }

type ReshapeParams struct {
	Shape []int
}

type reshapeKernel struct{}

func (reshapeKernel) Parse(node model.NodeDescriptor) (any, error) {
	s, err := node.Params.IntsOr("shape", nil)
	if err != nil {
		return nil, err
	}
	if len(s) == 0 {
		return nil, fmt.Errorf("%w: reshape needs a target shape", shape.ErrShapeMismatch)
	}
	return &ReshapeParams{Shape: s}, nil
}

func (reshapeKernel) Infer(inputs [][]int, params any) ([]int, error) {
	if err := expectInputs(inputs, 1); err != nil {
		return nil, err
	}
	return shape.Reshape(inputs[0], params.(*ReshapeParams).Shape)
}

func (reshapeKernel) Run(inv *Invocation) error {
	in := inv.Inputs[0]
	if in.Layout.Elements() != inv.Output.Layout.Elements() {
		return fmt.Errorf("%w: cannot reshape %v into %v", shape.ErrShapeMismatch, in.Shape(), inv.Output.Shape())
	}
	inv.Output.Write(in.Values())
	return nil
}

func (reshapeKernel) Shader() string { return copyShader }
