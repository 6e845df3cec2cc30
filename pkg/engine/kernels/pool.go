package kernels

import (
	"math"

	"k8s.io/examples/AI/texturenet/pkg/engine/shape"
	"k8s.io/examples/AI/texturenet/pkg/model"
)

type PoolParams struct {
	Window  shape.Window
	Padding shape.PaddingMode
}

type maxPoolKernel struct{}

func (maxPoolKernel) Parse(node model.NodeDescriptor) (any, error) {
	p := &PoolParams{}
	var err error
	if p.Window, err = parseWindow(node.Params, "ksize"); err != nil {
		return nil, err
	}
	if p.Padding, err = parsePadding(node.Params); err != nil {
		return nil, err
	}
	return p, nil
}

func (maxPoolKernel) Infer(inputs [][]int, params any) ([]int, error) {
	if err := expectInputs(inputs, 1); err != nil {
		return nil, err
	}
	p := params.(*PoolParams)
	r, err := shape.Resolve(inputs[0], p.Window, p.Padding)
	if err != nil {
		return nil, err
	}
	return r.Out, nil
}

// Run takes the maximum over each window. Positions in the padding read as -Inf so they
// never win.
func (maxPoolKernel) Run(inv *Invocation) error {
	p := inv.Params.(*PoolParams)
	in := inv.Inputs[0]
	inH, inW, c, err := shape.Spatial(in.Shape())
	if err != nil {
		return err
	}
	r, err := shape.Resolve(in.Shape(), p.Window, p.Padding)
	if err != nil {
		return err
	}
	outH, outW, _, err := shape.Spatial(inv.Output.Shape())
	if err != nil {
		return err
	}

	w := p.Window
	src := in.Values()
	negInf := float32(math.Inf(-1))
	for oy := 0; oy < outH; oy++ {
		for ox := 0; ox < outW; ox++ {
			for ch := 0; ch < c; ch++ {
				best := negInf
				for ky := 0; ky < w.KernelH; ky++ {
					iy := oy*w.StrideH - r.PadY() + ky*dilation(w.DilationH)
					for kx := 0; kx < w.KernelW; kx++ {
						ix := ox*w.StrideW - r.PadX() + kx*dilation(w.DilationW)
						v := negInf
						if iy >= 0 && iy < inH && ix >= 0 && ix < inW {
							v = src[(iy*inW+ix)*c+ch]
						}
						if v > best {
							best = v
						}
					}
				}
				inv.Output.Store((oy*outW+ox)*c+ch, best)
			}
		}
	}
	return nil
}

func (maxPoolKernel) Shader() string { return maxPoolShader }
