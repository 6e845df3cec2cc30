package kernels

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"

	"k8s.io/examples/AI/texturenet/pkg/engine/shape"
	"k8s.io/examples/AI/texturenet/pkg/engine/texture"
	"k8s.io/examples/AI/texturenet/pkg/model"
)

// Conv2DParams are the parameters of a 2-D convolution. Weights are in natural
// [kernelH, kernelW, inChannels, filters] order; when absent they are generated from Seed.
type Conv2DParams struct {
	Filters int
	Window  shape.Window
	Padding shape.PaddingMode
	Weights []float32
	Bias    []float32
	Seed    uint64
}

func parseWindow(p model.Params, kernelKey string) (shape.Window, error) {
	var w shape.Window
	var err error
	if w.KernelH, w.KernelW, err = p.Pair(kernelKey, 1); err != nil {
		return w, err
	}
	if w.StrideH, w.StrideW, err = p.Pair("strides", 1); err != nil {
		return w, err
	}
	if w.DilationH, w.DilationW, err = p.Pair("dilations", 1); err != nil {
		return w, err
	}
	if w.KernelH <= 0 || w.KernelW <= 0 || w.StrideH <= 0 || w.StrideW <= 0 || w.DilationH <= 0 || w.DilationW <= 0 {
		return w, fmt.Errorf("%w: kernel %dx%d stride %dx%d dilation %dx%d", shape.ErrInvalidGeometry,
			w.KernelH, w.KernelW, w.StrideH, w.StrideW, w.DilationH, w.DilationW)
	}
	return w, nil
}

func parsePadding(p model.Params) (shape.PaddingMode, error) {
	s, err := p.StringOr("padding", "valid")
	if err != nil {
		return 0, err
	}
	return shape.ParsePaddingMode(s)
}

func parseSeed(node model.NodeDescriptor) (uint64, error) {
	if node.Params.Has("seed") {
		seed, err := node.Params.IntOr("seed", 0)
		return uint64(seed), err
	}
	h := fnv.New64a()
	h.Write([]byte(node.Name))
	return h.Sum64(), nil
}

type conv2DKernel struct{}

func (conv2DKernel) Parse(node model.NodeDescriptor) (any, error) {
	p := &Conv2DParams{}
	var err error
	if p.Filters, err = node.Params.IntOr("filters", 0); err != nil {
		return nil, err
	}
	if p.Filters <= 0 {
		return nil, fmt.Errorf("%w: conv2d needs a positive filter count, got %d", shape.ErrInvalidGeometry, p.Filters)
	}
	if p.Window, err = parseWindow(node.Params, "kernelSize"); err != nil {
		return nil, err
	}
	if p.Padding, err = parsePadding(node.Params); err != nil {
		return nil, err
	}
	if p.Weights, _, err = node.Params.Floats("weights"); err != nil {
		return nil, err
	}
	if p.Bias, _, err = node.Params.Floats("bias"); err != nil {
		return nil, err
	}
	if p.Bias != nil && len(p.Bias) != p.Filters {
		return nil, fmt.Errorf("%w: %d bias values for %d filters", shape.ErrShapeMismatch, len(p.Bias), p.Filters)
	}
	if p.Seed, err = parseSeed(node); err != nil {
		return nil, err
	}
	return p, nil
}

func (conv2DKernel) Infer(inputs [][]int, params any) ([]int, error) {
	p := params.(*Conv2DParams)
	if err := expectInputs(inputs, 1); err != nil {
		return nil, err
	}
	_, _, inC, err := shape.Spatial(inputs[0])
	if err != nil {
		return nil, err
	}
	if p.Weights != nil {
		if want := p.Window.KernelH * p.Window.KernelW * inC * p.Filters; len(p.Weights) != want {
			return nil, fmt.Errorf("%w: %d weights, expected %dx%dx%dx%d", shape.ErrShapeMismatch,
				len(p.Weights), p.Window.KernelH, p.Window.KernelW, inC, p.Filters)
		}
	}
	r, err := shape.Resolve(inputs[0], p.Window, p.Padding)
	if err != nil {
		return nil, err
	}
	r.Out[len(r.Out)-1] = p.Filters
	return r.Out, nil
}

// Prepare packs the filter weights and bias into textures.
func (conv2DKernel) Prepare(inputs [][]int, params any, alloc Allocator) ([]*texture.PackedTensor, error) {
	p := params.(*Conv2DParams)
	_, _, inC, err := shape.Spatial(inputs[0])
	if err != nil {
		return nil, err
	}
	kh, kw := p.Window.KernelH, p.Window.KernelW

	natural := p.Weights
	if natural == nil {
		natural = GenerateWeights(p.Seed, kh*kw*inC, p.Filters, kh*kw*inC*p.Filters)
	}
	packed := PackConvWeights(natural, kh, kw, inC, p.Filters)
	weights, err := alloc.Allocate([]int{p.Filters, kh, kw, PackedChannels(inC)})
	if err != nil {
		return nil, fmt.Errorf("allocating weights: %w", err)
	}
	weights.Write(packed)

	bias, err := alloc.Allocate([]int{p.Filters})
	if err != nil {
		return nil, fmt.Errorf("allocating bias: %w", err)
	}
	if p.Bias != nil {
		bias.Write(p.Bias)
	}
	return []*texture.PackedTensor{weights, bias}, nil
}

func (conv2DKernel) Run(inv *Invocation) error {
	p := inv.Params.(*Conv2DParams)
	in := inv.Inputs[0]
	inH, inW, inC, err := shape.Spatial(in.Shape())
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
	if len(inv.Aux) != 2 {
		return fmt.Errorf("conv2d: weights have not been prepared")
	}

	w := p.Window
	inC4 := PackedChannels(inC)
	src := in.Values()
	weights := inv.Aux[0].Values()
	bias := inv.Aux[1].Values()
	out := inv.Output

	for oy := 0; oy < outH; oy++ {
		for ox := 0; ox < outW; ox++ {
			for f := 0; f < p.Filters; f++ {
				sum := bias[f]
				for ky := 0; ky < w.KernelH; ky++ {
					iy := oy*w.StrideH - r.PadY() + ky*dilation(w.DilationH)
					if iy < 0 || iy >= inH {
						continue
					}
					for kx := 0; kx < w.KernelW; kx++ {
						ix := ox*w.StrideW - r.PadX() + kx*dilation(w.DilationW)
						if ix < 0 || ix >= inW {
							continue
						}
						srcBase := (iy*inW + ix) * inC
						wBase := ((f*w.KernelH+ky)*w.KernelW + kx) * inC4
						for c := 0; c < inC; c++ {
							sum += src[srcBase+c] * weights[wBase+c]
						}
					}
				}
				out.Store((oy*outW+ox)*p.Filters+f, sum)
			}
		}
	}
	return nil
}

func (conv2DKernel) Shader() string { return conv2DShader }

// DepthwiseParams convolve every input channel with its own Multiplier filters.
// Weights are in natural [kernelH, kernelW, inChannels, multiplier] order.
type DepthwiseParams struct {
	Multiplier int
	Window     shape.Window
	Padding    shape.PaddingMode
	Weights    []float32
	Bias       []float32
	Seed       uint64
}

type depthwiseKernel struct{}

func (depthwiseKernel) Parse(node model.NodeDescriptor) (any, error) {
	p := &DepthwiseParams{}
	var err error
	if p.Multiplier, err = node.Params.IntOr("depthMultiplier", 1); err != nil {
		return nil, err
	}
	if p.Multiplier <= 0 {
		return nil, fmt.Errorf("%w: depth multiplier %d", shape.ErrInvalidGeometry, p.Multiplier)
	}
	if p.Window, err = parseWindow(node.Params, "kernelSize"); err != nil {
		return nil, err
	}
	if p.Padding, err = parsePadding(node.Params); err != nil {
		return nil, err
	}
	if p.Weights, _, err = node.Params.Floats("weights"); err != nil {
		return nil, err
	}
	if p.Bias, _, err = node.Params.Floats("bias"); err != nil {
		return nil, err
	}
	if p.Seed, err = parseSeed(node); err != nil {
		return nil, err
	}
	return p, nil
}

func (depthwiseKernel) Infer(inputs [][]int, params any) ([]int, error) {
	p := params.(*DepthwiseParams)
	if err := expectInputs(inputs, 1); err != nil {
		return nil, err
	}
	_, _, inC, err := shape.Spatial(inputs[0])
	if err != nil {
		return nil, err
	}
	outC := inC * p.Multiplier
	if p.Weights != nil && len(p.Weights) != p.Window.KernelH*p.Window.KernelW*outC {
		return nil, fmt.Errorf("%w: %d weights, expected %dx%dx%dx%d", shape.ErrShapeMismatch,
			len(p.Weights), p.Window.KernelH, p.Window.KernelW, inC, p.Multiplier)
	}
	if p.Bias != nil && len(p.Bias) != outC {
		return nil, fmt.Errorf("%w: %d bias values for %d output channels", shape.ErrShapeMismatch, len(p.Bias), outC)
	}
	r, err := shape.Resolve(inputs[0], p.Window, p.Padding)
	if err != nil {
		return nil, err
	}
	r.Out[len(r.Out)-1] = outC
	return r.Out, nil
}

// Prepare uploads the weights. The natural order already groups output channels
// c*multiplier+m contiguously, which is the layout the shader reads.
func (depthwiseKernel) Prepare(inputs [][]int, params any, alloc Allocator) ([]*texture.PackedTensor, error) {
	p := params.(*DepthwiseParams)
	_, _, inC, err := shape.Spatial(inputs[0])
	if err != nil {
		return nil, err
	}
	kh, kw := p.Window.KernelH, p.Window.KernelW
	outC := inC * p.Multiplier

	natural := p.Weights
	if natural == nil {
		natural = GenerateWeights(p.Seed, kh*kw, p.Multiplier, kh*kw*outC)
	}
	weights, err := alloc.Allocate([]int{kh, kw, outC})
	if err != nil {
		return nil, fmt.Errorf("allocating weights: %w", err)
	}
	weights.Write(natural)

	bias, err := alloc.Allocate([]int{outC})
	if err != nil {
		return nil, fmt.Errorf("allocating bias: %w", err)
	}
	if p.Bias != nil {
		bias.Write(p.Bias)
	}
	return []*texture.PackedTensor{weights, bias}, nil
}

func (depthwiseKernel) Run(inv *Invocation) error {
	p := inv.Params.(*DepthwiseParams)
	in := inv.Inputs[0]
	inH, inW, inC, err := shape.Spatial(in.Shape())
	if err != nil {
		return err
	}
	r, err := shape.Resolve(in.Shape(), p.Window, p.Padding)
	if err != nil {
		return err
	}
	outH, outW, outC, err := shape.Spatial(inv.Output.Shape())
	if err != nil {
		return err
	}
	if len(inv.Aux) != 2 {
		return fmt.Errorf("depthwise conv: weights have not been prepared")
	}

	w := p.Window
	src := in.Values()
	weights := inv.Aux[0].Values()
	bias := inv.Aux[1].Values()
	out := inv.Output

	for oy := 0; oy < outH; oy++ {
		for ox := 0; ox < outW; ox++ {
			for c := 0; c < inC; c++ {
				for m := 0; m < p.Multiplier; m++ {
					o := c*p.Multiplier + m
					sum := bias[o]
					for ky := 0; ky < w.KernelH; ky++ {
						iy := oy*w.StrideH - r.PadY() + ky*dilation(w.DilationH)
						if iy < 0 || iy >= inH {
							continue
						}
						for kx := 0; kx < w.KernelW; kx++ {
							ix := ox*w.StrideW - r.PadX() + kx*dilation(w.DilationW)
							if ix < 0 || ix >= inW {
								continue
							}
							sum += src[(iy*inW+ix)*inC+c] * weights[(ky*w.KernelW+kx)*outC+o]
						}
					}
					out.Store((oy*outW+ox)*outC+o, sum)
				}
			}
		}
	}
	return nil
}

func (depthwiseKernel) Shader() string { return depthwiseShader }

func dilation(d int) int {
	if d <= 0 {
		return 1
	}
	return d
}

// PackedChannels rounds a channel count up to whole texels.
func PackedChannels(c int) int {
	return (c + texture.ChannelsPerTexel - 1) / texture.ChannelsPerTexel * texture.ChannelsPerTexel
}

// PackConvWeights repacks [kh, kw, in, out] weights into the [out, kh, kw, in4] order the
// convolution kernel reads, where in4 is in rounded up to a multiple of four and the extra
// channels are zero. Each filter tap then spans whole texels.
func PackConvWeights(natural []float32, kh, kw, in, out int) []float32 {
	in4 := PackedChannels(in)
	packed := make([]float32, out*kh*kw*in4)
	for ky := 0; ky < kh; ky++ {
		for kx := 0; kx < kw; kx++ {
			for c := 0; c < in; c++ {
				for f := 0; f < out; f++ {
					packed[((f*kh+ky)*kw+kx)*in4+c] = natural[((ky*kw+kx)*in+c)*out+f]
				}
			}
		}
	}
	return packed
}

// UnpackConvWeights is the inverse of PackConvWeights.
func UnpackConvWeights(packed []float32, kh, kw, in, out int) []float32 {
	in4 := PackedChannels(in)
	natural := make([]float32, kh*kw*in*out)
	for ky := 0; ky < kh; ky++ {
		for kx := 0; kx < kw; kx++ {
			for c := 0; c < in; c++ {
				for f := 0; f < out; f++ {
					natural[((ky*kw+kx)*in+c)*out+f] = packed[((f*kh+ky)*kw+kx)*in4+c]
				}
			}
		}
	}
	return natural
}

// GenerateWeights returns n Glorot-uniform weights for a layer with the given fan-in and
// fan-out, deterministic in seed.
func GenerateWeights(seed uint64, fanIn, fanOut, n int) []float32 {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	return out
}
