package kernels

import (
	"errors"
	"math"
	"slices"
	"strings"
	"testing"

	"k8s.io/examples/AI/texturenet/pkg/engine/shape"
	"k8s.io/examples/AI/texturenet/pkg/engine/texture"
	"k8s.io/examples/AI/texturenet/pkg/model"
)

var testEncoder = texture.Encoder{MaxDimension: 4096, Format: texture.RGBA32F}

type testAllocator struct{}

func (testAllocator) Allocate(s []int) (*texture.PackedTensor, error) {
	layout, err := testEncoder.Layout(s)
	if err != nil {
		return nil, err
	}
	return texture.New(layout), nil
}

func mustEncode(t *testing.T, s []int, values []float32) *texture.PackedTensor {
	t.Helper()
	p, err := testEncoder.Encode(s, values)
	if err != nil {
		t.Fatalf("encoding %v: %v", s, err)
	}
	return p
}

// runOp drives a kernel the way the engine does: parse, infer, prepare, allocate, run.
func runOp(t *testing.T, op string, params model.Params, inputs ...*texture.PackedTensor) (*texture.PackedTensor, error) {
	t.Helper()
	_, k, ok := Default().Resolve(op)
	if !ok {
		t.Fatalf("no kernel for %q", op)
	}
	p, err := k.Parse(model.NodeDescriptor{Name: "node", Op: op, Params: params})
	if err != nil {
		return nil, err
	}
	var shapes [][]int
	for _, in := range inputs {
		shapes = append(shapes, in.Shape())
	}
	outShape, err := k.Infer(shapes, p)
	if err != nil {
		return nil, err
	}
	var aux []*texture.PackedTensor
	if prep, ok := k.(Preparer); ok {
		if aux, err = prep.Prepare(shapes, p, testAllocator{}); err != nil {
			return nil, err
		}
	}
	out, err := testAllocator{}.Allocate(outShape)
	if err != nil {
		return nil, err
	}
	if err := k.Run(&Invocation{Params: p, Inputs: inputs, Aux: aux, Output: out}); err != nil {
		return nil, err
	}
	return out, nil
}

func ramp(n int, scale float32) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(i%7-3) * scale
	}
	return v
}

func assertClose(t *testing.T, got, want []float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d values, want %d", len(got), len(want))
	}
	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > 1e-5 {
			t.Fatalf("value %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

// naiveConv computes a convolution directly from natural [kh,kw,in,out] weights.
func naiveConv(in []float32, h, w, c int, weights, bias []float32, kh, kw, filters, stride int, pad shape.Padding, outH, outW int) []float32 {
	out := make([]float32, outH*outW*filters)
	for oy := 0; oy < outH; oy++ {
		for ox := 0; ox < outW; ox++ {
			for f := 0; f < filters; f++ {
				sum := float32(0)
				if bias != nil {
					sum = bias[f]
				}
				for ky := 0; ky < kh; ky++ {
					for kx := 0; kx < kw; kx++ {
						iy, ix := oy*stride+ky-pad.Top, ox*stride+kx-pad.Left
						if iy < 0 || iy >= h || ix < 0 || ix >= w {
							continue
						}
						for ch := 0; ch < c; ch++ {
							sum += in[(iy*w+ix)*c+ch] * weights[((ky*kw+kx)*c+ch)*filters+f]
						}
					}
				}
				out[(oy*outW+ox)*filters+f] = sum
			}
		}
	}
	return out
}

func TestConv2DMatchesReference(t *testing.T) {
	grid := []struct {
		name    string
		padding string
		stride  int
		in      []int
		filters int
	}{
		{"same-stride2", "same", 2, []int{5, 5, 3}, 2},
		{"valid-stride1", "valid", 1, []int{4, 6, 5}, 3},
		{"same-batched", "SAME", 1, []int{1, 4, 4, 4}, 1},
	}
	for _, g := range grid {
		t.Run(g.name, func(t *testing.T) {
			h, w, c, _ := shape.Spatial(g.in)
			weights := ramp(3*3*c*g.filters, 0.25)
			bias := ramp(g.filters, 0.5)
			input := mustEncode(t, g.in, ramp(shape.Size(g.in), 1))

			out, err := runOp(t, "Conv2D", model.Params{
				"filters":    g.filters,
				"kernelSize": []any{3.0, 3.0},
				"strides":    g.stride,
				"padding":    g.padding,
				"weights":    weights,
				"bias":       bias,
			}, input)
			if err != nil {
				t.Fatalf("running conv: %v", err)
			}

			mode, _ := shape.ParsePaddingMode(g.padding)
			r, err := shape.Resolve(g.in, shape.Window{KernelH: 3, KernelW: 3, StrideH: g.stride, StrideW: g.stride}, mode)
			if err != nil {
				t.Fatal(err)
			}
			outH, outW, _, _ := shape.Spatial(r.Out)
			want := naiveConv(input.Values(), h, w, c, weights, bias, 3, 3, g.filters, g.stride, r.Padding, outH, outW)
			assertClose(t, out.Values(), want)
			if got := out.Shape()[len(out.Shape())-1]; got != g.filters {
				t.Errorf("output channels = %d, want %d", got, g.filters)
			}
		})
	}
}

func TestConv2DGeneratedWeightsAreDeterministic(t *testing.T) {
	input := mustEncode(t, []int{4, 4, 3}, ramp(48, 1))
	params := model.Params{"filters": 4, "kernelSize": 2, "strides": 2, "padding": "same", "seed": 7}
	a, err := runOp(t, "Conv2D", params, input)
	if err != nil {
		t.Fatal(err)
	}
	b, err := runOp(t, "Conv2D", params, input)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(a.Values(), b.Values()) {
		t.Errorf("same seed produced different outputs")
	}
	if !slices.Equal(a.Shape(), []int{2, 2, 4}) {
		t.Errorf("shape = %v, want [2 2 4]", a.Shape())
	}
}

func TestConv2DRejectsWrongWeightCount(t *testing.T) {
	input := mustEncode(t, []int{4, 4, 1}, ramp(16, 1))
	_, err := runOp(t, "Conv2D", model.Params{"filters": 2, "kernelSize": 2, "weights": []any{1.0, 2.0}}, input)
	if !errors.Is(err, shape.ErrShapeMismatch) {
		t.Errorf("expected shape mismatch, got %v", err)
	}
}

func TestDepthwiseMatchesReference(t *testing.T) {
	const h, w, c, mult, k = 4, 4, 2, 2, 3
	outC := c * mult
	weights := ramp(k*k*c*mult, 0.5)
	input := mustEncode(t, []int{h, w, c}, ramp(h*w*c, 1))

	out, err := runOp(t, "DepthwiseConv2dNative", model.Params{
		"depthMultiplier": mult,
		"kernelSize":      k,
		"padding":         "same",
		"weights":         weights,
	}, input)
	if err != nil {
		t.Fatalf("running depthwise: %v", err)
	}
	if !slices.Equal(out.Shape(), []int{h, w, outC}) {
		t.Fatalf("shape = %v", out.Shape())
	}

	src := input.Values()
	want := make([]float32, h*w*outC)
	for oy := 0; oy < h; oy++ {
		for ox := 0; ox < w; ox++ {
			for ch := 0; ch < c; ch++ {
				for m := 0; m < mult; m++ {
					var sum float32
					for ky := 0; ky < k; ky++ {
						for kx := 0; kx < k; kx++ {
							iy, ix := oy+ky-1, ox+kx-1
							if iy < 0 || iy >= h || ix < 0 || ix >= w {
								continue
							}
							sum += src[(iy*w+ix)*c+ch] * weights[((ky*k+kx)*c+ch)*mult+m]
						}
					}
					want[(oy*w+ox)*outC+ch*mult+m] = sum
				}
			}
		}
	}
	assertClose(t, out.Values(), want)
}

func TestMaxPoolPaddingNeverWins(t *testing.T) {
	values := make([]float32, 3*3*2)
	for i := range values {
		values[i] = -5 - float32(i)
	}
	input := mustEncode(t, []int{3, 3, 2}, values)
	out, err := runOp(t, "MaxPool", model.Params{"ksize": 2, "strides": 2, "padding": "same"}, input)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(out.Shape(), []int{2, 2, 2}) {
		t.Fatalf("shape = %v", out.Shape())
	}
	for i, v := range out.Values() {
		if v >= 0 {
			t.Errorf("value %d = %v; padding leaked into the maximum", i, v)
		}
	}
	// Bottom-right window covers only the corner element.
	if got, want := out.Values()[3*2], values[(2*3+2)*2]; got != want {
		t.Errorf("corner = %v, want %v", got, want)
	}
}

func TestPad(t *testing.T) {
	input := mustEncode(t, []int{2, 2, 1}, []float32{1, 2, 3, 4})
	out, err := runOp(t, "Pad", model.Params{"paddings": []any{1.0, 0.0, 0.0, 1.0}}, input)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(out.Shape(), []int{3, 3, 1}) {
		t.Fatalf("shape = %v", out.Shape())
	}
	assertClose(t, out.Values(), []float32{
		0, 0, 0,
		1, 2, 0,
		3, 4, 0,
	})
}

func TestPadRejectsChannelPadding(t *testing.T) {
	input := mustEncode(t, []int{2, 2, 1}, []float32{1, 2, 3, 4})
	_, err := runOp(t, "Pad", model.Params{"paddings": []any{0.0, 0.0, 0.0, 0.0, 1.0, 1.0}}, input)
	if !errors.Is(err, shape.ErrInvalidGeometry) {
		t.Errorf("expected invalid geometry, got %v", err)
	}
}

func TestReshape(t *testing.T) {
	input := mustEncode(t, []int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	out, err := runOp(t, "Reshape", model.Params{"shape": []any{3.0, -1.0}}, input)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(out.Shape(), []int{3, 2}) {
		t.Errorf("shape = %v", out.Shape())
	}
	assertClose(t, out.Values(), input.Values())

	if _, err := runOp(t, "Reshape", model.Params{"shape": []any{4.0, 2.0}}, input); !errors.Is(err, shape.ErrShapeMismatch) {
		t.Errorf("expected shape mismatch, got %v", err)
	}
}

func TestBinaryBroadcast(t *testing.T) {
	a := mustEncode(t, []int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	b := mustEncode(t, []int{3}, []float32{10, 20, 30})

	out, err := runOp(t, "Add", nil, a, b)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, out.Values(), []float32{11, 22, 33, 14, 25, 36})

	out, err = runOp(t, "Mul", nil, a, a)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, out.Values(), []float32{1, 4, 9, 16, 25, 36})

	col := mustEncode(t, []int{2, 1}, []float32{1, 2})
	out, err = runOp(t, "Sub", nil, a, col)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, out.Values(), []float32{0, 1, 2, 2, 3, 4})

	bad := mustEncode(t, []int{2}, []float32{1, 2})
	if _, err := runOp(t, "Add", nil, a, bad); !errors.Is(err, shape.ErrShapeMismatch) {
		t.Errorf("expected shape mismatch, got %v", err)
	}
}

func TestUnary(t *testing.T) {
	input := mustEncode(t, []int{5}, []float32{-2, -0.5, 0, 3, 8})
	grid := []struct {
		op     string
		params model.Params
		want   []float32
	}{
		{"Relu", nil, []float32{0, 0, 0, 3, 8}},
		{"Relu6", nil, []float32{0, 0, 0, 3, 6}},
		{"LeakyRelu", model.Params{"alpha": 0.1}, []float32{-0.2, -0.05, 0, 3, 8}},
		{"Neg", nil, []float32{2, 0.5, 0, -3, -8}},
		{"Identity", nil, []float32{-2, -0.5, 0, 3, 8}},
	}
	for _, g := range grid {
		out, err := runOp(t, g.op, g.params, input)
		if err != nil {
			t.Fatalf("%s: %v", g.op, err)
		}
		assertClose(t, out.Values(), g.want)
	}
}

func TestKernelsDoNotModifyInputs(t *testing.T) {
	values := ramp(4*4*4, 1)
	input := mustEncode(t, []int{4, 4, 4}, values)
	ops := []struct {
		op     string
		params model.Params
	}{
		{"Conv2D", model.Params{"filters": 2, "kernelSize": 3, "padding": "same"}},
		{"DepthwiseConv2D", model.Params{"kernelSize": 2}},
		{"MaxPool", model.Params{"ksize": 2, "strides": 2}},
		{"Pad", model.Params{"paddings": []any{1.0, 1.0, 1.0, 1.0}}},
		{"Reshape", model.Params{"shape": []any{-1.0}}},
		{"Sigmoid", nil},
	}
	for _, o := range ops {
		if _, err := runOp(t, o.op, o.params, input); err != nil {
			t.Fatalf("%s: %v", o.op, err)
		}
		if !slices.Equal(input.Values(), values) {
			t.Fatalf("%s modified its input", o.op)
		}
	}
}

func TestInputRejectsWrongFeed(t *testing.T) {
	k := inputKernel{}
	p, err := k.Parse(model.NodeDescriptor{Name: "x", Op: "Placeholder", Params: model.Params{"shape": []any{-1.0, 2.0, 2.0, 1.0}}})
	if err != nil {
		t.Fatal(err)
	}
	s, err := k.Infer(nil, p)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(s, []int{1, 2, 2, 1}) {
		t.Fatalf("shape = %v", s)
	}
	out, _ := testAllocator{}.Allocate(s)
	if err := k.Run(&Invocation{Params: p, Output: out, Feed: []float32{1, 2}}); !errors.Is(err, shape.ErrShapeMismatch) {
		t.Errorf("expected shape mismatch, got %v", err)
	}
	if err := k.Run(&Invocation{Params: p, Output: out, Feed: []float32{1, 2, 3, 4}}); err != nil {
		t.Fatal(err)
	}
	assertClose(t, out.Values(), []float32{1, 2, 3, 4})
}

func TestPackConvWeightsInverse(t *testing.T) {
	for _, in := range []int{1, 3, 4, 5, 8} {
		natural := ramp(3*2*in*6, 1)
		for i := range natural {
			natural[i] += float32(i) / 100
		}
		packed := PackConvWeights(natural, 3, 2, in, 6)
		if len(packed) != 6*3*2*PackedChannels(in) {
			t.Fatalf("in=%d: packed length %d", in, len(packed))
		}
		if got := UnpackConvWeights(packed, 3, 2, in, 6); !slices.Equal(got, natural) {
			t.Errorf("in=%d: unpack(pack(w)) != w", in)
		}
	}
}

func TestGenerateWeights(t *testing.T) {
	a := GenerateWeights(42, 27, 8, 216)
	b := GenerateWeights(42, 27, 8, 216)
	if !slices.Equal(a, b) {
		t.Fatalf("weights are not deterministic")
	}
	limit := float32(math.Sqrt(6.0 / 35.0))
	for i, v := range a {
		if v < -limit || v > limit {
			t.Fatalf("weight %d = %v outside [-%v, %v]", i, v, limit, limit)
		}
	}
	if slices.Equal(a, GenerateWeights(43, 27, 8, 216)) {
		t.Errorf("different seeds produced identical weights")
	}
}

func TestParseOp(t *testing.T) {
	grid := map[string]OpKind{
		"Placeholder":           OpInput,
		"Const":                 OpConstant,
		"Conv2D":                OpConv2D,
		"DepthwiseConv2dNative": OpDepthwiseConv2D,
		"MaxPool":               OpMaxPool,
		"BiasAdd":               OpBinary,
		"Relu6":                 OpUnary,
		"FusedBatchNorm":        OpNotSupported,
	}
	for op, want := range grid {
		if got := ParseOp(op); got != want {
			t.Errorf("ParseOp(%q) = %v, want %v", op, got, want)
		}
	}
	if _, _, ok := NewRegistry().Resolve("Conv2D"); ok {
		t.Errorf("empty registry resolved Conv2D")
	}
}

func TestShaderSources(t *testing.T) {
	r := Default()
	for _, kind := range r.Kinds() {
		k, _ := r.Lookup(kind)
		src := k.Shader()
		for _, want := range []string{"@compute", "@workgroup_size", "fn main", "textureStore"} {
			if !strings.Contains(src, want) {
				t.Errorf("%v shader is missing %q", kind, want)
			}
		}
	}
}

func TestCompileShader(t *testing.T) {
	words, err := CompileShader(unaryShader)
	if err != nil {
		t.Skipf("shader compiler does not cover this shader yet: %v", err)
	}
	if len(words) == 0 || words[0] != 0x07230203 {
		t.Errorf("output does not start with the SPIR-V magic number")
	}
}
