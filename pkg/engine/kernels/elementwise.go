package kernels

import (
	"fmt"
	"math"
	"slices"

	"k8s.io/examples/AI/texturenet/pkg/engine/shape"
	"k8s.io/examples/AI/texturenet/pkg/model"
)

type BinaryOp int

const (
	BinaryAdd BinaryOp = iota
	BinarySub
	BinaryMul
	BinaryDiv
)

var binaryOps = map[string]BinaryOp{
	"Add":     BinaryAdd,
	"AddV2":   BinaryAdd,
	"BiasAdd": BinaryAdd,
	"Sub":     BinarySub,
	"Mul":     BinaryMul,
	"RealDiv": BinaryDiv,
	"Div":     BinaryDiv,
}

func (op BinaryOp) apply(a, b float32) float32 {
	switch op {
	case BinaryAdd:
		return a + b
	case BinarySub:
		return a - b
	case BinaryMul:
		return a * b
	default:
		return a / b
	}
}

type BinaryParams struct {
	Op BinaryOp
}

// binaryKernel combines two tensors elementwise. Either operand broadcasts along
// dimensions of size 1, and the lower-rank operand is aligned on trailing dimensions.
type binaryKernel struct{}

func (binaryKernel) Parse(node model.NodeDescriptor) (any, error) {
	op, ok := binaryOps[node.Op]
	if !ok {
		return nil, fmt.Errorf("unknown binary op %q", node.Op)
	}
	return &BinaryParams{Op: op}, nil
}

func (binaryKernel) Infer(inputs [][]int, params any) ([]int, error) {
	if err := expectInputs(inputs, 2); err != nil {
		return nil, err
	}
	return shape.Broadcast(inputs[0], inputs[1])
}

func (binaryKernel) Run(inv *Invocation) error {
	op := inv.Params.(*BinaryParams).Op
	a, b := inv.Inputs[0], inv.Inputs[1]
	outShape, err := shape.Broadcast(a.Shape(), b.Shape())
	if err != nil {
		return err
	}
	if !shape.Equal(outShape, inv.Output.Shape()) {
		return fmt.Errorf("%w: output %v, expected %v", shape.ErrShapeMismatch, inv.Output.Shape(), outShape)
	}

	av, bv := a.Values(), b.Values()
	if shape.Equal(a.Shape(), b.Shape()) {
		for i := range av {
			inv.Output.Store(i, op.apply(av[i], bv[i]))
		}
		return nil
	}

	aStrides := shape.BroadcastStrides(a.Shape(), outShape)
	bStrides := shape.BroadcastStrides(b.Shape(), outShape)
	outStrides := shape.Strides(outShape)
	n := shape.Size(outShape)
	for i := 0; i < n; i++ {
		ai, bi := 0, 0
		rem := i
		for d, stride := range outStrides {
			coord := rem / stride
			rem %= stride
			ai += coord * aStrides[d]
			bi += coord * bStrides[d]
		}
		inv.Output.Store(i, op.apply(av[ai], bv[bi]))
	}
	return nil
}

func (binaryKernel) Shader() string { return binaryShader }

type UnaryFn int

const (
	UnaryIdentity UnaryFn = iota
	UnaryRelu
	UnaryRelu6
	UnaryLeakyRelu
	UnaryElu
	UnarySigmoid
	UnaryTanh
	UnaryExp
	UnaryNeg
	UnaryAbs
	UnarySqrt
	UnarySquare
)

var unaryOps = map[string]UnaryFn{
	"Identity":  UnaryIdentity,
	"Relu":      UnaryRelu,
	"Relu6":     UnaryRelu6,
	"LeakyRelu": UnaryLeakyRelu,
	"Elu":       UnaryElu,
	"Sigmoid":   UnarySigmoid,
	"Tanh":      UnaryTanh,
	"Exp":       UnaryExp,
	"Neg":       UnaryNeg,
	"Abs":       UnaryAbs,
	"Sqrt":      UnarySqrt,
	"Square":    UnarySquare,
}

type UnaryParams struct {
	Fn    UnaryFn
	Alpha float32
}

func (p *UnaryParams) apply(x float32) float32 {
	switch p.Fn {
	case UnaryRelu:
		return max(x, 0)
	case UnaryRelu6:
		return min(max(x, 0), 6)
	case UnaryLeakyRelu:
		if x < 0 {
			return p.Alpha * x
		}
		return x
	case UnaryElu:
		if x < 0 {
			return float32(math.Expm1(float64(x)))
		}
		return x
	case UnarySigmoid:
		return float32(1 / (1 + math.Exp(-float64(x))))
	case UnaryTanh:
		return float32(math.Tanh(float64(x)))
	case UnaryExp:
		return float32(math.Exp(float64(x)))
	case UnaryNeg:
		return -x
	case UnaryAbs:
		return float32(math.Abs(float64(x)))
	case UnarySqrt:
		return float32(math.Sqrt(float64(x)))
	case UnarySquare:
		return x * x
	default:
		return x
	}
}

type unaryKernel struct{}

func (unaryKernel) Parse(node model.NodeDescriptor) (any, error) {
	fn, ok := unaryOps[node.Op]
	if !ok {
		return nil, fmt.Errorf("unknown unary op %q", node.Op)
	}
	alpha, err := node.Params.FloatOr("alpha", 0.2)
	if err != nil {
		return nil, err
	}
	return &UnaryParams{Fn: fn, Alpha: float32(alpha)}, nil
}

func (unaryKernel) Infer(inputs [][]int, params any) ([]int, error) {
	if err := expectInputs(inputs, 1); err != nil {
		return nil, err
	}
	return slices.Clone(inputs[0]), nil
}

func (unaryKernel) Run(inv *Invocation) error {
	p := inv.Params.(*UnaryParams)
	src := inv.Inputs[0].Values()
	if len(src) != inv.Output.Layout.Elements() {
		return fmt.Errorf("%w: output %v for input %v", shape.ErrShapeMismatch, inv.Output.Shape(), inv.Inputs[0].Shape())
	}
	for i, x := range src {
		inv.Output.Store(i, p.apply(x))
	}
	return nil
}

func (unaryKernel) Shader() string { return unaryShader }
