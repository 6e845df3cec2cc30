// Package kernels implements the operator kernels run by the engine. Every kernel reads
// packed input textures and writes one packed output texture; each carries the WGSL
// source of its GPU counterpart, and the Go implementation doubles as the reference
// backend.
package kernels

import (
	"fmt"

	"k8s.io/examples/AI/texturenet/pkg/engine/shape"
	"k8s.io/examples/AI/texturenet/pkg/engine/texture"
	"k8s.io/examples/AI/texturenet/pkg/model"
)

type OpKind int

const (
	OpNotSupported OpKind = iota
	OpInput
	OpConstant
	OpConv2D
	OpDepthwiseConv2D
	OpMaxPool
	OpPad
	OpReshape
	OpBinary
	OpUnary
)

var opKindNames = map[OpKind]string{
	OpNotSupported:    "NotSupported",
	OpInput:           "Input",
	OpConstant:        "Constant",
	OpConv2D:          "Conv2D",
	OpDepthwiseConv2D: "DepthwiseConv2D",
	OpMaxPool:         "MaxPool",
	OpPad:             "Pad",
	OpReshape:         "Reshape",
	OpBinary:          "Binary",
	OpUnary:           "Unary",
}

func (k OpKind) String() string {
	if s, ok := opKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// opKinds maps graph op names onto kernel families. The binary and unary families
// recover the concrete function from the op name when parsing.
var opKinds = map[string]OpKind{
	"Placeholder":           OpInput,
	"Input":                 OpInput,
	"Const":                 OpConstant,
	"Conv2D":                OpConv2D,
	"DepthwiseConv2dNative": OpDepthwiseConv2D,
	"DepthwiseConv2D":       OpDepthwiseConv2D,
	"MaxPool":               OpMaxPool,
	"Pad":                   OpPad,
	"Reshape":               OpReshape,
}

func init() {
	for name := range binaryOps {
		opKinds[name] = OpBinary
	}
	for name := range unaryOps {
		opKinds[name] = OpUnary
	}
}

// ParseOp maps an op name to its kind, or OpNotSupported.
func ParseOp(op string) OpKind {
	if k, ok := opKinds[op]; ok {
		return k
	}
	return OpNotSupported
}

// Allocator hands out textures owned by the engine. Kernels never free them.
type Allocator interface {
	Allocate(s []int) (*texture.PackedTensor, error)
}

// Invocation is one dispatch of a kernel.
type Invocation struct {
	Params any
	// Inputs are read-only.
	Inputs []*texture.PackedTensor
	// Aux holds textures produced by Prepare, such as packed weights.
	Aux    []*texture.PackedTensor
	Output *texture.PackedTensor
	// Feed carries caller-supplied values for Input nodes.
	Feed []float32
}

type Kernel interface {
	// Parse validates the node's parameter bag and returns the immutable parameters
	// passed to Infer and Run.
	Parse(node model.NodeDescriptor) (any, error)
	// Infer returns the output logical shape for the given input shapes.
	Infer(inputs [][]int, params any) ([]int, error)
	Run(inv *Invocation) error
	// Shader returns the WGSL compute shader implementing the kernel on the GPU.
	Shader() string
}

// Preparer is implemented by kernels that need auxiliary textures, built on the
// engine's goroutine before dispatch.
type Preparer interface {
	Prepare(inputs [][]int, params any, alloc Allocator) ([]*texture.PackedTensor, error)
}

type Registry struct {
	kernels map[OpKind]Kernel
}

func NewRegistry() *Registry {
	return &Registry{kernels: make(map[OpKind]Kernel)}
}

// Default returns a registry holding every built-in kernel.
func Default() *Registry {
	r := NewRegistry()
	r.Register(OpInput, inputKernel{})
	r.Register(OpConstant, constantKernel{})
	r.Register(OpConv2D, conv2DKernel{})
	r.Register(OpDepthwiseConv2D, depthwiseKernel{})
	r.Register(OpMaxPool, maxPoolKernel{})
	r.Register(OpPad, padKernel{})
	r.Register(OpReshape, reshapeKernel{})
	r.Register(OpBinary, binaryKernel{})
	r.Register(OpUnary, unaryKernel{})
	return r
}

func (r *Registry) Register(kind OpKind, k Kernel) {
	r.kernels[kind] = k
}

func (r *Registry) Lookup(kind OpKind) (Kernel, bool) {
	k, ok := r.kernels[kind]
	return k, ok
}

// Resolve maps an op name to its kind and kernel. ok is false when no kernel is registered.
func (r *Registry) Resolve(op string) (OpKind, Kernel, bool) {
	kind := ParseOp(op)
	if kind == OpNotSupported {
		return OpNotSupported, nil, false
	}
	k, ok := r.kernels[kind]
	if !ok {
		return OpNotSupported, nil, false
	}
	return kind, k, true
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []OpKind {
	kinds := make([]OpKind, 0, len(r.kernels))
	for k := range r.kernels {
		kinds = append(kinds, k)
	}
	return kinds
}

func expectInputs(inputs [][]int, n int) error {
	if len(inputs) != n {
		return fmt.Errorf("%w: expected %d inputs, got %d", shape.ErrShapeMismatch, n, len(inputs))
	}
	return nil
}
