package engine

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/texturenet/pkg/engine/kernels"
	"k8s.io/examples/AI/texturenet/pkg/engine/texture"
	"k8s.io/examples/AI/texturenet/pkg/model"
)

// State is the completion state of a node. A node is observed either Missing or
// Ready; it is never seen mid-computation.
type State int

const (
	StateMissing State = iota
	StateReady
)

func (s State) String() string {
	if s == StateReady {
		return "Ready"
	}
	return "Missing"
}

// Node is one operator of a loaded graph.
type Node struct {
	Name string
	Op   string
	Kind kernels.OpKind
	// Inputs name the producing nodes, in operand order.
	Inputs []string

	params any
	kernel kernels.Kernel

	state  State
	output *texture.PackedTensor
	aux    []*texture.PackedTensor
	// invalid records a parameter error; such a node never runs.
	invalid error
	// err records a failed run. The node is not retried until reset.
	err error

	// feed holds caller values for input nodes.
	feed []float32
}

func (n *Node) State() State { return n.state }

func (n *Node) Err() error {
	if n.invalid != nil {
		return n.invalid
	}
	return n.err
}

// Supported reports whether a kernel is registered for the node's op.
func (n *Node) Supported() bool { return n.Kind != kernels.OpNotSupported }

// GraphState is the graph of one loaded model.
type GraphState struct {
	nodes map[string]*Node
	// declared keeps description order; order is topological.
	declared []*Node
	order    []*Node
	// consumers maps a node to the nodes that read it.
	consumers map[string][]*Node
}

// BuildGraph converts a model description into a graph. Ops without a kernel are tagged
// NotSupported and the build carries on; duplicate names, unknown inputs and cycles fail
// the build. Nodes whose parameters do not parse are kept with the error recorded.
func BuildGraph(ctx context.Context, desc *model.Description, registry *kernels.Registry) (*GraphState, error) {
	log := klog.FromContext(ctx)

	g := &GraphState{
		nodes:     make(map[string]*Node, len(desc.Nodes)),
		consumers: make(map[string][]*Node),
	}
	for _, d := range desc.Nodes {
		if _, found := g.nodes[d.Name]; found {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateNode, d.Name)
		}
		n := &Node{
			Name:   d.Name,
			Op:     d.Op,
			Inputs: append([]string(nil), d.Inputs...),
		}
		kind, kernel, ok := registry.Resolve(d.Op)
		if !ok {
			log.Info("operator not supported", "node", d.Name, "op", d.Op)
		} else {
			n.Kind = kind
			n.kernel = kernel
			params, err := kernel.Parse(d)
			if err != nil {
				log.Error(err, "invalid operator parameters", "node", d.Name, "op", d.Op)
				n.invalid = fmt.Errorf("parsing parameters of %q: %w", d.Name, err)
			}
			n.params = params
		}
		g.nodes[n.Name] = n
		g.declared = append(g.declared, n)
	}

	for _, n := range g.declared {
		for _, in := range n.Inputs {
			producer, found := g.nodes[in]
			if !found {
				return nil, fmt.Errorf("%w: node %q reads %q", ErrUnknownInput, n.Name, in)
			}
			g.consumers[producer.Name] = append(g.consumers[producer.Name], n)
		}
	}

	order, err := BuildDAG(g.declared)
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

func (g *GraphState) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns the nodes in declaration order.
func (g *GraphState) Nodes() []*Node { return g.declared }

// Order returns the nodes in evaluation order.
func (g *GraphState) Order() []*Node { return g.order }

// Descendants returns every node downstream of name, in evaluation order.
func (g *GraphState) Descendants(name string) []*Node {
	seen := make(map[string]bool)
	stack := []string{name}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range g.consumers[cur] {
			if !seen[c.Name] {
				seen[c.Name] = true
				stack = append(stack, c.Name)
			}
		}
	}
	var out []*Node
	for _, n := range g.order {
		if seen[n.Name] {
			out = append(out, n)
		}
	}
	return out
}

// eligible reports whether n can run now: it is Missing, runnable, and every input is Ready.
func (g *GraphState) eligible(n *Node) bool {
	if n.state == StateReady || !n.Supported() || n.Err() != nil {
		return false
	}
	if n.Kind == kernels.OpInput && n.feed == nil {
		return false
	}
	for _, in := range n.Inputs {
		if g.nodes[in].state != StateReady {
			return false
		}
	}
	return true
}
