package engine

import (
	"slices"

	"k8s.io/examples/AI/texturenet/pkg/engine/kernels"
)

const (
	StatusReady        = "ready"
	StatusMissing      = "missing"
	StatusNotSupported = "not-supported"
	StatusFailed       = "failed"
)

// NodeStatus is a point-in-time view of one node.
type NodeStatus struct {
	Name   string
	Op     string
	Kind   kernels.OpKind
	Inputs []string
	State  State
	Status string
	Error  string
	// Shape and the physical Width and Height are set while the node is Ready.
	Shape  []int
	Width  int
	Height int
}

func statusOf(n *Node) string {
	switch {
	case !n.Supported():
		return StatusNotSupported
	case n.Err() != nil:
		return StatusFailed
	case n.state == StateReady:
		return StatusReady
	default:
		return StatusMissing
	}
}

func describe(n *Node) NodeStatus {
	s := NodeStatus{
		Name:   n.Name,
		Op:     n.Op,
		Kind:   n.Kind,
		Inputs: slices.Clone(n.Inputs),
		State:  n.state,
		Status: statusOf(n),
	}
	if err := n.Err(); err != nil {
		s.Error = err.Error()
	}
	if n.output != nil {
		s.Shape = slices.Clone(n.output.Shape())
		s.Width = n.output.Layout.Width
		s.Height = n.output.Layout.Height
	}
	return s
}

// Inspect returns the status of every node in declaration order.
func (e *Engine) Inspect() []NodeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graph == nil {
		return nil
	}
	out := make([]NodeStatus, 0, len(e.graph.declared))
	for _, n := range e.graph.declared {
		out = append(out, describe(n))
	}
	return out
}

// Node returns the status of one node. An unknown name yields a NotFound status error.
func (e *Engine) Node(name string) (NodeStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.lookupLocked(name)
	if err != nil {
		return NodeStatus{}, err
	}
	return describe(n), nil
}

// Counts tallies the current node statuses.
func (e *Engine) Counts() Counts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.countsLocked()
}
