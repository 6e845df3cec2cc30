package engine

import (
	"fmt"
	"strings"
)

// BuildDAG orders nodes so that every node follows its inputs. Each sweep walks the
// nodes in declaration order, so independent nodes keep their declared order. Nodes
// left over once a sweep makes no progress lie on, or downstream of, a cycle.
func BuildDAG(nodes []*Node) ([]*Node, error) {
	order := make([]*Node, 0, len(nodes))
	done := make(map[string]bool, len(nodes))

	for {
		progress := false
		for _, node := range nodes {
			if done[node.Name] {
				continue
			}

			ready := true
			for _, dep := range node.Inputs {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[node.Name] = true
				order = append(order, node)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	if len(order) != len(nodes) {
		var stuck []string
		for _, node := range nodes {
			if !done[node.Name] {
				stuck = append(stuck, node.Name)
			}
		}
		return nil, fmt.Errorf("%w: nodes %s cannot be ordered", ErrGraphCycleDetected, strings.Join(stuck, ", "))
	}
	return order, nil
}
