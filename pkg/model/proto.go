package model

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// FromStruct converts a protobuf Struct of the form
// {"name": ..., "nodes": [{"name", "op", "inputs", "params"}]} into a Description.
func FromStruct(s *structpb.Struct) (*Description, error) {
	m := s.AsMap()
	desc := &Description{}
	if name, ok := m["name"].(string); ok {
		desc.Name = name
	}
	nodes, ok := m["nodes"].([]any)
	if !ok {
		return nil, fmt.Errorf("model description has no nodes list")
	}
	for i, n := range nodes {
		fields, ok := n.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("node %d: expected object, got %T", i, n)
		}
		node := NodeDescriptor{}
		node.Name, _ = fields["name"].(string)
		node.Op, _ = fields["op"].(string)
		if node.Name == "" {
			return nil, fmt.Errorf("node %d has no name", i)
		}
		if node.Op == "" {
			return nil, fmt.Errorf("node %q has no op", node.Name)
		}
		if inputs, ok := fields["inputs"].([]any); ok {
			for _, in := range inputs {
				s, ok := in.(string)
				if !ok {
					return nil, fmt.Errorf("node %q: input names must be strings", node.Name)
				}
				node.Inputs = append(node.Inputs, s)
			}
		}
		if params, ok := fields["params"].(map[string]any); ok {
			node.Params = Params(params)
		}
		desc.Nodes = append(desc.Nodes, node)
	}
	return desc, nil
}

func (d *Description) ToStruct() (*structpb.Struct, error) {
	nodes := make([]any, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		inputs := make([]any, len(n.Inputs))
		for i, in := range n.Inputs {
			inputs[i] = in
		}
		params := make(map[string]any, len(n.Params))
		for k, v := range n.Params {
			params[k] = protoValue(v)
		}
		nodes = append(nodes, map[string]any{
			"name":   n.Name,
			"op":     n.Op,
			"inputs": inputs,
			"params": params,
		})
	}
	s, err := structpb.NewStruct(map[string]any{
		"name":  d.Name,
		"nodes": nodes,
	})
	if err != nil {
		return nil, fmt.Errorf("converting model %q to struct: %w", d.Name, err)
	}
	return s, nil
}

// protoValue widens typed slices, which structpb does not accept, into []any.
func protoValue(v any) any {
	switch v := v.(type) {
	case []int:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = e
		}
		return out
	case []float32:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = float64(e)
		}
		return out
	case []float64:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = e
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = e
		}
		return out
	default:
		return v
	}
}
