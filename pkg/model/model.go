// Package model holds the model description consumed by the graph builder: an ordered list
// of node descriptors with operator-specific parameter bags.
package model

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Description is a loaded model. Node order is the declaration order used to break ties
// when scheduling.
type Description struct {
	Name  string           `json:"name,omitempty"`
	Nodes []NodeDescriptor `json:"nodes"`
}

type NodeDescriptor struct {
	Name   string   `json:"name"`
	Op     string   `json:"op"`
	Inputs []string `json:"inputs,omitempty"`
	Params Params   `json:"params,omitempty"`
}

// Decode reads a JSON model description. Fields other than name, op, inputs and params
// are ignored.
func Decode(r io.Reader) (*Description, error) {
	var desc Description
	if err := json.NewDecoder(r).Decode(&desc); err != nil {
		return nil, fmt.Errorf("decoding model description: %w", err)
	}
	for i, node := range desc.Nodes {
		if node.Name == "" {
			return nil, fmt.Errorf("node %d has no name", i)
		}
		if node.Op == "" {
			return nil, fmt.Errorf("node %q has no op", node.Name)
		}
	}
	return &desc, nil
}

func ReadFile(p string) (*Description, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening model %q: %w", p, err)
	}
	defer f.Close()
	return Decode(f)
}
