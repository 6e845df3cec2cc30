package api

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"k8s.io/examples/AI/texturenet/pkg/engine"
	"k8s.io/examples/AI/texturenet/pkg/engine/kernels"
)

func intList(v []int) []any {
	out := make([]any, len(v))
	for i, x := range v {
		out[i] = x
	}
	return out
}

func stringList(v []string) []any {
	out := make([]any, len(v))
	for i, x := range v {
		out[i] = x
	}
	return out
}

func floatList(v []float32) *structpb.ListValue {
	values := make([]*structpb.Value, len(v))
	for i, x := range v {
		values[i] = structpb.NewNumberValue(float64(x))
	}
	return &structpb.ListValue{Values: values}
}

func countsToStruct(c engine.Counts, extra map[string]any) (*structpb.Struct, error) {
	m := map[string]any{
		"ready":        c.Ready,
		"missing":      c.Missing,
		"failed":       c.Failed,
		"notSupported": c.NotSupported,
	}
	for k, v := range extra {
		m[k] = v
	}
	return structpb.NewStruct(m)
}

func countsFromStruct(s *structpb.Struct) engine.Counts {
	f := s.GetFields()
	return engine.Counts{
		Ready:        int(f["ready"].GetNumberValue()),
		Missing:      int(f["missing"].GetNumberValue()),
		Failed:       int(f["failed"].GetNumberValue()),
		NotSupported: int(f["notSupported"].GetNumberValue()),
	}
}

func nodeToStruct(n engine.NodeStatus) (*structpb.Struct, error) {
	m := map[string]any{
		"name":   n.Name,
		"op":     n.Op,
		"kind":   n.Kind.String(),
		"inputs": stringList(n.Inputs),
		"state":  n.State.String(),
		"status": n.Status,
	}
	if n.Error != "" {
		m["error"] = n.Error
	}
	if n.Shape != nil {
		m["shape"] = intList(n.Shape)
		m["width"] = n.Width
		m["height"] = n.Height
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encoding node %q: %w", n.Name, err)
	}
	return s, nil
}

func nodeFromStruct(s *structpb.Struct) engine.NodeStatus {
	f := s.GetFields()
	n := engine.NodeStatus{
		Name:   f["name"].GetStringValue(),
		Op:     f["op"].GetStringValue(),
		Kind:   kernels.ParseOp(f["op"].GetStringValue()),
		Status: f["status"].GetStringValue(),
		Error:  f["error"].GetStringValue(),
		Width:  int(f["width"].GetNumberValue()),
		Height: int(f["height"].GetNumberValue()),
	}
	if f["state"].GetStringValue() == engine.StateReady.String() {
		n.State = engine.StateReady
	}
	for _, v := range f["inputs"].GetListValue().GetValues() {
		n.Inputs = append(n.Inputs, v.GetStringValue())
	}
	n.Shape = intsFromValue(f["shape"])
	return n
}

func intsFromValue(v *structpb.Value) []int {
	list := v.GetListValue()
	if list == nil {
		return nil
	}
	out := make([]int, len(list.GetValues()))
	for i, x := range list.GetValues() {
		out[i] = int(x.GetNumberValue())
	}
	return out
}

func floatsFromValue(v *structpb.Value) []float32 {
	list := v.GetListValue()
	if list == nil {
		return nil
	}
	out := make([]float32, len(list.GetValues()))
	for i, x := range list.GetValues() {
		out[i] = float32(x.GetNumberValue())
	}
	return out
}

func tensorToStruct(name string, t engine.HostTensor) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"name":   structpb.NewStringValue(name),
		"shape":  structpb.NewListValue(floatList(intsAsFloats(t.Shape))),
		"values": structpb.NewListValue(floatList(t.Values)),
	}}
}

func intsAsFloats(v []int) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func tensorFromStruct(s *structpb.Struct) engine.HostTensor {
	f := s.GetFields()
	return engine.HostTensor{
		Shape:  intsFromValue(f["shape"]),
		Values: floatsFromValue(f["values"]),
	}
}
