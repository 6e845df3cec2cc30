package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"k8s.io/examples/AI/texturenet/pkg/engine"
	"k8s.io/examples/AI/texturenet/pkg/model"
)

// Client calls a graph server. Errors are gRPC status errors.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Load(ctx context.Context, desc *model.Description) error {
	req, err := desc.ToStruct()
	if err != nil {
		return fmt.Errorf("encoding model: %w", err)
	}
	return c.cc.Invoke(ctx, fullMethod("Load"), req, &emptypb.Empty{})
}

// Evaluate runs the graph to completion and returns the final counts and the number
// of ticks taken.
func (c *Client) Evaluate(ctx context.Context) (engine.Counts, int, error) {
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, fullMethod("Evaluate"), &emptypb.Empty{}, out); err != nil {
		return engine.Counts{}, 0, err
	}
	return countsFromStruct(out), int(out.GetFields()["ticks"].GetNumberValue()), nil
}

func (c *Client) Tick(ctx context.Context) (engine.TickReport, error) {
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, fullMethod("Tick"), &emptypb.Empty{}, out); err != nil {
		return engine.TickReport{}, err
	}
	f := out.GetFields()
	report := engine.TickReport{
		Tick:   int(f["tick"].GetNumberValue()),
		Counts: countsFromStruct(out),
	}
	for _, v := range f["evaluated"].GetListValue().GetValues() {
		report.Evaluated = append(report.Evaluated, v.GetStringValue())
	}
	for _, v := range f["failedNow"].GetListValue().GetValues() {
		report.Failed = append(report.Failed, v.GetStringValue())
	}
	return report, nil
}

func (c *Client) Inspect(ctx context.Context) ([]engine.NodeStatus, error) {
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, fullMethod("Inspect"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var nodes []engine.NodeStatus
	for _, v := range out.GetFields()["nodes"].GetListValue().GetValues() {
		nodes = append(nodes, nodeFromStruct(v.GetStructValue()))
	}
	return nodes, nil
}

func (c *Client) Node(ctx context.Context, name string) (engine.NodeStatus, error) {
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, fullMethod("GetNode"), wrapperspb.String(name), out); err != nil {
		return engine.NodeStatus{}, err
	}
	return nodeFromStruct(out), nil
}

// SetInput feeds an input node. A nil shape means the node's declared shape.
func (c *Client) SetInput(ctx context.Context, name string, shape []int, values []float32) error {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"name":   structpb.NewStringValue(name),
		"values": structpb.NewListValue(floatList(values)),
	}}
	if shape != nil {
		req.Fields["shape"] = structpb.NewListValue(floatList(intsAsFloats(shape)))
	}
	return c.cc.Invoke(ctx, fullMethod("SetInput"), req, &emptypb.Empty{})
}

func (c *Client) Output(ctx context.Context, name string) (engine.HostTensor, error) {
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, fullMethod("GetOutput"), wrapperspb.String(name), out); err != nil {
		return engine.HostTensor{}, err
	}
	return tensorFromStruct(out), nil
}

func (c *Client) Reset(ctx context.Context) error {
	return c.cc.Invoke(ctx, fullMethod("Reset"), &emptypb.Empty{}, &emptypb.Empty{})
}
