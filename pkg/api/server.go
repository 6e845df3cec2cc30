package api

import (
	"context"
	"errors"
	"os"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/texturenet/pkg/blobs"
	"k8s.io/examples/AI/texturenet/pkg/engine"
	"k8s.io/examples/AI/texturenet/pkg/model"
)

// Server serves one engine.
type Server struct {
	Engine *engine.Engine

	// Blobs, when set, resolves weight blob references in loaded models into BlobDir.
	Blobs   blobs.BlobReader
	BlobDir string
}

var _ GraphServiceServer = (*Server)(nil)

func (s *Server) Load(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	log := klog.FromContext(ctx)

	desc, err := model.FromStruct(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decoding model: %v", err)
	}
	if s.Blobs != nil {
		if err := model.ResolveBlobs(ctx, s.Blobs, s.BlobDir, desc); err != nil {
			return nil, toStatus(err)
		}
	}
	if err := s.Engine.Load(ctx, desc); err != nil {
		log.Error(err, "loading model", "name", desc.Name)
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Evaluate(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	counts, ticks, err := s.Engine.Evaluate(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return countsToStruct(counts, map[string]any{"ticks": ticks})
}

func (s *Server) Tick(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	report, err := s.Engine.Tick(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return countsToStruct(report.Counts, map[string]any{
		"tick":      report.Tick,
		"evaluated": stringList(report.Evaluated),
		"failedNow": stringList(report.Failed),
	})
}

func (s *Server) Inspect(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	nodes := s.Engine.Inspect()
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(nodes))}
	for _, n := range nodes {
		st, err := nodeToStruct(n)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "%v", err)
		}
		list.Values = append(list.Values, structpb.NewStructValue(st))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"nodes": structpb.NewListValue(list)}}, nil
}

func (s *Server) GetNode(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	n, err := s.Engine.Node(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	st, err := nodeToStruct(n)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return st, nil
}

// SetInput takes a Struct with "name", optional "shape" and "values".
func (s *Server) SetInput(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	f := req.GetFields()
	name := f["name"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "input name is required")
	}
	if err := s.Engine.SetInput(ctx, name, intsFromValue(f["shape"]), floatsFromValue(f["values"])); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) GetOutput(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	t, err := s.Engine.Output(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return tensorToStruct(req.GetValue(), t), nil
}

func (s *Server) Reset(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.Engine.Reset(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, engine.ErrNotLoaded), errors.Is(err, engine.ErrNotReady):
		code = codes.FailedPrecondition
	case errors.Is(err, engine.ErrShapeMismatch),
		errors.Is(err, engine.ErrInvalidGeometry),
		errors.Is(err, engine.ErrInvalidPaddingMode),
		errors.Is(err, engine.ErrUnknownInput),
		errors.Is(err, engine.ErrDuplicateNode),
		errors.Is(err, engine.ErrGraphCycleDetected),
		errors.Is(err, engine.ErrNotInput):
		code = codes.InvalidArgument
	case errors.Is(err, engine.ErrResourceExhausted), errors.Is(err, engine.ErrTextureSizeExceeded):
		code = codes.ResourceExhausted
	case errors.Is(err, engine.ErrContextClosed):
		code = codes.Unavailable
	case errors.Is(err, os.ErrNotExist):
		code = codes.NotFound
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
