package engine

import (
	"errors"

	"k8s.io/examples/AI/texturenet/pkg/engine/shape"
	"k8s.io/examples/AI/texturenet/pkg/engine/texture"
)

var (
	ErrUnsupportedOperator = errors.New("unsupported operator")
	ErrGraphCycleDetected  = errors.New("graph cycle detected")
	ErrUnknownInput        = errors.New("unknown input")
	ErrDuplicateNode       = errors.New("duplicate node")
	ErrResourceExhausted   = errors.New("resource exhausted")
	ErrContextClosed       = errors.New("compute context closed")
	ErrNotLoaded           = errors.New("no model loaded")
	ErrNotReady            = errors.New("node not ready")
	ErrNotInput            = errors.New("node is not an input")
)

// Errors raised by the shape and texture packages, re-exported so callers only need
// this package for errors.Is checks.
var (
	ErrInvalidPaddingMode  = shape.ErrInvalidPaddingMode
	ErrInvalidGeometry     = shape.ErrInvalidGeometry
	ErrShapeMismatch       = shape.ErrShapeMismatch
	ErrTextureSizeExceeded = texture.ErrTextureSizeExceeded
)
