// Package shape computes output shapes and spatial padding for windowed operators,
// and the shape rules shared by the elementwise and reshape kernels.
package shape

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

var (
	ErrInvalidPaddingMode = errors.New("invalid padding mode")
	ErrInvalidGeometry    = errors.New("invalid geometry")
	ErrShapeMismatch      = errors.New("shape mismatch")
	// ErrSizeOverflow marks a shape whose element count does not fit in an int.
	ErrSizeOverflow = errors.New("element count overflows")
)

type PaddingMode int

const (
	PaddingSame PaddingMode = iota
	PaddingValid
)

func (m PaddingMode) String() string {
	switch m {
	case PaddingSame:
		return "same"
	case PaddingValid:
		return "valid"
	default:
		return fmt.Sprintf("PaddingMode(%d)", int(m))
	}
}

// ParsePaddingMode accepts "same" and "valid" in any case.
func ParsePaddingMode(s string) (PaddingMode, error) {
	switch strings.ToLower(s) {
	case "same":
		return PaddingSame, nil
	case "valid":
		return PaddingValid, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPaddingMode, s)
	}
}

// Window describes the sliding window of a convolution or pooling operator.
// Zero dilations are treated as 1.
type Window struct {
	KernelH, KernelW     int
	StrideH, StrideW     int
	DilationH, DilationW int
}

// Padding is the number of implicit elements added on each side of the spatial dimensions.
type Padding struct {
	Top, Bottom, Left, Right int
}

type Result struct {
	Out     []int
	Padding Padding
}

// PadX returns the padding applied before the first column.
func (r Result) PadX() int { return r.Padding.Left }

// PadY returns the padding applied before the first row.
func (r Result) PadY() int { return r.Padding.Top }

// Resolve computes the output shape and padding of a windowed operator applied to a
// [H,W,C] or [1,H,W,C] input. The channel dimension of the result is copied from the
// input; callers that change channel count overwrite it.
func Resolve(in []int, window Window, mode PaddingMode) (Result, error) {
	h, w, _, err := Spatial(in)
	if err != nil {
		return Result{}, err
	}
	if window.KernelH <= 0 || window.KernelW <= 0 {
		return Result{}, fmt.Errorf("%w: kernel %dx%d", ErrInvalidGeometry, window.KernelH, window.KernelW)
	}
	if window.StrideH <= 0 || window.StrideW <= 0 {
		return Result{}, fmt.Errorf("%w: stride %dx%d", ErrInvalidGeometry, window.StrideH, window.StrideW)
	}

	outH, padTop, padBottom, err := resolveDim(h, window.KernelH, window.StrideH, window.DilationH, mode)
	if err != nil {
		return Result{}, fmt.Errorf("height: %w", err)
	}
	outW, padLeft, padRight, err := resolveDim(w, window.KernelW, window.StrideW, window.DilationW, mode)
	if err != nil {
		return Result{}, fmt.Errorf("width: %w", err)
	}

	out := slices.Clone(in)
	out[len(out)-3] = outH
	out[len(out)-2] = outW
	return Result{
		Out:     out,
		Padding: Padding{Top: padTop, Bottom: padBottom, Left: padLeft, Right: padRight},
	}, nil
}

// resolveDim follows TensorFlow's conv_output_length / get_padding semantics.
func resolveDim(in, kernel, stride, dilation int, mode PaddingMode) (out, before, after int, err error) {
	if dilation <= 0 {
		dilation = 1
	}
	effective := (kernel-1)*dilation + 1

	switch mode {
	case PaddingValid:
		if in < effective {
			return 0, 0, 0, fmt.Errorf("%w: input %d smaller than kernel %d", ErrInvalidGeometry, in, effective)
		}
		return (in-effective)/stride + 1, 0, 0, nil

	case PaddingSame:
		out = (in + stride - 1) / stride
		along := max(0, (out-1)*stride+effective-in)
		before = along / 2
		return out, before, along - before, nil

	default:
		return 0, 0, 0, fmt.Errorf("%w: %v", ErrInvalidPaddingMode, mode)
	}
}

// Spatial splits a [H,W,C] or [1,H,W,C] shape into its dimensions.
func Spatial(s []int) (h, w, c int, err error) {
	switch {
	case len(s) == 3:
	case len(s) == 4 && s[0] == 1:
	default:
		return 0, 0, 0, fmt.Errorf("%w: expected [H,W,C] or [1,H,W,C], got %v", ErrShapeMismatch, s)
	}
	n := len(s)
	for _, d := range s {
		if d <= 0 {
			return 0, 0, 0, fmt.Errorf("%w: non-positive dimension in %v", ErrInvalidGeometry, s)
		}
	}
	return s[n-3], s[n-2], s[n-1], nil
}

// Size returns the number of elements of a shape.
func Size(s []int) int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// CheckedSize is Size for shapes with positive dimensions, reporting false when the
// element count does not fit in an int.
func CheckedSize(s []int) (int, bool) {
	n := 1
	for _, d := range s {
		if d <= 0 || n > math.MaxInt/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// Validate checks that every dimension is positive and that the element count fits in
// an int.
func Validate(s []int) error {
	if len(s) == 0 {
		return fmt.Errorf("%w: empty shape", ErrInvalidGeometry)
	}
	for _, d := range s {
		if d <= 0 {
			return fmt.Errorf("%w: non-positive dimension in %v", ErrInvalidGeometry, s)
		}
	}
	if _, ok := CheckedSize(s); !ok {
		return fmt.Errorf("%w: %w: %v", ErrInvalidGeometry, ErrSizeOverflow, s)
	}
	return nil
}

func Equal(a, b []int) bool {
	return slices.Equal(a, b)
}
