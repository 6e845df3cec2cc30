package texture

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
)

func TestRoundTrip(t *testing.T) {
	s := []int{2, 3, 4}
	values := make([]float32, 24)
	for i := range values {
		values[i] = float32(i)
	}

	e := Encoder{MaxDimension: 16, Format: RGBA32F}
	packed, err := e.Encode(s, values)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if packed.Layout.Width*packed.Layout.Height*ChannelsPerTexel < 24 {
		t.Fatalf("layout %v cannot hold 24 elements", packed.Layout)
	}

	got := Decode(packed)
	if len(got) != len(values) {
		t.Fatalf("decoded %d values, want %d", len(got), len(values))
	}
	for i := range values {
		if got[i] != values[i] {
			t.Errorf("element %d: got %v, want %v", i, got[i], values[i])
		}
	}
}

func TestRoundTripHalfFloat(t *testing.T) {
	s := []int{2, 3, 4}
	values := make([]float32, 24)
	for i := range values {
		values[i] = float32(i)
	}
	e := Encoder{MaxDimension: 16, Format: RGBA16F}
	packed, err := e.Encode(s, values)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got := Decode(packed)
	for i := range values {
		if got[i] != values[i] {
			t.Errorf("element %d: got %v, want %v", i, got[i], values[i])
		}
	}

	packed.Store(0, 0.1)
	if v := packed.Load(0); v == float32(0.1) {
		t.Errorf("expected 0.1 to be rounded to half precision, got exact %v", v)
	}
}

func TestAddressBijection(t *testing.T) {
	e := Encoder{MaxDimension: 64, Format: RGBA32F}
	for _, s := range [][]int{{1}, {5}, {2, 3, 4}, {7, 7, 3}, {13, 11}} {
		layout, err := e.Layout(s)
		if err != nil {
			t.Fatalf("Layout(%v): %v", s, err)
		}
		seen := make(map[[3]int]bool)
		for i := 0; i < layout.Elements(); i++ {
			x, y, c := layout.Address(i)
			if x < 0 || x >= layout.Width || y < 0 || y >= layout.Height || c < 0 || c >= ChannelsPerTexel {
				t.Fatalf("%v: element %d maps outside grid: (%d,%d,%d)", s, i, x, y, c)
			}
			key := [3]int{x, y, c}
			if seen[key] {
				t.Fatalf("%v: address %v used twice", s, key)
			}
			seen[key] = true
			if back := layout.Index(x, y, c); back != i {
				t.Fatalf("%v: Index(Address(%d)) = %d", s, i, back)
			}
		}
	}
}

func TestLayoutCapacity(t *testing.T) {
	for _, maxDim := range []int{1, 2, 7, 64, 4096} {
		e := Encoder{MaxDimension: maxDim}
		for n := 1; n <= 5000; n += 37 {
			layout, err := e.Layout([]int{n})
			limit := maxDim * maxDim * ChannelsPerTexel
			if n > limit {
				if !errors.Is(err, ErrTextureSizeExceeded) {
					t.Fatalf("max=%d n=%d: expected ErrTextureSizeExceeded, got %v", maxDim, n, err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("max=%d n=%d: %v", maxDim, n, err)
			}
			if layout.Capacity() < n {
				t.Fatalf("max=%d n=%d: capacity %d too small", maxDim, n, layout.Capacity())
			}
			if layout.Width > maxDim || layout.Height > maxDim {
				t.Fatalf("max=%d n=%d: %dx%d exceeds maximum", maxDim, n, layout.Width, layout.Height)
			}
		}
	}
}

func TestLayoutExceeded(t *testing.T) {
	e := NewEncoder(gputypes.Limits{MaxTextureDimension2D: 4}, RGBA32F)
	if _, err := e.Layout([]int{4, 4, 4}); err != nil {
		t.Fatalf("64 elements should fit a 4x4 grid: %v", err)
	}
	if _, err := e.Layout([]int{4, 4, 4, 2}); !errors.Is(err, ErrTextureSizeExceeded) {
		t.Fatalf("expected ErrTextureSizeExceeded, got %v", err)
	}
}

func TestLayoutOverflowingShape(t *testing.T) {
	e := Encoder{MaxDimension: 8192}
	for _, s := range [][]int{
		{1 << 32, 1 << 32, 3},
		{1 << 62, 4},
		{8192, 8192, 5},
	} {
		if _, err := e.Layout(s); !errors.Is(err, ErrTextureSizeExceeded) {
			t.Errorf("%v: expected ErrTextureSizeExceeded, got %v", s, err)
		}
	}
}

func TestEncodeRejectsWrongLength(t *testing.T) {
	e := Encoder{MaxDimension: 8}
	if _, err := e.Encode([]int{2, 2}, []float32{1, 2, 3}); err == nil {
		t.Fatalf("expected error for 3 values into shape [2 2]")
	}
}

func TestExtent(t *testing.T) {
	e := Encoder{MaxDimension: 1024}
	layout, err := e.Layout([]int{256, 256, 3})
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	ext := layout.Extent()
	if int(ext.Width) != layout.Width || int(ext.Height) != layout.Height || ext.DepthOrArrayLayers != 1 {
		t.Errorf("extent %+v does not match layout %v", ext, layout)
	}
	if layout.Bytes() != layout.Texels()*16 {
		t.Errorf("bytes %d, want %d", layout.Bytes(), layout.Texels()*16)
	}
}
