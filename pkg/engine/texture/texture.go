// Package texture packs logical tensors into 2-D textures with four scalar channels per
// texel, the storage unit of the compute context.
package texture

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/x448/float16"

	"k8s.io/examples/AI/texturenet/pkg/engine/shape"
)

// ChannelsPerTexel is the fixed RGBA channel packing.
const ChannelsPerTexel = 4

var ErrTextureSizeExceeded = errors.New("texture size exceeded")

type Format int

const (
	// RGBA32F stores every channel as a 32-bit float.
	RGBA32F Format = iota
	// RGBA16F stores every channel as an IEEE half float; values are rounded on store.
	RGBA16F
)

func (f Format) String() string {
	switch f {
	case RGBA32F:
		return "rgba32f"
	case RGBA16F:
		return "rgba16f"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// BytesPerTexel is the device memory taken by one texel.
func (f Format) BytesPerTexel() int {
	if f == RGBA16F {
		return 8
	}
	return 16
}

func ParseFormat(s string) (Format, error) {
	switch s {
	case "rgba32f", "":
		return RGBA32F, nil
	case "rgba16f":
		return RGBA16F, nil
	default:
		return 0, fmt.Errorf("unknown texture format %q", s)
	}
}

// Layout is the physical placement of a logical tensor. Element i of the row-major
// logical tensor lives in texel i/4, channel i%4; texels fill rows of Width.
type Layout struct {
	Shape  []int
	Width  int
	Height int
	Format Format
}

// Elements is the number of logical scalars.
func (l Layout) Elements() int { return shape.Size(l.Shape) }

// Texels is the number of texels in the physical grid, including unused padding.
func (l Layout) Texels() int { return l.Width * l.Height }

// Capacity is the number of scalar slots in the physical grid.
func (l Layout) Capacity() int { return l.Texels() * ChannelsPerTexel }

// Bytes is the device memory required by the texture.
func (l Layout) Bytes() int { return l.Texels() * l.Format.BytesPerTexel() }

func (l Layout) Extent() gputypes.Extent3D {
	return gputypes.Extent3D{
		Width:              uint32(l.Width),
		Height:             uint32(l.Height),
		DepthOrArrayLayers: 1,
	}
}

// Address maps a logical element index to its texel coordinate and channel.
func (l Layout) Address(i int) (x, y, channel int) {
	texel := i / ChannelsPerTexel
	return texel % l.Width, texel / l.Width, i % ChannelsPerTexel
}

// Index is the inverse of Address.
func (l Layout) Index(x, y, channel int) int {
	return (y*l.Width+x)*ChannelsPerTexel + channel
}

func (l Layout) String() string {
	return fmt.Sprintf("%v -> %dx%dx%d %v", l.Shape, l.Width, l.Height, ChannelsPerTexel, l.Format)
}

// Encoder chooses physical layouts within the platform's maximum texture dimension.
type Encoder struct {
	MaxDimension int
	Format       Format
}

// NewEncoder builds an encoder from the compute context's limits.
func NewEncoder(limits gputypes.Limits, format Format) Encoder {
	return Encoder{MaxDimension: int(limits.MaxTextureDimension2D), Format: format}
}

// Layout picks the squarest grid that holds the tensor.
func (e Encoder) Layout(s []int) (Layout, error) {
	if err := shape.Validate(s); err != nil {
		if errors.Is(err, shape.ErrSizeOverflow) {
			return Layout{}, fmt.Errorf("%w: %v has more elements than any texture holds", ErrTextureSizeExceeded, s)
		}
		return Layout{}, err
	}
	if e.MaxDimension <= 0 {
		return Layout{}, fmt.Errorf("%w: no maximum texture dimension configured", ErrTextureSizeExceeded)
	}
	n := shape.Size(s)
	texels := n/ChannelsPerTexel + min(n%ChannelsPerTexel, 1)
	if float64(texels) > float64(e.MaxDimension)*float64(e.MaxDimension) {
		return Layout{}, fmt.Errorf("%w: %v needs %d texels, maximum dimension is %d", ErrTextureSizeExceeded, s, texels, e.MaxDimension)
	}

	width := int(math.Ceil(math.Sqrt(float64(texels))))
	for width*width < texels {
		width++
	}
	height := (texels + width - 1) / width
	if width > e.MaxDimension || height > e.MaxDimension {
		return Layout{}, fmt.Errorf("%w: %v needs %dx%d texels, maximum dimension is %d", ErrTextureSizeExceeded, s, width, height, e.MaxDimension)
	}
	return Layout{
		Shape:  slices.Clone(s),
		Width:  width,
		Height: height,
		Format: e.Format,
	}, nil
}

// Encode packs values, given in row-major logical order, into a new texture.
func (e Encoder) Encode(s []int, values []float32) (*PackedTensor, error) {
	layout, err := e.Layout(s)
	if err != nil {
		return nil, err
	}
	if len(values) != layout.Elements() {
		return nil, fmt.Errorf("%w: %d values for shape %v", shape.ErrShapeMismatch, len(values), s)
	}
	t := New(layout)
	t.Write(values)
	return t, nil
}

// Decode returns the logical values of t in row-major order.
func Decode(t *PackedTensor) []float32 {
	return slices.Clone(t.Values())
}

// PackedTensor is a tensor stored in a packed texture.
type PackedTensor struct {
	Layout Layout

	// texels holds Capacity() scalars; slots past Elements() are zero and never read.
	texels []float32
}

// New allocates a zeroed texture for layout.
func New(layout Layout) *PackedTensor {
	return &PackedTensor{Layout: layout, texels: make([]float32, layout.Capacity())}
}

func (t *PackedTensor) Shape() []int { return t.Layout.Shape }

// Values returns the logical elements. Callers must treat the slice as read-only;
// writes go through Store or Write so that the texel format is honoured.
func (t *PackedTensor) Values() []float32 {
	return t.texels[:t.Layout.Elements()]
}

// Texels returns the whole physical grid, padding included.
func (t *PackedTensor) Texels() []float32 { return t.texels }

func (t *PackedTensor) Load(i int) float32 { return t.texels[i] }

func (t *PackedTensor) Store(i int, v float32) {
	t.texels[i] = quantize(t.Layout.Format, v)
}

// Write stores values starting at logical element 0.
func (t *PackedTensor) Write(values []float32) {
	n := min(len(values), t.Layout.Elements())
	if t.Layout.Format == RGBA32F {
		copy(t.texels, values[:n])
		return
	}
	for i := 0; i < n; i++ {
		t.texels[i] = quantize(t.Layout.Format, values[i])
	}
}

// Clone returns an independent copy of t.
func (t *PackedTensor) Clone() *PackedTensor {
	l := t.Layout
	l.Shape = slices.Clone(l.Shape)
	return &PackedTensor{Layout: l, texels: slices.Clone(t.texels)}
}

// Reset zeroes the texture so it can be recycled for a tensor with the same grid.
func (t *PackedTensor) Reset(s []int) {
	clear(t.texels)
	t.Layout.Shape = slices.Clone(s)
}

func quantize(f Format, v float32) float32 {
	if f == RGBA16F {
		return float16.Fromfloat32(v).Float32()
	}
	return v
}
