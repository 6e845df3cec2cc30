package inspect

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/texturenet/pkg/engine"
	"k8s.io/examples/AI/texturenet/pkg/engine/texture"
)

// maxScale bounds the upscaling factor accepted by the snapshot handler.
const maxScale = 32

// Render draws the physical texel grid of t, one pixel per texel with the four
// channels mapped to RGBA. Values are normalized to the tensor's min..max range;
// padding texels past the logical elements stay transparent.
func Render(t *texture.PackedTensor) *image.NRGBA64 {
	l := t.Layout
	img := image.NewNRGBA64(image.Rect(0, 0, l.Width, l.Height))

	lo, hi := valueRange(t.Values())
	scale := 0.0
	if hi > lo {
		scale = 1 / (hi - lo)
	}
	n := l.Elements()
	texels := t.Texels()
	for y := 0; y < l.Height; y++ {
		for x := 0; x < l.Width; x++ {
			var c [texture.ChannelsPerTexel]uint16
			for ch := range c {
				i := l.Index(x, y, ch)
				if i >= n {
					break
				}
				v := float64(texels[i])
				if math.IsNaN(v) || math.IsInf(v, 0) {
					continue
				}
				c[ch] = uint16(math.Round((v - lo) * scale * math.MaxUint16))
			}
			if l.Index(x, y, 0) >= n {
				continue
			}
			// A tensor whose channel count is not a multiple of four leaves the last
			// texel partly empty; keep it visible.
			if l.Index(x, y, 3) >= n {
				c[3] = math.MaxUint16
			}
			img.SetNRGBA64(x, y, color.NRGBA64{R: c[0], G: c[1], B: c[2], A: c[3]})
		}
	}
	return img
}

func valueRange(values []float32) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		lo = min(lo, f)
		hi = max(hi, f)
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi
}

// Upscale enlarges img by an integer factor with nearest-neighbour sampling so that
// individual texels stay distinguishable.
func Upscale(img image.Image, factor int) image.Image {
	if factor <= 1 {
		return img
	}
	b := img.Bounds()
	dst := image.NewNRGBA64(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// Encode writes img as "tiff" or "png".
func Encode(w io.Writer, img image.Image, format string) error {
	switch format {
	case "tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	case "png":
		return png.Encode(w, img)
	default:
		return fmt.Errorf("unsupported snapshot format %q", format)
	}
}

// SnapshotHandler serves /textures/{name}?format=tiff|png&scale=N from e.
type SnapshotHandler struct {
	Engine *engine.Engine
}

func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := klog.FromContext(ctx)

	name := r.PathValue("name")
	if name == "" {
		name = strings.TrimPrefix(r.URL.Path, "/textures/")
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "tiff"
	}
	if format != "tiff" && format != "png" {
		http.Error(w, fmt.Sprintf("unsupported format %q", format), http.StatusBadRequest)
		return
	}
	factor := 1
	if s := r.URL.Query().Get("scale"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 || v > maxScale {
			http.Error(w, fmt.Sprintf("scale must be between 1 and %d", maxScale), http.StatusBadRequest)
			return
		}
		factor = v
	}

	t, err := h.Engine.Texture(ctx, name)
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case status.Code(err) == codes.NotFound:
			code = http.StatusNotFound
		case errors.Is(err, engine.ErrNotReady), errors.Is(err, engine.ErrNotLoaded):
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}

	w.Header().Set("Content-Type", "image/"+format)
	if err := Encode(w, Upscale(Render(t), factor), format); err != nil {
		log.Error(err, "writing texture snapshot", "node", name)
	}
}
