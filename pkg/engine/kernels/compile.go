package kernels

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/gogpu/naga"
	"k8s.io/klog/v2"
)

// CompileShader compiles WGSL source to SPIR-V words.
func CompileShader(wgsl string) ([]uint32, error) {
	b, err := naga.Compile(wgsl)
	if err != nil {
		return nil, fmt.Errorf("compiling shader: %w", err)
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("compiling shader: SPIR-V output of %d bytes is not word aligned", len(b))
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[i*4]) |
			uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 |
			uint32(b[i*4+3])<<24
	}
	return words, nil
}

// CompileShaders compiles the shader of every registered kernel. Kernels sharing a
// source are compiled once. Kinds that fail are left out of the result and reported
// in the joined error.
func (r *Registry) CompileShaders(ctx context.Context) (map[OpKind][]uint32, error) {
	log := klog.FromContext(ctx)

	kinds := r.Kinds()
	slices.Sort(kinds)

	bySource := make(map[string][]uint32)
	out := make(map[OpKind][]uint32)
	var errs []error
	for _, kind := range kinds {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		src := r.kernels[kind].Shader()
		if words, ok := bySource[src]; ok {
			out[kind] = words
			continue
		}
		words, err := CompileShader(src)
		if err != nil {
			errs = append(errs, fmt.Errorf("%v: %w", kind, err))
			continue
		}
		log.V(2).Info("compiled shader", "kind", kind, "words", len(words))
		bySource[src] = words
		out[kind] = words
	}
	return out, errors.Join(errs...)
}
