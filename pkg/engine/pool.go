package engine

import (
	"fmt"

	"k8s.io/examples/AI/texturenet/pkg/engine/kernels"
	"k8s.io/examples/AI/texturenet/pkg/engine/texture"
)

type poolKey struct {
	width, height int
	format        texture.Format
}

// PoolStats describe the textures held by the engine.
type PoolStats struct {
	InUse      int
	Free       int
	InUseBytes int64
	FreeBytes  int64
}

// texturePool recycles textures of equal physical size. Only the engine allocates and
// releases; kernels reach it through a nodeAllocator.
type texturePool struct {
	encoder texture.Encoder
	// budget caps the bytes of textures in use; zero means unlimited.
	budget int64

	inUse      map[*texture.PackedTensor]string
	inUseBytes int64
	free       map[poolKey][]*texture.PackedTensor
	freeBytes  int64
}

func newTexturePool(encoder texture.Encoder, budget int64) *texturePool {
	return &texturePool{
		encoder: encoder,
		budget:  budget,
		inUse:   make(map[*texture.PackedTensor]string),
		free:    make(map[poolKey][]*texture.PackedTensor),
	}
}

// Allocate returns a zeroed texture holding shape s, attributed to owner.
func (p *texturePool) Allocate(owner string, s []int) (*texture.PackedTensor, error) {
	layout, err := p.encoder.Layout(s)
	if err != nil {
		return nil, err
	}
	bytes := int64(layout.Bytes())
	if p.budget > 0 && p.inUseBytes+bytes > p.budget {
		return nil, fmt.Errorf("%w: %s needs %d bytes, %d of %d in use", ErrResourceExhausted, owner, bytes, p.inUseBytes, p.budget)
	}

	key := poolKey{width: layout.Width, height: layout.Height, format: layout.Format}
	var t *texture.PackedTensor
	if free := p.free[key]; len(free) > 0 {
		t = free[len(free)-1]
		p.free[key] = free[:len(free)-1]
		p.freeBytes -= bytes
		t.Reset(layout.Shape)
	} else {
		t = texture.New(layout)
	}
	p.inUse[t] = owner
	p.inUseBytes += bytes
	return t, nil
}

// Release returns t to the free list. Releasing an unknown texture is a no-op.
func (p *texturePool) Release(t *texture.PackedTensor) {
	if t == nil {
		return
	}
	if _, ok := p.inUse[t]; !ok {
		return
	}
	delete(p.inUse, t)
	bytes := int64(t.Layout.Bytes())
	p.inUseBytes -= bytes
	key := poolKey{width: t.Layout.Width, height: t.Layout.Height, format: t.Layout.Format}
	p.free[key] = append(p.free[key], t)
	p.freeBytes += bytes
}

// Drain drops the free list.
func (p *texturePool) Drain() {
	clear(p.free)
	p.freeBytes = 0
}

// Owners returns the number of textures in use per owner.
func (p *texturePool) Owners() map[string]int {
	out := make(map[string]int)
	for _, owner := range p.inUse {
		out[owner]++
	}
	return out
}

func (p *texturePool) Stats() PoolStats {
	free := 0
	for _, list := range p.free {
		free += len(list)
	}
	return PoolStats{
		InUse:      len(p.inUse),
		Free:       free,
		InUseBytes: p.inUseBytes,
		FreeBytes:  p.freeBytes,
	}
}

// nodeAllocator hands kernels textures that are released with the node.
type nodeAllocator struct {
	pool *texturePool
	node *Node
}

var _ kernels.Allocator = (*nodeAllocator)(nil)

func (a *nodeAllocator) Allocate(s []int) (*texture.PackedTensor, error) {
	t, err := a.pool.Allocate(a.node.Name, s)
	if err != nil {
		return nil, err
	}
	a.node.aux = append(a.node.aux, t)
	return t, nil
}
