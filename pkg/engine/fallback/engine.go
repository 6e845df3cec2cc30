// Package fallback is a compute context that runs kernels on the CPU. It reports the
// same capability limits a GPU device would and serializes submitted work on a single
// goroutine, so dispatch order and read-back ordering match a device queue.
package fallback

import (
	"context"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"k8s.io/examples/AI/texturenet/pkg/engine"
)

const queueDepth = 64

type job struct {
	work  func() error
	fence *fence
}

type Context struct {
	limits gputypes.Limits

	mu     sync.RWMutex
	closed bool
	queue  chan job
	done   chan struct{}
}

var _ engine.ComputeContext = (*Context)(nil)

// NewContext starts a context reporting limits.
func NewContext(limits gputypes.Limits) *Context {
	c := &Context{
		limits: limits,
		queue:  make(chan job, queueDepth),
		done:   make(chan struct{}),
	}
	go c.loop()
	return c
}

// NewDefaultContext starts a context with the WebGPU default limits.
func NewDefaultContext() *Context {
	return NewContext(gputypes.DefaultLimits())
}

func (c *Context) loop() {
	defer close(c.done)
	for j := range c.queue {
		j.fence.complete(run(j.work))
	}
}

func run(work func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel panicked: %v", r)
		}
	}()
	return work()
}

func (c *Context) Limits() (gputypes.Limits, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return gputypes.Limits{}, engine.ErrContextClosed
	}
	return c.limits, nil
}

// Submit queues work behind everything submitted before it. After Close the returned
// fence fails with engine.ErrContextClosed.
func (c *Context) Submit(work func() error) engine.Fence {
	f := &fence{done: make(chan struct{})}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		f.complete(engine.ErrContextClosed)
		return f
	}
	c.queue <- job{work: work, fence: f}
	return f
}

// Close stops accepting work and returns once everything already queued has run.
func (c *Context) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.mu.Unlock()
	<-c.done
	return nil
}

type fence struct {
	done chan struct{}
	err  error
}

func (f *fence) complete(err error) {
	f.err = err
	close(f.done)
}

func (f *fence) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
