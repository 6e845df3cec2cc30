package engine

import (
	"context"

	"github.com/gogpu/gputypes"
)

// ComputeContext is the graphics/compute device the engine dispatches kernels to.
// Submitted work runs in submission order.
type ComputeContext interface {
	// Limits reports the device capabilities, notably the maximum 2-D texture dimension.
	Limits() (gputypes.Limits, error)
	// Submit queues work and returns a fence that completes when it has run.
	Submit(work func() error) Fence
}

type Fence interface {
	// Wait blocks until the work has run and returns its error. A cancelled ctx
	// abandons the wait, not the work.
	Wait(ctx context.Context) error
}
