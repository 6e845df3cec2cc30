package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/texturenet/pkg/engine/kernels"
	"k8s.io/examples/AI/texturenet/pkg/engine/shape"
	"k8s.io/examples/AI/texturenet/pkg/engine/texture"
	"k8s.io/examples/AI/texturenet/pkg/model"
)

type Options struct {
	// Registry defaults to kernels.Default().
	Registry *kernels.Registry
	Format   texture.Format
	// PoolBudget caps the bytes of live textures; zero means unlimited.
	PoolBudget int64
}

// Engine evaluates a loaded graph on a compute context, one tick at a time.
type Engine struct {
	cc       ComputeContext
	registry *kernels.Registry
	format   texture.Format
	budget   int64

	mu        sync.Mutex
	graph     *GraphState
	pool      *texturePool
	tick      int
	observers []func(TickReport)
}

func New(cc ComputeContext, opts Options) *Engine {
	registry := opts.Registry
	if registry == nil {
		registry = kernels.Default()
	}
	return &Engine{
		cc:       cc,
		registry: registry,
		format:   opts.Format,
		budget:   opts.PoolBudget,
	}
}

// Counts tallies node statuses.
type Counts struct {
	Ready        int
	Missing      int
	Failed       int
	NotSupported int
}

func (c Counts) Total() int { return c.Ready + c.Missing + c.Failed + c.NotSupported }

type TickReport struct {
	Tick int
	// Evaluated lists the nodes that became Ready, Failed those whose kernel failed.
	Evaluated []string
	Failed    []string
	Counts    Counts
	Duration  time.Duration
}

// Progress reports whether the tick attempted any node.
func (r TickReport) Progress() bool { return len(r.Evaluated)+len(r.Failed) > 0 }

// Load replaces the current graph with one built from desc. Any error leaves the
// engine without a graph.
func (e *Engine) Load(ctx context.Context, desc *model.Description) error {
	log := klog.FromContext(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.unloadLocked()

	limits, err := e.cc.Limits()
	if err != nil {
		return fmt.Errorf("querying compute limits: %w", err)
	}
	g, err := BuildGraph(ctx, desc, e.registry)
	if err != nil {
		return fmt.Errorf("building graph %q: %w", desc.Name, err)
	}
	e.graph = g
	e.pool = newTexturePool(texture.NewEncoder(limits, e.format), e.budget)
	e.tick = 0

	log.Info("loaded model", "name", desc.Name, "nodes", len(g.declared), "maxTextureDimension", limits.MaxTextureDimension2D)
	return nil
}

// Unload releases every texture and discards the graph.
func (e *Engine) Unload() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unloadLocked()
}

func (e *Engine) Close() error {
	e.Unload()
	return nil
}

func (e *Engine) unloadLocked() {
	if e.graph != nil {
		for _, n := range e.graph.declared {
			e.releaseNode(n)
		}
	}
	if e.pool != nil {
		e.pool.Drain()
	}
	e.graph = nil
	e.pool = nil
}

// Observe registers fn to be called after every tick.
func (e *Engine) Observe(fn func(TickReport)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

// Tick evaluates every node that is eligible when the tick starts, in evaluation order.
// Nodes made eligible by this tick run on the next one.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	report, observers, err := e.lockedTick(ctx)
	if err == nil {
		for _, fn := range observers {
			fn(report)
		}
	}
	return report, err
}

// lockedTick runs one tick under e.mu and returns the observers to notify once the
// lock is released.
func (e *Engine) lockedTick(ctx context.Context) (TickReport, []func(TickReport), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	report, err := e.tickLocked(ctx)
	return report, slices.Clone(e.observers), err
}

func (e *Engine) tickLocked(ctx context.Context) (TickReport, error) {
	log := klog.FromContext(ctx)
	if e.graph == nil {
		return TickReport{}, ErrNotLoaded
	}
	start := time.Now()
	e.tick++
	report := TickReport{Tick: e.tick}

	var wave []*Node
	for _, n := range e.graph.order {
		if e.graph.eligible(n) {
			wave = append(wave, n)
		}
	}

	for _, n := range wave {
		if err := e.evaluateNode(ctx, n); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			log.Error(err, "node failed", "node", n.Name, "op", n.Op)
			n.err = err
			report.Failed = append(report.Failed, n.Name)
			continue
		}
		log.V(2).Info("node ready", "node", n.Name, "op", n.Op, "shape", n.output.Shape(), "layout", n.output.Layout.String())
		report.Evaluated = append(report.Evaluated, n.Name)
	}

	report.Counts = e.countsLocked()
	report.Duration = time.Since(start)
	log.V(2).Info("tick complete", "tick", report.Tick, "evaluated", len(report.Evaluated), "failed", len(report.Failed), "ready", report.Counts.Ready)
	return report, nil
}

// evaluateNode runs n's kernel. On error, including a panic while inferring, preparing
// or allocating, the node holds no textures and stays Missing.
func (e *Engine) evaluateNode(ctx context.Context, n *Node) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.releaseNode(n)
			err = fmt.Errorf("evaluating %q panicked: %v", n.Name, r)
		}
	}()

	inputs := make([]*texture.PackedTensor, len(n.Inputs))
	shapes := make([][]int, len(n.Inputs))
	for i, name := range n.Inputs {
		inputs[i] = e.graph.nodes[name].output
		shapes[i] = inputs[i].Shape()
	}

	outShape, err := n.kernel.Infer(shapes, n.params)
	if err != nil {
		return fmt.Errorf("inferring shape of %q: %w", n.Name, err)
	}

	e.releaseNode(n)
	if prep, ok := n.kernel.(kernels.Preparer); ok {
		aux, err := prep.Prepare(shapes, n.params, &nodeAllocator{pool: e.pool, node: n})
		if err != nil {
			e.releaseNode(n)
			return fmt.Errorf("preparing %q: %w", n.Name, err)
		}
		n.aux = aux
	}
	out, err := e.pool.Allocate(n.Name, outShape)
	if err != nil {
		e.releaseNode(n)
		return fmt.Errorf("allocating output of %q: %w", n.Name, err)
	}

	inv := &kernels.Invocation{
		Params: n.params,
		Inputs: inputs,
		Aux:    n.aux,
		Output: out,
		Feed:   n.feed,
	}
	kernel := n.kernel
	fence := e.cc.Submit(func() error { return kernel.Run(inv) })
	if err := e.wait(ctx, fence); err != nil {
		e.pool.Release(out)
		e.releaseNode(n)
		return fmt.Errorf("running %q: %w", n.Name, err)
	}

	n.output = out
	n.state = StateReady
	return nil
}

// wait blocks on fence. When ctx ends first the fence is still drained, so no queued
// work outlives the textures it references.
func (e *Engine) wait(ctx context.Context, fence Fence) error {
	err := fence.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		_ = fence.Wait(context.Background())
	}
	return err
}

// releaseNode returns n's textures to the pool and marks it Missing.
func (e *Engine) releaseNode(n *Node) {
	if e.pool != nil {
		e.pool.Release(n.output)
		for _, t := range n.aux {
			e.pool.Release(t)
		}
	}
	n.output = nil
	n.aux = nil
	n.state = StateMissing
}

// Evaluate ticks until no node can make progress.
func (e *Engine) Evaluate(ctx context.Context) (Counts, int, error) {
	ticks := 0
	for {
		report, err := e.Tick(ctx)
		if err != nil {
			return report.Counts, ticks, err
		}
		ticks++
		if !report.Progress() {
			return report.Counts, ticks, nil
		}
	}
}

// Reset releases every node texture and marks all nodes Missing. Recorded failures
// are cleared; fed input values are kept.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graph == nil {
		return ErrNotLoaded
	}
	for _, n := range e.graph.declared {
		e.releaseNode(n)
		n.err = nil
	}
	e.tick = 0
	klog.FromContext(ctx).Info("reset graph", "nodes", len(e.graph.declared))
	return nil
}

// SetInput feeds values to an input node and invalidates everything downstream of it.
// A nil shape means the node's declared shape.
func (e *Engine) SetInput(ctx context.Context, name string, s []int, values []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.lookupLocked(name)
	if err != nil {
		return err
	}
	if n.Kind != kernels.OpInput {
		return fmt.Errorf("%w: %q is %s", ErrNotInput, name, n.Op)
	}
	if n.invalid != nil {
		return n.invalid
	}
	declared, err := n.kernel.Infer(nil, n.params)
	if err != nil {
		return err
	}
	if s != nil && !shape.Equal(s, declared) {
		return fmt.Errorf("%w: input %q is declared %v, fed %v", ErrShapeMismatch, name, declared, s)
	}
	if len(values) != shape.Size(declared) {
		return fmt.Errorf("%w: input %q holds %d values, fed %d", ErrShapeMismatch, name, shape.Size(declared), len(values))
	}

	n.feed = slices.Clone(values)
	e.releaseNode(n)
	n.err = nil
	invalidated := e.graph.Descendants(name)
	for _, d := range invalidated {
		e.releaseNode(d)
		d.err = nil
	}
	klog.FromContext(ctx).V(2).Info("fed input", "node", name, "invalidated", len(invalidated))
	return nil
}

// HostTensor is a tensor read back from the compute context.
type HostTensor struct {
	Shape  []int
	Values []float32
}

// Output reads back the logical values of a Ready node.
func (e *Engine) Output(ctx context.Context, name string) (HostTensor, error) {
	t, err := e.Texture(ctx, name)
	if err != nil {
		return HostTensor{}, err
	}
	return HostTensor{Shape: slices.Clone(t.Shape()), Values: texture.Decode(t)}, nil
}

// Texture returns a copy of a Ready node's output texture, read back through the
// compute context so that it observes all prior dispatches.
func (e *Engine) Texture(ctx context.Context, name string) (*texture.PackedTensor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.lookupLocked(name)
	if err != nil {
		return nil, err
	}
	if n.state != StateReady {
		return nil, fmt.Errorf("%w: %q is %s", ErrNotReady, name, statusOf(n))
	}
	var snapshot *texture.PackedTensor
	src := n.output
	fence := e.cc.Submit(func() error {
		snapshot = src.Clone()
		return nil
	})
	if err := e.wait(ctx, fence); err != nil {
		return nil, fmt.Errorf("reading back %q: %w", name, err)
	}
	return snapshot, nil
}

func (e *Engine) lookupLocked(name string) (*Node, error) {
	if e.graph == nil {
		return nil, ErrNotLoaded
	}
	n, ok := e.graph.Node(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "node %q not found", name)
	}
	return n, nil
}

// PoolStats reports texture usage of the loaded graph.
func (e *Engine) PoolStats() PoolStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool == nil {
		return PoolStats{}
	}
	return e.pool.Stats()
}

func (e *Engine) countsLocked() Counts {
	var c Counts
	if e.graph == nil {
		return c
	}
	for _, n := range e.graph.declared {
		switch statusOf(n) {
		case StatusReady:
			c.Ready++
		case StatusFailed:
			c.Failed++
		case StatusNotSupported:
			c.NotSupported++
		default:
			c.Missing++
		}
	}
	return c
}
