package engine_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"k8s.io/examples/AI/texturenet/pkg/engine"
	"k8s.io/examples/AI/texturenet/pkg/engine/fallback"
	"k8s.io/examples/AI/texturenet/pkg/engine/kernels"
	"k8s.io/examples/AI/texturenet/pkg/model"
)

// countingKernel copies its input and counts runs.
type countingKernel struct {
	runs *atomic.Int32
	err  error
	// block, when set, is waited on before the kernel returns.
	block chan struct{}
}

func (countingKernel) Parse(model.NodeDescriptor) (any, error) { return nil, nil }

func (countingKernel) Infer(inputs [][]int, _ any) ([]int, error) {
	return slices.Clone(inputs[0]), nil
}

func (k countingKernel) Run(inv *kernels.Invocation) error {
	k.runs.Add(1)
	if k.block != nil {
		<-k.block
	}
	if k.err != nil {
		return k.err
	}
	inv.Output.Write(inv.Inputs[0].Values())
	return nil
}

func (countingKernel) Shader() string { return "" }

// panickingKernel panics while inferring its output shape.
type panickingKernel struct{ countingKernel }

func (panickingKernel) Infer([][]int, any) ([]int, error) {
	panic("index out of range")
}

func input(name string, s ...float64) model.NodeDescriptor {
	dims := make([]any, len(s))
	for i, d := range s {
		dims[i] = d
	}
	return model.NodeDescriptor{Name: name, Op: "Placeholder", Params: model.Params{"shape": dims}}
}

func op(name, op string, inputs ...string) model.NodeDescriptor {
	return model.NodeDescriptor{Name: name, Op: op, Inputs: inputs}
}

func newEngine(t *testing.T, opts engine.Options) *engine.Engine {
	t.Helper()
	cc := fallback.NewDefaultContext()
	e := engine.New(cc, opts)
	t.Cleanup(func() {
		e.Close()
		cc.Close()
	})
	return e
}

func load(t *testing.T, e *engine.Engine, nodes ...model.NodeDescriptor) {
	t.Helper()
	if err := e.Load(context.Background(), &model.Description{Name: t.Name(), Nodes: nodes}); err != nil {
		t.Fatalf("loading model: %v", err)
	}
}

func feed(t *testing.T, e *engine.Engine, name string, values ...float32) {
	t.Helper()
	if err := e.SetInput(context.Background(), name, nil, values); err != nil {
		t.Fatalf("feeding %s: %v", name, err)
	}
}

func evaluate(t *testing.T, e *engine.Engine) (engine.Counts, int) {
	t.Helper()
	counts, ticks, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("evaluating: %v", err)
	}
	return counts, ticks
}

func statuses(e *engine.Engine) map[string]string {
	out := make(map[string]string)
	for _, s := range e.Inspect() {
		out[s.Name] = s.Status
	}
	return out
}

func expectStatuses(t *testing.T, e *engine.Engine, want map[string]string) {
	t.Helper()
	got := statuses(e)
	for name, w := range want {
		if got[name] != w {
			t.Errorf("node %s is %q, want %q", name, got[name], w)
		}
	}
}

func TestNotSupportedPropagates(t *testing.T) {
	e := newEngine(t, engine.Options{})
	load(t, e,
		input("a", 2, 2, 1),
		op("b", "FusedBatchNormV3", "a"),
		op("c", "Relu", "b"),
		op("d", "Relu", "a"),
	)
	feed(t, e, "a", -1, 2, -3, 4)
	counts, _ := evaluate(t, e)

	expectStatuses(t, e, map[string]string{
		"a": engine.StatusReady,
		"b": engine.StatusNotSupported,
		"c": engine.StatusMissing,
		"d": engine.StatusReady,
	})
	if counts.Ready != 2 || counts.NotSupported != 1 || counts.Missing != 1 {
		t.Errorf("unexpected counts %+v", counts)
	}
	out, err := e.Output(context.Background(), "d")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(out.Values, []float32{0, 2, 0, 4}) {
		t.Errorf("d = %v", out.Values)
	}
	if _, err := e.Output(context.Background(), "c"); !errors.Is(err, engine.ErrNotReady) {
		t.Errorf("expected ErrNotReady for c, got %v", err)
	}
}

func TestLoadRejectsInvalidGraphs(t *testing.T) {
	grid := []struct {
		name  string
		nodes []model.NodeDescriptor
		want  error
	}{
		{"cycle", []model.NodeDescriptor{input("in", 1), op("x", "Add", "in", "y"), op("y", "Relu", "x")}, engine.ErrGraphCycleDetected},
		{"self-loop", []model.NodeDescriptor{op("x", "Relu", "x")}, engine.ErrGraphCycleDetected},
		{"unknown-input", []model.NodeDescriptor{input("in", 1), op("x", "Relu", "nope")}, engine.ErrUnknownInput},
		{"duplicate", []model.NodeDescriptor{input("in", 1), input("in", 2)}, engine.ErrDuplicateNode},
	}
	for _, g := range grid {
		t.Run(g.name, func(t *testing.T) {
			e := newEngine(t, engine.Options{})
			err := e.Load(context.Background(), &model.Description{Name: g.name, Nodes: g.nodes})
			if !errors.Is(err, g.want) {
				t.Fatalf("expected %v, got %v", g.want, err)
			}
			if nodes := e.Inspect(); nodes != nil {
				t.Errorf("failed load left %d nodes behind", len(nodes))
			}
			if _, err := e.Tick(context.Background()); !errors.Is(err, engine.ErrNotLoaded) {
				t.Errorf("expected ErrNotLoaded, got %v", err)
			}
		})
	}
}

func TestLoadFailsWithoutLimits(t *testing.T) {
	cc := fallback.NewDefaultContext()
	cc.Close()
	e := engine.New(cc, engine.Options{})
	err := e.Load(context.Background(), &model.Description{Nodes: []model.NodeDescriptor{input("in", 1)}})
	if !errors.Is(err, engine.ErrContextClosed) {
		t.Errorf("expected ErrContextClosed, got %v", err)
	}
}

func TestReevaluationIsIdempotent(t *testing.T) {
	var runs atomic.Int32
	registry := kernels.Default()
	registry.Register(kernels.OpUnary, countingKernel{runs: &runs})

	e := newEngine(t, engine.Options{Registry: registry})
	load(t, e, input("in", 3), op("x", "Identity", "in"), op("y", "Identity", "x"))
	feed(t, e, "in", 1, 2, 3)

	evaluate(t, e)
	first, err := e.Output(context.Background(), "y")
	if err != nil {
		t.Fatal(err)
	}
	if runs.Load() != 2 {
		t.Fatalf("kernel ran %d times, want 2", runs.Load())
	}

	_, ticks := evaluate(t, e)
	if ticks != 1 {
		t.Errorf("second evaluation took %d ticks, want 1", ticks)
	}
	if runs.Load() != 2 {
		t.Errorf("ready nodes were recomputed: %d runs", runs.Load())
	}
	second, err := e.Output(context.Background(), "y")
	if err != nil {
		t.Fatal(err)
	}
	if !engine.CompareTensors(first, second, 0) {
		t.Errorf("outputs differ: %v vs %v", first, second)
	}
}

func TestKernelFailureIsIsolated(t *testing.T) {
	var failing, passing atomic.Int32
	registry := kernels.Default()
	registry.Register(kernels.OpBinary, countingKernel{runs: &failing, err: errors.New("dispatch failed")})
	registry.Register(kernels.OpUnary, countingKernel{runs: &passing})

	e := newEngine(t, engine.Options{Registry: registry})
	load(t, e,
		input("in", 2),
		op("sum", "Add", "in", "in"),
		op("after", "Identity", "sum"),
		op("side", "Identity", "in"),
	)
	feed(t, e, "in", 1, 2)
	evaluate(t, e)

	expectStatuses(t, e, map[string]string{
		"in":    engine.StatusReady,
		"sum":   engine.StatusFailed,
		"after": engine.StatusMissing,
		"side":  engine.StatusReady,
	})
	s, err := e.Node("sum")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s.Error, "dispatch failed") {
		t.Errorf("node error = %q", s.Error)
	}
	if s.State != engine.StateMissing {
		t.Errorf("failed node state = %v", s.State)
	}

	evaluate(t, e)
	if failing.Load() != 1 {
		t.Errorf("failed node retried before reset: %d runs", failing.Load())
	}

	if err := e.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	evaluate(t, e)
	if failing.Load() != 2 {
		t.Errorf("failed node not retried after reset: %d runs", failing.Load())
	}
}

func TestPanicFailsOnlyThatNode(t *testing.T) {
	var runs atomic.Int32
	registry := kernels.Default()
	registry.Register(kernels.OpUnary, panickingKernel{countingKernel{runs: &runs}})

	e := newEngine(t, engine.Options{Registry: registry})
	load(t, e,
		input("in", 2),
		op("bad", "Identity", "in"),
		op("sum", "Add", "in", "in"),
	)
	feed(t, e, "in", 1, 2)
	evaluate(t, e)

	expectStatuses(t, e, map[string]string{
		"in":  engine.StatusReady,
		"bad": engine.StatusFailed,
		"sum": engine.StatusReady,
	})
	s, err := e.Node("bad")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s.Error, "panicked") {
		t.Errorf("node error = %q", s.Error)
	}

	// The engine stays usable after the panic.
	if _, err := e.Tick(context.Background()); err != nil {
		t.Errorf("tick after panic: %v", err)
	}
	if err := e.Reset(context.Background()); err != nil {
		t.Errorf("reset after panic: %v", err)
	}
}

func TestOverflowingConstantFails(t *testing.T) {
	e := newEngine(t, engine.Options{})
	load(t, e, model.NodeDescriptor{Name: "c", Op: "Const", Params: model.Params{
		"shape":  []any{65536.0, 65536.0, 65536.0, 65536.0, 4.0},
		"values": []any{},
	}})
	counts, _ := evaluate(t, e)
	if counts.Failed != 1 {
		t.Errorf("counts %+v", counts)
	}
	s, err := e.Node("c")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s.Error, "overflows") {
		t.Errorf("node error = %q", s.Error)
	}
}

func TestTicksAdvanceOneWave(t *testing.T) {
	e := newEngine(t, engine.Options{})
	load(t, e,
		input("in", 2),
		op("r1", "Relu", "in"),
		op("r2", "Neg", "r1"),
		op("r3", "Relu", "r2"),
		op("side", "Abs", "in"),
	)
	feed(t, e, "in", -1, 1)

	var reports []engine.TickReport
	e.Observe(func(r engine.TickReport) { reports = append(reports, r) })

	want := [][]string{{"in"}, {"r1", "side"}, {"r2"}, {"r3"}, nil}
	for i, w := range want {
		r, err := e.Tick(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(r.Evaluated, w) {
			t.Errorf("tick %d evaluated %v, want %v", i+1, r.Evaluated, w)
		}
		if r.Tick != i+1 {
			t.Errorf("tick number %d, want %d", r.Tick, i+1)
		}
	}
	if len(reports) != len(want) {
		t.Errorf("observer saw %d ticks, want %d", len(reports), len(want))
	}
	if reports[len(reports)-1].Progress() {
		t.Errorf("final tick reported progress")
	}
	if c := reports[len(reports)-1].Counts; c.Ready != 5 {
		t.Errorf("final counts %+v", c)
	}
}

func TestResetReleasesTextures(t *testing.T) {
	e := newEngine(t, engine.Options{})
	load(t, e,
		input("in", 4, 4, 3),
		model.NodeDescriptor{Name: "conv", Op: "Conv2D", Inputs: []string{"in"}, Params: model.Params{"filters": 8, "kernelSize": 3, "padding": "same"}},
		op("act", "Relu", "conv"),
	)
	feed(t, e, "in", make([]float32, 48)...)
	evaluate(t, e)

	// input, conv output, conv weights and bias, activation
	before := e.PoolStats()
	if before.InUse != 5 {
		t.Fatalf("in use after evaluation = %d, want 5", before.InUse)
	}

	if err := e.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	after := e.PoolStats()
	if after.InUse != 0 || after.InUseBytes != 0 {
		t.Errorf("textures still in use after reset: %+v", after)
	}
	if after.Free != before.InUse {
		t.Errorf("free list holds %d textures, want %d", after.Free, before.InUse)
	}
	for name, s := range statuses(e) {
		if s != engine.StatusMissing {
			t.Errorf("node %s is %s after reset", name, s)
		}
	}

	evaluate(t, e)
	if again := e.PoolStats(); again.InUse != before.InUse || again.Free != 0 {
		t.Errorf("re-evaluation did not recycle textures: %+v", again)
	}

	e.Unload()
	if s := e.PoolStats(); s != (engine.PoolStats{}) {
		t.Errorf("unload left textures behind: %+v", s)
	}
}

func TestSetInputInvalidatesDescendants(t *testing.T) {
	e := newEngine(t, engine.Options{})
	load(t, e,
		input("in", 3),
		model.NodeDescriptor{Name: "bias", Op: "Const", Params: model.Params{"values": []any{10.0, 20.0, 30.0}}},
		op("sum", "Add", "in", "bias"),
		op("act", "Relu", "sum"),
	)
	feed(t, e, "in", 1, 2, 3)
	evaluate(t, e)

	out, err := e.Output(context.Background(), "act")
	if err != nil {
		t.Fatal(err)
	}
	if !engine.CompareTensors(out, engine.HostTensor{Shape: []int{3}, Values: []float32{11, 22, 33}}, 1e-6) {
		t.Fatalf("act = %v", out)
	}

	if err := e.SetInput(context.Background(), "in", []int{3}, []float32{-40, 0, 5}); err != nil {
		t.Fatal(err)
	}
	expectStatuses(t, e, map[string]string{
		"in":   engine.StatusMissing,
		"bias": engine.StatusReady,
		"sum":  engine.StatusMissing,
		"act":  engine.StatusMissing,
	})

	evaluate(t, e)
	out, err = e.Output(context.Background(), "act")
	if err != nil {
		t.Fatal(err)
	}
	if !engine.CompareTensors(out, engine.HostTensor{Shape: []int{3}, Values: []float32{0, 20, 35}}, 1e-6) {
		t.Errorf("act = %v", out)
	}

	if err := e.SetInput(context.Background(), "in", []int{4}, make([]float32, 4)); !errors.Is(err, engine.ErrShapeMismatch) {
		t.Errorf("expected shape mismatch, got %v", err)
	}
	if err := e.SetInput(context.Background(), "in", nil, []float32{1}); !errors.Is(err, engine.ErrShapeMismatch) {
		t.Errorf("expected shape mismatch, got %v", err)
	}
	if err := e.SetInput(context.Background(), "sum", nil, []float32{1, 2, 3}); !errors.Is(err, engine.ErrNotInput) {
		t.Errorf("expected ErrNotInput, got %v", err)
	}
}

func TestUnknownNodeIsNotFound(t *testing.T) {
	e := newEngine(t, engine.Options{})
	load(t, e, input("in", 1))
	if _, err := e.Node("missing"); status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
	if _, err := e.Output(context.Background(), "missing"); status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestPoolBudgetFailsNode(t *testing.T) {
	// 16 bytes per texel; the input fits, the 8-filter conv output does not.
	e := newEngine(t, engine.Options{PoolBudget: 16 * 16})
	load(t, e,
		input("in", 4, 4, 3),
		model.NodeDescriptor{Name: "conv", Op: "Conv2D", Inputs: []string{"in"}, Params: model.Params{"filters": 8, "kernelSize": 1}},
	)
	feed(t, e, "in", make([]float32, 48)...)
	evaluate(t, e)

	s, err := e.Node("conv")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != engine.StatusFailed || !strings.Contains(s.Error, engine.ErrResourceExhausted.Error()) {
		t.Errorf("conv status %q error %q", s.Status, s.Error)
	}
	if stats := e.PoolStats(); stats.InUse != 1 {
		t.Errorf("failed node leaked textures: %+v", stats)
	}
}

func TestTextureSizeExceededFailsNode(t *testing.T) {
	cc := fallback.NewContext(gputypes.Limits{MaxTextureDimension2D: 2})
	defer cc.Close()
	e := engine.New(cc, engine.Options{})
	defer e.Close()

	load(t, e, input("small", 4, 4), input("big", 8, 8))
	feed(t, e, "small", make([]float32, 16)...)
	feed(t, e, "big", make([]float32, 64)...)
	evaluate(t, e)

	expectStatuses(t, e, map[string]string{"small": engine.StatusReady, "big": engine.StatusFailed})
	s, _ := e.Node("small")
	if s.Width != 2 || s.Height != 2 {
		t.Errorf("small layout %dx%d, want 2x2", s.Width, s.Height)
	}
}

func TestCancelledTickDrainsWork(t *testing.T) {
	var runs atomic.Int32
	block := make(chan struct{})
	registry := kernels.Default()
	registry.Register(kernels.OpUnary, countingKernel{runs: &runs, block: block})

	e := newEngine(t, engine.Options{Registry: registry})
	load(t, e, input("in", 2), op("slow", "Identity", "in"))
	feed(t, e, "in", 1, 2)
	if _, err := e.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	go func() {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		close(block)
	}()
	if _, err := e.Tick(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// The abandoned dispatch finished before its textures went back to the pool.
	if runs.Load() != 1 {
		t.Errorf("kernel ran %d times", runs.Load())
	}
	s, _ := e.Node("slow")
	if s.Status != engine.StatusMissing {
		t.Errorf("cancelled node is %q, want missing", s.Status)
	}
	if stats := e.PoolStats(); stats.InUse != 1 {
		t.Errorf("in use after cancellation = %d, want 1", stats.InUse)
	}

	evaluate(t, e)
	expectStatuses(t, e, map[string]string{"slow": engine.StatusReady})
}

func TestCompareTensors(t *testing.T) {
	nan := float32(0)
	nan = nan / nan
	a := engine.HostTensor{Shape: []int{2, 2}, Values: []float32{1, 2, 3, 4}}
	grid := []struct {
		name string
		b    engine.HostTensor
		tol  float64
		want bool
	}{
		{"identical", engine.HostTensor{Shape: []int{2, 2}, Values: []float32{1, 2, 3, 4}}, 0, true},
		{"within-tolerance", engine.HostTensor{Shape: []int{2, 2}, Values: []float32{1, 2, 3, 4.0000005}}, 1e-5, true},
		{"beyond-tolerance", engine.HostTensor{Shape: []int{2, 2}, Values: []float32{1, 2, 3, 4.001}}, 1e-5, false},
		{"shape-differs", engine.HostTensor{Shape: []int{4}, Values: []float32{1, 2, 3, 4}}, 1, false},
		{"nan", engine.HostTensor{Shape: []int{2, 2}, Values: []float32{1, 2, 3, nan}}, 1e9, false},
	}
	for _, g := range grid {
		if got := engine.CompareTensors(a, g.b, g.tol); got != g.want {
			t.Errorf("%s: CompareTensors = %v, want %v", g.name, got, g.want)
		}
	}
	x := engine.HostTensor{Shape: []int{1}, Values: []float32{1.0}}
	if !engine.CompareTensors(x, engine.HostTensor{Shape: []int{1}, Values: []float32{1.000001}}, 1e-5) {
		t.Errorf("difference of 1e-6 should be equal at tolerance 1e-5")
	}
	if engine.CompareTensors(x, engine.HostTensor{Shape: []int{1}, Values: []float32{1.001}}, 1e-5) {
		t.Errorf("difference of 1e-3 should not be equal at tolerance 1e-5")
	}
}
