package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/texturenet/pkg/api"
	"k8s.io/examples/AI/texturenet/pkg/blobs"
	"k8s.io/examples/AI/texturenet/pkg/config"
	"k8s.io/examples/AI/texturenet/pkg/engine"
	"k8s.io/examples/AI/texturenet/pkg/engine/fallback"
	"k8s.io/examples/AI/texturenet/pkg/engine/kernels"
	"k8s.io/examples/AI/texturenet/pkg/inspect"
	"k8s.io/examples/AI/texturenet/pkg/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg := config.Load()

	klog.InitFlags(nil)
	cfg.AddFlags(flag.CommandLine)
	flag.Parse()

	log := klog.FromContext(ctx)

	if err := cfg.Validate(); err != nil {
		return err
	}

	registry := kernels.Default()
	if cfg.CompileShaders {
		if _, err := registry.CompileShaders(ctx); err != nil {
			return fmt.Errorf("compiling kernel shaders: %w", err)
		}
	}

	cc := fallback.NewContext(cfg.Limits())
	defer cc.Close()

	e := engine.New(cc, engine.Options{
		Registry:   registry,
		Format:     cfg.Format(),
		PoolBudget: cfg.PoolBudgetBytes,
	})
	defer e.Close()

	blobDir, err := cfg.BlobDir()
	if err != nil {
		return err
	}
	var reader blobs.BlobReader
	if cfg.BlobServer != "" {
		u, err := url.Parse(cfg.BlobServer)
		if err != nil {
			return fmt.Errorf("parsing blobserver url %q: %w", cfg.BlobServer, err)
		}
		reader = &blobs.PullThrough{
			Cache:    &blobs.DirStore{Dir: blobDir},
			Upstream: &blobs.HTTPReader{BaseURL: u, MaxAttempts: 3, RetryDelay: time.Second},
		}
	}

	if err := loadModel(ctx, cfg, e, reader, blobDir); err != nil {
		return err
	}

	broadcaster := inspect.NewBroadcaster(ctx)
	broadcaster.Attach(e)

	grpcServer := grpc.NewServer()
	api.RegisterGraphServiceServer(grpcServer, &api.Server{Engine: e, Blobs: reader, BlobDir: blobDir})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", broadcaster.HandleWS)
	mux.Handle("GET /textures/{name}", &inspect.SnapshotHandler{Engine: e})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	httpServer := &http.Server{Addr: cfg.HTTPListen, Handler: mux}

	lis, err := net.Listen("tcp", cfg.GRPCListen)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", cfg.GRPCListen, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Starting graphserver", "grpc", cfg.GRPCListen)
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("serving GRPC: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("serving inspection", "http", cfg.HTTPListen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving HTTP on %q: %w", cfg.HTTPListen, err)
		}
		return nil
	})
	g.Go(func() error {
		return tickLoop(ctx, e, cfg.TickInterval)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		grpcServer.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// loadModel loads the model named by the configuration, if any. A model blob is fetched
// through reader into blobDir first.
func loadModel(ctx context.Context, cfg *config.Config, e *engine.Engine, reader blobs.BlobReader, blobDir string) error {
	p := cfg.ModelPath
	if p == "" && cfg.ModelBlob != "" {
		if reader == nil {
			return fmt.Errorf("model blob %q requires a blobserver", cfg.ModelBlob)
		}
		info := blobs.BlobInfo{Hash: cfg.ModelBlob}
		p = filepath.Join(blobDir, info.Hash+".json")
		if err := reader.Download(ctx, info, p); err != nil {
			return fmt.Errorf("fetching model: %w", err)
		}
	}
	if p == "" {
		klog.FromContext(ctx).Info("no model configured; waiting for a Load call")
		return nil
	}

	desc, err := model.ReadFile(p)
	if err != nil {
		return err
	}
	if reader != nil {
		if err := model.ResolveBlobs(ctx, reader, blobDir, desc); err != nil {
			return fmt.Errorf("resolving weights of %q: %w", desc.Name, err)
		}
	}
	return e.Load(ctx, desc)
}

// tickLoop advances the graph on a fixed interval so that fed inputs propagate without
// an explicit Evaluate call.
func tickLoop(ctx context.Context, e *engine.Engine, interval time.Duration) error {
	log := klog.FromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		report, err := e.Tick(ctx)
		switch {
		case errors.Is(err, engine.ErrNotLoaded):
			continue
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return fmt.Errorf("tick: %w", err)
		}
		if report.Progress() {
			log.V(2).Info("tick", "tick", report.Tick, "evaluated", len(report.Evaluated), "failed", len(report.Failed), "ready", report.Counts.Ready)
		}
	}
}
