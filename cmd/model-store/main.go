package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/texturenet/pkg/blobs"
	"k8s.io/examples/AI/texturenet/pkg/config"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	cfg := config.Load()
	listen := cfg.HTTPListen
	klog.InitFlags(nil)
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "cache directory")
	flag.Parse()

	cacheDir, err := cfg.BlobDir()
	if err != nil {
		return err
	}

	cacheBucket := os.Getenv("CACHE_BUCKET")
	var upstream blobs.BlobReader
	switch {
	case cacheBucket == "":
		log.Info("no CACHE_BUCKET set; serving only the local cache", "dir", cacheDir)
	case strings.HasPrefix(cacheBucket, "gs://"):
		cacheBucket = strings.TrimPrefix(cacheBucket, "gs://")
		log.Info("using GCS cache", "bucket", cacheBucket)
		upstream = &blobs.GCSBlobstore{Bucket: cacheBucket}
	default:
		return fmt.Errorf("CACHE_BUCKET must be a GCS bucket URL (gs://<bucketName>)")
	}

	s := &httpServer{
		blobs: &blobs.PullThrough{
			Cache:    &blobs.DirStore{Dir: cacheDir},
			Upstream: upstream,
		},
	}

	log.Info("serving", "listen", listen)
	if err := http.ListenAndServe(listen, s); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}
	return nil
}

type httpServer struct {
	blobs *blobs.PullThrough
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokens := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(tokens) == 1 {
		if r.Method == http.MethodGet {
			s.serveGETBlob(w, r, tokens[0])
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

func (s *httpServer) serveGETBlob(w http.ResponseWriter, r *http.Request, hash string) {
	ctx := r.Context()
	log := klog.FromContext(ctx)

	info := blobs.BlobInfo{Hash: hash}
	if err := info.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f, err := s.blobs.Fetch(ctx, info)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.Error(err, "error getting blob", "hash", hash)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		log.Error(err, "stat blob", "hash", hash)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	log.V(2).Info("serving blob", "hash", hash, "bytes", st.Size())
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, "", st.ModTime(), f)
}
