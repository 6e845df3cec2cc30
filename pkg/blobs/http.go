package blobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"k8s.io/klog/v2"
)

// HTTPReader fetches blobs from a model-store server, GET <base>/<hash>.
type HTTPReader struct {
	// BaseURL is the base URL of the model store, typically http://model-store
	BaseURL *url.URL

	// Client defaults to http.DefaultClient.
	Client *http.Client

	// MaxAttempts is the number of times to attempt a download before failing; 0 means 1.
	MaxAttempts int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
}

var _ BlobReader = &HTTPReader{}

func (l *HTTPReader) Download(ctx context.Context, info BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)

	if err := info.Validate(); err != nil {
		return err
	}
	u := l.BaseURL.JoinPath(info.Hash).String()

	attempts := max(l.MaxAttempts, 1)
	for attempt := 1; ; attempt++ {
		err := l.downloadToFile(ctx, u, info, destPath)
		if err == nil || errors.Is(err, os.ErrNotExist) || attempt >= attempts {
			return err
		}

		log.Error(err, "downloading blob, will retry", "url", u, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.RetryDelay):
		}
	}
}

func (l *HTTPReader) downloadToFile(ctx context.Context, u string, info BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)

	log.Info("downloading from url", "url", u)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	startedAt := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("blob %s not found: %w", info.Hash, os.ErrNotExist)
		}
		return fmt.Errorf("unexpected status downloading from %q: %v", u, resp.Status)
	}

	n, err := writeVerifiedFile(ctx, resp.Body, info, destPath)
	if err != nil {
		return fmt.Errorf("downloading from %q: %w", u, err)
	}

	log.Info("downloaded blob", "url", u, "bytes", n, "duration", time.Since(startedAt))
	return nil
}
