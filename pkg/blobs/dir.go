package blobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DirStore keeps blobs as files named by hash in a local directory.
type DirStore struct {
	Dir string
}

var _ Blobstore = (*DirStore)(nil)

func (d *DirStore) Path(info BlobInfo) string {
	return filepath.Join(d.Dir, info.Hash)
}

// Open returns the blob file, or an error for which errors.Is(err, os.ErrNotExist) holds.
func (d *DirStore) Open(info BlobInfo) (*os.File, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	f, err := os.Open(d.Path(info))
	if err != nil {
		return nil, fmt.Errorf("opening blob %q: %w", info.Hash, err)
	}
	return f, nil
}

func (d *DirStore) Download(ctx context.Context, info BlobInfo, destPath string) error {
	f, err := d.Open(info)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := writeVerifiedFile(ctx, f, info, destPath); err != nil {
		return fmt.Errorf("copying blob %q: %w", info.Hash, err)
	}
	return nil
}

func (d *DirStore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}
	if _, err := os.Stat(d.Path(info)); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking blob %q: %w", info.Hash, err)
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	if _, err := writeVerifiedFile(ctx, src, info, d.Path(info)); err != nil {
		return fmt.Errorf("storing blob %q: %w", info.Hash, err)
	}
	return nil
}

// PullThrough is a BlobReader that serves from a local DirStore and fills misses from
// an upstream reader.
type PullThrough struct {
	Cache    *DirStore
	Upstream BlobReader
}

var _ BlobReader = (*PullThrough)(nil)

// Fetch ensures the blob is present in the cache and returns it opened.
func (p *PullThrough) Fetch(ctx context.Context, info BlobInfo) (*os.File, error) {
	f, err := p.Cache.Open(info)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, os.ErrNotExist) || p.Upstream == nil {
		return nil, err
	}
	if err := p.Upstream.Download(ctx, info, p.Cache.Path(info)); err != nil {
		return nil, err
	}
	return p.Cache.Open(info)
}

func (p *PullThrough) Download(ctx context.Context, info BlobInfo, destPath string) error {
	f, err := p.Fetch(ctx, info)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := writeVerifiedFile(ctx, f, info, destPath); err != nil {
		return fmt.Errorf("copying blob %q: %w", info.Hash, err)
	}
	return nil
}
