package blobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// writeVerifiedFile streams src into destinationPath through a temp file in the same
// directory, and only renames it into place once the content matches info.Hash.
func writeVerifiedFile(ctx context.Context, src io.Reader, info BlobInfo, destinationPath string) (int64, error) {
	log := klog.FromContext(ctx)

	dir := filepath.Dir(destinationPath)
	tempFile, err := os.CreateTemp(dir, "blob")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error(err, "closing temp file", "path", tempFile.Name())
			}
		}
	}()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(tempFile, hasher), src)
	if err != nil {
		return n, fmt.Errorf("copying blob: %w", err)
	}

	if got := hex.EncodeToString(hasher.Sum(nil)); got != info.Hash {
		return n, fmt.Errorf("blob hash mismatch: expected %s, got %s", info.Hash, got)
	}

	if err := tempFile.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), destinationPath); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	return n, nil
}

// HashFile returns the BlobInfo for the file at p.
func HashFile(p string) (BlobInfo, error) {
	f, err := os.Open(p)
	if err != nil {
		return BlobInfo{}, fmt.Errorf("opening %q: %w", p, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return BlobInfo{}, fmt.Errorf("hashing %q: %w", p, err)
	}
	return BlobInfo{Hash: hex.EncodeToString(hasher.Sum(nil))}, nil
}
