package blobs

import (
	"context"
	"fmt"
	"regexp"
)

type BlobReader interface {
	// If no such object exists, Download should return an error for which errors.Is(err, os.ErrNotExist) is true.
	Download(ctx context.Context, info BlobInfo, destPath string) error
}

type Blobstore interface {
	BlobReader
	// Upload uploads the file at sourcePath to the blobstore, using the given hash as the object key.
	// If an object with the same hash already exists, Upload should do nothing and return no error.
	Upload(ctx context.Context, sourcePath string, info BlobInfo) error
}

// BlobInfo identifies a model description or weight file by the sha256 of its contents.
type BlobInfo struct {
	Hash string
}

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Validate rejects keys that are not lowercase hex sha256 digests, so that a hash can be
// used as an object key or file name without escaping.
func (i BlobInfo) Validate() error {
	if !hashPattern.MatchString(i.Hash) {
		return fmt.Errorf("invalid blob hash %q", i.Hash)
	}
	return nil
}
