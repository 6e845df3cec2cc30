package model

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/texturenet/pkg/blobs"
)

// blobSuffix marks a parameter whose value is the hash of a little-endian float32 blob.
// "weightsBlob": "<sha256>" is replaced by "weights": [...].
const blobSuffix = "Blob"

// maxConcurrentDownloads bounds parallel blob fetches during a model load.
const maxConcurrentDownloads = 4

type blobRef struct {
	node  int
	param string
	info  blobs.BlobInfo
}

// ResolveBlobs downloads every "<name>Blob" parameter of desc into dir and replaces it
// with the decoded float list under "<name>".
func ResolveBlobs(ctx context.Context, reader blobs.BlobReader, dir string, desc *Description) error {
	log := klog.FromContext(ctx)

	var refs []blobRef
	for i, node := range desc.Nodes {
		for key, v := range node.Params {
			name, ok := strings.CutSuffix(key, blobSuffix)
			if !ok || name == "" {
				continue
			}
			hash, ok := v.(string)
			if !ok {
				return fmt.Errorf("node %q: param %q must be a blob hash", node.Name, key)
			}
			info := blobs.BlobInfo{Hash: hash}
			if err := info.Validate(); err != nil {
				return fmt.Errorf("node %q: param %q: %w", node.Name, key, err)
			}
			refs = append(refs, blobRef{node: i, param: name, info: info})
		}
	}
	if len(refs) == 0 {
		return nil
	}

	values := make([][]float32, len(refs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDownloads)
	for i, ref := range refs {
		g.Go(func() error {
			p := filepath.Join(dir, ref.info.Hash)
			if _, err := os.Stat(p); err != nil {
				if err := reader.Download(ctx, ref.info, p); err != nil {
					return fmt.Errorf("node %q: fetching %s: %w", desc.Nodes[ref.node].Name, ref.param, err)
				}
			}
			v, err := readFloat32File(p)
			if err != nil {
				return fmt.Errorf("node %q: %w", desc.Nodes[ref.node].Name, err)
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, ref := range refs {
		node := &desc.Nodes[ref.node]
		delete(node.Params, ref.param+blobSuffix)
		node.Params[ref.param] = values[i]
		log.V(2).Info("resolved blob parameter", "node", node.Name, "param", ref.param, "values", len(values[i]))
	}
	return nil
}

func readFloat32File(p string) ([]float32, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", p, err)
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%q: size %d is not a multiple of 4", p, len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// EncodeFloat32 is the inverse of the blob decoding used by ResolveBlobs.
func EncodeFloat32(values []float32) []byte {
	b := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}
