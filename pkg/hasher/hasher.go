// Package hasher computes content fingerprints for files.
package hasher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/paulschiretz/pgl-sync/pkg/pool"
)

// ChunkSize is the read size used while streaming a file through the digest.
const ChunkSize = 64 * 1024

var defaultHasher = New(ChunkSize)

// Hasher streams files through SHA-256 using pooled read buffers.
// It is safe for concurrent use.
type Hasher struct {
	buffers *pool.FixedBufferPool
}

// New returns a Hasher that reads in chunks of chunkSize bytes.
func New(chunkSize int64) *Hasher {
	return &Hasher{buffers: pool.NewFixedBufferPool(chunkSize)}
}

// HashFile hashes path with the package default Hasher.
func HashFile(ctx context.Context, path string) (string, error) {
	return defaultHasher.HashFile(ctx, path)
}

// HashFile returns the lowercase hex SHA-256 of the file at path.
// If ctx is canceled between chunks no digest is returned, only ctx.Err().
func (h *Hasher) HashFile(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	digest, err := h.HashReader(ctx, f)
	if err != nil && ctx.Err() == nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return digest, err
}

// HashReader hashes everything r yields, checking ctx before every chunk.
func (h *Hasher) HashReader(ctx context.Context, r io.Reader) (string, error) {
	bufPtr := h.buffers.Get()
	defer h.buffers.Put(bufPtr)
	buf := *bufPtr

	sum := sha256.New()
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := r.Read(buf)
		if n > 0 {
			sum.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// HashBytes returns the hex SHA-256 of b. It is mostly useful in tests.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
