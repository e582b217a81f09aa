// Package hasher computes the SHA-256 digests used as upload identity and chunk integrity checks.
package hasher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/bitrise-io/go-chunkupload/upload/chunker"
)

// ErrUnreadable is returned when the source can't be read for hashing.
var ErrUnreadable = errors.New("source is not readable")

const bufferSize = 256 * 1024

// Progress is reported before each chunk is hashed.
type Progress struct {
	Current int
	Total   int
	Step    string
}

// Digests holds chunk digests keyed by chunk index.
type Digests map[int]string

// Bytes returns the hex-encoded SHA-256 digest of b.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Reader returns the hex-encoded SHA-256 digest of everything read from r.
func Reader(ctx context.Context, r io.Reader) (string, error) {
	digest, _, err := digestReader(ctx, r)
	return digest, err
}

// File returns the digest of the whole source.
// A source that yields fewer than Size() bytes is unreadable.
func File(ctx context.Context, src chunker.Source) (string, error) {
	return digestSection(ctx, io.NewSectionReader(src, 0, src.Size()))
}

// Chunk returns the digest of a single chunk of src.
func Chunk(ctx context.Context, src chunker.Source, c chunker.Chunk) (string, error) {
	digest, err := digestSection(ctx, c.Reader(src))
	if err != nil {
		return "", fmt.Errorf("hash chunk %d: %w", c.Index, err)
	}
	return digest, nil
}

// Chunks hashes the chunks one after another in the given order.
// onProgress, if set, is called before each chunk.
func Chunks(ctx context.Context, src chunker.Source, chunks []chunker.Chunk, onProgress func(Progress)) (Digests, error) {
	digests := make(Digests, len(chunks))
	for i, c := range chunks {
		if onProgress != nil {
			onProgress(Progress{
				Current: i + 1,
				Total:   len(chunks),
				Step:    fmt.Sprintf("Hashing chunk %d/%d", i+1, len(chunks)),
			})
		}

		digest, err := Chunk(ctx, src, c)
		if err != nil {
			return nil, err
		}
		digests[c.Index] = digest
	}
	return digests, nil
}

func digestReader(ctx context.Context, r io.Reader) (string, int64, error) {
	hash := sha256.New()
	buf := make([]byte, bufferSize)
	n, err := io.CopyBuffer(hash, contextReader{ctx: ctx, r: r}, buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", n, ctxErr
		}
		return "", n, fmt.Errorf("%w: %s", ErrUnreadable, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), n, nil
}

func digestSection(ctx context.Context, section *io.SectionReader) (string, error) {
	digest, n, err := digestReader(ctx, section)
	if err != nil {
		return "", err
	}
	if n != section.Size() {
		return "", fmt.Errorf("%w: read %d of %d bytes", ErrUnreadable, n, section.Size())
	}
	return digest, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
