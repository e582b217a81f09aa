// Package chunker splits an upload source into fixed-size, contiguous byte ranges.
package chunker

import (
	"errors"
	"fmt"
	"io"
)

// DefaultChunkSize is the chunk size suggested by the upload service.
const DefaultChunkSize int64 = 2 * 1024 * 1024

// ErrInvalidChunkSize is returned when the chunk size is not positive.
var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// Chunk describes the byte range [Start, End) of a source.
type Chunk struct {
	Index int
	Start int64
	End   int64
}

// Len returns the number of bytes in the chunk.
func (c Chunk) Len() int64 {
	return c.End - c.Start
}

// Reader returns a reader over the chunk's bytes in src.
func (c Chunk) Reader(src io.ReaderAt) *io.SectionReader {
	return io.NewSectionReader(src, c.Start, c.Len())
}

// Bytes reads the chunk into memory, so the payload can be sent again on retry.
func (c Chunk) Bytes(src io.ReaderAt) ([]byte, error) {
	data := make([]byte, c.Len())
	n, err := io.ReadFull(c.Reader(src), data)
	if err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", c.Index, err)
	}
	return data[:n], nil
}

// Count returns ceil(size / chunkSize).
func Count(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// Split partitions [0, size) into chunks of chunkSize bytes, in ascending index order.
// Only the last chunk may be shorter.
func Split(size, chunkSize int64) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}
	if size < 0 {
		return nil, fmt.Errorf("invalid size: %d", size)
	}

	count := Count(size, chunkSize)
	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > size {
			end = size
		}
		chunks = append(chunks, Chunk{Index: i, Start: start, End: end})
	}

	return chunks, nil
}

// Chunks splits src by chunkSize.
func Chunks(src Source, chunkSize int64) ([]Chunk, error) {
	return Split(src.Size(), chunkSize)
}

// Without returns the chunks whose index is not in skip, keeping their order.
func Without(chunks []Chunk, skip []int) []Chunk {
	skipped := make(map[int]bool, len(skip))
	for _, i := range skip {
		skipped[i] = true
	}

	remaining := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if !skipped[c.Index] {
			remaining = append(remaining, c)
		}
	}
	return remaining
}

// TotalLen sums the byte lengths of the chunks whose index is in indices.
// Unknown and repeated indices are ignored.
func TotalLen(chunks []Chunk, indices []int) int64 {
	byIndex := make(map[int]Chunk, len(chunks))
	for _, c := range chunks {
		byIndex[c.Index] = c
	}

	var total int64
	seen := make(map[int]bool, len(indices))
	for _, i := range indices {
		c, ok := byIndex[i]
		if !ok || seen[i] {
			continue
		}
		seen[i] = true
		total += c.Len()
	}
	return total
}
