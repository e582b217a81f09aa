package chunker

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Source is an immutable, randomly readable file selected for upload.
// Implementations must be safe for concurrent ReadAt calls.
type Source interface {
	io.ReaderAt

	// Name is the file name reported to the upload service.
	Name() string

	// Size is the total length in bytes.
	Size() int64
}

// FileSource reads an upload source from a file on disk.
type FileSource struct {
	file *os.File
	name string
	size int64
}

// OpenFile opens the file at path as an upload Source.
// The caller must Close it once the upload attempt is over.
func OpenFile(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{
		file: file,
		name: filepath.Base(path),
		size: info.Size(),
	}, nil
}

// Name ...
func (s *FileSource) Name() string {
	return s.name
}

// Size ...
func (s *FileSource) Size() int64 {
	return s.size
}

// ReadAt reads from the underlying file. os.File.ReadAt is safe for parallel use.
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// BytesSource provides an upload source from memory.
type BytesSource struct {
	name   string
	reader *bytes.Reader
}

// NewBytesSource wraps data as a Source. data must not be modified afterwards.
func NewBytesSource(name string, data []byte) *BytesSource {
	return &BytesSource{
		name:   name,
		reader: bytes.NewReader(data),
	}
}

// Name ...
func (s *BytesSource) Name() string {
	return s.name
}

// Size ...
func (s *BytesSource) Size() int64 {
	return s.reader.Size()
}

// ReadAt ...
func (s *BytesSource) ReadAt(p []byte, off int64) (int, error) {
	return s.reader.ReadAt(p, off)
}
