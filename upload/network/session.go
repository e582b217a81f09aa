// Package network talks to the services that store chunked uploads.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrChunkMissing is returned when an upload is completed before every chunk was stored.
var ErrChunkMissing = errors.New("upload has missing chunks")

// ErrUnknownUpload is returned when the service doesn't know the upload session.
var ErrUnknownUpload = errors.New("unknown upload")

// Session is the contract of an upload service: a session is created for a file,
// chunks are stored into it independently, and it is finally completed for an owner room.
// No method retries on its own.
type Session interface {
	Init(ctx context.Context, req InitRequest) (InitResponse, error)
	Status(ctx context.Context, uploadID string) (StatusResponse, error)
	// PutChunk must be idempotent by chunk index.
	PutChunk(ctx context.Context, req PutChunkRequest) error
	Complete(ctx context.Context, req CompleteRequest) (CompleteResponse, error)
	Cleanup(ctx context.Context, uploadID string) error
}

// InitRequest ...
type InitRequest struct {
	Filename    string `json:"filename"`
	TotalChunks int    `json:"totalChunks"`
	TotalSize   int64  `json:"totalSize"`
	FileHash    string `json:"fileHash,omitempty"`
}

// InitResponse ...
type InitResponse struct {
	UploadID  string `json:"uploadId"`
	ChunkSize int64  `json:"chunkSize,omitempty"`
}

// StatusResponse lists the chunk indices the service already stores.
type StatusResponse struct {
	Chunks       []int  `json:"chunks"`
	UploadedSize int64  `json:"uploadedSize,omitempty"`
	Status       string `json:"status,omitempty"`
}

// PutChunkRequest ...
type PutChunkRequest struct {
	UploadID    string
	ChunkIndex  int
	TotalChunks int
	Filename    string
	Data        []byte
	ChunkHash   string
}

// CompleteRequest ...
type CompleteRequest struct {
	UploadID string `json:"uploadId"`
	Filename string `json:"filename"`
	FileHash string `json:"fileHash,omitempty"`
	RoomID   string `json:"roomId"`
}

// CompleteResponse is the service's record of the assembled file.
type CompleteResponse struct {
	Success  bool   `json:"success"`
	FileURL  string `json:"fileUrl,omitempty"`
	Message  string `json:"message,omitempty"`
	File     string `json:"file,omitempty"`
	Path     string `json:"path,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Verified bool   `json:"verified,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// HTTPError is returned for non-success responses of the upload service.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Is reports a 404 response as ErrUnknownUpload.
func (e *HTTPError) Is(target error) bool {
	return target == ErrUnknownUpload && e.StatusCode == http.StatusNotFound
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return &HTTPError{StatusCode: resp.StatusCode, Body: string(errorResp)}
}
