// Package chunkuploader drains a list of pending chunks through a bounded number of parallel uploads.
// Chunks are claimed from a shared cursor, so each chunk is uploaded by exactly one worker.
package chunkuploader

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/bitrise-io/go-chunkupload/upload/chunker"
)

// ErrAborted is returned when the upload stopped because of an Abort.
var ErrAborted = errors.New("upload aborted")

// PutFunc uploads a single chunk. It must be safe to call again for the same chunk.
type PutFunc func(ctx context.Context, c chunker.Chunk) error

// Abort is a cooperative stop signal shared by the workers of one upload attempt.
// Workers stop claiming new chunks once it is set; uploads already in flight finish.
type Abort struct {
	aborted atomic.Bool
}

// NewAbort ...
func NewAbort() *Abort {
	return &Abort{}
}

// Abort sets the signal. Calling it more than once has no further effect.
func (a *Abort) Abort() {
	a.aborted.Store(true)
}

// Aborted reports whether the signal is set. A nil Abort is never set.
func (a *Abort) Aborted() bool {
	return a != nil && a.aborted.Load()
}
