// Package upload uploads a file to an upload service in content addressed chunks.
// An upload that failed can be started again with the same Uploader: the session of the
// file is kept and only the chunks the service is missing are sent.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/upload/chunker"
	"github.com/bitrise-io/go-chunkupload/upload/hasher"
	"github.com/bitrise-io/go-chunkupload/upload/network"
	"github.com/bitrise-io/go-chunkupload/upload/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// ErrAborted is returned by Upload when the attempt was stopped through its Abort.
var ErrAborted = chunkuploader.ErrAborted

// ErrEmptySource is returned for sources without content.
var ErrEmptySource = errors.New("source is empty")

// Options ...
type Options struct {
	ChunkSize int64
	Scheduler chunkuploader.Config
	// Tracker is optional, no events are sent without it.
	Tracker analytics.Tracker
}

// DefaultOptions ...
func DefaultOptions() Options {
	return Options{
		ChunkSize: chunker.DefaultChunkSize,
		Scheduler: chunkuploader.DefaultConfig(),
	}
}

// Input is a single upload attempt.
type Input struct {
	Source chunker.Source
	// RoomID is the room the uploaded file is attached to.
	RoomID string
	// Abort is optional. Setting it stops the attempt once the running chunk uploads finished.
	Abort *chunkuploader.Abort
	// Observer is optional.
	Observer Observer
}

// Result ...
type Result struct {
	UploadID string
	FileHash string
	Record   network.CompleteResponse
	Progress Progress
	// Uploaded lists the chunk indices sent in this attempt.
	Uploaded []int
	// Skipped lists the chunk indices the service already had.
	Skipped  []int
	Duration time.Duration
}

// Uploader runs upload attempts against a session client.
// It is safe for concurrent use with different files.
type Uploader struct {
	session network.Session
	options Options
	logger  log.Logger

	mu   sync.Mutex
	held map[string]string
}

// NewUploader ...
func NewUploader(session network.Session, options Options, logger log.Logger) (*Uploader, error) {
	if session == nil {
		return nil, fmt.Errorf("session must not be nil")
	}
	if options.ChunkSize <= 0 {
		return nil, chunker.ErrInvalidChunkSize
	}
	if err := options.Scheduler.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}

	return &Uploader{
		session: session,
		options: options,
		logger:  logger,
		held:    map[string]string{},
	}, nil
}

// HeldSession returns the upload session kept for a file digest.
func (u *Uploader) HeldSession(fileHash string) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	uploadID, ok := u.held[fileHash]
	return uploadID, ok
}

func (u *Uploader) holdSession(fileHash, uploadID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.held[fileHash] = uploadID
}

func (u *Uploader) releaseSession(fileHash string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.held, fileHash)
}

// Upload runs one upload attempt of input.Source. It returns ErrAborted if the attempt was aborted;
// the returned Result then holds the progress made until the abort.
func (u *Uploader) Upload(ctx context.Context, input Input) (Result, error) {
	u.logger.TDebugf("Upload start")
	defer func() {
		u.logger.TDebugf("Upload done")
	}()

	if input.Source == nil {
		return Result{}, fmt.Errorf("source must not be nil")
	}
	if input.Source.Size() == 0 {
		return Result{}, ErrEmptySource
	}

	a := &attempt{
		Uploader: u,
		input:    input,
		machine:  newMachine(input.Observer),
		tracker:  newAttemptTracker(u.options.Tracker),
		progress: newProgressTracker(input.Source.Size(), input.Observer),
		start:    time.Now(),
	}

	result, err := a.run(ctx)
	if err == nil {
		return result, nil
	}

	result.Progress = a.progress.snapshot()
	result.Uploaded = a.progress.uploadedIndices()
	result.Duration = time.Since(a.start)

	if errors.Is(err, ErrAborted) && a.machine.current == StateUploading {
		if err := a.machine.to(StateAborted); err != nil {
			return result, err
		}
		u.logger.Warnf("Upload of %s aborted at %d%%", input.Source.Name(), result.Progress.Percent)
		u.logger.Debugf("Upload states: %s", a.machine.path())
		a.tracker.logUploadAborted(result.Progress)
		return result, ErrAborted
	}

	failedIn := a.machine.current
	if failedIn.CanTransition(StateFailed) {
		if err := a.machine.to(StateFailed); err != nil {
			return result, err
		}
	}
	u.logger.Debugf("Upload states: %s", a.machine.path())
	a.tracker.logUploadFailed(failedIn, result.Progress, err)
	return result, err
}

type attempt struct {
	*Uploader
	input    Input
	machine  *machine
	tracker  attemptTracker
	progress *progressTracker
	start    time.Time
}

func (a *attempt) run(ctx context.Context) (Result, error) {
	var result Result
	src := a.input.Source

	if err := a.machine.to(StateHashingFile); err != nil {
		return result, err
	}

	chunks, err := chunker.Chunks(src, a.options.ChunkSize)
	if err != nil {
		return result, err
	}

	a.logger.Printf("Uploading %s (%s) in %d chunks", src.Name(), units.HumanSizeWithPrecision(float64(src.Size()), 3), len(chunks))

	hashStart := time.Now()
	fileHash, err := hasher.File(ctx, src)
	if err != nil {
		return result, fmt.Errorf("failed to hash file: %w", err)
	}
	result.FileHash = fileHash
	a.tracker.logFileHashed(time.Since(hashStart), src.Size(), len(chunks))
	a.logger.Debugf("File hash: %s", fileHash)
	a.logger.TDebugf("File hashed")

	uploadID, resumed := a.HeldSession(fileHash)
	if resumed {
		if err := a.machine.to(StateSessionResume); err != nil {
			return result, err
		}
		a.logger.Printf("Resuming upload session %s", uploadID)
	} else {
		if err := a.machine.to(StateSessionInit); err != nil {
			return result, err
		}
		if uploadID, err = a.initSession(ctx, fileHash, len(chunks)); err != nil {
			return result, err
		}
	}
	result.UploadID = uploadID
	a.logger.TDebugf("Session ready")

	if err := a.machine.to(StateHashingChunks); err != nil {
		return result, err
	}

	var onHashProgress func(hasher.Progress)
	if a.input.Observer != nil {
		onHashProgress = a.input.Observer.OnHashProgress
	}
	digests, err := hasher.Chunks(ctx, src, chunks, onHashProgress)
	if err != nil {
		return result, fmt.Errorf("failed to hash chunks: %w", err)
	}
	a.logger.TDebugf("Chunks hashed")

	status, err := a.session.Status(ctx, uploadID)
	if err != nil {
		if errors.Is(err, network.ErrUnknownUpload) {
			a.releaseSession(fileHash)
		}
		return result, fmt.Errorf("failed to get upload status: %w", err)
	}

	todo := chunker.Without(chunks, status.Chunks)
	result.Skipped = skippedIndices(chunks, todo)
	a.progress.seed(chunker.TotalLen(chunks, status.Chunks))
	if len(result.Skipped) > 0 {
		a.logger.Printf("%d of %d chunks are already uploaded", len(result.Skipped), len(chunks))
	}

	if err := a.machine.to(StateUploading); err != nil {
		return result, err
	}

	scheduler, err := chunkuploader.New(a.options.Scheduler, a.logger)
	if err != nil {
		return result, err
	}

	put := func(ctx context.Context, c chunker.Chunk) error {
		data, err := c.Bytes(src)
		if err != nil {
			return err
		}
		return a.session.PutChunk(ctx, network.PutChunkRequest{
			UploadID:    uploadID,
			ChunkIndex:  c.Index,
			TotalChunks: len(chunks),
			Filename:    src.Name(),
			Data:        data,
			ChunkHash:   digests[c.Index],
		})
	}
	onDone := func(c chunker.Chunk) {
		a.progress.add(c.Index, c.Len())
	}

	if err := scheduler.Drain(ctx, todo, a.input.Abort, put, onDone); err != nil {
		if errors.Is(err, ErrAborted) {
			return result, err
		}
		return result, fmt.Errorf("failed to upload chunks: %w", err)
	}
	stats := scheduler.Stats()
	a.logger.Debugf("Chunk upload speed: %s/s, %d retries",
		units.HumanSizeWithPrecision(stats.BytesPerSecond(), 3), stats.Retries())
	a.logger.TDebugf("Chunks uploaded")

	if err := a.machine.to(StateCompleting); err != nil {
		return result, err
	}

	record, err := a.session.Complete(ctx, network.CompleteRequest{
		UploadID: uploadID,
		Filename: src.Name(),
		FileHash: fileHash,
		RoomID:   a.input.RoomID,
	})
	if err != nil {
		return result, fmt.Errorf("failed to complete upload: %w", err)
	}
	if err := a.session.Cleanup(ctx, uploadID); err != nil {
		a.logger.Warnf("Cleanup of upload session %s failed: %s", uploadID, err)
	}
	a.releaseSession(fileHash)

	if err := a.machine.to(StateDone); err != nil {
		return result, err
	}

	result.Record = record
	result.Progress = a.progress.snapshot()
	result.Uploaded = a.progress.uploadedIndices()
	result.Duration = time.Since(a.start)
	a.tracker.logUploadFinished(result, resumed)
	a.logger.Donef("Uploaded %s in %s", src.Name(), result.Duration.Round(time.Millisecond))

	return result, nil
}

func (a *attempt) initSession(ctx context.Context, fileHash string, chunkCount int) (string, error) {
	resp, err := a.session.Init(ctx, network.InitRequest{
		Filename:    a.input.Source.Name(),
		TotalChunks: chunkCount,
		TotalSize:   a.input.Source.Size(),
		FileHash:    fileHash,
	})
	if err != nil {
		return "", fmt.Errorf("failed to init upload session: %w", err)
	}
	if resp.UploadID == "" {
		return "", fmt.Errorf("upload service returned an empty upload ID")
	}
	if resp.ChunkSize > 0 && resp.ChunkSize != a.options.ChunkSize {
		a.logger.Warnf("Upload service suggests %s chunks, uploading with %s chunks",
			units.BytesSize(float64(resp.ChunkSize)), units.BytesSize(float64(a.options.ChunkSize)))
	}

	a.holdSession(fileHash, resp.UploadID)
	a.logger.Printf("Upload session created: %s", resp.UploadID)
	return resp.UploadID, nil
}

func skippedIndices(all, todo []chunker.Chunk) []int {
	pending := make(map[int]bool, len(todo))
	for _, c := range todo {
		pending[c.Index] = true
	}

	skipped := []int{}
	for _, c := range all {
		if !pending[c.Index] {
			skipped = append(skipped, c.Index)
		}
	}
	sort.Ints(skipped)
	return skipped
}
