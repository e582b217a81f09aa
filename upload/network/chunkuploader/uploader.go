package chunkuploader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/upload/chunker"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/errgroup"
)

// Uploader drains chunks with a bounded number of parallel workers, retries and optional hung detection.
type Uploader struct {
	config Config
	logger log.Logger
	stats  *Stats
}

// New creates a new Uploader with the given configuration.
func New(config Config, logger log.Logger) (*Uploader, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chunk uploader config: %w", err)
	}

	return &Uploader{
		config: config,
		logger: logger,
		stats:  NewStats(),
	}, nil
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// Drain uploads every chunk of todo through put, running at most Config.Concurrency uploads at once.
// onDone, if set, is called after each successful chunk upload; it may be called from several goroutines.
//
// Drain returns after all started workers returned. Workers stop claiming chunks when abort is set or
// when any worker failed; the first failure is returned. ErrAborted is returned if abort was set
// before every chunk was uploaded.
func (u *Uploader) Drain(ctx context.Context, todo []chunker.Chunk, abort *Abort, put PutFunc, onDone func(chunker.Chunk)) error {
	if len(todo) == 0 {
		return nil
	}

	q := &queue{chunks: todo}
	workers := u.config.Concurrency
	if workers > len(todo) {
		workers = len(todo)
	}

	u.logger.Debugf("Uploading %d chunks with %d workers", len(todo), workers)

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				if abort.Aborted() || ctx.Err() != nil {
					return nil
				}

				c, ok := q.claim()
				if !ok {
					return nil
				}

				if err := u.uploadChunkWithRetry(ctx, c, put, len(todo)); err != nil {
					q.fail()
					return err
				}

				if onDone != nil {
					onDone(c)
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("upload cancelled: %w", err)
	}
	if abort.Aborted() && !q.drained() {
		return ErrAborted
	}
	return nil
}

// queue hands out chunks through a cursor that only moves forward.
type queue struct {
	mu     sync.Mutex
	chunks []chunker.Chunk
	cursor int
	failed bool
}

func (q *queue) claim() (chunker.Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.failed || q.cursor >= len(q.chunks) {
		return chunker.Chunk{}, false
	}
	c := q.chunks[q.cursor]
	q.cursor++
	return c, true
}

// drained reports whether every chunk was claimed and no upload failed.
func (q *queue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.failed && q.cursor == len(q.chunks)
}

func (q *queue) fail() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = true
}

func (u *Uploader) uploadChunkWithRetry(ctx context.Context, c chunker.Chunk, put PutFunc, totalChunks int) error {
	maxAttempts := u.config.MaxRetryPerChunk

	err := retry.Times(uint(maxAttempts - 1)).TryWithAbort(func(attempt uint) (error, bool) {
		if err := sleep(ctx, u.config.retryWait(attempt)); err != nil {
			return fmt.Errorf("chunk %d upload cancelled: %w", c.Index, err), true
		}

		u.logger.Debugf("Uploading chunk %d (attempt %d/%d) [finished=%d/%d] [avg=%v]",
			c.Index, attempt+1, maxAttempts,
			u.stats.FinishedCount(), totalChunks, u.stats.Average().Round(time.Millisecond))

		start := time.Now()
		chunkCtx, cancelChunk := context.WithCancel(ctx)

		// Start hung detection goroutine (except on last retry)
		if int(attempt) < maxAttempts-1 && u.config.HungThreshold > 0 {
			go u.detectHungUpload(chunkCtx, cancelChunk, start, c.Index)
		}

		uploadErr := put(chunkCtx, c)
		cancelChunk()

		if uploadErr == nil {
			took := time.Since(start)
			u.stats.Update(took, c.Len())
			u.logger.Debugf("Chunk %d uploaded in %v", c.Index, took.Round(time.Millisecond))
			return nil, false
		}

		if ctx.Err() != nil {
			return fmt.Errorf("chunk %d upload cancelled: %w", c.Index, ctx.Err()), true
		}

		if int(attempt) < maxAttempts-1 {
			u.stats.AddRetry()
			u.logger.Warnf("Chunk %d attempt %d failed, retrying: %v", c.Index, attempt+1, uploadErr)
		}
		return uploadErr, false
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("chunk %d failed after %d attempts: %w", c.Index, maxAttempts, err)
	}
	return nil
}

func (u *Uploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := u.stats.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.logger.Warnf("Found hung chunk upload (chunk %d); canceling request after %s (avg: %s)",
						index, elapsed.Round(time.Second), avg.Round(time.Second))
					cancel()
					return
				}
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
