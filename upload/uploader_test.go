package upload

import (
	"context"
	"errors"
	"testing"

	"github.com/bitrise-io/go-chunkupload/upload/chunker"
	"github.com/bitrise-io/go-chunkupload/upload/hasher"
	"github.com/bitrise-io/go-chunkupload/upload/network"
	"github.com/bitrise-io/go-chunkupload/upload/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = 1024 * 1024

func testSource(name string, size int) *chunker.BytesSource {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return chunker.NewBytesSource(name, data)
}

func newTestUploader(t *testing.T, session network.Session, concurrency, maxRetry int) *Uploader {
	options := DefaultOptions()
	options.Scheduler.Concurrency = concurrency
	options.Scheduler.MaxRetryPerChunk = maxRetry
	options.Scheduler.RetryWait = 0

	uploader, err := NewUploader(session, options, log.NewLogger())
	require.NoError(t, err)
	return uploader
}

func TestUpload_FreshSession(t *testing.T) {
	session := newFakeSession()
	uploader := newTestUploader(t, session, 4, 3)
	src := testSource("video.mp4", 5*mb)
	observer := &recordingObserver{}

	var progressAtComplete Progress
	session.onComplete = func() {
		progressAtComplete = observer.lastProgress()
	}

	result, err := uploader.Upload(context.Background(), Input{Source: src, RoomID: "room-1", Observer: observer})
	require.NoError(t, err)

	fileHash, err := hasher.File(context.Background(), src)
	require.NoError(t, err)

	require.Len(t, session.inits, 1)
	assert.Equal(t, network.InitRequest{Filename: "video.mp4", TotalChunks: 3, TotalSize: 5 * mb, FileHash: fileHash}, session.inits[0])
	assert.Equal(t, []int{0, 1, 2}, session.putIndices())
	require.Len(t, session.complete, 1)
	assert.Equal(t, network.CompleteRequest{UploadID: "upload-1", Filename: "video.mp4", FileHash: fileHash, RoomID: "room-1"}, session.complete[0])
	assert.Equal(t, []string{"upload-1"}, session.cleanups)

	assert.Equal(t, Progress{UploadedBytes: 5 * mb, TotalBytes: 5 * mb, Percent: 100}, progressAtComplete)
	assert.Equal(t, progressAtComplete, result.Progress)
	assert.Equal(t, "upload-1", result.UploadID)
	assert.Equal(t, fileHash, result.FileHash)
	assert.Equal(t, []int{0, 1, 2}, result.Uploaded)
	assert.Empty(t, result.Skipped)
	assert.True(t, result.Record.Success)

	assert.Equal(t, []State{
		StateHashingFile,
		StateSessionInit,
		StateHashingChunks,
		StateUploading,
		StateCompleting,
		StateDone,
	}, observer.states)

	_, held := uploader.HeldSession(fileHash)
	assert.False(t, held)
}

func TestUpload_ResumeUploadsOnlyMissingChunks(t *testing.T) {
	session := newFakeSession()
	uploader := newTestUploader(t, session, 1, 1)
	src := testSource("video.mp4", 5*mb)

	session.putErr = func(index int) error {
		if index > 0 {
			return errors.New("connection reset")
		}
		return nil
	}
	_, err := uploader.Upload(context.Background(), Input{Source: src, RoomID: "room-1"})
	require.Error(t, err)
	assert.Equal(t, []int{0}, session.putIndices())

	session.putErr = nil
	observer := &recordingObserver{}
	result, err := uploader.Upload(context.Background(), Input{Source: src, RoomID: "room-1", Observer: observer})
	require.NoError(t, err)

	assert.Len(t, session.inits, 1)
	assert.Equal(t, []string{"upload-1", "upload-1"}, session.statuses)
	assert.Equal(t, []int{0, 1, 2}, session.putIndices())
	assert.Equal(t, []int{1, 2}, result.Uploaded)
	assert.Equal(t, []int{0}, result.Skipped)

	require.NotEmpty(t, observer.progress)
	assert.Equal(t, Progress{UploadedBytes: 2 * mb, TotalBytes: 5 * mb, Percent: 40}, observer.progress[0])
	assert.Equal(t, StateSessionResume, observer.states[1])
}

func TestUpload_AbortAfterLastChunkCompletes(t *testing.T) {
	session := newFakeSession()
	uploader := newTestUploader(t, session, 1, 3)
	src := testSource("video.mp4", 5*mb)

	abort := chunkuploader.NewAbort()
	observer := &recordingObserver{
		onProgress: func(p Progress) {
			if p.UploadedBytes == p.TotalBytes {
				abort.Abort()
			}
		},
	}

	result, err := uploader.Upload(context.Background(), Input{Source: src, RoomID: "room-1", Abort: abort, Observer: observer})
	require.NoError(t, err)

	assert.Len(t, session.complete, 1)
	assert.Equal(t, []int{0, 1, 2}, result.Uploaded)
	assert.Equal(t, StateDone, observer.states[len(observer.states)-1])
}

func TestUpload_Abort(t *testing.T) {
	session := newFakeSession()
	uploader := newTestUploader(t, session, 1, 3)
	src := testSource("video.mp4", 5*mb)

	abort := chunkuploader.NewAbort()
	observer := &recordingObserver{
		onProgress: func(p Progress) {
			if p.UploadedBytes > 0 {
				abort.Abort()
			}
		},
	}

	result, err := uploader.Upload(context.Background(), Input{Source: src, RoomID: "room-1", Abort: abort, Observer: observer})
	require.ErrorIs(t, err, ErrAborted)

	assert.Empty(t, session.complete)
	assert.Equal(t, []int{0}, session.putIndices())
	assert.Equal(t, int64(2*mb), result.Progress.UploadedBytes)
	assert.Equal(t, []int{0}, result.Uploaded)
	assert.Equal(t, StateAborted, observer.states[len(observer.states)-1])

	_, held := uploader.HeldSession(result.FileHash)
	assert.True(t, held)
}

func TestUpload_ChunkFailure(t *testing.T) {
	session := newFakeSession()
	uploader := newTestUploader(t, session, 4, 1)
	src := testSource("video.mp4", 5*mb)
	observer := &recordingObserver{}

	session.putErr = func(index int) error {
		if index == 2 {
			return errors.New("bad gateway")
		}
		return nil
	}

	result, err := uploader.Upload(context.Background(), Input{Source: src, RoomID: "room-1", Observer: observer})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk 2 failed")

	assert.Empty(t, session.complete)
	assert.Equal(t, []int{0, 1}, session.putIndices())
	assert.Equal(t, StateFailed, observer.states[len(observer.states)-1])

	session.putErr = nil
	result, err = uploader.Upload(context.Background(), Input{Source: src, RoomID: "room-1"})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, result.Uploaded)
	assert.Equal(t, []int{0, 1}, result.Skipped)
	assert.Len(t, session.complete, 1)
}

func TestUpload_RetriesFailedChunk(t *testing.T) {
	session := newFakeSession()
	uploader := newTestUploader(t, session, 2, 3)

	failures := 0
	session.putErr = func(index int) error {
		if index == 1 && failures < 2 {
			failures++
			return errors.New("timeout")
		}
		return nil
	}

	result, err := uploader.Upload(context.Background(), Input{Source: testSource("video.mp4", 5*mb), RoomID: "room-1"})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, result.Uploaded)
	assert.Equal(t, 2, failures)
}

func TestUpload_ProgressIsMonotonic(t *testing.T) {
	session := newFakeSession()
	options := DefaultOptions()
	options.ChunkSize = 1024
	options.Scheduler.Concurrency = 8
	uploader, err := NewUploader(session, options, log.NewLogger())
	require.NoError(t, err)

	src := testSource("photo.jpg", 40*1024+17)
	observer := &recordingObserver{}

	result, err := uploader.Upload(context.Background(), Input{Source: src, Observer: observer})
	require.NoError(t, err)
	assert.Len(t, result.Uploaded, 41)

	var previous int64
	for _, p := range observer.progress {
		assert.GreaterOrEqual(t, p.UploadedBytes, previous)
		previous = p.UploadedBytes
	}
	assert.Equal(t, src.Size(), previous)
	assert.Equal(t, 100, observer.lastProgress().Percent)
}

func TestUpload_HashProgress(t *testing.T) {
	session := newFakeSession()
	uploader := newTestUploader(t, session, 4, 1)
	observer := &recordingObserver{}

	_, err := uploader.Upload(context.Background(), Input{Source: testSource("video.mp4", 5*mb), Observer: observer})
	require.NoError(t, err)

	require.Len(t, observer.hashing, 3)
	for i, p := range observer.hashing {
		assert.Equal(t, i+1, p.Current)
		assert.Equal(t, 3, p.Total)
	}
	assert.Equal(t, "Hashing chunk 3/3", observer.hashing[2].Step)
}

func TestUpload_NewFileStartsNewSession(t *testing.T) {
	session := newFakeSession()
	uploader := newTestUploader(t, session, 4, 1)

	_, err := uploader.Upload(context.Background(), Input{Source: testSource("a.mp4", 3*mb)})
	require.NoError(t, err)
	_, err = uploader.Upload(context.Background(), Input{Source: testSource("b.mp4", 4*mb)})
	require.NoError(t, err)

	assert.Len(t, session.inits, 2)
	assert.Equal(t, []string{"upload-1", "upload-2"}, session.cleanups)
}

func TestUpload_UnknownSessionIsReleased(t *testing.T) {
	session := newFakeSession()
	uploader := newTestUploader(t, session, 1, 1)
	src := testSource("video.mp4", 3*mb)

	session.putErr = func(int) error { return errors.New("service unavailable") }
	result, err := uploader.Upload(context.Background(), Input{Source: src})
	require.Error(t, err)

	uploadID, held := uploader.HeldSession(result.FileHash)
	require.True(t, held)
	delete(session.stored, uploadID)

	_, err = uploader.Upload(context.Background(), Input{Source: src})
	require.ErrorIs(t, err, network.ErrUnknownUpload)
	_, held = uploader.HeldSession(result.FileHash)
	assert.False(t, held)

	session.putErr = nil
	_, err = uploader.Upload(context.Background(), Input{Source: src})
	require.NoError(t, err)
	assert.Len(t, session.inits, 2)
}

func TestUpload_CleanupFailureIsNotAnError(t *testing.T) {
	session := newFakeSession()
	session.cleanupErr = errors.New("not found")
	uploader := newTestUploader(t, session, 4, 1)

	result, err := uploader.Upload(context.Background(), Input{Source: testSource("video.mp4", 3*mb)})
	require.NoError(t, err)
	assert.True(t, result.Record.Success)
}

func TestUpload_CompleteFailureKeepsSession(t *testing.T) {
	session := newFakeSession()
	session.completeErr = &network.HTTPError{StatusCode: 400, Body: "File hash verification failed"}
	uploader := newTestUploader(t, session, 4, 1)
	observer := &recordingObserver{}

	result, err := uploader.Upload(context.Background(), Input{Source: testSource("video.mp4", 3*mb), Observer: observer})
	require.Error(t, err)

	var httpErr *network.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 400, httpErr.StatusCode)
	assert.Equal(t, []State{
		StateHashingFile,
		StateSessionInit,
		StateHashingChunks,
		StateUploading,
		StateCompleting,
		StateFailed,
	}, observer.states)

	_, held := uploader.HeldSession(result.FileHash)
	assert.True(t, held)
}

func TestUpload_InitFailure(t *testing.T) {
	session := newFakeSession()
	session.initErr = errors.New("unauthorized")
	uploader := newTestUploader(t, session, 4, 1)
	observer := &recordingObserver{}

	_, err := uploader.Upload(context.Background(), Input{Source: testSource("video.mp4", mb), Observer: observer})
	require.Error(t, err)
	assert.Equal(t, []State{StateHashingFile, StateSessionInit, StateFailed}, observer.states)
	assert.Empty(t, session.statuses)
}

func TestUpload_EmptySource(t *testing.T) {
	uploader := newTestUploader(t, newFakeSession(), 4, 1)
	_, err := uploader.Upload(context.Background(), Input{Source: chunker.NewBytesSource("empty", nil)})
	require.ErrorIs(t, err, ErrEmptySource)
}

func TestUpload_Tracker(t *testing.T) {
	session := newFakeSession()
	tracker := &fakeTracker{}
	options := DefaultOptions()
	options.Tracker = tracker
	uploader, err := NewUploader(session, options, log.NewLogger())
	require.NoError(t, err)

	_, err = uploader.Upload(context.Background(), Input{Source: testSource("video.mp4", 3*mb)})
	require.NoError(t, err)

	assert.Equal(t, []string{"chunked_upload_hashed", "chunked_upload_finished"}, tracker.events)
	require.Len(t, tracker.props, 2)
	assert.NotEmpty(t, tracker.props[0]["attempt_id"])
	assert.Equal(t, tracker.props[0]["attempt_id"], tracker.props[1]["attempt_id"])
	assert.Equal(t, 2, tracker.props[1]["uploaded_chunks"])
}

func TestNewUploader_Validation(t *testing.T) {
	_, err := NewUploader(nil, DefaultOptions(), log.NewLogger())
	assert.Error(t, err)

	options := DefaultOptions()
	options.ChunkSize = 0
	_, err = NewUploader(newFakeSession(), options, log.NewLogger())
	assert.ErrorIs(t, err, chunker.ErrInvalidChunkSize)

	options = DefaultOptions()
	options.Scheduler.Concurrency = 0
	_, err = NewUploader(newFakeSession(), options, log.NewLogger())
	assert.Error(t, err)
}
