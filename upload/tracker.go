package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/google/uuid"
)

// attemptTracker sends the analytics events of one upload attempt. A nil tracker sends nothing.
type attemptTracker struct {
	tracker   analytics.Tracker
	attemptID string
}

func newAttemptTracker(tracker analytics.Tracker) attemptTracker {
	return attemptTracker{
		tracker:   tracker,
		attemptID: uuid.NewString(),
	}
}

func (t attemptTracker) logFileHashed(hashTime time.Duration, size int64, chunkCount int) {
	t.enqueue("chunked_upload_hashed", analytics.Properties{
		"hash_time_ms": hashTime.Milliseconds(),
		"size_bytes":   size,
		"chunk_count":  chunkCount,
	})
}

func (t attemptTracker) logUploadFinished(result Result, resumed bool) {
	t.enqueue("chunked_upload_finished", analytics.Properties{
		"upload_time_s":    result.Duration.Truncate(time.Second).Seconds(),
		"size_bytes":       result.Progress.TotalBytes,
		"uploaded_chunks":  len(result.Uploaded),
		"skipped_chunks":   len(result.Skipped),
		"is_resumed":       resumed,
		"is_file_verified": result.Record.Verified,
	})
}

func (t attemptTracker) logUploadFailed(state State, progress Progress, err error) {
	t.enqueue("chunked_upload_failed", analytics.Properties{
		"state":          string(state),
		"uploaded_bytes": progress.UploadedBytes,
		"size_bytes":     progress.TotalBytes,
		"error":          err.Error(),
	})
}

func (t attemptTracker) logUploadAborted(progress Progress) {
	t.enqueue("chunked_upload_aborted", analytics.Properties{
		"uploaded_bytes": progress.UploadedBytes,
		"size_bytes":     progress.TotalBytes,
	})
}

func (t attemptTracker) enqueue(event string, properties analytics.Properties) {
	if t.tracker == nil {
		return
	}
	properties["attempt_id"] = t.attemptID
	t.tracker.Enqueue(event, properties)
}
