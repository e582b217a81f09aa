package chunkuploader

import (
	"sync"
	"time"
)

// Stats tracks finished chunk uploads, used for hung detection and reporting.
type Stats struct {
	mu             sync.Mutex
	sum            time.Duration
	bytes          int64
	finishedChunks int64
	retries        int64
}

// NewStats ...
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful chunk upload of n bytes that took d.
func (s *Stats) Update(d time.Duration, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.bytes += n
	s.finishedChunks++
}

// AddRetry counts a failed attempt that is going to be retried.
func (s *Stats) AddRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

// Average returns the average upload duration of finished chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// FinishedCount ...
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// Retries ...
func (s *Stats) Retries() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// BytesPerSecond is the uploaded byte count over the summed chunk durations.
func (s *Stats) BytesPerSecond() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sum <= 0 {
		return 0
	}
	return float64(s.bytes) / s.sum.Seconds()
}
