package chunkuploader

import (
	"fmt"
	"time"
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// Concurrency is the maximum number of parallel chunk uploads.
	// Default: 4
	Concurrency int

	// MaxRetryPerChunk is the maximum number of attempts per chunk, 1 disables retries.
	// Default: 3
	MaxRetryPerChunk int

	// RetryWait is the wait before the first retry, doubled on every further retry.
	// Default: 500ms
	RetryWait time.Duration

	// HungThreshold is the duration after which a chunk upload is considered hung
	// if it exceeds the average upload time by this amount. 0 disables hung detection.
	// Default: 0
	HungThreshold time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:      4,
		MaxRetryPerChunk: 3,
		RetryWait:        500 * time.Millisecond,
		HungThreshold:    0,
	}
}

// Validate ...
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency should be at least 1, got %d", c.Concurrency)
	}
	if c.MaxRetryPerChunk < 1 {
		return fmt.Errorf("max retry per chunk should be at least 1, got %d", c.MaxRetryPerChunk)
	}
	if c.RetryWait < 0 || c.HungThreshold < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// retryWait returns the wait before the given attempt (attempt 0 is the first try).
func (c Config) retryWait(attempt uint) time.Duration {
	if attempt == 0 {
		return 0
	}
	return c.RetryWait * time.Duration(1<<(attempt-1))
}
