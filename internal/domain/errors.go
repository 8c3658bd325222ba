package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedSource indicates an unknown source adapter key. Fatal
	// for the request, never retried.
	ErrUnsupportedSource = errors.New("unsupported source")

	// ErrTranscodeUnavailable marks a single-media task whose remote
	// transcode job failed or whose transcoder cannot be reached. Callers
	// should present it as "online only", not as a retryable failure.
	ErrTranscodeUnavailable = errors.New("remote transcoding unavailable")

	// ErrAlreadyDownloaded signals that a requested download is already
	// recorded as completed. It is a success no-op, not a failure.
	ErrAlreadyDownloaded = errors.New("already downloaded")

	// ErrTaskNotFound is returned by queue operations addressing a task the
	// queue does not hold.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask is returned when enqueueing a key that is already
	// pending, paused, or running.
	ErrDuplicateTask = errors.New("task already queued")
)

// HTTPStatusError reports a non-2xx upstream response for one fetch.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.StatusCode, e.URL)
}

// ItemSetError aggregates sub-item outcomes for an item-set task that did
// not reach its completion threshold.
type ItemSetError struct {
	Completed int
	Failed    int
	Total     int
}

func (e *ItemSetError) Error() string {
	return fmt.Sprintf("item set incomplete: %d/%d fetched, %d failed", e.Completed, e.Total, e.Failed)
}

// IsRetryable reports whether a failed task should be offered a retry
// affordance. Unsupported sources and unavailable transcoders are permanent
// for offline use.
func IsRetryable(err error) bool {
	return !errors.Is(err, ErrUnsupportedSource) && !errors.Is(err, ErrTranscodeUnavailable)
}
