package domain

import (
	"fmt"
	"sync"
	"time"
)

// Medium identifies which download pipeline a task belongs to.
type Medium string

const (
	MediumComic Medium = "comic"
	MediumVideo Medium = "video"
	MediumBook  Medium = "book"
)

// TaskKind selects the execution strategy for a task.
type TaskKind string

const (
	// TaskKindItemSet downloads many independently fetchable sub-items
	// (chapter images) under a bounded fan-out.
	TaskKindItemSet TaskKind = "item-set"
	// TaskKindChapterSet downloads an ordered set of units and merges them
	// by ordinal into one artifact, checkpointing the completed prefix.
	TaskKindChapterSet TaskKind = "chapter-set"
	// TaskKindSingleMedia produces one output file, directly or through a
	// remote transcode job.
	TaskKindSingleMedia TaskKind = "single-media"
)

// MediaKind distinguishes how a single-media task obtains its artifact.
type MediaKind string

const (
	MediaKindDirectFile      MediaKind = "direct-file"
	MediaKindRemoteTranscode MediaKind = "remote-transcode"
)

type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusPaused      TaskStatus = "paused"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusCancelled   TaskStatus = "cancelled"
)

// taskTransitions encodes the legal status transitions. Failed -> Pending
// (retry) is the only transition out of a terminal status.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:     {TaskStatusDownloading, TaskStatusCancelled},
	TaskStatusDownloading: {TaskStatusPaused, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusPaused:      {TaskStatusDownloading, TaskStatusCancelled},
	TaskStatusFailed:      {TaskStatusPending},
}

// TaskKey is the composite identity of a download task, e.g. comic+chapter
// or series+episode. Unique per task within a medium.
type TaskKey struct {
	ParentID  string `json:"parent_id"`
	ContentID string `json:"content_id"`
}

func (k TaskKey) String() string {
	return k.ParentID + "/" + k.ContentID
}

// FetchDescriptor addresses one fetchable sub-item as resolved by a source
// adapter. Never mutated after resolution.
type FetchDescriptor struct {
	Ordinal int    `json:"ordinal"`
	URL     string `json:"url"`
}

// Task is one schedulable unit of download work. Fields set at build time
// (identity, resolved fetch metadata) are read-only afterwards; mutable
// progress state is guarded by the task's own mutex so executors and
// observers may touch it concurrently.
type Task struct {
	Key          TaskKey
	ParentTitle  string
	ContentTitle string
	Source       string
	Kind         TaskKind

	// Resolved fetch metadata for item-set and chapter-set tasks.
	Items              []FetchDescriptor
	Headers            map[string]string
	Referer            string
	CookieBootstrapURL string

	// Single-media fields.
	MediaURL  string
	MediaKind MediaKind

	// Dir is the destination directory, partitioned by task key so
	// concurrent tasks never write the same file. OutputPath is the final
	// artifact for single-media and chapter-set tasks.
	Dir        string
	OutputPath string

	mu              sync.Mutex
	status          TaskStatus
	progress        float64
	err             error
	remoteJobID     string
	startedAt       *time.Time
	endedAt         *time.Time
	pausedAt        *time.Time
	downloadedBytes int64
	totalBytes      int64
	completedCount  int
	failedCount     int
}

// NewTask builds a task in Pending state.
func NewTask(key TaskKey, source string, kind TaskKind) *Task {
	return &Task{
		Key:    key,
		Source: source,
		Kind:   kind,
		status: TaskStatusPending,
	}
}

func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Transition moves the task to the given status, rejecting moves the state
// machine does not permit. Timestamps are maintained as a side effect.
func (t *Task) Transition(to TaskStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := false
	for _, next := range taskTransitions[t.status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.Key, t.status, to)
	}

	now := time.Now()
	switch to {
	case TaskStatusDownloading:
		if t.startedAt == nil {
			t.startedAt = &now
		}
		t.pausedAt = nil
	case TaskStatusPaused:
		t.pausedAt = &now
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		t.endedAt = &now
	case TaskStatusPending:
		// Retry path: Failed -> Pending resets per-run state.
		t.progress = 0
		t.err = nil
		t.completedCount = 0
		t.failedCount = 0
		t.downloadedBytes = 0
		t.remoteJobID = ""
		t.startedAt = nil
		t.endedAt = nil
		t.pausedAt = nil
	}
	t.status = to
	return nil
}

// SetProgress records overall progress in [0,1]. Progress never moves
// backwards within one downloading run.
func (t *Task) SetProgress(p float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	if p > t.progress {
		t.progress = p
	}
}

func (t *Task) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// BeginRun clears the per-run item counters. Executors call it at the top
// of every run: a resumed task walks the full item list again and reports
// files already on disk as completed, so counters carried over from the
// interrupted run would double-count them.
func (t *Task) BeginRun() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completedCount = 0
	t.failedCount = 0
}

// ReportItem accumulates one sub-item outcome and recomputes progress from
// the counters.
func (t *Task) ReportItem(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ok {
		t.completedCount++
	} else {
		t.failedCount++
	}
	if total := len(t.Items); total > 0 {
		p := float64(t.completedCount+t.failedCount) / float64(total)
		if p > 1 {
			p = 1
		}
		if p > t.progress {
			t.progress = p
		}
	}
}

func (t *Task) Counts() (completed, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completedCount, t.failedCount
}

func (t *Task) SetBytes(downloaded, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if downloaded > t.downloadedBytes {
		t.downloadedBytes = downloaded
	}
	if total > 0 {
		t.totalBytes = total
	}
	if t.totalBytes > 0 {
		p := float64(t.downloadedBytes) / float64(t.totalBytes)
		if p > 1 {
			p = 1
		}
		if p > t.progress {
			t.progress = p
		}
	}
}

func (t *Task) SetRemoteJobID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteJobID = id
}

func (t *Task) RemoteJobID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteJobID
}

func (t *Task) SetError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// TaskSnapshot is an immutable copy of a task's observable state, safe to
// hand to observers and to serialize.
type TaskSnapshot struct {
	ParentID        string     `json:"parent_id"`
	ContentID       string     `json:"content_id"`
	ParentTitle     string     `json:"parent_title"`
	ContentTitle    string     `json:"content_title"`
	Source          string     `json:"source"`
	Kind            TaskKind   `json:"kind"`
	Status          TaskStatus `json:"status"`
	Progress        float64    `json:"progress"`
	Error           string     `json:"error,omitempty"`
	Retryable       bool       `json:"retryable"`
	TotalItems      int        `json:"total_items,omitempty"`
	CompletedCount  int        `json:"completed_count,omitempty"`
	FailedCount     int        `json:"failed_count,omitempty"`
	DownloadedBytes int64      `json:"downloaded_bytes,omitempty"`
	TotalBytes      int64      `json:"total_bytes,omitempty"`
	RemoteJobID     string     `json:"remote_job_id,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	PausedAt        *time.Time `json:"paused_at,omitempty"`
}

func (t *Task) Snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := TaskSnapshot{
		ParentID:        t.Key.ParentID,
		ContentID:       t.Key.ContentID,
		ParentTitle:     t.ParentTitle,
		ContentTitle:    t.ContentTitle,
		Source:          t.Source,
		Kind:            t.Kind,
		Status:          t.status,
		Progress:        t.progress,
		TotalItems:      len(t.Items),
		CompletedCount:  t.completedCount,
		FailedCount:     t.failedCount,
		DownloadedBytes: t.downloadedBytes,
		TotalBytes:      t.totalBytes,
		RemoteJobID:     t.remoteJobID,
		StartedAt:       copyTime(t.startedAt),
		EndedAt:         copyTime(t.endedAt),
		PausedAt:        copyTime(t.pausedAt),
	}
	if t.err != nil {
		snap.Error = t.err.Error()
		snap.Retryable = IsRetryable(t.err)
	}
	return snap
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
