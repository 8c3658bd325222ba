package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []TaskStatus
		ok   bool
	}{
		{"happy path", []TaskStatus{TaskStatusDownloading, TaskStatusCompleted}, true},
		{"pause and resume", []TaskStatus{TaskStatusDownloading, TaskStatusPaused, TaskStatusDownloading, TaskStatusCompleted}, true},
		{"pause then cancel", []TaskStatus{TaskStatusDownloading, TaskStatusPaused, TaskStatusCancelled}, true},
		{"fail then retry", []TaskStatus{TaskStatusDownloading, TaskStatusFailed, TaskStatusPending, TaskStatusDownloading}, true},
		{"cancel pending", []TaskStatus{TaskStatusCancelled}, true},
		{"pending cannot complete", []TaskStatus{TaskStatusCompleted}, false},
		{"completed is terminal", []TaskStatus{TaskStatusDownloading, TaskStatusCompleted, TaskStatusPending}, false},
		{"cancelled is terminal", []TaskStatus{TaskStatusDownloading, TaskStatusCancelled, TaskStatusDownloading}, false},
		{"pending cannot pause", []TaskStatus{TaskStatusPaused}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			task := NewTask(TaskKey{ParentID: "p", ContentID: "c"}, "src", TaskKindItemSet)
			var err error
			for _, next := range tc.path {
				if err = task.Transition(next); err != nil {
					break
				}
			}
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRetryResetsTaskState(t *testing.T) {
	task := NewTask(TaskKey{ParentID: "p", ContentID: "c"}, "src", TaskKindItemSet)
	task.Items = []FetchDescriptor{{Ordinal: 0, URL: "u0"}, {Ordinal: 1, URL: "u1"}}

	require.NoError(t, task.Transition(TaskStatusDownloading))
	task.ReportItem(true)
	task.ReportItem(false)
	task.SetError(errors.New("boom"))
	require.NoError(t, task.Transition(TaskStatusFailed))

	require.NoError(t, task.Transition(TaskStatusPending))

	assert.Equal(t, TaskStatusPending, task.Status())
	assert.Zero(t, task.Progress())
	assert.NoError(t, task.Err())
	completed, failed := task.Counts()
	assert.Zero(t, completed)
	assert.Zero(t, failed)

	snap := task.Snapshot()
	assert.Nil(t, snap.StartedAt)
	assert.Nil(t, snap.EndedAt)
}

func TestProgressIsMonotonic(t *testing.T) {
	task := NewTask(TaskKey{ParentID: "p", ContentID: "c"}, "src", TaskKindSingleMedia)
	require.NoError(t, task.Transition(TaskStatusDownloading))

	task.SetProgress(0.6)
	task.SetProgress(0.3)
	assert.Equal(t, 0.6, task.Progress())

	task.SetProgress(2)
	assert.Equal(t, 1.0, task.Progress())
}

func TestBeginRunResetsItemCounters(t *testing.T) {
	task := NewTask(TaskKey{ParentID: "p", ContentID: "c"}, "src", TaskKindItemSet)
	task.Items = []FetchDescriptor{{Ordinal: 0}, {Ordinal: 1}}
	require.NoError(t, task.Transition(TaskStatusDownloading))

	task.ReportItem(true)
	task.ReportItem(false)

	// A fresh run re-reports every item; without the reset the counters
	// would exceed the item total and progress would pass 1.
	task.BeginRun()
	task.ReportItem(true)
	task.ReportItem(true)

	completed, failed := task.Counts()
	assert.Equal(t, 2, completed)
	assert.Zero(t, failed)
	assert.Equal(t, 1.0, task.Progress())
}

func TestSnapshotMarksRetryability(t *testing.T) {
	task := NewTask(TaskKey{ParentID: "p", ContentID: "e1"}, "src", TaskKindSingleMedia)
	require.NoError(t, task.Transition(TaskStatusDownloading))
	task.SetError(ErrTranscodeUnavailable)
	require.NoError(t, task.Transition(TaskStatusFailed))

	snap := task.Snapshot()
	assert.False(t, snap.Retryable, "transcode-unavailable tasks are online-only, not retryable")

	other := NewTask(TaskKey{ParentID: "p", ContentID: "e2"}, "src", TaskKindItemSet)
	require.NoError(t, other.Transition(TaskStatusDownloading))
	other.SetError(&ItemSetError{Completed: 0, Failed: 3, Total: 3})
	require.NoError(t, other.Transition(TaskStatusFailed))
	assert.True(t, other.Snapshot().Retryable)
}
