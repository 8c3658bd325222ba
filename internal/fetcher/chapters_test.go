package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-reader/internal/domain"
	"offline-reader/internal/repository"
)

// memCheckpoints is an in-memory CheckpointStore for fetcher tests.
type memCheckpoints struct {
	mu    sync.Mutex
	byKey map[string]domain.ResumeCheckpoint
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{byKey: make(map[string]domain.ResumeCheckpoint)}
}

func (m *memCheckpoints) Init(context.Context) error { return nil }

func (m *memCheckpoints) SaveCheckpoint(_ context.Context, cp domain.ResumeCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey[cp.ParentID] = cp
	return nil
}

func (m *memCheckpoints) LoadCheckpoint(_ context.Context, parentID string) (*domain.ResumeCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.byKey[parentID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (m *memCheckpoints) ClearCheckpoint(_ context.Context, parentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byKey, parentID)
	return nil
}

func (m *memCheckpoints) ListCheckpoints(context.Context) ([]domain.ResumeCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ResumeCheckpoint, 0, len(m.byKey))
	for _, cp := range m.byKey {
		out = append(out, cp)
	}
	return out, nil
}

var _ repository.CheckpointStore = (*memCheckpoints)(nil)

func chapterTask(t *testing.T, baseURL string, paths []string) *domain.Task {
	t.Helper()
	task := domain.NewTask(domain.TaskKey{ParentID: "book-1", ContentID: "full"}, "src", domain.TaskKindChapterSet)
	task.ContentTitle = "The Book"
	task.Dir = t.TempDir()
	task.OutputPath = filepath.Join(task.Dir, "book-1.book")
	for i, p := range paths {
		task.Items = append(task.Items, domain.FetchDescriptor{Ordinal: i, URL: baseURL + p})
	}
	return task
}

func TestChapterSetMergesInOrdinalOrder(t *testing.T) {
	srv := itemServer(t, nil)
	task := chapterTask(t, srv.URL, []string{"/c0.txt", "/c1.txt", "/c2.txt"})

	checkpoints := newMemCheckpoints()
	f := NewChapterSetFetcher(ChapterConfig{
		ItemConfig:  ItemConfig{Attempts: 1, RetryDelay: time.Millisecond},
		Checkpoints: checkpoints,
	})
	require.NoError(t, f.Execute(context.Background(), task))

	data, err := os.ReadFile(task.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "image-bytes:/c0.txtimage-bytes:/c1.txtimage-bytes:/c2.txt", string(data))

	record, err := repository.ReadSidecar(task.Dir)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 3, record.TotalUnits)

	cp, err := checkpoints.LoadCheckpoint(context.Background(), "book-1")
	require.NoError(t, err)
	assert.Nil(t, cp, "finished books leave no checkpoint behind")
}

func TestChapterSetRequiresEveryUnit(t *testing.T) {
	srv := itemServer(t, nil)
	task := chapterTask(t, srv.URL, []string{"/c0.txt", "/bad1.txt", "/c2.txt"})

	checkpoints := newMemCheckpoints()
	f := NewChapterSetFetcher(ChapterConfig{
		ItemConfig:  ItemConfig{Attempts: 1, RetryDelay: time.Millisecond},
		Checkpoints: checkpoints,
	})
	err := f.Execute(context.Background(), task)

	var setErr *domain.ItemSetError
	require.ErrorAs(t, err, &setErr)
	assert.Equal(t, 2, setErr.Completed)

	_, statErr := os.Stat(task.OutputPath)
	assert.True(t, os.IsNotExist(statErr), "a partial book must not be merged")

	// Units 0 and 2 landed but the contiguous prefix stops at the hole.
	cp, err := checkpoints.LoadCheckpoint(context.Background(), "book-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 1, cp.CompletedUnitIndex)
	assert.Equal(t, 3, cp.TotalUnits)
}

func TestChapterSetResumeSkipsFetchedUnits(t *testing.T) {
	var hits atomic.Int64
	srv := itemServer(t, &hits)
	task := chapterTask(t, srv.URL, []string{"/c0.txt", "/c1.txt", "/c2.txt", "/c3.txt"})

	// Units 0 and 1 are already on disk from an interrupted earlier run.
	for _, item := range task.Items[:2] {
		require.NoError(t, os.WriteFile(ItemPath(task.Dir, item), []byte("unit"), 0o644))
	}

	checkpoints := newMemCheckpoints()
	require.NoError(t, checkpoints.SaveCheckpoint(context.Background(), domain.ResumeCheckpoint{
		ParentID: "book-1", CompletedUnitIndex: 2, TotalUnits: 4,
	}))

	f := NewChapterSetFetcher(ChapterConfig{
		ItemConfig:  ItemConfig{Attempts: 1, RetryDelay: time.Millisecond},
		Checkpoints: checkpoints,
	})
	require.NoError(t, f.Execute(context.Background(), task))
	assert.Equal(t, int64(2), hits.Load(), "resume refetches only the missing units")

	data, err := os.ReadFile(task.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "unitunitimage-bytes:/c2.txtimage-bytes:/c3.txt", string(data))
}
