package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-reader/internal/domain"
)

type memCompletions struct {
	rows map[domain.TaskKey]domain.PersistedRecord
}

func newMemCompletions() *memCompletions {
	return &memCompletions{rows: make(map[domain.TaskKey]domain.PersistedRecord)}
}

func (m *memCompletions) Init(context.Context) error { return nil }

func (m *memCompletions) IsCompleted(_ context.Context, key domain.TaskKey) (bool, error) {
	_, ok := m.rows[key]
	return ok, nil
}

func (m *memCompletions) RecordCompletion(_ context.Context, record domain.PersistedRecord) error {
	m.rows[domain.TaskKey{ParentID: record.ParentID, ContentID: record.ContentID}] = record
	return nil
}

func (m *memCompletions) DeleteCompletion(_ context.Context, key domain.TaskKey) error {
	delete(m.rows, key)
	return nil
}

func (m *memCompletions) ListCompleted(context.Context) ([]domain.PersistedRecord, error) {
	out := make([]domain.PersistedRecord, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	return out, nil
}

var _ CompletionStore = (*memCompletions)(nil)

func TestSidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()

	record, err := ReadSidecar(dir)
	require.NoError(t, err)
	assert.Nil(t, record, "missing sidecar reads as nil")

	want := domain.PersistedRecord{
		ParentID:    "comic-1",
		ContentID:   "ch-2",
		Title:       "Chapter Two",
		TotalUnits:  18,
		CompletedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, WriteSidecar(dir, want))

	record, err = ReadSidecar(dir)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, want, *record)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp file left behind")
	assert.Equal(t, SidecarName, entries[0].Name())
}

func TestRebuildFromSidecars(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	store := newMemCompletions()

	writeDownload := func(parent, content string) {
		dir := filepath.Join(root, parent, content)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, WriteSidecar(dir, domain.PersistedRecord{
			ParentID: parent, ContentID: content, TotalUnits: 5, CompletedAt: time.Now(),
		}))
	}
	writeDownload("comic-1", "ch-1")
	writeDownload("comic-1", "ch-2")
	writeDownload("comic-2", "ch-1")

	// One row already in the registry; a dir without a sidecar is an
	// unfinished download and must be ignored.
	require.NoError(t, store.RecordCompletion(ctx, domain.PersistedRecord{
		ParentID: "comic-1", ContentID: "ch-1",
	}))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "comic-2", "ch-9"), 0o755))

	restored, err := RebuildFromSidecars(ctx, root, store, logrus.New())
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	for _, key := range []domain.TaskKey{
		{ParentID: "comic-1", ContentID: "ch-2"},
		{ParentID: "comic-2", ContentID: "ch-1"},
	} {
		done, err := store.IsCompleted(ctx, key)
		require.NoError(t, err)
		assert.True(t, done, "%s restored from its sidecar", key)
	}
}

func TestRebuildFromSidecarsMissingRoot(t *testing.T) {
	restored, err := RebuildFromSidecars(context.Background(), filepath.Join(t.TempDir(), "absent"), newMemCompletions(), logrus.New())
	require.NoError(t, err)
	assert.Zero(t, restored)
}
