package downloader

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"offline-reader/internal/domain"
	"offline-reader/internal/queue"
	"offline-reader/internal/repository"
	"offline-reader/internal/source"
)

// Manager is the facade the UI layer talks to for one medium. It resolves
// fetch metadata through the source registry, schedules work on its queue,
// persists completions, and fans state changes out to observers.
type Manager interface {
	Download(ctx context.Context, req Request) error
	Pause(key domain.TaskKey) error
	Resume(key domain.TaskKey) error
	Cancel(key domain.TaskKey) error
	Retry(key domain.TaskKey) error
	Snapshot() queue.Snapshot
	Subscribe(fn func(queue.Snapshot)) (unsubscribe func())
	SetMaxConcurrent(n int)
	Library(ctx context.Context) ([]domain.PersistedRecord, error)
	Delete(ctx context.Context, key domain.TaskKey) error
	PendingResumes(ctx context.Context) ([]domain.ResumeCheckpoint, error)
	Shutdown()
}

// Request asks for one content unit to be downloaded.
type Request struct {
	Source       string
	ParentID     string
	ContentID    string
	ParentTitle  string
	ContentTitle string
}

type Config struct {
	Medium        domain.Medium
	DataRoot      string
	MaxConcurrent int
	Logger        *logrus.Logger
}

type manager struct {
	cfg         Config
	adapters    *source.Registry
	completions repository.CompletionStore
	checkpoints repository.CheckpointStore
	queue       *queue.Queue
	log         *logrus.Logger

	mu        sync.Mutex
	observers map[int64]func(queue.Snapshot)
	nextObsID int64
}

// NewManager wires a per-medium manager. checkpoints may be nil for media
// whose tasks are not resumable multi-unit downloads.
func NewManager(cfg Config, adapters *source.Registry, completions repository.CompletionStore, checkpoints repository.CheckpointStore, exec queue.Executor) Manager {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	m := &manager{
		cfg:         cfg,
		adapters:    adapters,
		completions: completions,
		checkpoints: checkpoints,
		log:         cfg.Logger,
		observers:   make(map[int64]func(queue.Snapshot)),
	}
	m.queue = queue.New(exec, queue.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		Logger:        cfg.Logger,
		OnComplete:    m.persistCompletion,
		OnChange:      m.notify,
	})
	return m
}

// Download resolves the request through its source adapter and enqueues a
// task. A key already present in the completion registry returns
// domain.ErrAlreadyDownloaded without any network call; callers should
// treat that as a success no-op.
func (m *manager) Download(ctx context.Context, req Request) error {
	key := domain.TaskKey{ParentID: req.ParentID, ContentID: req.ContentID}

	done, err := m.completions.IsCompleted(ctx, key)
	if err != nil {
		return fmt.Errorf("check completion: %w", err)
	}
	if done {
		return domain.ErrAlreadyDownloaded
	}

	adapter, err := m.adapters.Lookup(req.Source)
	if err != nil {
		return err
	}
	res, err := adapter.Resolve(ctx, req.ContentID)
	if err != nil {
		return fmt.Errorf("resolve %s via %s: %w", req.ContentID, req.Source, err)
	}
	if len(res.Items) == 0 {
		return fmt.Errorf("resolve %s via %s: adapter returned no items", req.ContentID, req.Source)
	}

	task := m.buildTask(key, req, res)
	if err := m.queue.Enqueue(task); err != nil {
		return err
	}
	m.log.WithField("task", key.String()).Infof("%s download enqueued (%d items)", m.cfg.Medium, len(task.Items))
	return nil
}

func (m *manager) buildTask(key domain.TaskKey, req Request, res *source.Resolution) *domain.Task {
	task := domain.NewTask(key, req.Source, kindForMedium(m.cfg.Medium))
	task.ParentTitle = req.ParentTitle
	task.ContentTitle = req.ContentTitle
	task.Headers = res.Headers
	task.Referer = res.Referer
	task.CookieBootstrapURL = res.CookieBootstrapURL
	task.Dir = filepath.Join(m.cfg.DataRoot, key.ParentID, key.ContentID)

	items := make([]domain.FetchDescriptor, len(res.Items))
	copy(items, res.Items)
	sort.Slice(items, func(i, j int) bool { return items[i].Ordinal < items[j].Ordinal })
	task.Items = items

	switch task.Kind {
	case domain.TaskKindSingleMedia:
		task.MediaURL = items[0].URL
		task.MediaKind = res.MediaKind
		if task.MediaKind == "" {
			task.MediaKind = domain.MediaKindDirectFile
		}
		task.OutputPath = filepath.Join(task.Dir, key.ContentID+".mp4")
	case domain.TaskKindChapterSet:
		task.OutputPath = filepath.Join(m.cfg.DataRoot, key.ParentID, key.ParentID+".book")
	}
	return task
}

func kindForMedium(medium domain.Medium) domain.TaskKind {
	switch medium {
	case domain.MediumVideo:
		return domain.TaskKindSingleMedia
	case domain.MediumBook:
		return domain.TaskKindChapterSet
	default:
		return domain.TaskKindItemSet
	}
}

func (m *manager) Pause(key domain.TaskKey) error  { return m.queue.Pause(key) }
func (m *manager) Cancel(key domain.TaskKey) error { return m.queue.Cancel(key) }
func (m *manager) Retry(key domain.TaskKey) error  { return m.queue.Retry(key) }

// Resume re-admits a paused task. For remote-transcode tasks resume means
// restart: the abandoned job is not continued, a new one is submitted,
// since the transcoder offers no resumable protocol.
func (m *manager) Resume(key domain.TaskKey) error { return m.queue.Resume(key) }

func (m *manager) Snapshot() queue.Snapshot { return m.queue.Snapshot() }

// Subscribe registers an observer. Every state change delivers a full
// snapshot; snapshots are copies, never internal references.
func (m *manager) Subscribe(fn func(queue.Snapshot)) func() {
	m.mu.Lock()
	id := m.nextObsID
	m.nextObsID++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

func (m *manager) SetMaxConcurrent(n int) { m.queue.SetMaxConcurrent(n) }

func (m *manager) Library(ctx context.Context) ([]domain.PersistedRecord, error) {
	return m.completions.ListCompleted(ctx)
}

func (m *manager) Delete(ctx context.Context, key domain.TaskKey) error {
	return m.completions.DeleteCompletion(ctx, key)
}

// PendingResumes lists checkpoints for book downloads interrupted
// mid-flight. Callers may simply re-request those downloads; already
// fetched units are skipped.
func (m *manager) PendingResumes(ctx context.Context) ([]domain.ResumeCheckpoint, error) {
	if m.checkpoints == nil {
		return nil, nil
	}
	return m.checkpoints.ListCheckpoints(ctx)
}

func (m *manager) Shutdown() {
	m.queue.Shutdown()
	m.log.Infof("%s download manager stopped", m.cfg.Medium)
}

// persistCompletion runs after the executor has written its sidecar, so the
// registry row lands second and stays the source of truth.
func (m *manager) persistCompletion(task *domain.Task) {
	totalUnits := len(task.Items)
	if totalUnits == 0 {
		totalUnits = 1
	}
	completedAt := time.Now()
	if snap := task.Snapshot(); snap.EndedAt != nil {
		completedAt = *snap.EndedAt
	}
	record := domain.PersistedRecord{
		ParentID:    task.Key.ParentID,
		ContentID:   task.Key.ContentID,
		Title:       task.ContentTitle,
		TotalUnits:  totalUnits,
		CompletedAt: completedAt.UTC(),
	}

	if err := m.completions.RecordCompletion(context.Background(), record); err != nil {
		m.log.WithField("task", task.Key.String()).Errorf("record completion: %v", err)
	}
}

func (m *manager) notify() {
	snap := m.queue.Snapshot()

	m.mu.Lock()
	fns := make([]func(queue.Snapshot), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

var _ Manager = (*manager)(nil)
