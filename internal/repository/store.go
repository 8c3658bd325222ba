package repository

import (
	"context"

	"offline-reader/internal/domain"
)

// CompletionStore is the durable registry of completed downloads. The
// registry row is the single source of truth for "is this done"; sidecar
// files exist so a lost registry can be rebuilt from disk.
type CompletionStore interface {
	Init(ctx context.Context) error
	IsCompleted(ctx context.Context, key domain.TaskKey) (bool, error)
	RecordCompletion(ctx context.Context, record domain.PersistedRecord) error
	DeleteCompletion(ctx context.Context, key domain.TaskKey) error
	ListCompleted(ctx context.Context) ([]domain.PersistedRecord, error)
}

// CheckpointStore persists resume checkpoints for multi-unit downloads, one
// per parent id.
type CheckpointStore interface {
	Init(ctx context.Context) error
	SaveCheckpoint(ctx context.Context, cp domain.ResumeCheckpoint) error
	// LoadCheckpoint returns nil when no checkpoint exists.
	LoadCheckpoint(ctx context.Context, parentID string) (*domain.ResumeCheckpoint, error)
	ClearCheckpoint(ctx context.Context, parentID string) error
	ListCheckpoints(ctx context.Context) ([]domain.ResumeCheckpoint, error)
}

// UserRepository stores API users.
type UserRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, user *domain.User) (int64, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetByID(ctx context.Context, id int64) (*domain.User, error)
}
