package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"offline-reader/internal/domain"
	"offline-reader/internal/repository"
)

const createCheckpointsTable = `
CREATE TABLE IF NOT EXISTS checkpoints (
	parent_id TEXT PRIMARY KEY,
	completed_unit_index INTEGER NOT NULL DEFAULT 0,
	total_units INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL
);
`

// CheckpointStore persists resume checkpoints for whole-book downloads.
type CheckpointStore struct {
	db *sql.DB
}

func NewCheckpointStore(db *sql.DB) repository.CheckpointStore {
	return &CheckpointStore{db: db}
}

func (s *CheckpointStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createCheckpointsTable); err != nil {
		return fmt.Errorf("create checkpoints table: %w", err)
	}
	return nil
}

func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, cp domain.ResumeCheckpoint) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO checkpoints (parent_id, completed_unit_index, total_units, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (parent_id) DO UPDATE SET
	completed_unit_index = excluded.completed_unit_index,
	total_units = excluded.total_units,
	updated_at = excluded.updated_at`,
		cp.ParentID,
		cp.CompletedUnitIndex,
		cp.TotalUnits,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *CheckpointStore) LoadCheckpoint(ctx context.Context, parentID string) (*domain.ResumeCheckpoint, error) {
	var cp domain.ResumeCheckpoint
	err := s.db.QueryRowContext(ctx, `
SELECT parent_id, completed_unit_index, total_units
FROM checkpoints
WHERE parent_id = ?`,
		parentID,
	).Scan(&cp.ParentID, &cp.CompletedUnitIndex, &cp.TotalUnits)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *CheckpointStore) ClearCheckpoint(ctx context.Context, parentID string) error {
	if _, err := s.db.ExecContext(ctx, `
DELETE FROM checkpoints WHERE parent_id = ?`,
		parentID,
	); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}

func (s *CheckpointStore) ListCheckpoints(ctx context.Context) ([]domain.ResumeCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT parent_id, completed_unit_index, total_units
FROM checkpoints
ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []domain.ResumeCheckpoint
	for rows.Next() {
		var cp domain.ResumeCheckpoint
		if err := rows.Scan(&cp.ParentID, &cp.CompletedUnitIndex, &cp.TotalUnits); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return cps, nil
}
