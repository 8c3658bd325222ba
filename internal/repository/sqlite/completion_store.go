package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"offline-reader/internal/domain"
	"offline-reader/internal/repository"
)

const createCompletionsTable = `
CREATE TABLE IF NOT EXISTS completions (
	parent_id TEXT NOT NULL,
	content_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	total_units INTEGER NOT NULL DEFAULT 0,
	completed_at DATETIME NOT NULL,
	PRIMARY KEY (parent_id, content_id)
);
`

// CompletionStore is the sqlite-backed registry of completed downloads.
type CompletionStore struct {
	db *sql.DB
}

func NewCompletionStore(db *sql.DB) repository.CompletionStore {
	return &CompletionStore{db: db}
}

func (s *CompletionStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createCompletionsTable); err != nil {
		return fmt.Errorf("create completions table: %w", err)
	}
	return nil
}

func (s *CompletionStore) IsCompleted(ctx context.Context, key domain.TaskKey) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM completions WHERE parent_id = ? AND content_id = ?`,
		key.ParentID, key.ContentID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query completion: %w", err)
	}
	return true, nil
}

func (s *CompletionStore) RecordCompletion(ctx context.Context, record domain.PersistedRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO completions (parent_id, content_id, title, total_units, completed_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (parent_id, content_id) DO UPDATE SET
	title = excluded.title,
	total_units = excluded.total_units,
	completed_at = excluded.completed_at`,
		record.ParentID,
		record.ContentID,
		record.Title,
		record.TotalUnits,
		record.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert completion: %w", err)
	}
	return nil
}

func (s *CompletionStore) DeleteCompletion(ctx context.Context, key domain.TaskKey) error {
	if _, err := s.db.ExecContext(ctx, `
DELETE FROM completions WHERE parent_id = ? AND content_id = ?`,
		key.ParentID, key.ContentID,
	); err != nil {
		return fmt.Errorf("delete completion: %w", err)
	}
	return nil
}

func (s *CompletionStore) ListCompleted(ctx context.Context) ([]domain.PersistedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT parent_id, content_id, title, total_units, completed_at
FROM completions
ORDER BY completed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	defer rows.Close()

	var records []domain.PersistedRecord
	for rows.Next() {
		var r domain.PersistedRecord
		if err := rows.Scan(&r.ParentID, &r.ContentID, &r.Title, &r.TotalUnits, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completions: %w", err)
	}
	return records, nil
}
