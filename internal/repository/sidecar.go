package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"offline-reader/internal/domain"
)

// SidecarName is the metadata file written alongside a completed download's
// files. It mirrors the registry row so on-disk completeness can be
// validated, and the registry rebuilt, independently of the database.
const SidecarName = ".completed.json"

// WriteSidecar stores the completion record in the task directory. The
// write goes through a temp file and a rename; the sidecar lands before the
// registry row, so a crash between the two leaves a rebuildable state.
func WriteSidecar(dir string, record domain.PersistedRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	tmp := filepath.Join(dir, SidecarName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, SidecarName)); err != nil {
		return fmt.Errorf("finalize sidecar: %w", err)
	}
	return nil
}

// ReadSidecar loads the completion record from a task directory, or nil
// when none exists.
func ReadSidecar(dir string) (*domain.PersistedRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, SidecarName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sidecar: %w", err)
	}
	var record domain.PersistedRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode sidecar %s: %w", dir, err)
	}
	return &record, nil
}

// RebuildFromSidecars scans the destination tree (root/parentID/contentID)
// for sidecar files and re-inserts any completion rows the registry is
// missing. Returns how many rows were restored.
func RebuildFromSidecars(ctx context.Context, root string, store CompletionStore, log *logrus.Logger) (int, error) {
	parents, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scan destination root: %w", err)
	}

	restored := 0
	for _, parent := range parents {
		if !parent.IsDir() {
			continue
		}
		children, err := os.ReadDir(filepath.Join(root, parent.Name()))
		if err != nil {
			continue
		}
		for _, child := range children {
			if !child.IsDir() {
				continue
			}
			dir := filepath.Join(root, parent.Name(), child.Name())
			record, err := ReadSidecar(dir)
			if err != nil {
				log.Warnf("skip sidecar in %s: %v", dir, err)
				continue
			}
			if record == nil {
				continue
			}
			key := domain.TaskKey{ParentID: record.ParentID, ContentID: record.ContentID}
			done, err := store.IsCompleted(ctx, key)
			if err != nil {
				return restored, err
			}
			if done {
				continue
			}
			if err := store.RecordCompletion(ctx, *record); err != nil {
				return restored, err
			}
			restored++
		}
	}
	return restored, nil
}
