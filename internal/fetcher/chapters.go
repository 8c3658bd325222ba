package fetcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"offline-reader/internal/domain"
	"offline-reader/internal/repository"
)

// ChapterConfig configures the resumable chapter-set strategy. The embedded
// ItemConfig drives the per-unit fetches; Checkpoints persists the strict
// completed-prefix index after every unit.
type ChapterConfig struct {
	ItemConfig
	Checkpoints repository.CheckpointStore
}

// ChapterSetFetcher downloads a whole-book chapter set. Unit fetches run
// unordered under the item fan-out, but the resume checkpoint and the final
// merge are computed strictly by ordinal: a checkpoint of k means units
// [0,k) are contiguously done, regardless of what later units did.
type ChapterSetFetcher struct {
	items       *ItemFetcher
	checkpoints repository.CheckpointStore
	log         *logrus.Logger
}

func NewChapterSetFetcher(cfg ChapterConfig) *ChapterSetFetcher {
	cfg.ItemConfig.applyDefaults()
	return &ChapterSetFetcher{
		items:       NewItemFetcher(cfg.ItemConfig),
		checkpoints: cfg.Checkpoints,
		log:         cfg.ItemConfig.Logger,
	}
}

func (f *ChapterSetFetcher) Execute(ctx context.Context, task *domain.Task) error {
	total := len(task.Items)
	if total == 0 {
		return fmt.Errorf("task %s has no chapters to fetch", task.Key)
	}
	if task.OutputPath == "" {
		return fmt.Errorf("task %s has no output path", task.Key)
	}
	if err := os.MkdirAll(task.Dir, 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	task.BeginRun()

	log := f.log.WithField("task", task.Key.String())
	if cp, err := f.checkpoints.LoadCheckpoint(ctx, task.Key.ParentID); err == nil && cp != nil {
		log.Infof("resuming after unit %d/%d", cp.CompletedUnitIndex, cp.TotalUnits)
	}

	cookie := ""
	if f.items.cfg.Cookies != nil {
		cookie = f.items.cfg.Cookies.Get(ctx, task.Source, task.CookieBootstrapURL)
	}

	// Track the contiguous completed prefix by position in the
	// ordinal-sorted item list. Fetches finish in any order; the
	// checkpoint only advances over an unbroken run from the start.
	var (
		mu       sync.Mutex
		done     = make(map[int]bool, total)
		prefix   int
		ordinals = make(map[int]int, total)
	)
	for pos, item := range task.Items {
		ordinals[item.Ordinal] = pos
	}

	f.items.runFanOut(ctx, task, cookie, func(ordinal int) {
		mu.Lock()
		done[ordinals[ordinal]] = true
		advanced := false
		for done[prefix] {
			prefix++
			advanced = true
		}
		cp := domain.ResumeCheckpoint{
			ParentID:           task.Key.ParentID,
			CompletedUnitIndex: prefix,
			TotalUnits:         total,
		}
		mu.Unlock()

		if !advanced {
			return
		}
		if err := f.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
			log.Warnf("save checkpoint: %v", err)
		}
	})

	if err := ctx.Err(); err != nil {
		return err
	}

	completed, failed := task.Counts()
	if completed < total {
		// A book merged with missing chapters is a corrupt artifact, so
		// chapter sets demand the full set rather than the lenient
		// item-set threshold.
		return &domain.ItemSetError{Completed: completed, Failed: failed, Total: total}
	}

	if err := f.merge(task); err != nil {
		return err
	}

	record := domain.PersistedRecord{
		ParentID:    task.Key.ParentID,
		ContentID:   task.Key.ContentID,
		Title:       task.ContentTitle,
		TotalUnits:  total,
		CompletedAt: time.Now(),
	}
	if err := repository.WriteSidecar(task.Dir, record); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := f.checkpoints.ClearCheckpoint(ctx, task.Key.ParentID); err != nil {
		log.Warnf("clear checkpoint: %v", err)
	}
	return nil
}

// merge concatenates unit files in ordinal order into the final artifact.
func (f *ChapterSetFetcher) merge(task *domain.Task) error {
	tmp := task.OutputPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}

	for _, item := range task.Items {
		unit, err := os.Open(ItemPath(task.Dir, item))
		if err != nil {
			_ = out.Close()
			return fmt.Errorf("open unit %d: %w", item.Ordinal, err)
		}
		_, err = io.Copy(out, unit)
		_ = unit.Close()
		if err != nil {
			_ = out.Close()
			return fmt.Errorf("merge unit %d: %w", item.Ordinal, err)
		}
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp, task.OutputPath); err != nil {
		return fmt.Errorf("finalize artifact: %w", err)
	}
	return nil
}
