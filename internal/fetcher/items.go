package fetcher

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"offline-reader/internal/domain"
	"offline-reader/internal/repository"
	"offline-reader/internal/source"
)

// ItemConfig configures the item-set execution strategy.
type ItemConfig struct {
	// FanOut bounds concurrent sub-item fetches within one task,
	// independently of the queue's task-level ceiling.
	FanOut int
	// Attempts bounds per-item fetch attempts; RetryDelay is the base of
	// the linear backoff between them.
	Attempts   uint
	RetryDelay time.Duration
	// CompletionThreshold is the minimum number of fetched sub-items for
	// the task to count as Completed. The historical default of 1 is
	// lenient on purpose; raise it to require a fuller set.
	CompletionThreshold int
	Cookies             *source.CookieCache
	Client              *resty.Client
	Logger              *logrus.Logger
}

func (c *ItemConfig) applyDefaults() {
	if c.FanOut <= 0 {
		c.FanOut = 4
	}
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.CompletionThreshold <= 0 {
		c.CompletionThreshold = 1
	}
	if c.Client == nil {
		c.Client = resty.New().SetTimeout(30 * time.Second)
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

// ItemFetcher downloads an item-set task's sub-items under a bounded
// fan-out. A shared cursor hands the next ordinal to whichever worker is
// free, so completion order is unordered; per-item failures are absorbed
// into the task's counters and never abort sibling items.
type ItemFetcher struct {
	cfg ItemConfig
}

func NewItemFetcher(cfg ItemConfig) *ItemFetcher {
	cfg.applyDefaults()
	return &ItemFetcher{cfg: cfg}
}

func (f *ItemFetcher) Execute(ctx context.Context, task *domain.Task) error {
	if len(task.Items) == 0 {
		return fmt.Errorf("task %s has no items to fetch", task.Key)
	}
	if err := os.MkdirAll(task.Dir, 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	task.BeginRun()

	cookie := ""
	if f.cfg.Cookies != nil {
		cookie = f.cfg.Cookies.Get(ctx, task.Source, task.CookieBootstrapURL)
	}

	f.runFanOut(ctx, task, cookie, nil)

	if err := ctx.Err(); err != nil {
		return err
	}

	completed, failed := task.Counts()
	if completed < f.cfg.CompletionThreshold {
		return &domain.ItemSetError{Completed: completed, Failed: failed, Total: len(task.Items)}
	}

	record := domain.PersistedRecord{
		ParentID:    task.Key.ParentID,
		ContentID:   task.Key.ContentID,
		Title:       task.ContentTitle,
		TotalUnits:  len(task.Items),
		CompletedAt: time.Now(),
	}
	if err := repository.WriteSidecar(task.Dir, record); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}

// runFanOut drives min(fanOut, len(items)) workers over the shared cursor.
// onFetched, when non-nil, observes each successfully stored ordinal.
func (f *ItemFetcher) runFanOut(ctx context.Context, task *domain.Task, cookie string, onFetched func(ordinal int)) {
	var cursor atomic.Int64
	cursor.Store(-1)

	workers := f.cfg.FanOut
	if n := len(task.Items); workers > n {
		workers = n
	}

	log := f.cfg.Logger.WithField("task", task.Key.String())

	var group errgroup.Group
	for w := 0; w < workers; w++ {
		group.Go(func() error {
			for {
				if ctx.Err() != nil {
					return nil
				}
				i := int(cursor.Add(1))
				if i >= len(task.Items) {
					return nil
				}
				item := task.Items[i]
				err := f.fetchItem(ctx, task, item, cookie)
				if err != nil && ctx.Err() != nil {
					// Aborted mid-fetch by pause or cancel; not a failure.
					return nil
				}
				task.ReportItem(err == nil)
				if err != nil {
					log.Warnf("item %d failed: %v", item.Ordinal, err)
					continue
				}
				if onFetched != nil {
					onFetched(item.Ordinal)
				}
			}
		})
	}
	// Workers absorb per-item errors into the task counters; the group
	// only synchronizes completion.
	_ = group.Wait()
}

// fetchItem stores one sub-item at its ordinal-derived path. An existing
// non-empty file counts as already fetched and costs no network call.
func (f *ItemFetcher) fetchItem(ctx context.Context, task *domain.Task, item domain.FetchDescriptor, cookie string) error {
	dest := ItemPath(task.Dir, item)
	if fi, err := os.Stat(dest); err == nil && fi.Size() > 0 {
		return nil
	}

	return retry.Do(
		func() error {
			req := f.cfg.Client.R().SetContext(ctx).SetHeaders(task.Headers)
			if task.Referer != "" {
				req.SetHeader("Referer", task.Referer)
			}
			if cookie != "" {
				req.SetHeader("Cookie", cookie)
			}

			resp, err := req.Get(item.URL)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", item.URL, err)
			}
			if resp.IsError() {
				return &domain.HTTPStatusError{URL: item.URL, StatusCode: resp.StatusCode()}
			}
			body := resp.Body()
			if len(body) == 0 {
				return fmt.Errorf("fetch %s: empty response body", item.URL)
			}
			return writeFileAtomic(dest, body)
		},
		retry.Attempts(f.cfg.Attempts),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.DelayType(linearDelay(f.cfg.RetryDelay)),
	)
}

// linearDelay grows the wait linearly with the attempt number.
func linearDelay(base time.Duration) retry.DelayTypeFunc {
	return func(n uint, _ error, _ *retry.Config) time.Duration {
		return time.Duration(n+1) * base
	}
}

// ItemPath is the ordinal-derived destination for one sub-item. The
// original extension is kept when the URL carries one.
func ItemPath(dir string, item domain.FetchDescriptor) string {
	ext := path.Ext(strings.SplitN(path.Base(item.URL), "?", 2)[0])
	if ext == "" || len(ext) > 8 {
		ext = ".bin"
	}
	return filepath.Join(dir, fmt.Sprintf("%04d%s", item.Ordinal, ext))
}

// writeFileAtomic writes through a temp file and renames, so a crashed
// write never leaves a truncated file that the skip check would trust.
func writeFileAtomic(dest string, data []byte) error {
	tmp := dest + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("rename %s: %w", dest, err)
	}
	return nil
}
