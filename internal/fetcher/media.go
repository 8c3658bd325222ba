package fetcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"offline-reader/internal/domain"
	"offline-reader/internal/transcode"
)

// MediaConfig configures the single-media execution strategy.
type MediaConfig struct {
	Transcoder *transcode.Client
	// PollInterval and PollTimeout bound the wait on a remote transcode
	// job. A task waiting on an external job must never be able to stall
	// the scheduler, so the timeout is mandatory.
	PollInterval time.Duration
	PollTimeout  time.Duration
	// SampleInterval is how often bytes-written progress is sampled while
	// streaming; the upstream offers no progress callback.
	SampleInterval time.Duration
	Client         *resty.Client
	Logger         *logrus.Logger
}

func (c *MediaConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Minute
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 500 * time.Millisecond
	}
	if c.Client == nil {
		c.Client = resty.New() // no client timeout: media streams are long-lived
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

// MediaFetcher produces one output artifact per task, either by streaming
// the media URL directly or by driving a remote transcode job to
// completion and downloading its product.
//
// Pausing a remote-transcode task abandons the in-flight job; resume
// submits a brand-new one. There is no resumable transcode protocol.
type MediaFetcher struct {
	cfg MediaConfig
}

func NewMediaFetcher(cfg MediaConfig) *MediaFetcher {
	cfg.applyDefaults()
	return &MediaFetcher{cfg: cfg}
}

func (f *MediaFetcher) Execute(ctx context.Context, task *domain.Task) error {
	if task.OutputPath == "" {
		return fmt.Errorf("task %s has no output path", task.Key)
	}
	if err := os.MkdirAll(filepath.Dir(task.OutputPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	// Idempotent skip: a non-empty artifact means a previous run finished.
	if fi, err := os.Stat(task.OutputPath); err == nil && fi.Size() > 0 {
		task.SetProgress(1)
		return nil
	}

	switch task.MediaKind {
	case domain.MediaKindRemoteTranscode:
		return f.executeTranscode(ctx, task)
	default:
		return f.stream(ctx, task, task.MediaURL)
	}
}

func (f *MediaFetcher) executeTranscode(ctx context.Context, task *domain.Task) error {
	if f.cfg.Transcoder == nil {
		return fmt.Errorf("%w: no transcoder configured", domain.ErrTranscodeUnavailable)
	}
	log := f.cfg.Logger.WithField("task", task.Key.String())

	job, err := f.cfg.Transcoder.Submit(ctx, task.MediaURL, uuid.NewString())
	if err != nil {
		return err
	}
	task.SetRemoteJobID(job.ID)
	log.Infof("transcode job %s submitted", job.ID)

	deadline := time.NewTimer(f.cfg.PollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: job %s did not finish within %s", domain.ErrTranscodeUnavailable, job.ID, f.cfg.PollTimeout)
		case <-ticker.C:
		}

		status, err := f.cfg.Transcoder.Status(ctx, job.ID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Transient poll errors are tolerated until the deadline.
			log.Warnf("poll job %s: %v", job.ID, err)
			continue
		}

		switch status.Status {
		case transcode.StatusFailed:
			return fmt.Errorf("%w: job %s failed: %s", domain.ErrTranscodeUnavailable, job.ID, status.Error)
		case transcode.StatusFinished:
			return f.stream(ctx, task, f.cfg.Transcoder.ArtifactURL(job.ID))
		default:
			// Transcode progress covers the conversion phase; the final
			// download then drives progress by bytes.
			task.SetProgress(status.Progress * 0.9)
		}
	}
}

// stream downloads url to the task's output path, sampling bytes written
// on a fixed interval to report progress.
func (f *MediaFetcher) stream(ctx context.Context, task *domain.Task, url string) error {
	resp, err := f.cfg.Client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return fmt.Errorf("fetch media: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return &domain.HTTPStatusError{URL: url, StatusCode: resp.StatusCode()}
	}

	total := resp.RawResponse.ContentLength
	tmp := task.OutputPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	var written atomic.Int64
	sampleDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(f.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sampleDone:
				return
			case <-ticker.C:
				task.SetBytes(written.Load(), total)
			}
		}
	}()

	_, copyErr := io.Copy(out, countReader{r: body, n: &written, ctx: ctx})
	close(sampleDone)
	if err := out.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return fmt.Errorf("stream media: %w", copyErr)
	}

	fi, err := os.Stat(tmp)
	if err != nil {
		return fmt.Errorf("verify output: %w", err)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("media download produced an empty file: %s", url)
	}
	if err := os.Rename(tmp, task.OutputPath); err != nil {
		return fmt.Errorf("finalize output: %w", err)
	}

	task.SetBytes(fi.Size(), fi.Size())
	task.SetProgress(1)
	return nil
}

// countReader counts bytes for the progress sampler and aborts the copy
// when the task context is cancelled.
type countReader struct {
	r   io.Reader
	n   *atomic.Int64
	ctx context.Context
}

func (c countReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
