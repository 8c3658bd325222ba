package transcode

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"offline-reader/internal/domain"
)

// Job states reported by the transcoding collaborator.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusFinished   = "finished"
	StatusFailed     = "failed"
)

// Job is one remote conversion job.
type Job struct {
	ID       string  `json:"job_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
}

// Client talks to the external transcoding service. Submission and status
// failures are wrapped in domain.ErrTranscodeUnavailable so callers can
// present them as "online only" rather than as retryable faults.
type Client struct {
	http    *resty.Client
	baseURL string
	log     *logrus.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *logrus.Logger) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		http:    resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		baseURL: baseURL,
		log:     logger,
	}
}

type submitRequest struct {
	SourceURL string `json:"source_url"`
	TaskID    string `json:"task_id"`
}

// Submit registers a conversion job for the given source URL.
func (c *Client) Submit(ctx context.Context, sourceURL, taskID string) (*Job, error) {
	var job Job
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(submitRequest{SourceURL: sourceURL, TaskID: taskID}).
		SetResult(&job).
		Post("/convert")
	if err != nil {
		return nil, fmt.Errorf("%w: submit: %v", domain.ErrTranscodeUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: submit returned status %d", domain.ErrTranscodeUnavailable, resp.StatusCode())
	}
	if job.ID == "" {
		return nil, fmt.Errorf("%w: submit returned no job id", domain.ErrTranscodeUnavailable)
	}
	c.log.WithField("job", job.ID).Debug("transcode job submitted")
	return &job, nil
}

// Status fetches the current state of a job.
func (c *Client) Status(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&job).
		SetPathParam("jobID", jobID).
		Get("/convert/status/{jobID}")
	if err != nil {
		return nil, fmt.Errorf("poll job %s: %w", jobID, err)
	}
	if resp.IsError() {
		return nil, &domain.HTTPStatusError{URL: resp.Request.URL, StatusCode: resp.StatusCode()}
	}
	if job.ID == "" {
		job.ID = jobID
	}
	return &job, nil
}

// ArtifactURL is where the produced artifact of a finished job is served.
func (c *Client) ArtifactURL(jobID string) string {
	return c.baseURL + "/download/" + jobID
}
