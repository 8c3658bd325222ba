package source

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"offline-reader/internal/domain"
)

// CatalogConfig configures one catalog-backed adapter instance.
type CatalogConfig struct {
	// BaseURL of the source's catalog API; the adapter calls
	// {BaseURL}/resolve/{contentID}.
	BaseURL string
	Timeout time.Duration
	Logger  *logrus.Logger
}

// CatalogAdapter resolves content ids against an upstream catalog API. One
// instance per registered source.
type CatalogAdapter struct {
	client *resty.Client
	log    *logrus.Logger
}

func NewCatalogAdapter(cfg CatalogConfig) *CatalogAdapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)
	return &CatalogAdapter{client: client, log: cfg.Logger}
}

type catalogItem struct {
	Ordinal int    `json:"ordinal"`
	URL     string `json:"url"`
}

type catalogResponse struct {
	Items              []catalogItem     `json:"items"`
	Headers            map[string]string `json:"headers"`
	Referer            string            `json:"referer"`
	CookieBootstrapURL string            `json:"cookie_bootstrap_url"`
	MediaKind          string            `json:"media_kind"`
}

func (a *CatalogAdapter) Resolve(ctx context.Context, contentID string) (*Resolution, error) {
	var body catalogResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&body).
		SetPathParam("contentID", contentID).
		Get("/resolve/{contentID}")
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", contentID, err)
	}
	if resp.IsError() {
		return nil, &domain.HTTPStatusError{URL: resp.Request.URL, StatusCode: resp.StatusCode()}
	}
	if len(body.Items) == 0 {
		return nil, fmt.Errorf("resolve %s: catalog returned no items", contentID)
	}

	items := make([]domain.FetchDescriptor, len(body.Items))
	for i, it := range body.Items {
		items[i] = domain.FetchDescriptor{Ordinal: it.Ordinal, URL: it.URL}
	}
	a.log.WithField("content", contentID).Debugf("resolved %d items", len(items))

	return &Resolution{
		Items:              items,
		Headers:            body.Headers,
		Referer:            body.Referer,
		CookieBootstrapURL: body.CookieBootstrapURL,
		MediaKind:          domain.MediaKind(body.MediaKind),
	}, nil
}

var _ Adapter = (*CatalogAdapter)(nil)
