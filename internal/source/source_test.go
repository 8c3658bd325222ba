package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-reader/internal/domain"
)

func TestRegistryUnknownSource(t *testing.T) {
	reg := NewRegistry()
	reg.Register("picomics", NewCatalogAdapter(CatalogConfig{BaseURL: "http://example.invalid"}))

	_, err := reg.Lookup("nope")
	assert.ErrorIs(t, err, domain.ErrUnsupportedSource)

	adapter, err := reg.Lookup("picomics")
	require.NoError(t, err)
	assert.NotNil(t, adapter)
	assert.Equal(t, []string{"picomics"}, reg.Keys())
}

func TestCatalogAdapterResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/resolve/ch-12", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"items": [
				{"ordinal": 1, "url": "http://cdn.example/p1.jpg"},
				{"ordinal": 0, "url": "http://cdn.example/p0.jpg"}
			],
			"headers": {"X-App": "reader"},
			"referer": "http://site.example/ch-12",
			"cookie_bootstrap_url": "http://site.example/",
			"media_kind": "direct-file"
		}`))
	}))
	defer srv.Close()

	adapter := NewCatalogAdapter(CatalogConfig{BaseURL: srv.URL})
	res, err := adapter.Resolve(context.Background(), "ch-12")
	require.NoError(t, err)

	assert.Len(t, res.Items, 2)
	assert.Equal(t, "http://site.example/ch-12", res.Referer)
	assert.Equal(t, "reader", res.Headers["X-App"])
	assert.Equal(t, domain.MediaKindDirectFile, res.MediaKind)
}

func TestCatalogAdapterUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	adapter := NewCatalogAdapter(CatalogConfig{BaseURL: srv.URL})
	_, err := adapter.Resolve(context.Background(), "ch-1")
	var statusErr *domain.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
}

func TestCatalogAdapterEmptyItemList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items": []}`))
	}))
	defer srv.Close()

	adapter := NewCatalogAdapter(CatalogConfig{BaseURL: srv.URL})
	_, err := adapter.Resolve(context.Background(), "ch-1")
	assert.Error(t, err)
}

func TestCookieCacheBootstrapsOncePerTTL(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc123"})
	}))
	defer srv.Close()

	cache := NewCookieCache(time.Minute, nil)
	ctx := context.Background()

	got := cache.Get(ctx, "picomics", srv.URL)
	assert.Equal(t, "session=abc123", got)
	assert.Equal(t, cache.Get(ctx, "picomics", srv.URL), got)
	assert.Equal(t, int64(1), hits.Load(), "second Get must be served from cache")

	cache.Invalidate("picomics")
	_ = cache.Get(ctx, "picomics", srv.URL)
	assert.Equal(t, int64(2), hits.Load())
}

func TestCookieCacheExpiry(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "s", Value: "v"})
	}))
	defer srv.Close()

	cache := NewCookieCache(10*time.Millisecond, nil)
	ctx := context.Background()

	_ = cache.Get(ctx, "src", srv.URL)
	time.Sleep(20 * time.Millisecond)
	_ = cache.Get(ctx, "src", srv.URL)
	assert.Equal(t, int64(2), hits.Load())
}

func TestCookieCacheDegradesOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // bootstrap target is unreachable

	cache := NewCookieCache(time.Minute, nil)
	got := cache.Get(context.Background(), "src", srv.URL)
	assert.Empty(t, got, "bootstrap failure degrades to fetching without auth")
}
