package source

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// DefaultCookieTTL bounds how long a bootstrapped session cookie is reused
// before a fresh bootstrap visit.
const DefaultCookieTTL = 5 * time.Minute

type cookieEntry struct {
	value     string
	expiresAt time.Time
}

// CookieCache caches one authentication cookie string per source, refreshed
// lazily by visiting the source's bootstrap URL when the cached entry has
// expired. Safe for concurrent use.
type CookieCache struct {
	client *resty.Client
	ttl    time.Duration
	log    *logrus.Logger

	mu      sync.RWMutex
	entries map[string]cookieEntry
}

func NewCookieCache(ttl time.Duration, logger *logrus.Logger) *CookieCache {
	if ttl <= 0 {
		ttl = DefaultCookieTTL
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CookieCache{
		client:  resty.New().SetTimeout(10 * time.Second),
		ttl:     ttl,
		log:     logger,
		entries: make(map[string]cookieEntry),
	}
}

// Get returns the cached cookie string for the source, bootstrapping a new
// one when missing or expired. A failed bootstrap is not fatal: it returns
// an empty string and the item fetch proceeds unauthenticated.
func (c *CookieCache) Get(ctx context.Context, sourceKey, bootstrapURL string) string {
	if bootstrapURL == "" {
		return ""
	}

	c.mu.RLock()
	entry, ok := c.entries[sourceKey]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.value
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have refreshed while we waited for the lock.
	if entry, ok := c.entries[sourceKey]; ok && time.Now().Before(entry.expiresAt) {
		return entry.value
	}

	resp, err := c.client.R().SetContext(ctx).Get(bootstrapURL)
	if err != nil {
		c.log.WithField("source", sourceKey).Warnf("cookie bootstrap failed: %v", err)
		return ""
	}

	pairs := make([]string, 0, len(resp.Cookies()))
	for _, ck := range resp.Cookies() {
		pairs = append(pairs, ck.Name+"="+ck.Value)
	}
	value := strings.Join(pairs, "; ")

	c.entries[sourceKey] = cookieEntry{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.log.WithField("source", sourceKey).Debugf("bootstrapped %d cookies", len(pairs))
	return value
}

// Invalidate drops the cached entry for a source, forcing the next Get to
// bootstrap again.
func (c *CookieCache) Invalidate(sourceKey string) {
	c.mu.Lock()
	delete(c.entries, sourceKey)
	c.mu.Unlock()
}
