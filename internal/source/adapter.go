package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"offline-reader/internal/domain"
)

// Resolution is the fetch metadata an adapter produces for one content id.
type Resolution struct {
	Items              []domain.FetchDescriptor
	Headers            map[string]string
	Referer            string
	CookieBootstrapURL string
	// MediaKind applies to single-media content only: direct-file when the
	// URL is fetchable as-is, remote-transcode when a conversion job is
	// needed first.
	MediaKind domain.MediaKind
}

// Adapter resolves a content identifier into a list of fetchable sub-items
// plus the metadata needed to fetch them. Pure data resolution: adapters
// perform the upstream catalog call and nothing else; retry policy lives
// with the fetchers.
type Adapter interface {
	Resolve(ctx context.Context, contentID string) (*Resolution, error)
}

// Registry maps source identifiers to adapters. Adding a source is a
// registration; the queue and fetchers never change per source.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(key string, adapter Adapter) {
	r.mu.Lock()
	r.adapters[key] = adapter
	r.mu.Unlock()
}

// Lookup returns the adapter for the given source key, or an error wrapping
// domain.ErrUnsupportedSource for unknown keys.
func (r *Registry) Lookup(key string) (Adapter, error) {
	r.mu.RLock()
	adapter, ok := r.adapters[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedSource, key)
	}
	return adapter, nil
}

func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
