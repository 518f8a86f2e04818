// Package options resolves optionsSource keys to option lists.
package options

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/offerdesk/model"
)

// Source produces the options for a key. found=false lets the provider try
// the next source.
type Source interface {
	Options(ctx context.Context, tenantID, key string) (opts []model.Option, found bool, err error)
}

// StaticSource serves fixed option lists, typically seeded from a schema's
// optionSources section.
type StaticSource map[string][]model.Option

// Options implements Source.
func (s StaticSource) Options(_ context.Context, _, key string) ([]model.Option, bool, error) {
	opts, ok := s[key]
	return opts, ok, nil
}

// CacheObserver is told about every cache lookup.
type CacheObserver interface {
	OptionCacheHit(source string)
	OptionCacheMiss(source string)
}

type nopObserver struct{}

func (nopObserver) OptionCacheHit(string)  {}
func (nopObserver) OptionCacheMiss(string) {}

// Provider resolves keys through its sources and caches results per tenant.
type Provider struct {
	sources    []Source
	ttl        time.Duration
	maxEntries int
	logger     *zap.Logger
	observer   CacheObserver

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	options   []model.Option
	expiresAt time.Time
}

// NewProvider creates a Provider. Sources are consulted in order.
func NewProvider(ttl time.Duration, maxEntries int, logger *zap.Logger, sources ...Source) *Provider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		sources:    sources,
		ttl:        ttl,
		maxEntries: maxEntries,
		logger:     logger,
		observer:   nopObserver{},
		cache:      make(map[string]cacheEntry),
	}
}

// SetObserver registers the cache observer. It must be called before the
// provider is shared.
func (p *Provider) SetObserver(o CacheObserver) {
	p.observer = o
}

// AddSource appends a source consulted after the existing ones.
func (p *Provider) AddSource(s Source) {
	p.mu.Lock()
	p.sources = append(p.sources, s)
	p.mu.Unlock()
}

// Resolve returns the options for key. Returns NOT_FOUND when no source knows
// the key.
func (p *Provider) Resolve(ctx context.Context, tenantID, key string) ([]model.Option, error) {
	cacheKey := fmt.Sprintf("options:%s:%s", key, tenantID)
	if opts, hit := p.getFromCache(cacheKey); hit {
		p.observer.OptionCacheHit(key)
		return opts, nil
	}
	p.observer.OptionCacheMiss(key)

	p.mu.RLock()
	sources := p.sources
	p.mu.RUnlock()

	for _, src := range sources {
		opts, found, err := src.Options(ctx, tenantID, key)
		if err != nil {
			return nil, fmt.Errorf("options %q: %w", key, err)
		}
		if found {
			p.putInCache(cacheKey, opts)
			return opts, nil
		}
	}
	return nil, model.NewNotFoundError(fmt.Sprintf("option source %q not found", key))
}

// Prefetch resolves keys in the background so later reads hit the cache.
// Failures are logged and otherwise ignored.
func (p *Provider) Prefetch(ctx context.Context, tenantID string, keys ...string) {
	if len(keys) == 0 {
		return
	}
	go func() {
		for _, key := range keys {
			if ctx.Err() != nil {
				return
			}
			if _, err := p.Resolve(ctx, tenantID, key); err != nil {
				p.logger.Warn("option prefetch failed", zap.String("source", key), zap.Error(err))
			}
		}
	}()
}

// Filter narrows options by a case-insensitive label match.
func Filter(opts []model.Option, query string) []model.Option {
	if query == "" {
		return opts
	}
	q := strings.ToLower(query)
	var filtered []model.Option
	for _, o := range opts {
		if strings.Contains(strings.ToLower(o.Label), q) {
			filtered = append(filtered, o)
		}
	}
	return filtered
}

func (p *Provider) getFromCache(key string) ([]model.Option, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, exists := p.cache[key]
	if !exists || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.options, true
}

func (p *Provider) putInCache(key string, opts []model.Option) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.cache) >= p.maxEntries {
		now := time.Now()
		for k, v := range p.cache {
			if now.After(v.expiresAt) {
				delete(p.cache, k)
			}
		}
	}
	p.cache[key] = cacheEntry{options: opts, expiresAt: time.Now().Add(p.ttl)}
}

// Invalidate drops cached options for key across tenants.
func (p *Provider) Invalidate(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prefix := "options:" + key + ":"
	for k := range p.cache {
		if strings.HasPrefix(k, prefix) {
			delete(p.cache, k)
		}
	}
}

// CacheLen returns the number of cached entries.
func (p *Provider) CacheLen() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.cache)
}
