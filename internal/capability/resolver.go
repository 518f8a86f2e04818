// Package capability resolves the capabilities granted to a caller's roles
// and caches them per subject and tenant.
package capability

import (
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/offerdesk/model"
)

// CacheObserver is notified of cache hits and misses.
type CacheObserver interface {
	RecordCapabilityCacheHit()
	RecordCapabilityCacheMiss()
}

type nopObserver struct{}

func (nopObserver) RecordCapabilityCacheHit()  {}
func (nopObserver) RecordCapabilityCacheMiss() {}

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory cache.
type Resolver struct {
	evaluator  model.PolicyEvaluator
	ttl        time.Duration
	maxEntries int
	observer   CacheObserver
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
// A maxEntries of zero leaves the cache unbounded.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, maxEntries int) *Resolver {
	return &Resolver{
		evaluator:  evaluator,
		ttl:        ttl,
		maxEntries: maxEntries,
		observer:   nopObserver{},
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

// SetObserver installs a cache observer.
func (r *Resolver) SetObserver(o CacheObserver) {
	if o != nil {
		r.observer = o
	}
}

// Roles are part of the key so a token carrying new roles is not served a
// stale set.
func cacheKey(rctx *model.RequestContext) string {
	return rctx.SubjectID + ":" + rctx.TenantID + ":" + strings.Join(rctx.Roles, ",")
}

// Resolve returns the full capability set for the given context. Results are
// cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)
	now := r.now()

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && now.Before(entry.expires) {
		r.mu.RUnlock()
		r.observer.RecordCapabilityCacheHit()
		return entry.caps, nil
	}
	r.mu.RUnlock()
	r.observer.RecordCapabilityCacheMiss()

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.maxEntries > 0 && len(r.cache) >= r.maxEntries {
		r.evictLocked(now)
	}
	r.cache[key] = cacheEntry{caps: caps, expires: now.Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// evictLocked drops expired entries, and the soonest to expire if none were.
func (r *Resolver) evictLocked(now time.Time) {
	oldest := ""
	var oldestExp time.Time
	for key, entry := range r.cache {
		if !now.Before(entry.expires) {
			delete(r.cache, key)
			continue
		}
		if oldest == "" || entry.expires.Before(oldestExp) {
			oldest, oldestExp = key, entry.expires
		}
	}
	if len(r.cache) >= r.maxEntries && oldest != "" {
		delete(r.cache, oldest)
	}
}

// Invalidate clears cached capabilities for the given user and tenant.
func (r *Resolver) Invalidate(subjectID, tenantID string) {
	prefix := subjectID + ":" + tenantID + ":"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// Len reports the number of cached entries.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
