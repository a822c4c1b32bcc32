// Package cache implements a TTL-bounded namespaced in-memory store for
// repo metadata, PR lists, check runs, and bot-detection verdicts. It is not
// authoritative — a miss always triggers a fresh fetch, and an explicit
// Invalidate can override a live entry before use.
package cache

import (
	"sync"
	"time"
)

// Namespace identifies one of the four cache regions, each with its own
// default TTL.
type Namespace string

// Namespace values and their default TTLs.
const (
	NamespaceRepoMeta Namespace = "repo.meta"
	NamespaceRepoPRs  Namespace = "repo.prs"
	NamespacePRChecks Namespace = "pr.checks"
	NamespaceIsBot    Namespace = "identity.is_bot"
)

// DefaultTTLs maps each namespace to its default TTL. Config can override
// any of these via cache_ttls.
var DefaultTTLs = map[Namespace]time.Duration{
	NamespaceRepoMeta: 10 * time.Minute,
	NamespaceRepoPRs:  2 * time.Minute,
	NamespacePRChecks: 1 * time.Minute,
	NamespaceIsBot:    30 * time.Minute,
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Stats is a read-only snapshot of cache hit/miss/size counters, exposed for
// the /health endpoint's cache.hit_rate field and the Metrics Recorder.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int
}

// Cache is a namespaced TTL map. Eviction is lazy on access plus an optional
// periodic Sweep; mutations are atomic per key via a single mutex guarding
// the whole namespace map, which is sufficient at this scale (a handful of
// repos x a handful of namespaces) without needing per-key striping.
type Cache struct {
	ttls map[Namespace]time.Duration

	mu      sync.Mutex
	entries map[Namespace]map[string]entry
	hits    int64
	misses  int64
}

// New creates a Cache using DefaultTTLs overridden by any entries in
// ttlOverrides (the cache_ttls config option).
func New(ttlOverrides map[Namespace]time.Duration) *Cache {
	ttls := make(map[Namespace]time.Duration, len(DefaultTTLs))
	for ns, ttl := range DefaultTTLs {
		ttls[ns] = ttl
	}
	for ns, ttl := range ttlOverrides {
		ttls[ns] = ttl
	}
	return &Cache{
		ttls:    ttls,
		entries: make(map[Namespace]map[string]entry),
	}
}

// Get returns the cached value for (ns, key) if present and unexpired. The
// zero-time boundary is exclusive: an entry exactly at expiresAt is treated
// as expired.
func (c *Cache) Get(ns Namespace, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.entries[ns]
	if !ok {
		c.misses++
		return nil, false
	}
	e, ok := bucket[key]
	if !ok || !time.Now().Before(e.expiresAt) {
		if ok {
			delete(bucket, key)
		}
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Put stores value under (ns, key) with the namespace's default TTL, or the
// optional override ttl if provided (non-zero).
func (c *Cache) Put(ns Namespace, key string, value any, ttl ...time.Duration) {
	effective := c.ttls[ns]
	if len(ttl) > 0 && ttl[0] > 0 {
		effective = ttl[0]
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.entries[ns]
	if !ok {
		bucket = make(map[string]entry)
		c.entries[ns] = bucket
	}
	bucket[key] = entry{value: value, expiresAt: time.Now().Add(effective)}
}

// Invalidate removes a single key, or the entire namespace when key is "".
func (c *Cache) Invalidate(ns Namespace, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key == "" {
		delete(c.entries, ns)
		return
	}
	if bucket, ok := c.entries[ns]; ok {
		delete(bucket, key)
	}
}

// Sweep walks every namespace and evicts expired entries. Intended to be
// called periodically by the owning component's lifecycle (the Polling
// Orchestrator), not by a package-level goroutine, so tests can construct
// isolated Cache instances without background state (per the Design Notes'
// "inject as explicit capabilities" requirement).
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for ns, bucket := range c.entries {
		for key, e := range bucket {
			if !now.Before(e.expiresAt) {
				delete(bucket, key)
			}
		}
		if len(bucket) == 0 {
			delete(c.entries, ns)
		}
	}
}

// Stats returns a read-only snapshot of hit/miss/size counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := 0
	for _, bucket := range c.entries {
		size += len(bucket)
	}
	return Stats{Hits: c.hits, Misses: c.misses, Size: size}
}
