package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a cached node result stays valid.
const DefaultCacheTTL = 5 * time.Minute

// DefaultCacheMaxEntries bounds cache memory; oldest entries are evicted first.
const DefaultCacheMaxEntries = 1024

// ResultCache stores node outputs keyed by node ID plus a stable input hash.
// It is explicitly owned by whoever composes the executor (no package-level
// state), so test runs never leak entries into each other. Entries are
// idempotent recomputations, not authoritative state: last-writer-wins on
// concurrent population is acceptable.
type ResultCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

type cacheEntry struct {
	output   any
	storedAt time.Time
}

// NewResultCache creates a cache with the given TTL and entry bound.
// Non-positive arguments fall back to the defaults.
func NewResultCache(ttl time.Duration, maxEntries int) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultCacheMaxEntries
	}
	return &ResultCache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns a cached output if present and within TTL.
func (c *ResultCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.output, true
}

// Put stores an output, evicting the oldest entry when the bound is reached.
func (c *ResultCache) Put(key string, output any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = cacheEntry{output: output, storedAt: c.now()}
}

// Len returns the number of live entries (expired entries may be counted
// until their next Get).
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops all entries.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *ResultCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, e := range c.entries {
		if first || e.storedAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.storedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

// CacheKey derives the cache key for a node execution from the node ID and
// a stable hash of the input payload.
func CacheKey(nodeID string, input any) string {
	return fmt.Sprintf("%s:%s", nodeID, stableHash(input))
}

// stableHash produces a deterministic hash of an arbitrary JSON-like value.
// Map keys are sorted recursively so logically equal inputs hash equally.
func stableHash(v any) string {
	h := sha256.New()
	writeCanonical(h, v)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func writeCanonical(w io.Writer, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.Write([]byte{'{'})
		for _, k := range keys {
			w.Write([]byte(k))
			w.Write([]byte{':'})
			writeCanonical(w, val[k])
			w.Write([]byte{','})
		}
		w.Write([]byte{'}'})
	case []any:
		w.Write([]byte{'['})
		for _, item := range val {
			writeCanonical(w, item)
			w.Write([]byte{','})
		}
		w.Write([]byte{']'})
	default:
		b, err := json.Marshal(val)
		if err != nil {
			fmt.Fprintf(w, "%v", val)
			return
		}
		w.Write(b)
	}
}
