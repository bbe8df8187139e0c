// Package plancache memoizes planner outputs keyed by a normalized query
// fingerprint so repeated requests skip decomposition entirely.
package plancache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/arbiterlabs/arbiter/pkg/canonical"
)

// contextKeys is the planning-relevant subset of context used in cache keys.
// Per-request identifiers never enter the key.
var contextKeys = []string{"domain", "locale", "tenant"}

// Stats counts cache behavior. Values are monotonic.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
}

type entry[V any] struct {
	value    V
	expires  time.Time // zero = no TTL
	accesses uint64
}

// Cache is a bounded LRU with optional per-entry TTL. A single mutex guards
// the underlying list because entries mutate on hit.
type Cache[V any] struct {
	mu    sync.Mutex
	inner *lru.Cache[string, *entry[V]]
	ttl   time.Duration // default TTL applied by Put; zero disables expiry
	stats Stats
	clock func() time.Time
}

// New creates a cache holding at most size entries. ttl is the default
// time-to-live for new entries; zero means entries never expire.
func New[V any](size int, ttl time.Duration) (*Cache[V], error) {
	if size <= 0 {
		return nil, fmt.Errorf("plancache: size must be positive")
	}
	c := &Cache[V]{ttl: ttl, clock: time.Now}
	inner, err := lru.NewWithEvict(size, func(string, *entry[V]) {
		// Eviction callback runs under our mutex via inner calls.
		c.stats.Evictions++
	})
	if err != nil {
		return nil, fmt.Errorf("plancache: %w", err)
	}
	c.inner = inner
	return c, nil
}

// WithClock overrides the clock for tests.
func (c *Cache[V]) WithClock(clock func() time.Time) *Cache[V] {
	c.clock = clock
	return c
}

// Key fingerprints a planning request: SHA-256 over the trimmed, lowercased
// query, the strategy name and the canonical planning-relevant context subset.
func Key(query, strategy string, ctx map[string]any) string {
	subset := make(map[string]any, len(contextKeys))
	for _, k := range contextKeys {
		if v, ok := ctx[k]; ok {
			subset[k] = v
		}
	}
	canonicalCtx, err := canonical.Bytes(subset)
	if err != nil {
		canonicalCtx = []byte("{}")
	}

	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(query))))
	h.Write([]byte{0})
	h.Write([]byte(strategy))
	h.Write([]byte{0})
	h.Write(canonicalCtx)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached value and moves it to the MRU end. An expired entry
// is purged and counted as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.inner.Get(key)
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	if !e.expires.IsZero() && c.clock().After(e.expires) {
		c.inner.Remove(key)
		c.stats.Evictions-- // removal via expiry is not an LRU eviction
		c.stats.Expirations++
		c.stats.Misses++
		return zero, false
	}
	e.accesses++
	c.stats.Hits++
	return e.value, true
}

// Put inserts a value with the cache's default TTL, evicting the LRU entry
// when at capacity.
func (c *Cache[V]) Put(key string, value V) {
	c.PutTTL(key, value, c.ttl)
}

// PutTTL inserts a value with an explicit TTL; zero disables expiry.
func (c *Cache[V]) PutTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry[V]{value: value}
	if ttl > 0 {
		e.expires = c.clock().Add(ttl)
	}
	c.inner.Add(key, e)
}

// Len returns the number of live entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}

// Stats returns a copy of the counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Purge drops every entry. Used by the runtime's test reset hook.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.inner.Len()
	c.inner.Purge()
	// Purge fires the eviction callback per entry; those are not LRU
	// evictions either.
	c.stats.Evictions -= uint64(n)
}
