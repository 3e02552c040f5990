// Package identity provides a bounded, dependency-injected principal ->
// display-name cache. The original ps_scan implementation (see
// original_source/helpers/user_handlers.py and
// original_source/libs/onefs_auth.py) resolved ACL principals through a
// process-wide global cache built once at startup. Spec §9 Design Notes
// flags that as a redesign target: this cache is constructed per worker
// and passed in through handler.SharedState instead, so tests can swap
// in a fake Resolver and multiple scans in one process never share
// state.
package identity

import (
	"sync"
	"time"
)

// Resolver looks up the display name for a principal at path. Path is
// passed through because some backends resolve names relative to the
// filesystem's own identity mapping rules rather than globally.
type Resolver func(principal, path string) (string, error)

type entry struct {
	name    string
	expires time.Time
}

// Cache is a TTL-bounded principal->name cache. The zero value is not
// usable; construct with New.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]entry
	ttl      time.Duration
	maxSize  int
	resolve  Resolver
	misses   int64
	hits     int64
}

// Config controls cache sizing and the fallback resolver.
type Config struct {
	// TTL is how long a resolved name stays valid. Zero means entries
	// never expire on their own (still subject to MaxSize eviction).
	TTL time.Duration
	// MaxSize bounds the number of cached entries; 0 means unbounded.
	MaxSize int
	// Resolve performs the actual principal->name lookup on a cache
	// miss. If nil, New uses IdentityResolver, which returns the
	// principal unchanged (real ACL/SID resolution is out of scope,
	// spec §1).
	Resolve Resolver
}

// New builds a Cache from cfg.
func New(cfg Config) *Cache {
	resolve := cfg.Resolve
	if resolve == nil {
		resolve = IdentityResolver
	}
	return &Cache{
		entries: make(map[string]entry),
		ttl:     cfg.TTL,
		maxSize: cfg.MaxSize,
		resolve: resolve,
	}
}

// IdentityResolver is the default, no-op Resolver: it returns the
// principal as given. It exists so the cache is usable without wiring a
// real directory-service client, matching how this core treats ACL
// resolution as an external collaborator (spec §1 Non-goals).
func IdentityResolver(principal, path string) (string, error) {
	return principal, nil
}

// Translate returns the display name for principal, consulting the
// cache first and falling back to the configured Resolver on a miss or
// expired entry. Resolver errors degrade to returning principal
// unchanged rather than failing the caller's scan.
func (c *Cache) Translate(principal, path string) string {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[principal]; ok && (c.ttl == 0 || now.Before(e.expires)) {
		c.hits++
		c.mu.Unlock()
		return e.name
	}
	c.misses++
	c.mu.Unlock()

	name, err := c.resolve(principal, path)
	if err != nil || name == "" {
		name = principal
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOneLocked()
	}
	exp := time.Time{}
	if c.ttl > 0 {
		exp = now.Add(c.ttl)
	}
	c.entries[principal] = entry{name: name, expires: exp}
	return name
}

// evictOneLocked drops an arbitrary entry to make room. Map iteration
// order is randomized by the runtime, which is an acceptable stand-in
// for real LRU given the cache's purpose (bound memory, not optimize
// hit rate) — see DESIGN.md.
func (c *Cache) evictOneLocked() {
	for k := range c.entries {
		delete(c.entries, k)
		return
	}
}

// Stats reports cumulative hit/miss counts. The worker's stats reports
// do not include them.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
