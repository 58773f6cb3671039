package ruleset

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/linnemanlabs/vantage/internal/canonical"
)

// DefaultCacheSize bounds how many ruleset versions stay parsed in memory.
const DefaultCacheSize = 32

type cacheEntry struct {
	rs   *Ruleset
	hash string
}

// Cache holds parsed rulesets keyed by version, with each entry pinned to
// the content hash it was parsed from. Put evicts a version whose content
// changed before storing the new one; readers never see a mix.
type Cache struct {
	lru *lru.Cache[string, cacheEntry]
}

// NewCache returns a cache holding at most size versions.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, cacheEntry](size)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &Cache{lru: c}
}

// Get returns a deep copy of the cached ruleset for version.
func (c *Cache) Get(version string) (*Ruleset, bool) {
	e, ok := c.lru.Get(version)
	if !ok {
		return nil, false
	}
	return e.rs.Clone(), true
}

// Put stores a copy of rs under rs.Version. Returns the content hash and
// whether an entry with different content was evicted.
func (c *Cache) Put(rs *Ruleset) (string, bool, error) {
	hash, err := canonical.Hash(rs)
	if err != nil {
		return "", false, err
	}
	replaced := false
	if prev, ok := c.lru.Peek(rs.Version); ok && prev.hash != hash {
		c.lru.Remove(rs.Version)
		replaced = true
	}
	c.lru.Add(rs.Version, cacheEntry{rs: rs.Clone(), hash: hash})
	return hash, replaced, nil
}

// Hash returns the content hash of the cached version.
func (c *Cache) Hash(version string) (string, bool) {
	e, ok := c.lru.Peek(version)
	return e.hash, ok
}

// Evict drops version. Reports whether it was present.
func (c *Cache) Evict(version string) bool {
	return c.lru.Remove(version)
}

// Len reports the number of cached versions.
func (c *Cache) Len() int {
	return c.lru.Len()
}
