package geo

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is the bounded in-process layer in front of the persistent store.
// Entries expire after ttl and the least recently used entry is evicted once
// size is reached.
type Cache struct {
	lru *expirable.LRU[string, Enrichment]
}

// NewCache creates a cache holding at most size entries for ttl each.
func NewCache(size int, ttl time.Duration) *Cache {
	return &Cache{lru: expirable.NewLRU[string, Enrichment](size, nil, ttl)}
}

// Get returns a copy of the cached enrichment for ip.
func (c *Cache) Get(ip string) (*Enrichment, bool) {
	e, ok := c.lru.Get(ip)
	if !ok {
		return nil, false
	}
	return &e, true
}

// Add stores a copy of e keyed by its IP.
func (c *Cache) Add(e *Enrichment) {
	c.lru.Add(e.IP, *e)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
