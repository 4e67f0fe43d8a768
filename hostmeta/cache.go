// Package hostmeta implements the §4.7 crawler: it probes every
// running service's /.well-known/host-meta.json, caches the outcome by
// service id, and publishes changes on a watch stream the SSE surface
// consumes.
package hostmeta

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/prevant/orchestrator/models"
)

// defaultCacheSize matches spec.md §4.7's "~500 entries".
const defaultCacheSize = 500

// Cache memoises WebHostMeta by service id. Single mutator (the
// crawler), many readers — registry.Cache follows the same shape for
// the same reason.
type Cache struct {
	lru *lru.Cache[string, models.WebHostMeta]
}

func NewCache(size int) *Cache {
	if size <= 0 {
		size = defaultCacheSize
	}
	c, err := lru.New[string, models.WebHostMeta](size)
	if err != nil {
		panic(err)
	}
	return &Cache{lru: c}
}

func (c *Cache) Get(serviceID string) (models.WebHostMeta, bool) {
	return c.lru.Get(serviceID)
}

// Keys returns every currently cached service id, so the crawler can
// invalidate entries for services that have disappeared.
func (c *Cache) Keys() []string {
	return c.lru.Keys()
}

func (c *Cache) put(serviceID string, meta models.WebHostMeta) {
	c.lru.Add(serviceID, meta)
}

// Invalidate drops a service's cached entry — called by the crawler's
// sweep when a service id is no longer reported (§4.7). A status change
// made through the HTTP API does not invalidate an entry.
func (c *Cache) Invalidate(serviceID string) {
	c.lru.Remove(serviceID)
}
