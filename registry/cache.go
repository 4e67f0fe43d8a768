package registry

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/prevant/orchestrator/models"
)

// defaultCacheSize bounds the number of distinct images this process
// will remember ImageInfo for; a registry lookup is cheap enough to
// redo on eviction that this is a memory/latency tradeoff, not a
// correctness one.
const defaultCacheSize = 1000

// Cache memoises registry lookups by an image's canonical display
// form, per §4.2. Resolve only calls Put after a successful fetch for a
// key it just read-missed; two concurrent misses for one key both Put.
type Cache struct {
	lru *lru.Cache[string, ImageInfo]
}

func NewCache(size int) *Cache {
	if size <= 0 {
		size = defaultCacheSize
	}
	c, err := lru.New[string, ImageInfo](size)
	if err != nil {
		// lru.New only errors on size <= 0, already guarded above.
		panic(err)
	}
	return &Cache{lru: c}
}

func (c *Cache) Get(img models.Image) (ImageInfo, bool) {
	return c.lru.Get(img.Display())
}

func (c *Cache) Put(img models.Image, info ImageInfo) {
	c.lru.Add(img.Display(), info)
}
