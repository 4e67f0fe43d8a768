package hostmeta

import (
	"strconv"
	"testing"

	"github.com/prevant/orchestrator/models"
)

func TestCache_GetMissReturnsFalse(t *testing.T) {
	cache := NewCache(0)
	if _, ok := cache.Get("unknown"); ok {
		t.Error("expected a miss for an unknown service id")
	}
}

func TestCache_PutThenGet(t *testing.T) {
	cache := NewCache(8)
	meta := models.WebHostMeta{State: models.HostMetaValid}

	cache.put("svc-1", meta)

	got, ok := cache.Get("svc-1")
	if !ok {
		t.Fatal("expected a hit after put")
	}
	if got.State != models.HostMetaValid {
		t.Errorf("got %+v, want the stored value back", got)
	}
}

func TestCache_Invalidate(t *testing.T) {
	cache := NewCache(8)
	cache.put("svc-1", models.WebHostMeta{})

	cache.Invalidate("svc-1")

	if _, ok := cache.Get("svc-1"); ok {
		t.Error("expected the entry to be gone after Invalidate")
	}
}

func TestCache_Keys(t *testing.T) {
	cache := NewCache(8)
	cache.put("svc-1", models.WebHostMeta{})
	cache.put("svc-2", models.WebHostMeta{})

	keys := cache.Keys()
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(keys))
	}
}

func TestNewCache_NonPositiveSizeUsesDefault(t *testing.T) {
	cache := NewCache(-1)
	if cache.lru.Len() != 0 {
		t.Errorf("expected an empty cache, got %d entries", cache.lru.Len())
	}

	for i := 0; i <= defaultCacheSize; i++ {
		cache.put("svc-"+strconv.Itoa(i), models.WebHostMeta{})
	}
	if cache.lru.Len() != defaultCacheSize {
		t.Errorf("got %d entries after %d puts, want the default bound of %d", cache.lru.Len(), defaultCacheSize+1, defaultCacheSize)
	}
	if _, ok := cache.Get("svc-0"); ok {
		t.Error("expected the oldest entry to be evicted once the default bound is exceeded")
	}
}
