package hostmeta

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prevant/orchestrator/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeTargetSource struct {
	targets []Target
}

func (f *fakeTargetSource) ListTargets(_ context.Context) ([]Target, error) {
	return f.targets, nil
}

func TestCrawler_FetchValidHostMeta(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/host-meta.json" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(models.WebHostMeta{})
	}))
	defer server.Close()

	cache := NewCache(8)
	source := &fakeTargetSource{targets: []Target{{
		ServiceID: "svc-1",
		AppName:   models.AppName("checkout"),
		Endpoint:  server.URL,
		StartedAt: time.Now().Add(-time.Hour),
	}}}
	crawler := NewCrawler(cache, source, time.Second, testLogger())

	crawler.sweep(context.Background())

	got, ok := cache.Get("svc-1")
	if !ok {
		t.Fatal("expected the sweep to populate the cache")
	}
	if got.State != models.HostMetaValid {
		t.Errorf("got state %q, want %q", got.State, models.HostMetaValid)
	}
}

func TestCrawler_FetchTransportErrorWithinGraceIsInvalidAndUncached(t *testing.T) {
	cache := NewCache(8)
	source := &fakeTargetSource{targets: []Target{{
		ServiceID: "svc-1",
		Endpoint:  "http://127.0.0.1:1", // nothing listening
		StartedAt: time.Now(),
	}}}
	crawler := NewCrawler(cache, source, time.Second, testLogger())

	crawler.sweep(context.Background())

	if _, ok := cache.Get("svc-1"); ok {
		t.Error("expected a within-grace transport failure to stay uncached")
	}
}

func TestCrawler_FetchTransportErrorPastGraceIsEmptyAndCached(t *testing.T) {
	cache := NewCache(8)
	source := &fakeTargetSource{targets: []Target{{
		ServiceID: "svc-1",
		Endpoint:  "http://127.0.0.1:1",
		StartedAt: time.Now().Add(-time.Hour),
	}}}
	crawler := NewCrawler(cache, source, time.Second, testLogger())

	crawler.sweep(context.Background())

	got, ok := cache.Get("svc-1")
	if !ok {
		t.Fatal("expected a past-grace transport failure to be cached as empty")
	}
	if got.State != models.HostMetaEmpty {
		t.Errorf("got state %q, want %q", got.State, models.HostMetaEmpty)
	}
}

func TestCrawler_SweepInvalidatesStaleEntries(t *testing.T) {
	cache := NewCache(8)
	cache.put("gone", models.WebHostMeta{State: models.HostMetaValid})
	source := &fakeTargetSource{targets: nil}
	crawler := NewCrawler(cache, source, time.Second, testLogger())

	crawler.sweep(context.Background())

	if _, ok := cache.Get("gone"); ok {
		t.Error("expected a target no longer in the source's inventory to be evicted")
	}
}

func TestCrawler_WatchPublishesAndClosesOnCancel(t *testing.T) {
	cache := NewCache(8)
	crawler := NewCrawler(cache, &fakeTargetSource{}, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	updates := crawler.Watch(ctx)

	crawler.publish(Update{ServiceID: "svc-1", Meta: models.WebHostMeta{State: models.HostMetaValid}})

	select {
	case update := <-updates:
		if update.ServiceID != "svc-1" {
			t.Errorf("got update for %q, want svc-1", update.ServiceID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the published update")
	}

	cancel()

	select {
	case _, ok := <-updates:
		if ok {
			t.Error("expected the channel to be closed after the context is cancelled")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the channel to close")
	}
}
