package hostmeta

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prevant/orchestrator/models"
)

// connectTimeout/totalTimeout are §4.7's "connect ≤ 500 ms and total ≤
// 750 ms" budget for a single host-meta probe.
const (
	connectTimeout = 500 * time.Millisecond
	totalTimeout   = 750 * time.Millisecond

	// gracePeriod is the "within 5 minutes of service start" window
	// during which a transport error is Invalid (uncached, retried)
	// rather than Empty (cached).
	gracePeriod = 5 * time.Minute
)

// Target is one running service the crawler should probe, as supplied
// by whatever owns the running-service inventory (the appservice
// façade, via the infrastructure adapter).
type Target struct {
	ServiceID   string
	AppName     models.AppName
	ServiceName string
	Endpoint    string // base URL, e.g. http://10.0.0.4:8080
	StartedAt   time.Time
}

// TargetSource enumerates the services currently worth crawling. The
// crawler has no opinion on how that inventory is built — it only
// needs a fresh snapshot each sweep.
type TargetSource interface {
	ListTargets(ctx context.Context) ([]Target, error)
}

// Update is one change the crawler publishes to the watch stream.
type Update struct {
	ServiceID string
	Meta      models.WebHostMeta
}

// Crawler runs the periodic sweep §4.7 describes and fans changed
// results out to subscribed watchers.
type Crawler struct {
	cache    *Cache
	source   TargetSource
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	subscribers map[chan Update]struct{}
}

func NewCrawler(cache *Cache, source TargetSource, interval time.Duration, logger *slog.Logger) *Crawler {
	return &Crawler{
		cache:  cache,
		source: source,
		client: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		interval:    interval,
		logger:      logger,
		subscribers: make(map[chan Update]struct{}),
	}
}

// Watch returns a channel that receives every Update this crawler
// publishes until ctx is done, at which point the channel is closed
// and unregistered.
func (c *Crawler) Watch(ctx context.Context) <-chan Update {
	ch := make(chan Update, 16)
	c.mu.Lock()
	c.subscribers[ch] = struct{}{}
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subscribers, ch)
		c.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (c *Crawler) publish(update Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subscribers {
		select {
		case ch <- update:
		default:
			// slow subscriber; drop rather than block the sweep.
		}
	}
}

// Run sweeps on Crawler's interval until ctx is cancelled.
func (c *Crawler) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Crawler) sweep(ctx context.Context) {
	targets, err := c.source.ListTargets(ctx)
	if err != nil {
		c.logger.Warn("host-meta sweep: failed to list targets", "error", err)
		return
	}

	seen := make(map[string]struct{}, len(targets))
	for _, target := range targets {
		seen[target.ServiceID] = struct{}{}
		if _, ok := c.cache.Get(target.ServiceID); ok {
			continue
		}
		c.probe(ctx, target)
	}

	for _, id := range c.cache.Keys() {
		if _, ok := seen[id]; !ok {
			c.cache.Invalidate(id)
		}
	}
}

func (c *Crawler) probe(ctx context.Context, target Target) {
	meta, cacheable := c.fetch(ctx, target)
	if !cacheable {
		return
	}
	c.cache.put(target.ServiceID, meta)
	c.publish(Update{ServiceID: target.ServiceID, Meta: meta})
}

func (c *Crawler) fetch(ctx context.Context, target Target) (models.WebHostMeta, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	url := target.Endpoint + "/.well-known/host-meta.json"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return models.EmptyHostMeta(), true
	}
	req.Header.Set("Forwarded", forwardedHeader(target))
	req.Header.Set("X-Forwarded-Prefix", fmt.Sprintf("/%s/%s", target.AppName, target.ServiceName))

	resp, err := c.client.Do(req)
	if err != nil {
		if time.Since(target.StartedAt) < gracePeriod {
			return models.InvalidHostMeta(), false
		}
		return models.EmptyHostMeta(), true
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if time.Since(target.StartedAt) < gracePeriod {
			return models.InvalidHostMeta(), false
		}
		return models.EmptyHostMeta(), true
	}

	var meta models.WebHostMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return models.EmptyHostMeta(), true
	}
	meta.State = models.HostMetaValid
	return meta, true
}

func forwardedHeader(target Target) string {
	return fmt.Sprintf("host=%s;proto=http", target.ServiceName)
}
