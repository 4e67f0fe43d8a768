// Package backup runs the two periodic loops §4.8 describes: the
// stale-app detector, which schedules idle apps for a move to cold
// storage, and the stale-backup detector, which deletes backups past
// their retention window. Both are optional — Controller is only
// constructed when a relational store and a metrics provider are
// configured.
package backup

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/prevant/orchestrator/infra"
	"github.com/prevant/orchestrator/models"
	"github.com/prevant/orchestrator/queue"
	"github.com/prevant/orchestrator/repository"
)

// MetricsProvider answers the one question the stale-app detector
// needs: how many requests has each Traefik router served in window.
// Implemented by PrometheusProvider for production and swappable for a
// map-backed fake in tests.
type MetricsProvider interface {
	RouterRequestIncrease(ctx context.Context, window time.Duration) (map[string]float64, error)
}

// AppPolicy is one app's retention configuration: how long it may sit
// idle before being backed up, its Traefik router-name pattern for the
// metrics lookup, and how long its backup may sit before being purged.
type AppPolicy struct {
	AppName       models.AppName
	RouterPattern *regexp.Regexp
	TimeToUse     time.Duration
	TimeToRestore time.Duration
}

// Config bundles the operator-configured knobs Controller needs beyond
// its collaborators.
type Config struct {
	StaleAppInterval    time.Duration // 10m production, 1m development build
	StaleBackupInterval time.Duration
	PermanentApps       []*regexp.Regexp
	BusyHours           cron.Schedule // nil disables the busy-hours pause
}

// Controller owns the two detector loops.
type Controller struct {
	cfg       Config
	metrics   MetricsProvider
	store     *repository.Store
	queue     *queue.Manager
	infra     infra.Infrastructure
	logger    *slog.Logger
	listApps  func(ctx context.Context) ([]AppPolicy, error)
}

func NewController(cfg Config, metrics MetricsProvider, store *repository.Store, manager *queue.Manager, infrastructure infra.Infrastructure, listApps func(ctx context.Context) ([]AppPolicy, error), logger *slog.Logger) *Controller {
	return &Controller{cfg: cfg, metrics: metrics, store: store, queue: manager, infra: infrastructure, listApps: listApps, logger: logger}
}

// Run starts both detector loops and blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	go c.runLoop(ctx, c.cfg.StaleAppInterval, c.staleAppSweep)
	go c.runLoop(ctx, c.cfg.StaleBackupInterval, c.staleBackupSweep)
	<-ctx.Done()
}

func (c *Controller) runLoop(ctx context.Context, interval time.Duration, sweep func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if wait := c.busyHoursRemaining(); wait > 0 {
				c.logger.Info("backup controller sleeping through busy hours", "wait", wait)
				continue
			}
			sweep(ctx)
		}
	}
}

// busyHoursRemaining returns how long is left until the busy-hours
// schedule next fires, when that is less than one StaleAppInterval
// away, and zero otherwise or when no busy-hours schedule is
// configured. The loop skips sweeps while this is positive; the end of
// a busy window is not computed.
func (c *Controller) busyHoursRemaining() time.Duration {
	if c.cfg.BusyHours == nil {
		return 0
	}
	now := time.Now()
	next := c.cfg.BusyHours.Next(now)
	// The busy window counts as open when the schedule's next fire time
	// is less than one StaleAppInterval away; the previous fire time is
	// not consulted.
	if next.Sub(now) < c.cfg.StaleAppInterval {
		return next.Sub(now)
	}
	return 0
}

// staleAppSweep implements the stale-app detector (§4.8 step 1).
func (c *Controller) staleAppSweep(ctx context.Context) {
	policies, err := c.listApps(ctx)
	if err != nil {
		c.logger.Error("stale-app sweep: failed to list app policies", "error", err)
		return
	}
	if len(policies) == 0 {
		return
	}

	window := longestTimeToUse(policies)
	requestsByRouter, err := c.metrics.RouterRequestIncrease(ctx, window)
	if err != nil {
		c.logger.Error("stale-app sweep: failed to query metrics provider", "error", err)
		return
	}

	now := time.Now()
	for _, policy := range policies {
		if isPermanent(policy.AppName, c.cfg.PermanentApps) {
			continue
		}

		createdAt, ok := c.appCreatedAt(ctx, policy.AppName)
		if !ok || createdAt.After(now.Add(-policy.TimeToUse)) {
			continue
		}

		if routerRequests(requestsByRouter, policy.RouterPattern) > 0 {
			continue
		}

		c.scheduleBackUp(ctx, policy.AppName)
	}
}

func longestTimeToUse(policies []AppPolicy) time.Duration {
	var longest time.Duration
	for _, p := range policies {
		if p.TimeToUse > longest {
			longest = p.TimeToUse
		}
	}
	return longest
}

func isPermanent(appName models.AppName, permanentApps []*regexp.Regexp) bool {
	for _, pattern := range permanentApps {
		if pattern.MatchString(string(appName)) {
			return true
		}
	}
	return false
}

func (c *Controller) appCreatedAt(ctx context.Context, appName models.AppName) (time.Time, bool) {
	services, err := c.infra.GetServices(ctx, appName)
	if err != nil || len(services) == 0 {
		return time.Time{}, false
	}

	oldest := time.Now()
	found := false
	for _, svc := range services {
		if svc.State.StartedAt == nil {
			continue
		}
		if !found || svc.State.StartedAt.Before(oldest) {
			oldest = *svc.State.StartedAt
			found = true
		}
	}
	return oldest, found
}

func routerRequests(byRouter map[string]float64, pattern *regexp.Regexp) float64 {
	var total float64
	for router, count := range byRouter {
		if pattern.MatchString(router) {
			total += count
		}
	}
	return total
}

func (c *Controller) scheduleBackUp(ctx context.Context, appName models.AppName) {
	payload, err := c.infra.ExportManifest(ctx, appName)
	if err != nil {
		c.logger.Error("stale-app sweep: failed to export manifest", "app", appName, "error", err)
		return
	}

	task := models.AppTask{
		ID:      models.NewAppStatusChangeId(),
		App:     appName,
		Kind:    models.TaskBackUp,
		Payload: payload,
	}
	if err := c.queue.Enqueue(ctx, task); err != nil {
		c.logger.Error("stale-app sweep: failed to enqueue back-up task", "app", appName, "error", err)
		return
	}
	c.logger.Info("scheduled idle app for back-up", "app", appName)
}

// staleBackupSweep implements the stale-backup detector (§4.8 step 2).
func (c *Controller) staleBackupSweep(ctx context.Context) {
	backups, err := c.store.ListBackups(ctx)
	if err != nil {
		c.logger.Error("stale-backup sweep: failed to list backups", "error", err)
		return
	}

	policies, err := c.listApps(ctx)
	if err != nil {
		c.logger.Error("stale-backup sweep: failed to list app policies", "error", err)
		return
	}
	timeToRestore := make(map[models.AppName]time.Duration, len(policies))
	for _, p := range policies {
		timeToRestore[p.AppName] = p.TimeToRestore
	}

	now := time.Now()
	for _, b := range backups {
		ttl, ok := timeToRestore[b.AppName]
		if !ok || ttl <= 0 {
			continue
		}
		if b.CreatedAt.After(now.Add(-ttl)) {
			continue
		}

		task := models.AppTask{ID: models.NewAppStatusChangeId(), App: b.AppName, Kind: models.TaskDelete}
		if err := c.queue.Enqueue(ctx, task); err != nil {
			c.logger.Error("stale-backup sweep: failed to enqueue delete task", "app", b.AppName, "error", err)
			continue
		}
		c.logger.Info("scheduled stale backup for deletion", "app", b.AppName, "age", now.Sub(b.CreatedAt))
	}
}
