// Package appservice is the façade that turns one folded AppTask into
// calls against the builder pipeline and an infra.Infrastructure
// back-end (§4.4, §4.5 step 4). It implements queue.Executor so the
// per-app worker can drive it, and hostmeta.TargetSource so the
// host-meta crawler can enumerate what's currently running without
// importing infra itself.
package appservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prevant/orchestrator/builder"
	"github.com/prevant/orchestrator/errs"
	"github.com/prevant/orchestrator/hostmeta"
	"github.com/prevant/orchestrator/infra"
	"github.com/prevant/orchestrator/models"
	"github.com/prevant/orchestrator/repository"
)

// Service wires together everything one task execution needs. One
// Service instance is shared by every per-app worker goroutine the
// queue starts — the workers, not this struct, are what enforces the
// single-owning-actor-per-app property (§9).
type Service struct {
	infra       infra.Infrastructure
	store       *repository.Store
	builderDeps builder.Dependencies
	logger      *slog.Logger

	mu    sync.Mutex
	known map[models.AppName]struct{}
}

func New(infrastructure infra.Infrastructure, store *repository.Store, builderDeps builder.Dependencies, logger *slog.Logger) *Service {
	return &Service{infra: infrastructure, store: store, builderDeps: builderDeps, logger: logger, known: make(map[models.AppName]struct{})}
}

// Execute dispatches task to the handler for its Kind. It is the sole
// entry point queue.Manager calls.
func (s *Service) Execute(ctx context.Context, task models.AppTask) (*models.App, *errs.Error) {
	switch task.Kind {
	case models.TaskCreateOrUpdate:
		s.remember(task.App)
		return s.executeCreateOrUpdate(ctx, task)
	case models.TaskDelete:
		s.forget(task.App)
		return s.executeDelete(ctx, task)
	case models.TaskBackUp:
		s.forget(task.App)
		return s.executeBackUp(ctx, task)
	case models.TaskRestore:
		s.remember(task.App)
		return s.executeRestore(ctx, task)
	default:
		return nil, errs.New(errs.InfrastructureError, fmt.Sprintf("unknown task kind %q", task.Kind)).WithApp(string(task.App))
	}
}

func (s *Service) remember(appName models.AppName) {
	s.mu.Lock()
	s.known[appName] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) forget(appName models.AppName) {
	s.mu.Lock()
	delete(s.known, appName)
	s.mu.Unlock()
}

func (s *Service) knownApps() []models.AppName {
	s.mu.Lock()
	defer s.mu.Unlock()
	apps := make([]models.AppName, 0, len(s.known))
	for appName := range s.known {
		apps = append(apps, appName)
	}
	return apps
}

func (s *Service) executeCreateOrUpdate(ctx context.Context, task models.AppTask) (*models.App, *errs.Error) {
	merged, err := s.mergeWithRunning(ctx, task.App, task.ServiceConfigs)
	if err != nil {
		return nil, err
	}

	if task.ReplicateFrom != nil && *task.ReplicateFrom != task.App {
		replicas, err := s.replicasFrom(ctx, *task.ReplicateFrom, merged)
		if err != nil {
			return nil, err
		}
		merged = append(merged, replicas...)
	}

	templatingOnly, err := s.templatingOnlyConfigs(ctx, task.App, task.ServiceConfigs)
	if err != nil {
		return nil, err
	}

	unit, err := s.build(ctx, task.App, merged, templatingOnly, task.UserDefinedParameters)
	if err != nil {
		return nil, err
	}

	services, deployErr := s.infra.DeployServices(ctx, unit)
	if deployErr != nil {
		return nil, asError(deployErr, errs.InfrastructureError).WithApp(string(task.App))
	}

	return &models.App{
		Name:                  task.App,
		Services:              services,
		Owners:                models.MergeOwners(task.Owners),
		UserDefinedParameters: task.UserDefinedParameters,
	}, nil
}

// mergeWithRunning overlays newConfigs onto whatever is already
// running for appName, by service name, the way two queued
// Create/Update tasks are merged (§3): a name present on both sides
// keeps its identity from the running side and gets next's env/files/
// labels/router merged in via ServiceConfig.MergeWith; a name only in
// newConfigs is added as-is. An app with nothing running yet (or not
// found) just returns newConfigs. Running companions are excluded:
// WithCompanions re-injects them fresh from config every pipeline run,
// so folding a companion's already-rendered config back in here would
// have WithCompanions merge stale rendered values over its own
// template instead of letting it render again.
func (s *Service) mergeWithRunning(ctx context.Context, appName models.AppName, newConfigs []models.ServiceConfig) ([]models.ServiceConfig, *errs.Error) {
	running, err := s.infra.GetConfigsOfApp(ctx, appName)
	if err != nil {
		if kind, ok := errs.KindOf(err); ok && kind == errs.NotFound {
			return newConfigs, nil
		}
		return nil, asError(err, errs.InfrastructureError).WithApp(string(appName))
	}

	byName := make(map[string]models.ServiceConfig, len(running))
	order := make([]string, 0, len(running))
	for _, cfg := range running {
		if cfg.ContainerType == models.ContainerTypeApplicationCompanion || cfg.ContainerType == models.ContainerTypeServiceCompanion {
			continue
		}
		byName[cfg.ServiceName] = cfg
		order = append(order, cfg.ServiceName)
	}

	for _, next := range newConfigs {
		if base, ok := byName[next.ServiceName]; ok {
			byName[next.ServiceName] = base.MergeWith(next)
		} else {
			byName[next.ServiceName] = next
			order = append(order, next.ServiceName)
		}
	}

	merged := make([]models.ServiceConfig, 0, len(order))
	for _, name := range order {
		merged = append(merged, byName[name])
	}
	return merged, nil
}

// replicasFrom returns every service currently running under
// templateApp whose name is not already present in requested, each
// relabelled ContainerTypeReplica (§4.4 step 0, scenario 1: replicate
// adds what the target app doesn't already declare for itself).
func (s *Service) replicasFrom(ctx context.Context, templateApp models.AppName, requested []models.ServiceConfig) ([]models.ServiceConfig, *errs.Error) {
	templateConfigs, err := s.infra.GetConfigsOfApp(ctx, templateApp)
	if err != nil {
		if kind, ok := errs.KindOf(err); ok && kind == errs.NotFound {
			return nil, nil
		}
		return nil, asError(err, errs.InfrastructureError).WithApp(string(templateApp))
	}

	present := make(map[string]bool, len(requested))
	for _, cfg := range requested {
		present[cfg.ServiceName] = true
	}

	var replicas []models.ServiceConfig
	for _, cfg := range templateConfigs {
		if present[cfg.ServiceName] {
			continue
		}
		replica := cfg
		replica.ContainerType = models.ContainerTypeReplica
		replicas = append(replicas, replica)
	}
	return replicas, nil
}

// templatingOnlyConfigs returns the instances already running for
// appName that requested doesn't name (§4.4 step 3): app-companion
// templating contexts need to see the whole fleet, even though this
// task won't redeploy them itself. Other companions are excluded since
// WithCompanions re-injects them fresh on every pipeline run and they'd
// otherwise show up twice in a companion's own services view.
func (s *Service) templatingOnlyConfigs(ctx context.Context, appName models.AppName, requested []models.ServiceConfig) ([]models.ServiceConfig, *errs.Error) {
	running, err := s.infra.GetConfigsOfApp(ctx, appName)
	if err != nil {
		if kind, ok := errs.KindOf(err); ok && kind == errs.NotFound {
			return nil, nil
		}
		return nil, asError(err, errs.InfrastructureError).WithApp(string(appName))
	}

	requestedNames := make(map[string]bool, len(requested))
	for _, cfg := range requested {
		requestedNames[cfg.ServiceName] = true
	}

	var templatingOnly []models.ServiceConfig
	for _, cfg := range running {
		if requestedNames[cfg.ServiceName] {
			continue
		}
		if cfg.ContainerType == models.ContainerTypeApplicationCompanion || cfg.ContainerType == models.ContainerTypeServiceCompanion {
			continue
		}
		templatingOnly = append(templatingOnly, cfg)
	}
	return templatingOnly, nil
}

func (s *Service) build(ctx context.Context, appName models.AppName, services, templatingOnly []models.ServiceConfig, userDefinedParameters []byte) (models.DeploymentUnit, *errs.Error) {
	withCompanions := builder.New(s.builderDeps, appName, services, userDefinedParameters).WithCompanions()

	withImages, err := withCompanions.WithTemplatedConfigs(templatingOnly).WithResolvedImages(ctx)
	if err != nil {
		return models.DeploymentUnit{}, asError(err, errs.ImageRegistryUnexpected).WithApp(string(appName))
	}

	withTemplating, err := withImages.WithAppliedTemplating()
	if err != nil {
		return models.DeploymentUnit{}, asError(err, errs.TemplatingIssue).WithApp(string(appName))
	}

	withHooks, err := withTemplating.WithAppliedHooks()
	if err != nil {
		return models.DeploymentUnit{}, asError(err, errs.InvalidDeploymentHook).WithApp(string(appName))
	}

	built, err := withHooks.WithAppliedIngressRoute()
	if err != nil {
		return models.DeploymentUnit{}, asError(err, errs.FailedToParseTraefikRule).WithApp(string(appName))
	}

	return built.Build(), nil
}

func (s *Service) executeDelete(ctx context.Context, task models.AppTask) (*models.App, *errs.Error) {
	if err := s.infra.StopServices(ctx, task.App); err != nil {
		return nil, asError(err, errs.InfrastructureError).WithApp(string(task.App))
	}
	return &models.App{Name: task.App}, nil
}

// executeBackUp implements MovePayloadToBackUpAndDeleteFromInfrastructure:
// the payload the stale-app detector attached to the task (§4.8's
// "raw infrastructure manifest set... with read-only and volatile
// fields stripped") is persisted to app_backup, then the app is torn
// down from the back-end.
func (s *Service) executeBackUp(ctx context.Context, task models.AppTask) (*models.App, *errs.Error) {
	services, err := s.infra.GetServices(ctx, task.App)
	if err != nil && !isNotFound(err) {
		return nil, asError(err, errs.InfrastructureError).WithApp(string(task.App))
	}

	app := models.App{
		Name:                  task.App,
		Services:              services,
		Owners:                task.Owners,
		UserDefinedParameters: task.UserDefinedParameters,
	}
	if saveErr := s.store.SaveBackup(ctx, app, task.Payload); saveErr != nil {
		return nil, errs.Wrap(errs.InfrastructureError, saveErr, "failed to persist backup").WithApp(string(task.App))
	}

	if err := s.infra.StopServices(ctx, task.App); err != nil {
		return nil, asError(err, errs.InfrastructureError).WithApp(string(task.App))
	}
	return &app, nil
}

// executeRestore implements RestoreOnInfrastructureAndDeleteFromBackup:
// the backup row is replayed as an ordinary Create/Update against the
// same service configs it was taken from, then the backup row is
// removed.
func (s *Service) executeRestore(ctx context.Context, task models.AppTask) (*models.App, *errs.Error) {
	backup, getErr := s.store.GetBackup(ctx, task.App)
	if getErr != nil {
		return nil, errs.Wrap(errs.NotFound, getErr, "no backup to restore").WithApp(string(task.App))
	}

	configs := make([]models.ServiceConfig, 0, len(backup.App.Services))
	for _, svc := range backup.App.Services {
		configs = append(configs, svc.Config)
	}

	replay := models.AppTask{
		ID:                    task.ID,
		App:                   task.App,
		Kind:                  models.TaskCreateOrUpdate,
		ServiceConfigs:        configs,
		Owners:                backup.App.Owners,
		UserDefinedParameters: backup.App.UserDefinedParameters,
	}
	app, err := s.executeCreateOrUpdate(ctx, replay)
	if err != nil {
		return nil, err
	}

	if delErr := s.store.DeleteBackup(ctx, task.App); delErr != nil {
		s.logger.Error("restored app but failed to remove backup row", "app", task.App, "error", delErr)
	}
	return app, nil
}

// ListApps returns the current App shape — name and running services —
// for every app the back-end reports plus any this process has
// executed a task for but the back-end hasn't converged on yet (§6's
// `GET /api/apps`). Owners aren't tracked by the infra adapter and no
// task result is merged in here, so every returned App has an empty
// owner set.
func (s *Service) ListApps(ctx context.Context) ([]models.App, error) {
	names, err := s.infra.ListApps(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[models.AppName]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	for _, n := range s.knownApps() {
		if !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}

	apps := make([]models.App, 0, len(names))
	for _, appName := range names {
		services, err := s.infra.GetServices(ctx, appName)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		apps = append(apps, models.App{Name: appName, Services: services})
	}
	return apps, nil
}

// ListTargets implements hostmeta.TargetSource, enumerating every
// currently running service across every known app for the crawler to
// probe (§4.7).
func (s *Service) ListTargets(ctx context.Context) ([]hostmeta.Target, error) {
	var targets []hostmeta.Target
	apps, err := s.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	for _, app := range apps {
		appName := app.Name
		for _, svc := range app.Services {
			if svc.State.Status != models.ServiceRunning {
				continue
			}
			startedAt := time.Now()
			if svc.State.StartedAt != nil {
				startedAt = *svc.State.StartedAt
			}
			targets = append(targets, hostmeta.Target{
				ServiceID:   svc.ID,
				AppName:     appName,
				ServiceName: svc.Config.ServiceName,
				// svc.ID is resolvable as a hostname on both back
				// ends: Docker's embedded DNS answers container ids
				// on a user-defined network, Kubernetes Services are
				// named after the Deployment's id within the app's
				// namespace.
				Endpoint:  fmt.Sprintf("http://%s:%d", svc.ID, svc.Config.NormalisedPort()),
				StartedAt: startedAt,
			})
		}
	}
	return targets, nil
}

func isNotFound(err error) bool {
	kind, ok := errs.KindOf(err)
	return ok && kind == errs.NotFound
}

// asError normalises any error returned by a lower layer into an
// *errs.Error, preserving its Kind if it already carries one and
// falling back to fallback otherwise.
func asError(err error, fallback errs.Kind) *errs.Error {
	var e *errs.Error
	if errors.As(err, &e) {
		return e
	}
	return errs.Wrap(fallback, err, "unexpected error")
}

