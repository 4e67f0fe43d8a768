// Package builder assembles a DeploymentUnit from a task's raw
// ServiceConfigs through the pipeline §4.4 describes. Each stage is
// its own Go type so a caller cannot skip or reorder a step — the
// compiler rejects calling, say, WithAppliedHooks before
// WithResolvedImages, since the former is a method of a stage that is
// only reachable through the latter's return value.
package builder

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/prevant/orchestrator/errs"
	"github.com/prevant/orchestrator/hooks"
	"github.com/prevant/orchestrator/models"
	"github.com/prevant/orchestrator/registry"
	"github.com/prevant/orchestrator/templating"
	"github.com/prevant/orchestrator/traefik"
)

// CompanionSpec is one configured companion (app- or service-scoped)
// the operator wants injected into every deployment, or every service
// of a given name, respectively (§4.4 step 1).
type CompanionSpec struct {
	Config             models.ServiceConfig
	ServiceCompanionOf string // empty for an application companion
}

// Dependencies bundles the collaborators the pipeline's later stages
// need, so New doesn't take a half-dozen positional arguments.
type Dependencies struct {
	Companions     []CompanionSpec
	RegistryClient *registry.Client
	TemplateEngine *templating.Engine
	ParamSchema    *templating.CompiledSchema
	HookRuntime    *hooks.Runtime
	HookTimeout    time.Duration
	BaseRoute      traefik.IngressRoute
	Logger         *slog.Logger
}

// Init is the pipeline's entry stage: an app name, its replicate_from
// template's service configs already overlaid per §4.4 step 0 (the
// caller — appservice — resolves replicate_from before invoking the
// builder, since that lookup needs the running App state the builder
// itself has no access to), and the user-defined parameters to
// validate and expose to templating.
type Init struct {
	deps                  Dependencies
	appName               models.AppName
	services              []models.ServiceConfig
	userDefinedParameters json.RawMessage
}

func New(deps Dependencies, appName models.AppName, services []models.ServiceConfig, userDefinedParameters json.RawMessage) *Init {
	return &Init{deps: deps, appName: appName, services: services, userDefinedParameters: userDefinedParameters}
}

// WithCompanions injects configured companions per §4.4 step 1:
// application companions are added once per deployment unit; service
// companions are added once per matching service name. A companion
// whose name collides with an already-declared service merges into it
// (the declared service wins identity, the companion's env/files/labels
// fill in anything unset) via ServiceConfig.MergeWith, matching how the
// builder treats any other same-name collision.
func (s *Init) WithCompanions() *WithCompanions {
	byName := make(map[string]models.ServiceConfig, len(s.services))
	order := make([]string, 0, len(s.services))
	for _, svc := range s.services {
		byName[svc.ServiceName] = svc
		order = append(order, svc.ServiceName)
	}

	addOrMerge := func(companion models.ServiceConfig) {
		if existing, ok := byName[companion.ServiceName]; ok {
			merged := companion.MergeWith(existing)
			if existing.ContainerType != "" {
				merged.ContainerType = existing.ContainerType
			}
			byName[companion.ServiceName] = merged
			return
		}
		byName[companion.ServiceName] = companion
		order = append(order, companion.ServiceName)
	}

	for _, c := range s.deps.Companions {
		if c.ServiceCompanionOf == "" {
			addOrMerge(c.Config)
			continue
		}
		if _, ok := byName[c.ServiceCompanionOf]; ok {
			addOrMerge(c.Config)
		}
	}

	merged := make([]models.ServiceConfig, 0, len(order))
	for _, name := range order {
		merged = append(merged, byName[name])
	}

	return &WithCompanions{Init: *s, services: merged}
}

type WithCompanions struct {
	Init
	services []models.ServiceConfig
}

// WithTemplatedConfigs extends the pipeline with the app's
// currently-running instance configs that aren't part of this request
// (§4.4 step 3). They are never deployed by this pipeline run — they
// exist solely so an application-companion's templating context can see
// the whole fleet rather than just what this particular request names,
// which is what lets, e.g., a companion's `{{#each services}}` list
// grow across a sequence of unrelated single-service deploys instead of
// resetting on every call. The caller (appservice) resolves this list
// the same way it resolves replicate_from, since it's the one with
// access to the running App state.
func (s *WithCompanions) WithTemplatedConfigs(runningNotInRequest []models.ServiceConfig) *WithTemplatedConfigs {
	return &WithTemplatedConfigs{WithCompanions: *s, templatingOnly: runningNotInRequest}
}

type WithTemplatedConfigs struct {
	WithCompanions
	templatingOnly []models.ServiceConfig
}

// resolvedService threads one service's per-stage derived state
// (strategy, declared volumes, redeploy decision) alongside its config
// as it passes through the remaining stages.
type resolvedService struct {
	config          models.ServiceConfig
	strategy        models.DeploymentStrategy
	declaredVolumes []string
}

// WithResolvedImages resolves every distinct image against the
// registry client (§4.2, §4.4 step 2 — image resolution happens before
// templating/hooks so user-defined-parameter driven env values can
// never influence which image a service runs), across both the
// services this pipeline will deploy and the templating-only configs
// WithTemplatedConfigs attached. A service's declared volumes and
// redeploy strategy (RedeployOnImageUpdate with the resolved digest)
// are derived here.
func (s *WithTemplatedConfigs) WithResolvedImages(ctx context.Context) (*WithResolvedImages, error) {
	images := make([]models.Image, 0, len(s.services)+len(s.templatingOnly))
	for _, svc := range s.services {
		images = append(images, svc.Image)
	}
	for _, svc := range s.templatingOnly {
		images = append(images, svc.Image)
	}

	infos, err := s.deps.RegistryClient.ResolveAll(ctx, images)
	if err != nil {
		return nil, err
	}

	resolved := make([]resolvedService, len(s.services))
	for i, svc := range s.services {
		info := infos[svc.Image.Display()]
		if svc.Port <= 0 && info.ExposedPort > 0 {
			svc.Port = info.ExposedPort
		}
		resolved[i] = resolvedService{
			config:          svc,
			strategy:        models.RedeployOnImageUpdate(info.Digest),
			declaredVolumes: info.DeclaredVolumes,
		}
	}

	templatingOnly := make([]resolvedService, len(s.templatingOnly))
	for i, svc := range s.templatingOnly {
		info := infos[svc.Image.Display()]
		if svc.Port <= 0 && info.ExposedPort > 0 {
			svc.Port = info.ExposedPort
		}
		templatingOnly[i] = resolvedService{config: svc}
	}

	return &WithResolvedImages{WithTemplatedConfigs: *s, resolved: resolved, templatingOnly: templatingOnly}, nil
}

type WithResolvedImages struct {
	WithTemplatedConfigs
	resolved       []resolvedService
	templatingOnly []resolvedService
}

// WithAppliedTemplating renders every templated leaf of every service
// config against the §4.3 context, having first validated user-defined
// parameters against the configured JSON-Schema so a malformed request
// fails before any rendering happens.
func (s *WithResolvedImages) WithAppliedTemplating() (*WithAppliedTemplating, error) {
	if err := templating.ValidateUserDefinedParameters(s.deps.ParamSchema, s.userDefinedParameters); err != nil {
		return nil, err
	}

	views := make([]templating.ServiceView, len(s.resolved))
	for i, r := range s.resolved {
		views[i] = templating.ServiceViewOf(r.config)
	}

	// allViews widens the services context with the running instances
	// WithTemplatedConfigs attached, deduplicated against this request's
	// own services (a name present in both wins from the request side,
	// since that's the freshest information about it). Companions are
	// left out of the list, so a companion's `{{#each services}}` names
	// only the instances and replicas.
	present := make(map[string]bool, len(views))
	for _, v := range views {
		present[v.Name] = true
	}
	allViews := make([]templating.ServiceView, 0, len(views)+len(s.templatingOnly))
	for _, r := range s.templatingOnly {
		view := templating.ServiceViewOf(r.config)
		if present[view.Name] {
			continue
		}
		allViews = append(allViews, view)
	}
	for i, view := range views {
		switch s.resolved[i].config.ContainerType {
		case models.ContainerTypeApplicationCompanion, models.ContainerTypeServiceCompanion:
			continue
		}
		allViews = append(allViews, view)
	}

	var userDefined any
	if len(s.userDefinedParameters) > 0 {
		if err := json.Unmarshal(s.userDefinedParameters, &userDefined); err != nil {
			return nil, errs.Wrap(errs.InvalidUserDefinedParameters, err, "user-defined parameters is not valid JSON")
		}
	}

	rendered := make([]resolvedService, len(s.resolved))
	for i, r := range s.resolved {
		view := views[i]
		renderCtx := templating.Context{
			Service:     &view,
			Services:    allViews,
			UserDefined: userDefined,
		}
		renderCtx.Application.Name = string(s.appName)

		cfg, err := s.deps.TemplateEngine.RenderServiceConfig(r.config, renderCtx)
		if err != nil {
			return nil, err
		}
		rendered[i] = r
		rendered[i].config = cfg
	}

	return &WithAppliedTemplating{WithResolvedImages: *s, rendered: rendered}, nil
}

type WithAppliedTemplating struct {
	WithResolvedImages
	rendered []resolvedService
}

// WithAppliedHooks runs the deploymentHook, if configured, over the
// rendered service configs (§4.6). The hook sees configs after
// templating so it can inspect final values; its output replaces
// env/files per hooks.Runtime.ApplyDeploymentHook's contract, and any
// output entry that doesn't match an input service's identity is
// dropped.
func (s *WithAppliedTemplating) WithAppliedHooks() (*WithAppliedHooks, error) {
	if s.deps.HookRuntime == nil || !s.deps.HookRuntime.HasDeploymentHook() {
		return &WithAppliedHooks{WithAppliedTemplating: *s, hooked: s.rendered}, nil
	}

	configs := make([]models.ServiceConfig, len(s.rendered))
	for i, r := range s.rendered {
		configs[i] = r.config
	}

	afterHook, err := s.deps.HookRuntime.ApplyDeploymentHook(string(s.appName), configs, s.deps.HookTimeout)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]resolvedService, len(s.rendered))
	for _, r := range s.rendered {
		byName[r.config.ServiceName] = r
	}

	hooked := make([]resolvedService, 0, len(afterHook))
	for _, cfg := range afterHook {
		r, ok := byName[cfg.ServiceName]
		if !ok {
			continue
		}
		r.config = cfg
		hooked = append(hooked, r)
	}

	return &WithAppliedHooks{WithAppliedTemplating: *s, hooked: hooked}, nil
}

type WithAppliedHooks struct {
	WithAppliedTemplating
	hooked []resolvedService
}

// WithAppliedIngressRoute attaches each service's IngressRoute: its own
// router declaration if present (parsed into a traefik.RouterRule, with
// additionalMiddlewares appended), else the default
// PathPrefix(/{app}/{service}/) route, then merges the cluster's base
// route as a prefix over it (§4.1, §4.4 step 6).
func (s *WithAppliedHooks) WithAppliedIngressRoute() (*Built, error) {
	services := make([]models.DeployableService, len(s.hooked))
	for i, r := range s.hooked {
		route, err := serviceRoute(s.appName, r.config, s.deps.BaseRoute)
		if err != nil {
			return nil, err
		}
		services[i] = models.DeployableService{
			Config:          r.config,
			Strategy:        r.strategy,
			IngressRoute:    route,
			DeclaredVolumes: r.declaredVolumes,
		}
	}

	sortByContainerType(services)

	return &Built{
		unit: models.DeploymentUnit{
			AppName:      s.appName,
			Services:     services,
			AppBaseRoute: s.deps.BaseRoute,
		},
	}, nil
}

func serviceRoute(appName models.AppName, cfg models.ServiceConfig, base traefik.IngressRoute) (traefik.IngressRoute, error) {
	var route traefik.IngressRoute
	if cfg.Router != nil && cfg.Router.Rule != "" {
		rule, err := traefik.Parse(cfg.Router.Rule)
		if err != nil {
			return traefik.IngressRoute{}, errs.Wrap(errs.FailedToParseTraefikRule, err, "failed to parse router rule").WithApp(string(appName)).WithService(cfg.ServiceName)
		}
		route = traefik.IngressRoute{Rule: rule}
	} else {
		route = traefik.DefaultRoute(string(appName), cfg.ServiceName)
	}

	if cfg.Router != nil {
		route = route.WithAdditionalMiddlewares(cfg.Router.AdditionalMiddlewares)
	}

	return base.MergeWithBase(route), nil
}

// sortByContainerType orders services application-companion <
// service-companion < instance/replica, the order §4.4 step 7 requires
// the infrastructure adapter receive them in so companions start
// before the services that depend on them. Insertion sort keeps ties
// in declaration order and needs no import beyond what this file
// already has; the input is a handful of services per app.
func sortByContainerType(services []models.DeployableService) {
	for i := 1; i < len(services); i++ {
		j := i
		for j > 0 && services[j-1].Config.ContainerType.Order() > services[j].Config.ContainerType.Order() {
			services[j-1], services[j] = services[j], services[j-1]
			j--
		}
	}
}

// Built is the pipeline's terminal stage.
type Built struct {
	unit models.DeploymentUnit
}

// Build returns the finished, immutable DeploymentUnit (§4.4 step 8).
func (s *Built) Build() models.DeploymentUnit {
	return s.unit
}
