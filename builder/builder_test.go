package builder

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/prevant/orchestrator/hooks"
	"github.com/prevant/orchestrator/models"
	"github.com/prevant/orchestrator/registry"
	"github.com/prevant/orchestrator/templating"
	"github.com/prevant/orchestrator/traefik"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func cachedImage(cache *registry.Cache, repo, tag string, info registry.ImageInfo) models.Image {
	img := models.NewNamedImage("", "", repo, tag)
	cache.Put(img, info)
	return img
}

func noopHookRuntime(t *testing.T) *hooks.Runtime {
	t.Helper()
	runtime, err := hooks.New("", "", testLogger())
	if err != nil {
		t.Fatalf("failed to build hook runtime: %v", err)
	}
	return runtime
}

func TestPipeline_BuildsSingleServiceWithDefaultRoute(t *testing.T) {
	cache := registry.NewCache(8)
	img := cachedImage(cache, "web", "latest", registry.ImageInfo{Digest: "sha256:web", ExposedPort: 8080})

	deps := Dependencies{
		RegistryClient: registry.NewClient(nil, cache, testLogger()),
		TemplateEngine: templating.NewEngine(),
		HookRuntime:    noopHookRuntime(t),
		BaseRoute:      traefik.IngressRoute{EntryPoints: []string{"web"}},
		Logger:         testLogger(),
	}

	configs := []models.ServiceConfig{
		{ServiceName: "web", Image: img, ContainerType: models.ContainerTypeInstance},
	}

	init := New(deps, models.AppName("checkout"), configs, nil)
	withImages, err := init.WithCompanions().WithTemplatedConfigs(nil).WithResolvedImages(context.Background())
	if err != nil {
		t.Fatalf("unexpected error resolving images: %v", err)
	}
	withTemplating, err := withImages.WithAppliedTemplating()
	if err != nil {
		t.Fatalf("unexpected error templating: %v", err)
	}
	withHooks, err := withTemplating.WithAppliedHooks()
	if err != nil {
		t.Fatalf("unexpected error applying hooks: %v", err)
	}
	built, err := withHooks.WithAppliedIngressRoute()
	if err != nil {
		t.Fatalf("unexpected error building ingress route: %v", err)
	}

	unit := built.Build()
	if len(unit.Services) != 1 {
		t.Fatalf("got %d services, want 1", len(unit.Services))
	}
	svc := unit.Services[0]
	if svc.Config.Port != 8080 {
		t.Errorf("got port %d, want 8080 defaulted from the resolved image", svc.Config.Port)
	}
	if svc.Strategy.ExpectedDigest != "sha256:web" {
		t.Errorf("got digest %q, want sha256:web", svc.Strategy.ExpectedDigest)
	}
	if svc.IngressRoute.Rule.Display() == "" {
		t.Error("expected a non-empty default PathPrefix rule")
	}
	if len(svc.IngressRoute.EntryPoints) != 1 || svc.IngressRoute.EntryPoints[0] != "web" {
		t.Errorf("got entry points %v, want the base route's entryPoints merged in", svc.IngressRoute.EntryPoints)
	}
}

func TestPipeline_ApplicationCompanionAddedAlongsideDeclaredService(t *testing.T) {
	cache := registry.NewCache(8)
	webImg := cachedImage(cache, "web", "latest", registry.ImageInfo{Digest: "sha256:web"})
	sidecarImg := cachedImage(cache, "sidecar", "latest", registry.ImageInfo{Digest: "sha256:sidecar"})

	companions := []CompanionSpec{
		{Config: models.ServiceConfig{ServiceName: "sidecar", Image: sidecarImg, ContainerType: models.ContainerTypeApplicationCompanion}},
	}
	deps := Dependencies{
		Companions:     companions,
		RegistryClient: registry.NewClient(nil, cache, testLogger()),
		TemplateEngine: templating.NewEngine(),
		HookRuntime:    noopHookRuntime(t),
		Logger:         testLogger(),
	}

	configs := []models.ServiceConfig{
		{ServiceName: "web", Image: webImg, ContainerType: models.ContainerTypeInstance},
	}

	init := New(deps, models.AppName("checkout"), configs, nil)
	withCompanions := init.WithCompanions()

	names := make([]string, 0)
	for _, svc := range withCompanions.services {
		names = append(names, svc.ServiceName)
	}
	if len(names) != 2 {
		t.Fatalf("got services %v, want web + sidecar", names)
	}
}

func TestPipeline_CompanionSkippedWhenTargetServiceMissing(t *testing.T) {
	cache := registry.NewCache(8)
	sidecarImg := cachedImage(cache, "sidecar", "latest", registry.ImageInfo{Digest: "sha256:sidecar"})

	companions := []CompanionSpec{
		{Config: models.ServiceConfig{ServiceName: "sidecar", Image: sidecarImg}, ServiceCompanionOf: "not-present"},
	}
	deps := Dependencies{Companions: companions, Logger: testLogger()}

	init := New(deps, models.AppName("checkout"), []models.ServiceConfig{{ServiceName: "web"}}, nil)
	withCompanions := init.WithCompanions()

	if len(withCompanions.services) != 1 {
		t.Fatalf("got %d services, want only web (companion has no matching target)", len(withCompanions.services))
	}
}

func TestPipeline_InvalidUserDefinedParametersFailsTemplatingStage(t *testing.T) {
	cache := registry.NewCache(8)
	img := cachedImage(cache, "web", "latest", registry.ImageInfo{Digest: "sha256:web"})

	schema, err := templating.CompileSchema([]byte(`{"type":"object","required":["replicas"]}`))
	if err != nil {
		t.Fatalf("failed to compile schema: %v", err)
	}

	deps := Dependencies{
		RegistryClient: registry.NewClient(nil, cache, testLogger()),
		TemplateEngine: templating.NewEngine(),
		ParamSchema:    schema,
		HookRuntime:    noopHookRuntime(t),
		Logger:         testLogger(),
	}

	configs := []models.ServiceConfig{{ServiceName: "web", Image: img}}
	init := New(deps, models.AppName("checkout"), configs, json.RawMessage(`{}`))

	withImages, err := init.WithCompanions().WithTemplatedConfigs(nil).WithResolvedImages(context.Background())
	if err != nil {
		t.Fatalf("unexpected error resolving images: %v", err)
	}
	if _, err := withImages.WithAppliedTemplating(); err == nil {
		t.Fatal("expected an error for user-defined parameters missing a required field")
	}
}

func TestPipeline_DeploymentHookDropsUnmatchedService(t *testing.T) {
	cache := registry.NewCache(8)
	webImg := cachedImage(cache, "web", "latest", registry.ImageInfo{Digest: "sha256:web"})
	dropImg := cachedImage(cache, "drop-me", "latest", registry.ImageInfo{Digest: "sha256:drop"})

	source := `
function deploymentHook(appName, services) {
  return services.filter(function(s) { return s.name !== "drop-me"; });
}`
	runtime, err := hooks.New(source, "", testLogger())
	if err != nil {
		t.Fatalf("failed to compile hook: %v", err)
	}

	deps := Dependencies{
		RegistryClient: registry.NewClient(nil, cache, testLogger()),
		TemplateEngine: templating.NewEngine(),
		HookRuntime:    runtime,
		Logger:         testLogger(),
	}

	configs := []models.ServiceConfig{
		{ServiceName: "web", Image: webImg},
		{ServiceName: "drop-me", Image: dropImg},
	}

	init := New(deps, models.AppName("checkout"), configs, nil)
	withImages, err := init.WithCompanions().WithTemplatedConfigs(nil).WithResolvedImages(context.Background())
	if err != nil {
		t.Fatalf("unexpected error resolving images: %v", err)
	}
	withTemplating, err := withImages.WithAppliedTemplating()
	if err != nil {
		t.Fatalf("unexpected error templating: %v", err)
	}
	withHooks, err := withTemplating.WithAppliedHooks()
	if err != nil {
		t.Fatalf("unexpected error applying hooks: %v", err)
	}
	if len(withHooks.hooked) != 1 || withHooks.hooked[0].config.ServiceName != "web" {
		t.Fatalf("got %+v, want only web surviving the hook", withHooks.hooked)
	}
}

func TestPipeline_SortsCompanionsBeforeInstances(t *testing.T) {
	cache := registry.NewCache(8)
	webImg := cachedImage(cache, "web", "latest", registry.ImageInfo{Digest: "sha256:web"})
	companionImg := cachedImage(cache, "sidecar", "latest", registry.ImageInfo{Digest: "sha256:sidecar"})

	deps := Dependencies{
		RegistryClient: registry.NewClient(nil, cache, testLogger()),
		TemplateEngine: templating.NewEngine(),
		HookRuntime:    noopHookRuntime(t),
		Logger:         testLogger(),
	}

	configs := []models.ServiceConfig{
		{ServiceName: "web", Image: webImg, ContainerType: models.ContainerTypeInstance},
		{ServiceName: "sidecar", Image: companionImg, ContainerType: models.ContainerTypeApplicationCompanion},
	}

	init := New(deps, models.AppName("checkout"), configs, nil)
	withImages, err := init.WithCompanions().WithTemplatedConfigs(nil).WithResolvedImages(context.Background())
	if err != nil {
		t.Fatalf("unexpected error resolving images: %v", err)
	}
	withTemplating, err := withImages.WithAppliedTemplating()
	if err != nil {
		t.Fatalf("unexpected error templating: %v", err)
	}
	withHooks, err := withTemplating.WithAppliedHooks()
	if err != nil {
		t.Fatalf("unexpected error applying hooks: %v", err)
	}
	built, err := withHooks.WithAppliedIngressRoute()
	if err != nil {
		t.Fatalf("unexpected error building ingress route: %v", err)
	}

	unit := built.Build()
	if len(unit.Services) != 2 {
		t.Fatalf("got %d services, want 2", len(unit.Services))
	}
	if unit.Services[0].Config.ServiceName != "sidecar" {
		t.Errorf("got order %v, want the companion first", []string{unit.Services[0].Config.ServiceName, unit.Services[1].Config.ServiceName})
	}
}

func TestPipeline_ExplicitRouterRuleParsedAndMergedWithBase(t *testing.T) {
	cache := registry.NewCache(8)
	img := cachedImage(cache, "web", "latest", registry.ImageInfo{Digest: "sha256:web"})

	deps := Dependencies{
		RegistryClient: registry.NewClient(nil, cache, testLogger()),
		TemplateEngine: templating.NewEngine(),
		HookRuntime:    noopHookRuntime(t),
		BaseRoute:      traefik.IngressRoute{TLSCertResolver: "letsencrypt"},
		Logger:         testLogger(),
	}

	configs := []models.ServiceConfig{
		{ServiceName: "web", Image: img, Router: &models.Router{Rule: "Host(`checkout.example.com`)"}},
	}

	init := New(deps, models.AppName("checkout"), configs, nil)
	withImages, err := init.WithCompanions().WithTemplatedConfigs(nil).WithResolvedImages(context.Background())
	if err != nil {
		t.Fatalf("unexpected error resolving images: %v", err)
	}
	withTemplating, err := withImages.WithAppliedTemplating()
	if err != nil {
		t.Fatalf("unexpected error templating: %v", err)
	}
	withHooks, err := withTemplating.WithAppliedHooks()
	if err != nil {
		t.Fatalf("unexpected error applying hooks: %v", err)
	}
	built, err := withHooks.WithAppliedIngressRoute()
	if err != nil {
		t.Fatalf("unexpected error building ingress route: %v", err)
	}

	unit := built.Build()
	if unit.Services[0].IngressRoute.TLSCertResolver != "letsencrypt" {
		t.Errorf("got resolver %q, want the base route's resolver to win", unit.Services[0].IngressRoute.TLSCertResolver)
	}
}

// buildOne runs a single pipeline pass for one request, returning the
// rendered app-companion's SERVICES env var. requested is this
// request's own services; runningNotInRequest is what
// WithTemplatedConfigs would have been fed (the currently-running
// instances this request doesn't name).
func buildOne(t *testing.T, cache *registry.Cache, requested []models.ServiceConfig, runningNotInRequest []models.ServiceConfig) string {
	t.Helper()

	companionImg := cachedImage(cache, "openid", "23", registry.ImageInfo{Digest: "sha256:openid"})
	deps := Dependencies{
		Companions: []CompanionSpec{
			{Config: models.ServiceConfig{
				ServiceName:   "openid",
				Image:         companionImg,
				ContainerType: models.ContainerTypeApplicationCompanion,
				Env: []models.EnvVar{
					{Key: "SERVICES", Value: "{{#each services}}{{name}},{{/each}}", Templated: true},
				},
			}},
		},
		RegistryClient: registry.NewClient(nil, cache, testLogger()),
		TemplateEngine: templating.NewEngine(),
		HookRuntime:    noopHookRuntime(t),
		Logger:         testLogger(),
	}

	init := New(deps, models.AppName("master"), requested, nil)
	withImages, err := init.WithCompanions().WithTemplatedConfigs(runningNotInRequest).WithResolvedImages(context.Background())
	if err != nil {
		t.Fatalf("unexpected error resolving images: %v", err)
	}
	withTemplating, err := withImages.WithAppliedTemplating()
	if err != nil {
		t.Fatalf("unexpected error templating: %v", err)
	}
	withHooks, err := withTemplating.WithAppliedHooks()
	if err != nil {
		t.Fatalf("unexpected error applying hooks: %v", err)
	}
	built, err := withHooks.WithAppliedIngressRoute()
	if err != nil {
		t.Fatalf("unexpected error building ingress route: %v", err)
	}

	unit := built.Build()
	for _, svc := range unit.Services {
		if svc.Config.ServiceName != "openid" {
			continue
		}
		for _, e := range svc.Config.Env {
			if e.Key == "SERVICES" {
				return e.Value
			}
		}
	}
	t.Fatal("openid companion not found in built unit")
	return ""
}

// TestPipeline_TemplatingOnlyConfigsAccumulateAcrossSequentialDeploys
// reproduces the "templating over running services" scenario: three
// single-service deploys into the same app, each one only naming the
// service it adds, with WithTemplatedConfigs fed whatever the previous
// deploys left running. The app companion's SERVICES list must grow to
// name all three by the third deploy, not just the last request.
func TestPipeline_TemplatingOnlyConfigsAccumulateAcrossSequentialDeploys(t *testing.T) {
	cache := registry.NewCache(8)
	serviceA := models.ServiceConfig{ServiceName: "service-a", Image: cachedImage(cache, "service-a", "latest", registry.ImageInfo{Digest: "sha256:a"}), ContainerType: models.ContainerTypeInstance}
	serviceB := models.ServiceConfig{ServiceName: "service-b", Image: cachedImage(cache, "service-b", "latest", registry.ImageInfo{Digest: "sha256:b"}), ContainerType: models.ContainerTypeInstance}
	serviceC := models.ServiceConfig{ServiceName: "service-c", Image: cachedImage(cache, "service-c", "latest", registry.ImageInfo{Digest: "sha256:c"}), ContainerType: models.ContainerTypeInstance}

	got := buildOne(t, cache, []models.ServiceConfig{serviceA}, nil)
	if got != "service-a," {
		t.Fatalf("after first deploy: got %q, want %q", got, "service-a,")
	}

	got = buildOne(t, cache, []models.ServiceConfig{serviceB}, []models.ServiceConfig{serviceA})
	if got != "service-a,service-b," {
		t.Fatalf("after second deploy: got %q, want %q", got, "service-a,service-b,")
	}

	got = buildOne(t, cache, []models.ServiceConfig{serviceC}, []models.ServiceConfig{serviceA, serviceB})
	if got != "service-a,service-b,service-c," {
		t.Fatalf("after third deploy: got %q, want %q", got, "service-a,service-b,service-c,")
	}
}
