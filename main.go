package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/prevant/orchestrator/appservice"
	"github.com/prevant/orchestrator/backup"
	"github.com/prevant/orchestrator/builder"
	"github.com/prevant/orchestrator/config"
	"github.com/prevant/orchestrator/hooks"
	"github.com/prevant/orchestrator/hostmeta"
	"github.com/prevant/orchestrator/httpapi"
	"github.com/prevant/orchestrator/infra"
	dockerinfra "github.com/prevant/orchestrator/infra/docker"
	kubernetesinfra "github.com/prevant/orchestrator/infra/kubernetes"
	"github.com/prevant/orchestrator/models"
	"github.com/prevant/orchestrator/queue"
	"github.com/prevant/orchestrator/registry"
	"github.com/prevant/orchestrator/repository"
	"github.com/prevant/orchestrator/templating"
	"github.com/prevant/orchestrator/traefik"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml/json/toml, anything viper supports)")
	cleanupOlderThan := flag.String("cleanup-older-than", "", "one-shot mode: delete every non-master app whose newest service start time is older than this duration (e.g. 720h), then exit")
	flag.Parse()

	appConfig, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := appConfig.NewLogger()

	logger.Info("prevant orchestrator starting",
		"port", appConfig.Port,
		"backend", appConfig.Backend,
		"log_format", appConfig.LogFormat,
	)

	store, err := repository.Open(appConfig.DBPath, logger)
	if err != nil {
		log.Fatalf("failed to open repository: %v", err)
	}
	defer store.Close()

	baseRoute, err := buildBaseRoute(appConfig)
	if err != nil {
		log.Fatalf("failed to build base traefik route: %v", err)
	}

	infrastructure, err := newInfrastructure(appConfig, logger, baseRoute)
	if err != nil {
		log.Fatalf("failed to initialize %s backend: %v", appConfig.Backend, err)
	}

	if *cleanupOlderThan != "" {
		runCleanup(context.Background(), infrastructure, logger, *cleanupOlderThan)
		return
	}

	registryCache := registry.NewCache(512)
	registryClient := registry.NewClient(appConfig.RegistryAuth(), registryCache, logger)

	templateEngine := templating.NewEngine()

	var paramSchema *templating.CompiledSchema
	schemaSource, err := config.ReadFile(appConfig.ParamSchemaPath)
	if err != nil {
		log.Fatalf("failed to read param schema: %v", err)
	}
	if schemaSource != "" {
		paramSchema, err = templating.CompileSchema([]byte(schemaSource))
		if err != nil {
			log.Fatalf("failed to compile param schema: %v", err)
		}
	}

	deploymentHookSource, err := config.ReadFile(appConfig.DeploymentHookPath)
	if err != nil {
		log.Fatalf("failed to read deployment hook: %v", err)
	}
	idTokenHookSource, err := config.ReadFile(appConfig.IDTokenHookPath)
	if err != nil {
		log.Fatalf("failed to read id token hook: %v", err)
	}
	hookRuntime, err := hooks.New(deploymentHookSource, idTokenHookSource, logger)
	if err != nil {
		log.Fatalf("failed to initialize hooks: %v", err)
	}

	builderDeps := builder.Dependencies{
		RegistryClient: registryClient,
		TemplateEngine: templateEngine,
		ParamSchema:    paramSchema,
		HookRuntime:    hookRuntime,
		HookTimeout:    appConfig.HookTimeout,
		BaseRoute:      baseRoute,
		Logger:         logger,
	}

	apps := appservice.New(infrastructure, store, builderDeps, logger)

	manager := queue.NewManager(store, apps, logger)
	manager.Start(context.Background())
	defer manager.Stop()

	hostMetaCache := hostmeta.NewCache(500)
	crawler := hostmeta.NewCrawler(hostMetaCache, apps, 10*time.Second, logger)
	crawlerCtx, stopCrawler := context.WithCancel(context.Background())
	defer stopCrawler()
	go crawler.Run(crawlerCtx)

	backupController, err := newBackupController(appConfig, store, manager, infrastructure, apps, logger)
	if err != nil {
		log.Fatalf("failed to initialize back-up controller: %v", err)
	}
	backupCtx, stopBackup := context.WithCancel(context.Background())
	defer stopBackup()
	go backupController.Run(backupCtx)

	appConfig.WatchAndReload(logger, func(updated *config.AppConfig) {
		registryClient.SetAuth(updated.RegistryAuth())
	})

	router := httpapi.NewRouter(httpapi.Dependencies{
		Queue:       manager,
		Store:       store,
		Apps:        apps,
		Infra:       infrastructure,
		HostMeta:    hostMetaCache,
		Crawler:     crawler,
		HookRuntime: hookRuntime,
		Logger:      logger,
		AppLimit:    appConfig.AppLimit,
		HookTimeout: appConfig.HookTimeout,
		SyncWait:    appConfig.SyncWait,
	})

	server := &http.Server{
		Addr:         ":" + appConfig.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdownChannel := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			shutdownChannel <- err
		}
		close(shutdownChannel)
	}()

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("startup complete, server ready to serve", "port", appConfig.Port)

	select {
	case sig := <-signalChannel:
		logger.Info("shutdown signal received", "signal", sig)
	case err := <-shutdownChannel:
		if err != nil {
			log.Fatalf("http server failed: %v", err)
		}
	}

	stopCrawler()
	stopBackup()

	shutdownContext, cancelShutdownContext := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdownContext()

	if err := server.Shutdown(shutdownContext); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	} else {
		logger.Info("server shut down cleanly")
	}
}

func buildBaseRoute(appConfig *config.AppConfig) (traefik.IngressRoute, error) {
	if appConfig.TraefikBaseRule == "" {
		return traefik.IngressRoute{
			EntryPoints:     appConfig.TraefikEntryPoints,
			TLSCertResolver: appConfig.TraefikTLSCertResolver,
		}, nil
	}
	rule, err := traefik.Parse(appConfig.TraefikBaseRule)
	if err != nil {
		return traefik.IngressRoute{}, fmt.Errorf("invalid traefik.base_rule: %w", err)
	}
	return traefik.IngressRoute{
		Rule:            rule,
		EntryPoints:     appConfig.TraefikEntryPoints,
		TLSCertResolver: appConfig.TraefikTLSCertResolver,
	}, nil
}

func newInfrastructure(appConfig *config.AppConfig, logger *slog.Logger, baseRoute traefik.IngressRoute) (infra.Infrastructure, error) {
	switch appConfig.Backend {
	case "kubernetes":
		return kubernetesinfra.NewClient(logger, appConfig.KubeconfigPath, appConfig.KubeNamespacePrefix, baseRoute)
	case "docker", "":
		return dockerinfra.NewClient(logger, appConfig.DockerNetwork, baseRoute, appConfig.RegistryAuth())
	default:
		return nil, fmt.Errorf("unknown backend %q (want \"docker\" or \"kubernetes\")", appConfig.Backend)
	}
}

// runCleanup implements the `-cleanup-older-than` one-shot CLI mode,
// supplementing §4.8's automatic stale-app detector with an operator-
// triggered equivalent (e.g. for a CronJob run independent of the
// long-running process).
func runCleanup(ctx context.Context, infrastructure infra.Infrastructure, logger *slog.Logger, maxAge string) {
	d, err := time.ParseDuration(maxAge)
	if err != nil {
		log.Fatalf("invalid -cleanup-older-than duration: %v", err)
	}

	names, err := infrastructure.ListApps(ctx)
	if err != nil {
		log.Fatalf("failed to list apps: %v", err)
	}

	cutoff := time.Now().Add(-d)
	for _, appName := range names {
		if appName.IsMaster() {
			continue
		}
		services, err := infrastructure.GetServices(ctx, appName)
		if err != nil {
			logger.Error("failed to inspect app during cleanup", "app", appName, "error", err)
			continue
		}
		newest := newestStartTime(services)
		if newest.After(cutoff) {
			continue
		}
		logger.Info("cleaning up stale app", "app", appName, "last_started", newest)
		if err := infrastructure.StopServices(ctx, appName); err != nil {
			logger.Error("failed to delete stale app", "app", appName, "error", err)
		}
	}
}

func newestStartTime(services []models.Service) time.Time {
	var newest time.Time
	for _, svc := range services {
		if svc.State.StartedAt != nil && svc.State.StartedAt.After(newest) {
			newest = *svc.State.StartedAt
		}
	}
	return newest
}

func newBackupController(appConfig *config.AppConfig, store *repository.Store, manager *queue.Manager, infrastructure infra.Infrastructure, apps *appservice.Service, logger *slog.Logger) (*backup.Controller, error) {
	permanentPatterns, err := appConfig.PermanentAppPatterns()
	if err != nil {
		return nil, err
	}
	schedule, err := appConfig.BusyHoursSchedule()
	if err != nil {
		return nil, err
	}

	var metrics backup.MetricsProvider
	if appConfig.PrometheusAddress != "" {
		metrics, err = backup.NewPrometheusProvider(appConfig.PrometheusAddress)
		if err != nil {
			return nil, err
		}
	}

	policies := make(map[models.AppName]backup.AppPolicy, len(appConfig.BackupPolicies))
	for _, p := range appConfig.BackupPolicies {
		appName, err := models.NewAppName(p.AppName)
		if err != nil {
			return nil, fmt.Errorf("invalid backup.apps entry %q: %w", p.AppName, err)
		}
		var routerPattern *regexp.Regexp
		if p.RouterPattern != "" {
			routerPattern, err = regexp.Compile(p.RouterPattern)
			if err != nil {
				return nil, fmt.Errorf("invalid backup.apps router_pattern for %q: %w", p.AppName, err)
			}
		}
		policies[appName] = backup.AppPolicy{
			AppName:       appName,
			RouterPattern: routerPattern,
			TimeToUse:     p.TimeToUse,
			TimeToRestore: p.TimeToRestore,
		}
	}

	listApps := func(ctx context.Context) ([]backup.AppPolicy, error) {
		current, err := apps.ListApps(ctx)
		if err != nil {
			return nil, err
		}
		result := make([]backup.AppPolicy, 0, len(current))
		for _, app := range current {
			if policy, ok := policies[app.Name]; ok {
				result = append(result, policy)
			}
		}
		return result, nil
	}

	cfg := backup.Config{
		StaleAppInterval:    appConfig.StaleAppInterval,
		StaleBackupInterval: appConfig.StaleBackupInterval,
		PermanentApps:       permanentPatterns,
		BusyHours:           schedule,
	}

	return backup.NewController(cfg, metrics, store, manager, infrastructure, listApps, logger), nil
}
