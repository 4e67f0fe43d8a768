package docker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	registrytypes "github.com/docker/docker/api/types/registry"

	"github.com/prevant/orchestrator/errs"
	"github.com/prevant/orchestrator/infra"
	"github.com/prevant/orchestrator/models"
)

// filesRoot is where rendered ServiceConfig.Files content is written to
// disk before being bind-mounted read-only into a container, since
// Docker has no concept of mounting an in-memory string directly.
const filesRoot = "/var/lib/prevant/rendered-files"

func appLabelFilter(appName models.AppName) filters.Args {
	return filters.NewArgs(filters.Arg("label", infra.LabelAppName+"="+string(appName)))
}

func serviceLabelFilter(appName models.AppName, serviceName string) filters.Args {
	return filters.NewArgs(
		filters.Arg("label", infra.LabelAppName+"="+string(appName)),
		filters.Arg("label", infra.LabelServiceName+"="+serviceName),
	)
}

// GetServices lists every container labeled for appName and reconstructs
// a models.Service for each, sourcing state entirely from Docker's own
// view (§4.1: "adapter is the sole source of truth").
func (c *Client) GetServices(ctx context.Context, appName models.AppName) ([]models.Service, error) {
	containers, err := c.sdk.ContainerList(ctx, container.ListOptions{All: true, Filters: appLabelFilter(appName)})
	if err != nil {
		return nil, errs.Wrap(errs.InfrastructureError, err, "failed to list containers").WithApp(string(appName))
	}

	services := make([]models.Service, 0, len(containers))
	for _, ctr := range containers {
		svc, err := serviceFromContainer(ctr)
		if err != nil {
			c.logger.Warn("skipping container with unreadable service config", "container_id", ctr.ID[:12], "error", err)
			continue
		}
		services = append(services, svc)
	}

	sort.Slice(services, func(i, j int) bool { return services[i].Config.ServiceName < services[j].Config.ServiceName })
	return services, nil
}

func serviceFromContainer(ctr container.Summary) (models.Service, error) {
	cfg, err := serviceConfigFromLabels(ctr.Labels)
	if err != nil {
		return models.Service{}, err
	}

	status := models.ServiceRunning
	if ctr.State == "paused" {
		status = models.ServicePaused
	}
	startedAt := time.Unix(ctr.Created, 0)

	return models.Service{
		ID:     ctr.ID,
		State:  models.ServiceState{Status: status, StartedAt: &startedAt},
		Config: cfg,
	}, nil
}

// GetConfigsOfApp reconstructs each running service's ServiceConfig
// from the label scheme (§4.1, §6).
func (c *Client) GetConfigsOfApp(ctx context.Context, appName models.AppName) ([]models.ServiceConfig, error) {
	services, err := c.GetServices(ctx, appName)
	if err != nil {
		return nil, err
	}
	configs := make([]models.ServiceConfig, len(services))
	for i, s := range services {
		configs[i] = s.Config
	}
	return configs, nil
}

// DeployServices converges the daemon to match unit: containers for
// services no longer in the unit are stopped and removed, containers
// whose DeploymentStrategy says to redeploy are replaced, and missing
// containers are created — in unit.Services' order, which the builder
// has already sorted companions-first (§4.4 step 7).
func (c *Client) DeployServices(ctx context.Context, unit models.DeploymentUnit) ([]models.Service, error) {
	existing, err := c.sdk.ContainerList(ctx, container.ListOptions{All: true, Filters: appLabelFilter(unit.AppName)})
	if err != nil {
		return nil, errs.Wrap(errs.InfrastructureError, err, "failed to list existing containers").WithApp(string(unit.AppName))
	}

	existingByService := make(map[string]container.Summary, len(existing))
	for _, ctr := range existing {
		existingByService[ctr.Labels[infra.LabelServiceName]] = ctr
	}

	desired := unit.ServiceNames()
	for serviceName, ctr := range existingByService {
		if !desired[serviceName] {
			if err := c.removeContainer(ctx, ctr.ID); err != nil {
				return nil, errs.Wrap(errs.InfrastructureError, err, "failed to remove obsolete container").WithApp(string(unit.AppName)).WithService(serviceName)
			}
		}
	}

	for _, svc := range unit.Services {
		ctr, has := existingByService[svc.Config.ServiceName]
		runningDigest := ""
		if has {
			runningDigest = ctr.Labels[infra.LabelImageDigest]
		}

		if has && !svc.Strategy.ShouldRedeploy(true, runningDigest) {
			continue
		}

		if has {
			if err := c.removeContainer(ctx, ctr.ID); err != nil {
				return nil, errs.Wrap(errs.InfrastructureError, err, "failed to remove container before redeploy").WithApp(string(unit.AppName)).WithService(svc.Config.ServiceName)
			}
		}

		if err := c.createAndStart(ctx, unit.AppName, svc); err != nil {
			return nil, err
		}
	}

	return c.GetServices(ctx, unit.AppName)
}

// StopServices removes every container labeled for appName.
func (c *Client) StopServices(ctx context.Context, appName models.AppName) error {
	containers, err := c.sdk.ContainerList(ctx, container.ListOptions{All: true, Filters: appLabelFilter(appName)})
	if err != nil {
		return errs.Wrap(errs.InfrastructureError, err, "failed to list containers to stop").WithApp(string(appName))
	}
	for _, ctr := range containers {
		if err := c.removeContainer(ctx, ctr.ID); err != nil {
			return errs.Wrap(errs.InfrastructureError, err, "failed to remove container").WithApp(string(appName))
		}
	}
	return nil
}

func (c *Client) removeContainer(ctx context.Context, id string) error {
	stopTimeout := 10
	if err := c.sdk.ContainerStop(ctx, id, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		c.logger.Warn("failed to stop container before removal, forcing", "container_id", id[:12], "error", err)
	}
	return c.sdk.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (c *Client) createAndStart(ctx context.Context, appName models.AppName, svc models.DeployableService) error {
	imageRef := svc.Config.Image.Display()
	if err := c.pullImageIfNotPresent(ctx, imageRef); err != nil {
		return errs.Wrap(errs.InfrastructureError, err, "failed to pull image").WithApp(string(appName)).WithService(svc.Config.ServiceName).WithImage(imageRef)
	}

	name := containerName(string(appName), svc.Config.ServiceName)

	labels, err := serviceLabels(appName, svc.Config, svc.IngressRoute, resolvedDigest(svc.Strategy))
	if err != nil {
		return errs.Wrap(errs.InfrastructureError, err, "failed to build container labels").WithApp(string(appName)).WithService(svc.Config.ServiceName)
	}
	labels[infra.LabelImageDigest] = resolvedDigest(svc.Strategy)

	env := make([]string, len(svc.Config.Env))
	for i, e := range svc.Config.Env {
		env[i] = e.Key + "=" + e.Value
	}

	volumes := make(map[string]struct{}, len(svc.DeclaredVolumes))
	for _, v := range svc.DeclaredVolumes {
		volumes[v] = struct{}{}
	}

	mounts, err := c.materializeFiles(appName, svc.Config.ServiceName, svc.Config.Files)
	if err != nil {
		return errs.Wrap(errs.InfrastructureError, err, "failed to materialize rendered files").WithApp(string(appName)).WithService(svc.Config.ServiceName)
	}

	createResp, err := c.sdk.ContainerCreate(
		ctx,
		&container.Config{
			Image:   imageRef,
			Env:     env,
			Labels:  labels,
			Volumes: volumes,
		},
		&container.HostConfig{
			Mounts:        mounts,
			RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{c.network: {}},
		},
		nil,
		name,
	)
	if err != nil {
		return errs.Wrap(errs.InfrastructureError, err, "failed to create container").WithApp(string(appName)).WithService(svc.Config.ServiceName)
	}

	if err := c.sdk.ContainerStart(ctx, createResp.ID, container.StartOptions{}); err != nil {
		return errs.Wrap(errs.InfrastructureError, err, "failed to start container").WithApp(string(appName)).WithService(svc.Config.ServiceName)
	}

	c.logger.Info("container started", "app", appName, "service", svc.Config.ServiceName, "image", imageRef)
	return nil
}

func resolvedDigest(s models.DeploymentStrategy) string {
	if s.Kind == models.StrategyRedeployOnImageUpdate {
		return s.ExpectedDigest
	}
	return ""
}

// materializeFiles writes each rendered file to disk under filesRoot so
// it can be bind-mounted read-only; content is whatever RenderServiceConfig
// already produced, so this package does no templating of its own.
func (c *Client) materializeFiles(appName models.AppName, serviceName string, files map[string]string) ([]mount.Mount, error) {
	if len(files) == 0 {
		return nil, nil
	}

	baseDir := filepath.Join(filesRoot, string(appName), serviceName)
	mounts := make([]mount.Mount, 0, len(files))
	for containerPath, content := range files {
		hostPath := filepath.Join(baseDir, containerPath)
		if err := os.MkdirAll(filepath.Dir(hostPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %q: %w", containerPath, err)
		}
		if err := os.WriteFile(hostPath, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write rendered file %q: %w", containerPath, err)
		}
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   hostPath,
			Target:   containerPath,
			ReadOnly: true,
		})
	}
	return mounts, nil
}

// pullImageIfNotPresent pulls imageRef, draining the daemon's progress
// stream (it must be fully consumed or the daemon may not finish
// writing layers to disk), using per-registry credentials when
// configured.
func (c *Client) pullImageIfNotPresent(ctx context.Context, imageRef string) error {
	opts := imagetypes.PullOptions{}
	if auth, ok := c.authConfigFor(imageRef); ok {
		opts.RegistryAuth = auth
	}

	stream, err := c.sdk.ImagePull(ctx, imageRef, opts)
	if err != nil {
		return fmt.Errorf("failed to initiate image pull for %q: %w", imageRef, err)
	}
	defer stream.Close()

	if _, err := io.Copy(io.Discard, stream); err != nil {
		return fmt.Errorf("failed to stream image pull response for %q: %w", imageRef, err)
	}
	return nil
}

func (c *Client) authConfigFor(imageRef string) (string, bool) {
	img, err := models.ParseImage(imageRef)
	if err != nil {
		return "", false
	}
	host, ok := img.RegistryHost()
	if !ok {
		return "", false
	}
	cred, ok := c.auth[host]
	if !ok {
		return "", false
	}

	raw, err := json.Marshal(registrytypes.AuthConfig{
		Username:      cred.Username,
		Password:      cred.Password,
		ServerAddress: host,
	})
	if err != nil {
		return "", false
	}
	return base64.URLEncoding.EncodeToString(raw), true
}

// manifestEntry is the stripped, read-only-safe view of one container
// ExportManifest writes into a backup row: everything needed to judge
// what was running, nothing that is volatile (container id, PID,
// timestamps) or regenerable from the label scheme already captured in
// the backup's app JSON.
type manifestEntry struct {
	Name   string            `json:"name"`
	Image  string            `json:"image"`
	Labels map[string]string `json:"labels"`
}

// ExportManifest lists every container labeled for appName and
// captures its name/image/labels, the way the stale-app detector
// attaches to a back-up task (§4.8).
func (c *Client) ExportManifest(ctx context.Context, appName models.AppName) (json.RawMessage, error) {
	containers, err := c.sdk.ContainerList(ctx, container.ListOptions{All: true, Filters: appLabelFilter(appName)})
	if err != nil {
		return nil, errs.Wrap(errs.InfrastructureError, err, "failed to list containers for manifest export").WithApp(string(appName))
	}

	entries := make([]manifestEntry, 0, len(containers))
	for _, ctr := range containers {
		name := ctr.ID
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
		}
		entries = append(entries, manifestEntry{Name: name, Image: ctr.Image, Labels: ctr.Labels})
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest export: %w", err)
	}
	return raw, nil
}

// ListApps enumerates the distinct app names across every labeled
// container, running or stopped.
func (c *Client) ListApps(ctx context.Context) ([]models.AppName, error) {
	filter := filters.NewArgs(filters.Arg("label", infra.LabelAppName))
	containers, err := c.sdk.ContainerList(ctx, container.ListOptions{All: true, Filters: filter})
	if err != nil {
		return nil, errs.Wrap(errs.InfrastructureError, err, "failed to list containers")
	}

	seen := make(map[models.AppName]struct{})
	for _, ctr := range containers {
		if name, ok := ctr.Labels[infra.LabelAppName]; ok {
			seen[models.AppName(name)] = struct{}{}
		}
	}

	apps := make([]models.AppName, 0, len(seen))
	for name := range seen {
		apps = append(apps, name)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i] < apps[j] })
	return apps, nil
}
