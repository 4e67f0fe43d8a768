package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/prevant/orchestrator/errs"
	"github.com/prevant/orchestrator/infra"
	"github.com/prevant/orchestrator/models"
	"github.com/prevant/orchestrator/traefik"
)

// ensureNamespace creates the app's namespace if it does not already
// exist; idempotent the same way every applyObject call below is.
func (c *Client) ensureNamespace(ctx context.Context, appName models.AppName) error {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
		Name:   c.namespaceFor(string(appName)),
		Labels: map[string]string{infra.LabelAppName: string(appName)},
	}}
	if err := c.cr.Create(ctx, ns); err != nil && client.IgnoreAlreadyExists(err) != nil {
		return fmt.Errorf("failed to create namespace: %w", err)
	}
	return nil
}

// applyObject creates obj, or updates it in place carrying over the
// existing ResourceVersion when it already exists — the same
// create-then-fetch-then-update idiom the gardener traefik extension
// uses to apply its managed resources.
func (c *Client) applyObject(ctx context.Context, obj, existing client.Object) error {
	if err := c.cr.Create(ctx, obj); err != nil {
		if client.IgnoreAlreadyExists(err) != nil {
			return err
		}
		if err := c.cr.Get(ctx, client.ObjectKeyFromObject(obj), existing); err != nil {
			return fmt.Errorf("failed to get existing object for update: %w", err)
		}
		obj.SetResourceVersion(existing.GetResourceVersion())
		if err := c.cr.Update(ctx, obj); err != nil {
			return fmt.Errorf("failed to update object: %w", err)
		}
	}
	return nil
}

// GetServices lists the Deployments labeled for appName and reconstructs
// a models.Service from each, reading pod status for the running state
// (§4.1: the cluster's own state is the sole source of truth).
func (c *Client) GetServices(ctx context.Context, appName models.AppName) ([]models.Service, error) {
	var deployments appsv1.DeploymentList
	if err := c.cr.List(ctx, &deployments, client.InNamespace(c.namespaceFor(string(appName))), client.MatchingLabels{infra.LabelAppName: string(appName)}); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.InfrastructureError, err, "failed to list deployments").WithApp(string(appName))
	}

	services := make([]models.Service, 0, len(deployments.Items))
	for _, dep := range deployments.Items {
		svc, err := c.serviceFromDeployment(ctx, dep)
		if err != nil {
			c.logger.Warn("skipping deployment with unreadable service config", "deployment", dep.Name, "error", err)
			continue
		}
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Config.ServiceName < services[j].Config.ServiceName })
	return services, nil
}

func (c *Client) serviceFromDeployment(ctx context.Context, dep appsv1.Deployment) (models.Service, error) {
	cfg, err := serviceConfigFromAnnotations(dep.Annotations)
	if err != nil {
		return models.Service{}, err
	}

	status := models.ServiceRunning
	if dep.Spec.Replicas != nil && *dep.Spec.Replicas == 0 {
		status = models.ServicePaused
	}

	var startedAt *time.Time
	if !dep.CreationTimestamp.Time.IsZero() {
		t := dep.CreationTimestamp.Time
		startedAt = &t
	}

	return models.Service{
		ID:     string(dep.UID),
		State:  models.ServiceState{Status: status, StartedAt: startedAt},
		Config: cfg,
	}, nil
}

// GetConfigsOfApp reconstructs every running service's ServiceConfig
// from the annotation scheme (§4.1, §6).
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

// DeployServices converges the namespace to match unit: Deployments,
// Services and IngressRoutes for services no longer in the unit are
// removed, services whose DeploymentStrategy says to redeploy are
// replaced, and missing ones are created.
func (c *Client) DeployServices(ctx context.Context, unit models.DeploymentUnit) ([]models.Service, error) {
	if err := c.ensureNamespace(ctx, unit.AppName); err != nil {
		return nil, errs.Wrap(errs.InfrastructureError, err, "failed to ensure namespace").WithApp(string(unit.AppName))
	}

	existing, err := c.listDeployments(ctx, unit.AppName)
	if err != nil {
		return nil, errs.Wrap(errs.InfrastructureError, err, "failed to list existing deployments").WithApp(string(unit.AppName))
	}

	desired := unit.ServiceNames()
	for name := range existing {
		if !desired[name] {
			if err := c.removeService(ctx, unit.AppName, name); err != nil {
				return nil, errs.Wrap(errs.InfrastructureError, err, "failed to remove obsolete service").WithApp(string(unit.AppName)).WithService(name)
			}
		}
	}

	for _, svc := range unit.Services {
		prior, has := existing[svc.Config.ServiceName]
		runningDigest := ""
		if has {
			runningDigest = prior.Annotations[infra.LabelImageDigest]
		}
		if has && !svc.Strategy.ShouldRedeploy(true, runningDigest) {
			continue
		}
		if err := c.applyService(ctx, unit.AppName, svc); err != nil {
			return nil, err
		}
	}

	return c.GetServices(ctx, unit.AppName)
}

func (c *Client) listDeployments(ctx context.Context, appName models.AppName) (map[string]appsv1.Deployment, error) {
	var deployments appsv1.DeploymentList
	if err := c.cr.List(ctx, &deployments, client.InNamespace(c.namespaceFor(string(appName))), client.MatchingLabels{infra.LabelAppName: string(appName)}); err != nil {
		if apierrors.IsNotFound(err) {
			return map[string]appsv1.Deployment{}, nil
		}
		return nil, err
	}
	byName := make(map[string]appsv1.Deployment, len(deployments.Items))
	for _, dep := range deployments.Items {
		byName[dep.Name] = dep
	}
	return byName, nil
}

func (c *Client) applyService(ctx context.Context, appName models.AppName, svc models.DeployableService) error {
	namespace := c.namespaceFor(string(appName))
	digest := resolvedDigest(svc.Strategy)

	if cm := c.configMap(appName, svc.Config); cm != nil {
		if err := c.applyObject(ctx, cm, &corev1.ConfigMap{}); err != nil {
			return errs.Wrap(errs.InfrastructureError, err, "failed to apply files configmap").WithApp(string(appName)).WithService(svc.Config.ServiceName)
		}
	}

	dep, err := c.deployment(appName, svc, digest, digest)
	if err != nil {
		return errs.Wrap(errs.InfrastructureError, err, "failed to build deployment manifest").WithApp(string(appName)).WithService(svc.Config.ServiceName)
	}
	if err := c.applyObject(ctx, dep, &appsv1.Deployment{}); err != nil {
		return errs.Wrap(errs.InfrastructureError, err, "failed to apply deployment").WithApp(string(appName)).WithService(svc.Config.ServiceName)
	}

	svcObj := c.service(appName, svc.Config)
	if err := c.applyObject(ctx, svcObj, &corev1.Service{}); err != nil {
		return errs.Wrap(errs.InfrastructureError, err, "failed to apply service").WithApp(string(appName)).WithService(svc.Config.ServiceName)
	}

	route := c.ingressRoute(appName, svc.Config, svc.IngressRoute)
	if err := c.applyObject(ctx, route, route.DeepCopy()); err != nil {
		return errs.Wrap(errs.InfrastructureError, err, "failed to apply ingressroute").WithApp(string(appName)).WithService(svc.Config.ServiceName)
	}

	c.logger.Info("deployment converged", "app", appName, "service", svc.Config.ServiceName, "namespace", namespace)
	return nil
}

func resolvedDigest(s models.DeploymentStrategy) string {
	if s.Kind == models.StrategyRedeployOnImageUpdate {
		return s.ExpectedDigest
	}
	return ""
}

func (c *Client) removeService(ctx context.Context, appName models.AppName, serviceName string) error {
	namespace := c.namespaceFor(string(appName))
	objs := []client.Object{
		&appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: serviceName, Namespace: namespace}},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: serviceName, Namespace: namespace}},
		&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: serviceName + "-files", Namespace: namespace}},
	}
	for _, obj := range objs {
		if err := c.cr.Delete(ctx, obj); err != nil && client.IgnoreNotFound(err) != nil {
			return err
		}
	}
	route := c.ingressRoute(appName, models.ServiceConfig{ServiceName: serviceName}, traefik.IngressRoute{})
	if err := c.cr.Delete(ctx, route); err != nil && client.IgnoreNotFound(err) != nil {
		return err
	}
	return nil
}

// StopServices deletes the app's entire namespace — every Deployment,
// Service, ConfigMap and IngressRoute it holds goes with it.
func (c *Client) StopServices(ctx context.Context, appName models.AppName) error {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: c.namespaceFor(string(appName))}}
	if err := c.cr.Delete(ctx, ns); err != nil && client.IgnoreNotFound(err) != nil {
		return errs.Wrap(errs.InfrastructureError, err, "failed to delete namespace").WithApp(string(appName))
	}
	return nil
}

// manifestEntry is the stripped, read-only-safe view of one Deployment
// ExportManifest captures: pod spec and the config annotation (already
// the JSON-encoded ServiceConfig), with metadata that regenerates on
// apply (resourceVersion, uid, creationTimestamp) left out.
type manifestEntry struct {
	Name        string            `json:"name"`
	Annotations map[string]string `json:"annotations"`
	PodSpec     corev1.PodSpec    `json:"podSpec"`
}

// ExportManifest lists every Deployment in appName's namespace and
// captures its pod spec and annotations, for the stale-app detector's
// back-up task payload (§4.8).
func (c *Client) ExportManifest(ctx context.Context, appName models.AppName) (json.RawMessage, error) {
	deployments, err := c.listDeployments(ctx, appName)
	if err != nil {
		return nil, err
	}

	entries := make([]manifestEntry, 0, len(deployments))
	for name, dep := range deployments {
		entries = append(entries, manifestEntry{
			Name:        name,
			Annotations: dep.Annotations,
			PodSpec:     dep.Spec.Template.Spec,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest export: %w", err)
	}
	return raw, nil
}

// ListApps enumerates the distinct app-name label values across every
// Deployment this client can see, independent of namespace, so an app
// applied from another process is still discovered.
func (c *Client) ListApps(ctx context.Context) ([]models.AppName, error) {
	var deployments appsv1.DeploymentList
	if err := c.cr.List(ctx, &deployments, client.HasLabels{infra.LabelAppName}); err != nil {
		return nil, errs.Wrap(errs.InfrastructureError, err, "failed to list deployments")
	}

	seen := make(map[models.AppName]struct{})
	for _, dep := range deployments.Items {
		if name, ok := dep.Labels[infra.LabelAppName]; ok {
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
