package kubernetes

import (
	"context"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/prevant/orchestrator/errs"
	"github.com/prevant/orchestrator/infra"
	"github.com/prevant/orchestrator/models"
)

// GetStatusChange reports whether a service's Deployment is currently
// scaled up or down (§4.1). Kubernetes has no native container pause,
// so "paused" here means scaled to zero replicas.
func (c *Client) GetStatusChange(ctx context.Context, appName models.AppName, serviceName string) (models.ServiceStatus, error) {
	var dep appsv1.Deployment
	key := client.ObjectKey{Namespace: c.namespaceFor(string(appName)), Name: serviceName}
	if err := c.cr.Get(ctx, key, &dep); err != nil {
		return "", errs.Wrap(errs.NotFound, err, "deployment not found").WithApp(string(appName)).WithService(serviceName)
	}
	if dep.Spec.Replicas != nil && *dep.Spec.Replicas == 0 {
		return models.ServicePaused, nil
	}
	return models.ServiceRunning, nil
}

// ChangeStatus scales a service's Deployment to zero (paused) or one
// (running) replica without deleting it, the Deployment-level analogue
// of Docker's container pause/unpause (§4.1).
func (c *Client) ChangeStatus(ctx context.Context, appName models.AppName, serviceName string, status models.ServiceStatus) error {
	var dep appsv1.Deployment
	key := client.ObjectKey{Namespace: c.namespaceFor(string(appName)), Name: serviceName}
	if err := c.cr.Get(ctx, key, &dep); err != nil {
		return errs.Wrap(errs.NotFound, err, "deployment not found").WithApp(string(appName)).WithService(serviceName)
	}

	var replicas int32
	switch status {
	case models.ServicePaused:
		replicas = 0
	case models.ServiceRunning:
		replicas = 1
	default:
		return errs.New(errs.InfrastructureError, "unsupported target status").WithApp(string(appName)).WithService(serviceName)
	}

	dep.Spec.Replicas = ptr.To(replicas)
	if err := c.cr.Update(ctx, &dep); err != nil {
		return errs.Wrap(errs.InfrastructureError, err, "failed to scale deployment").WithApp(string(appName)).WithService(serviceName)
	}
	return nil
}

// GetLogs streams a service's pod logs through the typed clientset's
// log subresource, which controller-runtime's client.Client has no
// equivalent call for.
func (c *Client) GetLogs(ctx context.Context, appName models.AppName, serviceName string, opts infra.LogOptions) (infra.LogStream, error) {
	namespace := c.namespaceFor(string(appName))

	var pods corev1.PodList
	if err := c.cr.List(ctx, &pods, client.InNamespace(namespace), client.MatchingLabels{
		infra.LabelAppName:     string(appName),
		infra.LabelServiceName: serviceName,
	}); err != nil {
		return nil, errs.Wrap(errs.InfrastructureError, err, "failed to list pods").WithApp(string(appName)).WithService(serviceName)
	}
	if len(pods.Items) == 0 {
		return nil, errs.New(errs.NotFound, "no pod found for service").WithApp(string(appName)).WithService(serviceName)
	}

	logOpts := &corev1.PodLogOptions{
		Follow:     opts.Follow,
		Timestamps: true,
	}
	if opts.Since != nil {
		since := metav1.NewTime(*opts.Since)
		logOpts.SinceTime = &since
	}
	if opts.Limit > 0 {
		tail := int64(opts.Limit)
		logOpts.TailLines = &tail
	}

	stream, err := c.clientset.CoreV1().Pods(namespace).GetLogs(pods.Items[0].Name, logOpts).Stream(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.InfrastructureError, err, "failed to open pod log stream").WithApp(string(appName)).WithService(serviceName)
	}
	return stream, nil
}
