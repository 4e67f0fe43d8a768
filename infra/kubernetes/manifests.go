package kubernetes

import (
	"fmt"
	"regexp"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/prevant/orchestrator/models"
	"github.com/prevant/orchestrator/traefik"
)

const filesMountPath = "/var/run/prevant/files"

var invalidConfigMapKey = regexp.MustCompile(`[^-._a-zA-Z0-9]`)

// configMapKey turns a file's container path into a valid ConfigMap
// data key, since a key may not contain slashes.
func configMapKey(containerPath string) string {
	return invalidConfigMapKey.ReplaceAllString(strings.TrimPrefix(containerPath, "/"), "_")
}

func (c *Client) configMap(appName models.AppName, cfg models.ServiceConfig) *corev1.ConfigMap {
	if len(cfg.Files) == 0 {
		return nil
	}
	data := make(map[string]string, len(cfg.Files))
	for containerPath, content := range cfg.Files {
		data[configMapKey(containerPath)] = content
	}
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cfg.ServiceName + "-files",
			Namespace: c.namespaceFor(string(appName)),
			Labels:    k8sLabels(appName, cfg),
		},
		Data: data,
	}
}

func (c *Client) deployment(appName models.AppName, svc models.DeployableService, statusChangeID, digest string) (*appsv1.Deployment, error) {
	cfg := svc.Config
	annotations, err := k8sAnnotations(cfg, statusChangeID, digest)
	if err != nil {
		return nil, err
	}
	labels := k8sLabels(appName, cfg)

	env := make([]corev1.EnvVar, len(cfg.Env))
	for i, e := range cfg.Env {
		env[i] = corev1.EnvVar{Name: e.Key, Value: e.Value}
	}

	var ports []corev1.ContainerPort
	if port := cfg.NormalisedPort(); port > 0 {
		ports = []corev1.ContainerPort{{ContainerPort: int32(port)}}
	}

	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	if len(cfg.Files) > 0 {
		items := make([]corev1.KeyToPath, 0, len(cfg.Files))
		for containerPath := range cfg.Files {
			items = append(items, corev1.KeyToPath{
				Key:  configMapKey(containerPath),
				Path: strings.TrimPrefix(containerPath, "/"),
			})
		}
		volumes = []corev1.Volume{{
			Name: "files",
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: cfg.ServiceName + "-files"},
					Items:                items,
				},
			},
		}}
		mounts = []corev1.VolumeMount{{Name: "files", MountPath: filesMountPath, ReadOnly: true}}
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        cfg.ServiceName,
			Namespace:   c.namespaceFor(string(appName)),
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(int32(1)),
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels, Annotations: annotations},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:         cfg.ServiceName,
						Image:        cfg.Image.Display(),
						Env:          env,
						Ports:        ports,
						VolumeMounts: mounts,
					}},
					Volumes: volumes,
				},
			},
		},
	}, nil
}

func (c *Client) service(appName models.AppName, cfg models.ServiceConfig) *corev1.Service {
	labels := k8sLabels(appName, cfg)
	port := cfg.NormalisedPort()
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cfg.ServiceName,
			Namespace: c.namespaceFor(string(appName)),
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Selector: labels,
			Ports: []corev1.ServicePort{{
				Port:       int32(port),
				TargetPort: intstr.FromInt32(int32(port)),
			}},
		},
	}
}

// ingressRoute builds a Traefik IngressRoute custom resource as
// unstructured.Unstructured: no generated client for traefik.io/v1alpha1
// is in this module's dependency graph, so the CRD is expressed the
// same way the cluster's traefik.io CRD expects it on the wire, the
// way an uninstrumented operator would construct it by hand.
func (c *Client) ingressRoute(appName models.AppName, cfg models.ServiceConfig, route traefik.IngressRoute) *unstructured.Unstructured {
	middlewareRefs := make([]any, 0, len(route.Middlewares))
	for _, mw := range route.Middlewares {
		middlewareRefs = append(middlewareRefs, map[string]any{"name": mw.Name})
	}

	obj := &unstructured.Unstructured{}
	obj.SetAPIVersion("traefik.io/v1alpha1")
	obj.SetKind("IngressRoute")
	obj.SetName(cfg.ServiceName)
	obj.SetNamespace(c.namespaceFor(string(appName)))
	obj.SetLabels(k8sLabels(appName, cfg))

	spec := map[string]any{
		"entryPoints": toAnySlice(route.EntryPoints),
		"routes": []any{
			map[string]any{
				"match":       route.Rule.Display(),
				"kind":        "Rule",
				"middlewares": middlewareRefs,
				"services": []any{
					map[string]any{
						"name": cfg.ServiceName,
						"port": int64(cfg.NormalisedPort()),
					},
				},
			},
		},
	}
	if err := unstructured.SetNestedMap(obj.Object, spec, "spec"); err != nil {
		panic(fmt.Sprintf("failed to build ingressroute spec: %v", err))
	}
	return obj
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
