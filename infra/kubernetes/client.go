// Package kubernetes implements infra.Infrastructure against a
// Kubernetes cluster: every service in a DeploymentUnit becomes a
// Deployment plus a ClusterIP Service, routed by a Traefik IngressRoute
// custom resource this package applies as unstructured.Unstructured
// (no generated Traefik client exists in this module's dependency
// graph, so the CRD is built and read back as unstructured data, the
// way an operator without a vendored API package would). Each app gets
// its own namespace, named after the app, so StopServices is a single
// namespace delete.
package kubernetes

import (
	"fmt"
	"log/slog"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/prevant/orchestrator/traefik"
)

// Client wraps a controller-runtime client (for Deployments, Services
// and the unstructured IngressRoute CRD) and a typed clientset (for the
// log subresource, which controller-runtime's Client has no call for).
type Client struct {
	cr        client.Client
	clientset kubernetes.Interface
	logger    *slog.Logger
	baseRoute traefik.IngressRoute
	namespacePrefix string
}

// newScheme registers the built-in types this package touches
// directly; the IngressRoute CRD is handled as unstructured.Unstructured
// and needs no scheme entry.
func newScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	return scheme
}

// restConfig resolves a kubeconfig path to a REST config, preferring
// in-cluster config (the orchestrator's normal home) and falling back
// to the local kubeconfig loading rules for development.
func restConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	}
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
}

// NewClient builds both clients this package needs from a single
// kubeconfig path (empty for in-cluster).
func NewClient(logger *slog.Logger, kubeconfigPath, namespacePrefix string, baseRoute traefik.IngressRoute) (*Client, error) {
	cfg, err := restConfig(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve kubernetes config: %w", err)
	}

	cr, err := client.New(cfg, client.Options{Scheme: newScheme()})
	if err != nil {
		return nil, fmt.Errorf("failed to create controller-runtime client: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	logger.Info("kubernetes client connected", "host", cfg.Host)
	return &Client{cr: cr, clientset: clientset, logger: logger, baseRoute: baseRoute, namespacePrefix: namespacePrefix}, nil
}

func (c *Client) BaseTraefikIngressRoute() traefik.IngressRoute { return c.baseRoute }

// namespaceFor maps an app to the namespace its services live in. A
// prefix keeps the orchestrator's namespaces apart from unrelated ones
// in a shared cluster.
func (c *Client) namespaceFor(appName string) string {
	if c.namespacePrefix == "" {
		return appName
	}
	return c.namespacePrefix + "-" + appName
}

