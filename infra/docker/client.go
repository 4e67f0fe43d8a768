// Package docker implements infra.Infrastructure against a local Docker
// daemon: every service in a DeploymentUnit becomes one container,
// routed by Traefik's Docker provider reading labels this package
// writes. All Docker SDK calls are isolated here so no other package
// imports the SDK directly, the same separation the teacher's docker
// package draws.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	dockersdk "github.com/docker/docker/client"

	"github.com/prevant/orchestrator/registry"
	"github.com/prevant/orchestrator/traefik"
)

// Client wraps the Docker SDK client with the logger and the two bits
// of cluster-wide configuration every convergence call needs: the
// Docker network Traefik and every deployed container must share, and
// the base ingress route merged onto every service's own route.
type Client struct {
	sdk       *dockersdk.Client
	logger    *slog.Logger
	network   string
	baseRoute traefik.IngressRoute
	auth      map[string]registry.Credential
}

// NewClient connects to the Docker daemon via the environment's socket
// (respecting $DOCKER_HOST etc.) and pings it so startup fails fast
// when the daemon is unreachable, rather than on the first deployment.
func NewClient(logger *slog.Logger, network string, baseRoute traefik.IngressRoute, auth map[string]registry.Credential) (*Client, error) {
	sdk, err := dockersdk.NewClientWithOpts(
		dockersdk.FromEnv,
		dockersdk.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker sdk client: %w", err)
	}

	c := &Client{sdk: sdk, logger: logger, network: network, baseRoute: baseRoute, auth: auth}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sdk.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	logger.Info("docker client connected", "host", sdk.DaemonHost())
	return c, nil
}

func (c *Client) Close() error { return c.sdk.Close() }

func (c *Client) BaseTraefikIngressRoute() traefik.IngressRoute { return c.baseRoute }

func containerName(appName, serviceName string) string {
	return appName + "-" + serviceName
}
