// Package infra defines the back-end-agnostic Infrastructure contract
// (§4.1) that infra/docker and infra/kubernetes each implement, plus
// the label scheme every implementation must write and read so a
// deployment created under one back-end stays legible if the operator
// switches to the other.
package infra

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prevant/orchestrator/models"
	"github.com/prevant/orchestrator/traefik"
)

// Label keys every implementation stamps onto the back-end object
// (container labels under Docker, pod/deployment labels+annotations
// under Kubernetes) so get_services/get_configs_of_app can reconstruct
// a ServiceConfig without a side database (§4.1).
const (
	LabelAppName       = "com.aixigo.preview.servant.app-name"
	LabelServiceName   = "com.aixigo.preview.servant.service-name"
	LabelContainerType = "com.aixigo.preview.servant.container-type"
	LabelImage         = "com.aixigo.preview.servant.image"
	LabelReplicaOf     = "com.aixigo.preview.servant.replica-of"
	LabelConfig        = "com.aixigo.preview.servant.config"
	LabelStatusChangeID = "com.aixigo.preview.servant.status-change-id"
	LabelImageDigest   = "com.aixigo.preview.servant.image-digest"
)

// LogOptions bounds a get_logs call (§4.1, §6).
type LogOptions struct {
	Since    *time.Time
	Limit    int
	Follow   bool
}

// Infrastructure is the operation set §4.1 names. Every method takes a
// context so the caller (the queue's per-app worker) can bound and
// cancel an in-flight back-end call per §5's "every outbound call has
// a deadline".
type Infrastructure interface {
	// GetServices lists the running Service objects for an app, sourced
	// entirely from the back-end's own state plus the label scheme —
	// never from local storage.
	GetServices(ctx context.Context, appName models.AppName) ([]models.Service, error)

	// DeployServices converges the back-end to match unit: creates
	// missing services, redeploys those whose DeploymentStrategy says
	// to, and removes any back-end object for this app whose name is
	// not in unit.ServiceNames().
	DeployServices(ctx context.Context, unit models.DeploymentUnit) ([]models.Service, error)

	// StopServices removes every back-end object labeled with appName;
	// idempotent — removing an app with no running services succeeds.
	StopServices(ctx context.Context, appName models.AppName) error

	// GetConfigsOfApp reconstructs each running service's ServiceConfig
	// from the back-end's label scheme, for the app's current status
	// change (diagnostic/API surface, §6).
	GetConfigsOfApp(ctx context.Context, appName models.AppName) ([]models.ServiceConfig, error)

	// GetStatusChange and ChangeStatus pause/resume a single service
	// without removing it (§4.1: "change_status").
	GetStatusChange(ctx context.Context, appName models.AppName, serviceName string) (models.ServiceStatus, error)
	ChangeStatus(ctx context.Context, appName models.AppName, serviceName string, status models.ServiceStatus) error

	// GetLogs streams a service's logs, honouring opts.Follow. The
	// returned ReadCloser's Close cancels the underlying stream.
	GetLogs(ctx context.Context, appName models.AppName, serviceName string, opts LogOptions) (LogStream, error)

	// BaseTraefikIngressRoute returns the cluster's configured base
	// route, merged as a prefix onto every deployed service's own route
	// (§4.1).
	BaseTraefikIngressRoute() traefik.IngressRoute

	// ListApps enumerates every app name the back-end currently has
	// labeled objects for, sourced the same way GetServices is — no
	// local bookkeeping, so an app created by a previous process (or
	// `kubectl apply`d by hand) is still listed (§6's `GET /api/apps`).
	ListApps(ctx context.Context) ([]models.AppName, error)

	// ExportManifest captures the back-end's own object set for appName
	// as a JSON payload, with read-only/volatile fields (resource
	// versions, timestamps, generated ids) stripped, for the back-up
	// controller's stale-app detector to attach to a
	// MovePayloadToBackUpAndDeleteFromInfrastructure task (§4.8, §6).
	ExportManifest(ctx context.Context, appName models.AppName) (json.RawMessage, error)
}

// LogStream is the minimal surface GetLogs needs; both back ends
// satisfy it with an io.ReadCloser (Docker's demultiplexed stdcopy
// reader, Kubernetes' pod log stream), so this interface exists only
// to avoid an io import here for something this package never reads
// from directly.
type LogStream interface {
	Read(p []byte) (n int, err error)
	Close() error
}
