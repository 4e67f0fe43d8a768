package models

import (
	"github.com/prevant/orchestrator/traefik"
)

// DeploymentStrategyKind is the redeploy policy attached to a
// DeployableService (§3, §4.1).
type DeploymentStrategyKind string

const (
	StrategyRedeployAlways         DeploymentStrategyKind = "redeploy-always"
	StrategyRedeployOnImageUpdate  DeploymentStrategyKind = "redeploy-on-image-update"
	StrategyRedeployNever          DeploymentStrategyKind = "redeploy-never"
)

// DeploymentStrategy pairs the kind with the expected digest
// RedeployOnImageUpdate compares against. ExpectedDigest is only
// meaningful when Kind == StrategyRedeployOnImageUpdate.
type DeploymentStrategy struct {
	Kind           DeploymentStrategyKind `json:"kind"`
	ExpectedDigest string                 `json:"expectedDigest,omitempty"`
}

func RedeployAlways() DeploymentStrategy { return DeploymentStrategy{Kind: StrategyRedeployAlways} }
func RedeployNever() DeploymentStrategy  { return DeploymentStrategy{Kind: StrategyRedeployNever} }

// RedeployOnImageUpdate builds the digest-pinned strategy, falling
// back to RedeployAlways when no digest was resolved for the image —
// per §4.1, "falls back to RedeployAlways if no digest known".
func RedeployOnImageUpdate(digest string) DeploymentStrategy {
	if digest == "" {
		return RedeployAlways()
	}
	return DeploymentStrategy{Kind: StrategyRedeployOnImageUpdate, ExpectedDigest: digest}
}

// ShouldRedeploy decides, given the digest of the object currently
// running in the back-end (empty if none or unknown), whether the
// infrastructure adapter must stop-and-recreate this service.
func (s DeploymentStrategy) ShouldRedeploy(exists bool, runningDigest string) bool {
	switch s.Kind {
	case StrategyRedeployAlways:
		return true
	case StrategyRedeployNever:
		return !exists
	case StrategyRedeployOnImageUpdate:
		if !exists {
			return true
		}
		return runningDigest != s.ExpectedDigest
	default:
		return true
	}
}

// DeployableService is the builder's output for one service: the
// resolved ServiceConfig plus everything the infrastructure adapter
// needs to actually converge the back-end object.
type DeployableService struct {
	Config          ServiceConfig          `json:"config"`
	Strategy        DeploymentStrategy     `json:"strategy"`
	IngressRoute    traefik.IngressRoute   `json:"-"`
	DeclaredVolumes []string               `json:"declaredVolumes,omitempty"`
}

// DeploymentUnit is the builder's final product: an immutable,
// fully-resolved set of services ready to hand to the infrastructure
// adapter's deploy_services operation.
type DeploymentUnit struct {
	AppName       AppName              `json:"appName"`
	Services      []DeployableService  `json:"services"`
	AppBaseRoute  traefik.IngressRoute `json:"-"`
}

// ServiceNames returns the set of service names in this unit, used by
// the infrastructure adapter to reconcile which back-end objects
// should continue to exist.
func (u DeploymentUnit) ServiceNames() map[string]bool {
	names := make(map[string]bool, len(u.Services))
	for _, s := range u.Services {
		names[s.Config.ServiceName] = true
	}
	return names
}
