package models

import (
	"encoding/json"
	"time"
)

// ServiceStatus is a running Service's lifecycle state (§3). Anything
// beyond Running/Paused — crashed, pending, terminating — is the
// infrastructure adapter's concern and is reported as Running with a
// stale started_at until the adapter's next reconciliation settles it,
// matching §4.1's "adapter is the sole source of truth" stance.
type ServiceStatus string

const (
	ServiceRunning ServiceStatus = "running"
	ServicePaused  ServiceStatus = "paused"
)

// ServiceState is the mutable part of a runtime Service.
type ServiceState struct {
	Status    ServiceStatus `json:"status"`
	StartedAt *time.Time    `json:"startedAt,omitempty"`
}

// Service is a running back-end object (container or pod) as reported
// by the infrastructure adapter. Identity is the back-end's own id;
// lifecycle is bounded by the back-end, not tracked locally (§3).
type Service struct {
	ID     string        `json:"id"`
	State  ServiceState  `json:"state"`
	Config ServiceConfig `json:"config"`
}

// App is the deployed, running shape of one AppName: every Service the
// infrastructure adapter currently reports for it, the owners that
// have contributed to it, and any user-defined parameters (§3).
type App struct {
	Name                  AppName         `json:"name"`
	Services              []Service       `json:"services"`
	Owners                []Owner         `json:"owners"`
	UserDefinedParameters json.RawMessage `json:"userDefinedParameters,omitempty"`
}

// ServiceByName returns the service with the given name, if any.
func (a App) ServiceByName(name string) (Service, bool) {
	for _, s := range a.Services {
		if s.Config.ServiceName == name {
			return s, true
		}
	}
	return Service{}, false
}

// MergeOwnersInto folds next's owners into a's, applying the §3
// dedup/tie-break rule, and returns the updated App.
func (a App) MergeOwnersInto(next []Owner) App {
	merged := a
	merged.Owners = MergeOwners(a.Owners, next)
	return merged
}
