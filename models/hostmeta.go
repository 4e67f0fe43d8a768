package models

import "time"

// HostMetaState discriminates the three WebHostMeta outcomes (§3, §4.7).
type HostMetaState string

const (
	HostMetaInvalid HostMetaState = "invalid"
	HostMetaEmpty   HostMetaState = "empty"
	HostMetaValid   HostMetaState = "valid"
)

// WebHostMeta is the crawler's per-service result. Only State ==
// HostMetaValid populates the optional fields; Invalid/Empty carry no
// payload by construction (a zero-value WebHostMeta{State: HostMetaEmpty}
// is always valid and cheap to construct/cache).
type WebHostMeta struct {
	State HostMetaState `json:"state"`

	Version       string     `json:"version,omitempty"`
	Commit        string     `json:"commit,omitempty"`
	OpenAPI       string     `json:"openApi,omitempty"`
	AsyncAPI      string     `json:"asyncApi,omitempty"`
	DateModified  *time.Time `json:"dateModified,omitempty"`
}

func InvalidHostMeta() WebHostMeta { return WebHostMeta{State: HostMetaInvalid} }
func EmptyHostMeta() WebHostMeta   { return WebHostMeta{State: HostMetaEmpty} }
