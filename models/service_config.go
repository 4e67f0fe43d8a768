package models

import (
	"encoding/json"

	"github.com/prevant/orchestrator/jsonmerge"
)

// ContainerType classifies why a service exists in a deployment: it
// was explicitly requested (Instance), pulled in unmodified from the
// replicate_from template app (Replica), or injected by configuration
// (the two Companion kinds). Sort order for the builder's final pass
// is app-companion < service-companion < instance <= replica.
type ContainerType string

const (
	ContainerTypeInstance             ContainerType = "instance"
	ContainerTypeReplica              ContainerType = "replica"
	ContainerTypeApplicationCompanion ContainerType = "app-companion"
	ContainerTypeServiceCompanion     ContainerType = "service-companion"
)

// containerTypeOrder gives each ContainerType its builder sort rank;
// read by Order (which the builder's sortByContainerType uses) and by
// Valid.
var containerTypeOrder = map[ContainerType]int{
	ContainerTypeApplicationCompanion: 0,
	ContainerTypeServiceCompanion:     1,
	ContainerTypeInstance:             2,
	ContainerTypeReplica:              2,
}

// Order returns this type's builder sort rank. Unknown values sort
// last so a bad value doesn't silently jump ahead of companions.
func (c ContainerType) Order() int {
	if order, ok := containerTypeOrder[c]; ok {
		return order
	}
	return len(containerTypeOrder)
}

func (c ContainerType) Valid() bool {
	_, ok := containerTypeOrder[c]
	return ok
}

// EnvVar is one environment variable entry. Value is the variable's
// current (possibly templated) value; Original preserves the
// pre-templating text so a diagnostic view can show what the operator
// actually configured. Templated/Replicated are carried through merges
// from whichever side of a merge supplies them (see MergeEnv).
type EnvVar struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	Templated  bool   `json:"templated"`
	Replicated bool   `json:"replicated"`
	Original   string `json:"original,omitempty"`
}

// Router is the per-service routing declaration before the cluster
// base route is applied. Rule is raw Traefik v2 DSL text (a templated
// leaf); nil Router means "use the default PathPrefix(/{app}/{service}/)
// route with a stripPrefix middleware" (§4.1).
type Router struct {
	Rule                  string   `json:"rule,omitempty"`
	AdditionalMiddlewares []string `json:"additionalMiddlewares,omitempty"`
}

// MiddlewareEntry is one named entry of the ordered middlewares map.
// Spec is an opaque JSON tree (the middleware's configuration), kept
// as json.RawMessage so the templating engine can walk into string
// leaves without this package needing to know every middleware shape
// Traefik supports.
type MiddlewareEntry struct {
	Name string          `json:"name"`
	Spec json.RawMessage `json:"spec"`
}

// ServiceConfig is the declared shape of one service, before registry
// resolution, templating or hook application. service_name is unique
// within an app after the builder's merge stage.
type ServiceConfig struct {
	ServiceName   string            `json:"serviceName"`
	Image         Image             `json:"image"`
	ContainerType ContainerType     `json:"containerType"`
	Env           []EnvVar          `json:"env,omitempty"`
	Files         map[string]string `json:"files,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Router        *Router           `json:"router,omitempty"`
	Middlewares   []MiddlewareEntry `json:"middlewares,omitempty"`
	Port          int               `json:"port"`
}

// NormalisedPort returns Port, defaulting to 80 when unset, per §3.
func (sc ServiceConfig) NormalisedPort() int {
	if sc.Port <= 0 {
		return 80
	}
	return sc.Port
}

// MergeWith merges next over the receiver (the "base"), following §4.4's
// companion merge semantics: env entries deep-merge key-wise preserving
// whichever side's flags apply to the resulting value, files and labels
// overwrite per key, router and middlewares overwrite wholesale when
// next supplies them. The result keeps the base's ServiceName and
// ContainerType; callers that need next's identity fields to win
// (e.g. Create/Update union, where "rightmost wins") overwrite those
// fields themselves after calling MergeWith.
func (sc ServiceConfig) MergeWith(next ServiceConfig) ServiceConfig {
	merged := sc

	merged.Env = MergeEnv(sc.Env, next.Env)

	if len(next.Files) > 0 {
		merged.Files = mergeStringMap(sc.Files, next.Files)
	}
	if len(next.Labels) > 0 {
		merged.Labels = mergeStringMap(sc.Labels, next.Labels)
	}
	if next.Router != nil {
		merged.Router = next.Router
	}
	if len(next.Middlewares) > 0 {
		merged.Middlewares = next.Middlewares
	}
	if next.Port != 0 {
		merged.Port = next.Port
	}
	if !next.Image.Equal(Image{}) {
		merged.Image = next.Image
	}

	return merged
}

// MergeEnv deep-merges two ordered env-var lists by key: an entry
// present in both keeps base's position but next's Value (and next's
// flags, since next represents the more specific/overriding side);
// an entry present only in one side is kept as-is, in base order
// first, then any new keys next introduces, in next's order.
func MergeEnv(base, next []EnvVar) []EnvVar {
	nextByKey := make(map[string]EnvVar, len(next))
	for _, e := range next {
		nextByKey[e.Key] = e
	}

	merged := make([]EnvVar, 0, len(base)+len(next))
	seen := make(map[string]bool, len(base))
	for _, b := range base {
		if n, ok := nextByKey[b.Key]; ok {
			merged = append(merged, n)
		} else {
			merged = append(merged, b)
		}
		seen[b.Key] = true
	}
	for _, n := range next {
		if !seen[n.Key] {
			merged = append(merged, n)
		}
	}
	return merged
}

func mergeStringMap(base, next map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(next))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range next {
		merged[k] = v
	}
	return merged
}

// MergeUserDefinedParameters deep-merges two user-defined-parameter
// JSON trees per §9: object keys set-wise, arrays append-concatenate,
// scalars right-wins. next takes precedence on scalar conflicts.
func MergeUserDefinedParameters(base, next json.RawMessage) (json.RawMessage, error) {
	return jsonmerge.Merge(base, next)
}
