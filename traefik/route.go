package traefik

import (
	"fmt"
	"strings"
)

// Middleware is one entry of a route's middleware chain, referenced by
// name; the middleware's own configuration (e.g. stripPrefix's
// prefixes) lives wherever the back-end adapter materialises it
// (a Docker label, a Kubernetes Middleware CRD) — this package only
// tracks ordering and name identity for merge purposes.
type Middleware struct {
	Name string
	Kind string
	Opts map[string]string
}

// IngressRoute is the routing object attached to one deployable
// service: a rule plus an ordered middleware chain, an entry point
// list and an optional TLS cert resolver. The cluster's
// base_traefik_ingress_route is the same shape, merged as a prefix
// into every service's route (§4.1).
type IngressRoute struct {
	Rule            RouterRule
	Middlewares     []Middleware
	EntryPoints     []string
	TLSCertResolver string
}

// DefaultRoute builds the `PathPrefix('/{app}/{service}/')` route with
// a stripPrefix middleware that the builder attaches to a service with
// no explicit router declaration (§4.1).
func DefaultRoute(appName, serviceName string) IngressRoute {
	prefix := fmt.Sprintf("/%s/%s/", appName, serviceName)
	return IngressRoute{
		Rule: RouterRule{Matchers: []Matcher{{Kind: MatcherPathPrefix, Args: []string{prefix}}}},
		Middlewares: []Middleware{
			{Name: stripPrefixName(appName, serviceName), Kind: "stripPrefix", Opts: map[string]string{"prefix": prefix}},
		},
	}
}

func stripPrefixName(appName, serviceName string) string {
	return fmt.Sprintf("%s-%s-strip", appName, serviceName)
}

// WithAdditionalMiddlewares appends middlewares referenced by name
// only (router.additionalMiddlewares in ServiceConfig); their
// configuration is assumed to already exist in the cluster.
func (r IngressRoute) WithAdditionalMiddlewares(names []string) IngressRoute {
	for _, name := range names {
		r.Middlewares = append(r.Middlewares, Middleware{Name: name})
	}
	return r
}

// MergeWithBase merges the cluster's base route as a prefix onto r:
// entry points concatenate (unique, base first), the rule combines by
// conjunction (base's matchers first, so the base's Host/PathPrefix
// narrows first), middlewares concatenate (base's run first), and the
// TLS cert resolver propagates from whichever side sets one, base
// taking precedence since it is operator-configured.
func (base IngressRoute) MergeWithBase(service IngressRoute) IngressRoute {
	merged := IngressRoute{
		Rule:        base.Rule.Merge(service.Rule),
		Middlewares: append(append([]Middleware(nil), base.Middlewares...), service.Middlewares...),
		EntryPoints: unionStrings(base.EntryPoints, service.EntryPoints),
	}
	if base.TLSCertResolver != "" {
		merged.TLSCertResolver = base.TLSCertResolver
	} else {
		merged.TLSCertResolver = service.TLSCertResolver
	}
	return merged
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// String renders the route for logging/diagnostics.
func (r IngressRoute) String() string {
	names := make([]string, len(r.Middlewares))
	for i, m := range r.Middlewares {
		names[i] = m.Name
	}
	return fmt.Sprintf("rule=%q middlewares=[%s] entryPoints=%v", r.Rule.Display(), strings.Join(names, ","), r.EntryPoints)
}
