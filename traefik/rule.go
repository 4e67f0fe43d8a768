// Package traefik models the Traefik v2 rule DSL and ingress-route
// composition: parsing and displaying TraefikRouterRule, and merging a
// service's route with the cluster's base route. It has no dependency
// on the models package — it is pure routing-expression algebra, the
// same way the teacher's docker package knows nothing about the
// deployments table.
package traefik

import (
	"fmt"
	"sort"
	"strings"
)

// MatcherKind is one of the three matcher forms this rule model
// understands. PREvant's builder never needs Traefik's full rule
// grammar (regexp matchers, method matchers, boolean OR) — only the
// conjunctive subset §3 names.
type MatcherKind string

const (
	MatcherHost       MatcherKind = "Host"
	MatcherPathPrefix MatcherKind = "PathPrefix"
	MatcherHeaders    MatcherKind = "Headers"
)

// Matcher is one clause of a RouterRule. Args holds the matcher's
// comma-separated arguments in declaration order (domains for Host,
// paths for PathPrefix, the [key, value] pair for Headers).
type Matcher struct {
	Kind MatcherKind
	Args []string
}

func (m Matcher) key() string {
	return string(m.Kind) + "(" + strings.Join(m.Args, ",") + ")"
}

func (m Matcher) display() string {
	quoted := make([]string, len(m.Args))
	for i, a := range m.Args {
		quoted[i] = "`" + a + "`"
	}
	return string(m.Kind) + "(" + strings.Join(quoted, ", ") + ")"
}

// RouterRule is a conjunction of matchers — PREvant's rules never use
// Traefik's `||` operator, only implicit AND via repeated matchers
// joined with "&&", per §3.
type RouterRule struct {
	Matchers []Matcher
}

// Parse reads a Traefik v2 rule expression of the restricted form this
// system emits and consumes: one or more `Kind(`arg`, `arg`)` clauses
// joined by "&&". Any other operator ("||", "!") is rejected — callers
// that need PREvant's own rules have no use for them, and accepting
// them silently would make Display not round-trip.
func Parse(raw string) (RouterRule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RouterRule{}, nil
	}

	var matchers []Matcher
	for _, clause := range splitConjunction(raw) {
		m, err := parseMatcher(clause)
		if err != nil {
			return RouterRule{}, err
		}
		matchers = append(matchers, m)
	}
	return RouterRule{Matchers: matchers}, nil
}

// splitConjunction splits on top-level "&&", ignoring any "&&" that
// appears inside backtick-quoted matcher arguments.
func splitConjunction(raw string) []string {
	var clauses []string
	depth := 0
	inQuote := false
	last := 0
	runes := []rune(raw)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '`':
			inQuote = !inQuote
		case '(':
			if !inQuote {
				depth++
			}
		case ')':
			if !inQuote {
				depth--
			}
		case '&':
			if !inQuote && depth == 0 && i+1 < len(runes) && runes[i+1] == '&' {
				clauses = append(clauses, strings.TrimSpace(string(runes[last:i])))
				i++
				last = i + 1
			}
		}
	}
	clauses = append(clauses, strings.TrimSpace(string(runes[last:])))
	return clauses
}

func parseMatcher(clause string) (Matcher, error) {
	open := strings.IndexByte(clause, '(')
	if open == -1 || !strings.HasSuffix(clause, ")") {
		return Matcher{}, fmt.Errorf("failed to parse traefik rule clause %q: missing parentheses", clause)
	}
	kind := MatcherKind(strings.TrimSpace(clause[:open]))
	switch kind {
	case MatcherHost, MatcherPathPrefix, MatcherHeaders:
	default:
		return Matcher{}, fmt.Errorf("failed to parse traefik rule clause %q: unsupported matcher %q", clause, kind)
	}

	inner := clause[open+1 : len(clause)-1]
	rawArgs := strings.Split(inner, ",")
	args := make([]string, 0, len(rawArgs))
	for _, a := range rawArgs {
		a = strings.TrimSpace(a)
		a = strings.Trim(a, "`")
		if a == "" {
			continue
		}
		args = append(args, a)
	}
	if len(args) == 0 {
		return Matcher{}, fmt.Errorf("failed to parse traefik rule clause %q: no arguments", clause)
	}
	return Matcher{Kind: kind, Args: args}, nil
}

// Display renders the rule back to Traefik v2 DSL text. Parse(r.Display())
// is the identity for any rule this package itself produced (§8
// round-trip law) — Display keeps matchers and their arguments in the
// order the rule stores them and performs no normalisation.
func (r RouterRule) Display() string {
	clauses := make([]string, len(r.Matchers))
	for i, m := range r.Matchers {
		clauses[i] = m.display()
	}
	return strings.Join(clauses, " && ")
}

func (r RouterRule) Empty() bool { return len(r.Matchers) == 0 }

// Merge concatenates unique matchers from r and next, per §3's merge
// operation: PathPrefix matchers compose by path-joining their
// arguments pairwise (the base's prefix, then the overlay's), Host
// matchers union their domain lists, and repeated Headers matchers are
// kept as a conjunction (every one must match) — the Headers
// conjunction treatment is the one piece the distilled spec leaves
// implicit and this system keeps from the original's rule grammar.
func (r RouterRule) Merge(next RouterRule) RouterRule {
	hosts := map[string]bool{}
	var hostOrder []string
	var pathPrefixes []string
	var other []Matcher
	seenOther := map[string]bool{}

	collect := func(rule RouterRule) {
		for _, m := range rule.Matchers {
			switch m.Kind {
			case MatcherHost:
				for _, h := range m.Args {
					if !hosts[h] {
						hosts[h] = true
						hostOrder = append(hostOrder, h)
					}
				}
			case MatcherPathPrefix:
				pathPrefixes = append(pathPrefixes, m.Args...)
			default:
				k := m.key()
				if !seenOther[k] {
					seenOther[k] = true
					other = append(other, m)
				}
			}
		}
	}
	collect(r)
	collect(next)

	var matchers []Matcher
	if len(hostOrder) > 0 {
		matchers = append(matchers, Matcher{Kind: MatcherHost, Args: hostOrder})
	}
	if len(pathPrefixes) > 0 {
		matchers = append(matchers, Matcher{Kind: MatcherPathPrefix, Args: []string{JoinPathPrefixes(pathPrefixes)}})
	}
	matchers = append(matchers, other...)

	return RouterRule{Matchers: matchers}
}

// JoinPathPrefixes composes a sequence of path prefixes the way the
// cluster base route composes with a service's own sub-route: each is
// normalised to have a single leading and trailing slash, then joined
// without introducing doubled separators.
func JoinPathPrefixes(prefixes []string) string {
	var b strings.Builder
	for _, p := range prefixes {
		norm := normalisePath(p)
		if norm == "/" {
			continue
		}
		b.WriteString(strings.TrimSuffix(norm, "/"))
	}
	result := b.String()
	if result == "" {
		return "/"
	}
	if !strings.HasSuffix(result, "/") {
		result += "/"
	}
	return result
}

func normalisePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// SortedArgsCopy returns a copy of the rule with each matcher's
// argument list sorted; used only by tests that need a
// order-independent comparison of two merged rules.
func (r RouterRule) SortedArgsCopy() RouterRule {
	out := RouterRule{Matchers: make([]Matcher, len(r.Matchers))}
	for i, m := range r.Matchers {
		args := append([]string(nil), m.Args...)
		sort.Strings(args)
		out.Matchers[i] = Matcher{Kind: m.Kind, Args: args}
	}
	return out
}
