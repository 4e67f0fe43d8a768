package traefik

import "testing"

func TestParse_SingleMatcher(t *testing.T) {
	rule, err := Parse("Host(`example.com`)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rule.Matchers) != 1 {
		t.Fatalf("got %d matchers, want 1", len(rule.Matchers))
	}
	m := rule.Matchers[0]
	if m.Kind != MatcherHost || len(m.Args) != 1 || m.Args[0] != "example.com" {
		t.Errorf("got %+v, want Host(example.com)", m)
	}
}

func TestParse_ConjunctionAndBacktickedAmpersand(t *testing.T) {
	rule, err := Parse("Host(`example.com`) && PathPrefix(`/foo/`)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rule.Matchers) != 2 {
		t.Fatalf("got %d matchers, want 2", len(rule.Matchers))
	}
	if rule.Matchers[0].Kind != MatcherHost || rule.Matchers[1].Kind != MatcherPathPrefix {
		t.Errorf("got %+v, want [Host, PathPrefix]", rule.Matchers)
	}

	quoted, err := Parse("Headers(`X-Flag`, `a&&b`) && Host(`example.com`)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(quoted.Matchers) != 2 {
		t.Fatalf("got %d matchers, want 2 (the backticked && must not split)", len(quoted.Matchers))
	}
	if args := quoted.Matchers[0].Args; len(args) != 2 || args[1] != "a&&b" {
		t.Errorf("got Headers args %v, want [X-Flag a&&b]", args)
	}
}

func TestParse_Empty(t *testing.T) {
	rule, err := Parse("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rule.Empty() {
		t.Errorf("expected an empty rule, got %+v", rule)
	}
}

func TestParse_RejectsUnsupportedMatcher(t *testing.T) {
	if _, err := Parse("Method(`GET`)"); err == nil {
		t.Fatal("expected an error for an unsupported matcher kind, got nil")
	}
}

func TestParse_RejectsMalformedClause(t *testing.T) {
	tests := []string{
		"Host(`example.com`",
		"Host",
		"Host()",
	}
	for _, raw := range tests {
		if _, err := Parse(raw); err == nil {
			t.Errorf("expected an error parsing %q, got nil", raw)
		}
	}
}

func TestDisplay_RoundTripsParse(t *testing.T) {
	tests := []string{
		"Host(`example.com`)",
		"Host(`example.com`) && PathPrefix(`/foo/`)",
		"Headers(`X-Staging`, `true`)",
	}
	for _, raw := range tests {
		rule, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error: %v", raw, err)
		}
		roundTripped, err := Parse(rule.Display())
		if err != nil {
			t.Fatalf("Parse(Display(%q)): unexpected error: %v", raw, err)
		}
		if rule.Display() != roundTripped.Display() {
			t.Errorf("round trip mismatch: %q -> %q -> %q", raw, rule.Display(), roundTripped.Display())
		}
	}
}

func TestMerge_UnionsHostsAndJoinsPathPrefixes(t *testing.T) {
	base, err := Parse("PathPrefix(`/base/`)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	overlay, err := Parse("Host(`example.com`) && PathPrefix(`/app/`)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	merged := base.Merge(overlay)

	var sawHost, sawPathPrefix bool
	for _, m := range merged.Matchers {
		switch m.Kind {
		case MatcherHost:
			sawHost = true
			if len(m.Args) != 1 || m.Args[0] != "example.com" {
				t.Errorf("got host matcher %+v, want example.com", m)
			}
		case MatcherPathPrefix:
			sawPathPrefix = true
		}
	}
	if !sawHost {
		t.Error("expected merged rule to carry the overlay's Host matcher")
	}
	if !sawPathPrefix {
		t.Error("expected merged rule to carry a PathPrefix matcher")
	}
}
