package models

import "strings"

// Owner identifies the OIDC principal that requested a deployment.
// Sub/Iss form the dedup key; Name is a display hint that may be
// absent or may disagree across requests for the same (sub, iss) pair.
type Owner struct {
	Sub  string `json:"sub"`
	Iss  string `json:"iss"`
	Name string `json:"name,omitempty"`
}

func (o Owner) key() string { return o.Sub + "\x00" + o.Iss }

// MergeOwners deduplicates owners by (sub, iss), applying the §3
// tie-break when the same principal appears with different names: the
// name containing a space wins over one without; if both (or neither)
// contain a space, the longer name wins; if equal length, the
// first-seen name is kept so the result is stable across calls.
func MergeOwners(owners ...[]Owner) []Owner {
	order := make([]string, 0)
	byKey := make(map[string]Owner)

	for _, group := range owners {
		for _, next := range group {
			k := next.key()
			existing, seen := byKey[k]
			if !seen {
				byKey[k] = next
				order = append(order, k)
				continue
			}
			byKey[k] = mergeOwnerName(existing, next)
		}
	}

	merged := make([]Owner, 0, len(order))
	for _, k := range order {
		merged = append(merged, byKey[k])
	}
	return merged
}

func mergeOwnerName(existing, next Owner) Owner {
	if next.Name == "" {
		return existing
	}
	if existing.Name == "" {
		return next
	}
	if existing.Name == next.Name {
		return existing
	}

	existingHasSpace := strings.Contains(existing.Name, " ")
	nextHasSpace := strings.Contains(next.Name, " ")
	if existingHasSpace != nextHasSpace {
		if nextHasSpace {
			return next
		}
		return existing
	}

	if len(next.Name) > len(existing.Name) {
		return next
	}
	// equal-length or existing longer: first-seen (existing) wins, stable.
	return existing
}
