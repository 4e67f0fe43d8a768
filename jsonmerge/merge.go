// Package jsonmerge holds the deep-merge helper for two JSON-like
// trees (§9). Its one caller is models.MergeUserDefinedParameters;
// companion env, files and labels are merged key-wise by
// models.ServiceConfig.MergeWith without it.
package jsonmerge

import "encoding/json"

// Merge deep-merges next onto base: object keys are treated set-wise
// (recursing into keys present on both sides), arrays append-concatenate
// (base's elements first, then next's), and scalars are right-wins
// (next replaces base). Either side may be nil/empty/null, in which
// case the other is returned unchanged, byte for byte (or the literal
// null when it is empty too).
func Merge(base, next json.RawMessage) (json.RawMessage, error) {
	if len(base) == 0 || string(base) == "null" {
		return cloneOrNull(next)
	}
	if len(next) == 0 || string(next) == "null" {
		return cloneOrNull(base)
	}

	var baseVal, nextVal any
	if err := json.Unmarshal(base, &baseVal); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(next, &nextVal); err != nil {
		return nil, err
	}

	merged := mergeValues(baseVal, nextVal)
	return json.Marshal(merged)
}

func cloneOrNull(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	return raw, nil
}

// mergeValues merges two values already decoded from JSON into Go's
// dynamic representation (map[string]any, []any, or a scalar).
func mergeValues(base, next any) any {
	baseMap, baseIsMap := base.(map[string]any)
	nextMap, nextIsMap := next.(map[string]any)
	if baseIsMap && nextIsMap {
		return mergeMaps(baseMap, nextMap)
	}

	baseArr, baseIsArr := base.([]any)
	nextArr, nextIsArr := next.([]any)
	if baseIsArr && nextIsArr {
		return append(append([]any{}, baseArr...), nextArr...)
	}

	// Mismatched shapes (object vs array vs scalar) or two scalars:
	// right-wins.
	return next
}

func mergeMaps(base, next map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(next))
	for k, v := range base {
		merged[k] = v
	}
	for k, nextVal := range next {
		if baseVal, ok := merged[k]; ok {
			merged[k] = mergeValues(baseVal, nextVal)
		} else {
			merged[k] = nextVal
		}
	}
	return merged
}
