package engine

import (
	"encoding/json"

	"dario.cat/mergo"
)

// DeepMerge combines two inputs flowing into the same node: nested objects
// merge key-by-key, arrays from different sources concatenate, and plain
// values from the later source overwrite. This policy is load-bearing — two
// parallel enrichment branches feeding one consumer must both survive into
// the merged input rather than one silently clobbering the other.
func DeepMerge(base, overlay any) any {
	if base == nil {
		return overlay
	}
	if overlay == nil {
		return base
	}

	baseSlice, baseIsSlice := toSlice(base)
	overlaySlice, overlayIsSlice := toSlice(overlay)
	if baseIsSlice && overlayIsSlice {
		merged := make([]any, 0, len(baseSlice)+len(overlaySlice))
		merged = append(merged, baseSlice...)
		merged = append(merged, overlaySlice...)
		return merged
	}

	baseMap, baseIsMap := toStringMap(base)
	overlayMap, overlayIsMap := toStringMap(overlay)
	if baseIsMap && overlayIsMap {
		// Both sides are deep-copied first: mergo mutates nested maps of dst
		// in place and aliases src values into it, and neither source may be
		// touched. A parent's recorded output is read-only once settled.
		dst := copyMap(baseMap)
		if err := mergo.Merge(&dst, copyMap(overlayMap), mergo.WithOverride, mergo.WithAppendSlice); err != nil {
			// Structural mismatch: fall back to overwrite semantics.
			return overlay
		}
		return dst
	}

	// Incompatible shapes: the later source wins.
	return overlay
}

// MergeAll folds a sequence of inputs left to right.
func MergeAll(inputs []any) any {
	var merged any
	for _, in := range inputs {
		merged = DeepMerge(merged, in)
	}
	return merged
}

// copyMap clones a decoded-JSON value tree. Only maps and slices need new
// backing storage; scalars are immutable.
func copyMap(m map[string]any) map[string]any {
	dst := make(map[string]any, len(m))
	for k, v := range m {
		dst[k] = copyValue(v)
	}
	return dst
}

func copyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return copyMap(tv)
	case []any:
		dst := make([]any, len(tv))
		for i, e := range tv {
			dst[i] = copyValue(e)
		}
		return dst
	default:
		return v
	}
}

func toSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	return nil, false
}

func toStringMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	// Round-trip structs and typed maps through JSON.
	b, err := json.Marshal(v)
	if err != nil || len(b) == 0 || b[0] != '{' {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, false
	}
	return m, true
}
