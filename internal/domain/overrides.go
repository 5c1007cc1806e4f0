package domain

import "sort"

// ParameterOverrideSet maps template placeholder keys to resolved artifact locations.
type ParameterOverrideSet map[string]string

func (s ParameterOverrideSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s ParameterOverrideSet) Clone() ParameterOverrideSet {
	if s == nil {
		return nil
	}
	out := make(ParameterOverrideSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s ParameterOverrideSet) Equal(other ParameterOverrideSet) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		ov, ok := other[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}
