package kvcache

import "sort"

// SortedKeys returns the field names in lexical order so adapters emit
// fields deterministically.
func (f Fields) SortedKeys() []string {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
