// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package lib

import (
	"strings"
)

// PatchSliceOfMaps unwraps the single element slices HCL produces for
// blocks, so that `mux { ... }` decodes into a struct rather than a list.
// Keys in skip keep their slice but have their elements patched; keys in
// skipTree are left untouched entirely. Keys are dotted paths and are
// matched case-insensitively.
func PatchSliceOfMaps(m map[string]interface{}, skip []string, skipTree []string) map[string]interface{} {
	lowerSkip := make([]string, len(skip))
	lowerSkipTree := make([]string, len(skipTree))

	for i, val := range skip {
		lowerSkip[i] = strings.ToLower(val)
	}
	for i, val := range skipTree {
		lowerSkipTree[i] = strings.ToLower(val)
	}

	return patchValue("", m, lowerSkip, lowerSkipTree).(map[string]interface{})
}

func patchValue(name string, v interface{}, skip []string, skipTree []string) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		if len(x) == 0 {
			return x
		}
		mm := make(map[string]interface{}, len(x))
		for k, v := range x {
			key := k
			if name != "" {
				key = name + "." + k
			}
			mm[k] = patchValue(key, v, skip, skipTree)
		}
		return mm

	case []interface{}:
		if len(x) == 0 {
			return nil
		}
		if containsLower(skipTree, name) {
			return x
		}
		if containsLower(skip, name) {
			for i, y := range x {
				x[i] = patchValue(name, y, skip, skipTree)
			}
			return x
		}
		// A repeated block is left as a list so decoding reports it.
		if len(x) > 1 {
			return x
		}
		return patchValue(name, x[0], skip, skipTree)

	case []map[string]interface{}:
		if len(x) == 0 {
			return nil
		}
		if containsLower(skipTree, name) {
			return x
		}
		if containsLower(skip, name) {
			out := make([]interface{}, len(x))
			for i, y := range x {
				out[i] = patchValue(name, y, skip, skipTree)
			}
			return out
		}
		if len(x) > 1 {
			return x
		}
		return patchValue(name, x[0], skip, skipTree)

	default:
		return v
	}
}

func containsLower(list []string, s string) bool {
	lower := strings.ToLower(s)
	for _, elem := range list {
		if elem == lower {
			return true
		}
	}
	return false
}
