// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package config

import (
	"fmt"
	"reflect"
)

// merge recursively combines a set of config structs into a single one.
// Pointer fields set in a later struct override earlier ones and slices are
// concatenated.
func merge(a, b Config) Config {
	return mergeValue(reflect.ValueOf(a), reflect.ValueOf(b)).Interface().(Config)
}

func mergeValue(a, b reflect.Value) reflect.Value {
	switch a.Kind() {
	case reflect.Ptr:
		if !b.IsNil() {
			return b
		}
		return a

	case reflect.Slice:
		if a.IsNil() {
			return b
		}
		if b.IsNil() {
			return a
		}
		return reflect.AppendSlice(a, b)

	case reflect.Struct:
		r := reflect.New(a.Type())
		for i := 0; i < a.NumField(); i++ {
			v := mergeValue(a.Field(i), b.Field(i))
			r.Elem().Field(i).Set(v)
		}
		return r.Elem()

	default:
		panic(fmt.Sprintf("unsupported element type: %v", a.Type()))
	}
}
