// Package validation provides fail-fast guards for constructor contracts.
package validation

import (
	"fmt"
	"reflect"
)

// AssertNotNil panics when v is nil, including a typed nil carried inside an
// interface. Constructors use it on mandatory dependencies so a wiring
// mistake fails at startup instead of as a nil dereference under load.
//
// Usage:
//
//	validation.AssertNotNil(pool, "store: database pool")
func AssertNotNil(v any, name string) {
	if isNil(v) {
		panic(fmt.Sprintf("%s cannot be nil", name))
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
