// Package nilcheck detects nil interface values, including the typed-nil
// case where an interface wraps a nil pointer and a plain == nil check
// lets a broken dependency through.
package nilcheck

import "reflect"

// nillableKinds lists the reflect kinds whose values can hold nil.
var nillableKinds = map[reflect.Kind]bool{
	reflect.Chan:      true,
	reflect.Func:      true,
	reflect.Interface: true,
	reflect.Map:       true,
	reflect.Pointer:   true,
	reflect.Slice:     true,
}

// Interface reports whether value is nil, including typed-nil interfaces.
func Interface(value any) bool {
	if value == nil {
		return true
	}

	v := reflect.ValueOf(value)
	if !nillableKinds[v.Kind()] {
		return false
	}

	return v.IsNil()
}
