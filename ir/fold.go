package ir

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// ConstOrValue holds either a statically known integer or a runtime Value.
// It is the currency of offsets and sizes during tiling: keeping sizes as
// static integers for as long as possible avoids materializing constant ops
// and lets the transformation reason about them (e.g. "is this dimension
// untiled?").
type ConstOrValue struct {
	value    *Value
	c        int64
	isStatic bool
}

// Static returns a ConstOrValue holding a compile-time constant.
func Static(c int64) ConstOrValue {
	return ConstOrValue{c: c, isStatic: true}
}

// Dynamic returns a ConstOrValue holding a runtime value.
func Dynamic(v *Value) ConstOrValue {
	if v == nil {
		exceptions.Panicf("ir.Dynamic: nil value")
	}
	return ConstOrValue{value: v}
}

// IsStatic returns whether the value is a compile-time constant.
func (cv ConstOrValue) IsStatic() bool { return cv.isStatic }

// StaticValue returns the compile-time constant. It panics if the value is
// dynamic.
func (cv ConstOrValue) StaticValue() int64 {
	if !cv.isStatic {
		exceptions.Panicf("ConstOrValue.StaticValue called on a dynamic value")
	}
	return cv.c
}

// Value returns the runtime value, or nil if the value is static.
func (cv ConstOrValue) Value() *Value { return cv.value }

// IsStaticZero returns whether this is the static constant 0.
func (cv ConstOrValue) IsStaticZero() bool { return cv.isStatic && cv.c == 0 }

// IsStaticOne returns whether this is the static constant 1.
func (cv ConstOrValue) IsStaticOne() bool { return cv.isStatic && cv.c == 1 }

// String implements fmt.Stringer.
func (cv ConstOrValue) String() string {
	if cv.isStatic {
		return fmt.Sprintf("%d", cv.c)
	}
	return "<dynamic>"
}

// MatchConstant returns the static integer a value is defined to, if its
// defining op is a constant.
func MatchConstant(v *Value) (int64, bool) {
	if v == nil || v.def == nil || v.def.kind != OpConstantIndex {
		return 0, false
	}
	return v.def.Attr("value").(int64), true
}

// FoldValue converts a Value to a ConstOrValue, extracting the constant if
// the value is defined by a constant op.
func FoldValue(v *Value) ConstOrValue {
	if c, ok := MatchConstant(v); ok {
		return Static(c)
	}
	return Dynamic(v)
}

// FoldValues converts each Value with FoldValue.
func FoldValues(values []*Value) []ConstOrValue {
	folded := make([]ConstOrValue, 0, len(values))
	for _, v := range values {
		folded = append(folded, FoldValue(v))
	}
	return folded
}
