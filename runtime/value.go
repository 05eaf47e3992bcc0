// Package runtime models the heap objects the tiering core observes: values,
// structures (object shapes), objects, functions and global variables.
//
// It is deliberately small. Only the facts inline caches and speculation depend
// on are represented: a value's type, an object's structure, a structure's
// property offsets and the identity of callees.
package runtime

import (
	"fmt"
	"math"
	"strconv"
)

// Value is any runtime value: int32, float64, bool, string, *Object,
// *FunctionObject, Undefined or Null.
type Value = any

// UndefinedType is the type of Undefined.
type UndefinedType struct{}

// NullType is the type of Null.
type NullType struct{}

var (
	Undefined Value = UndefinedType{}
	Null      Value = NullType{}
)

func (UndefinedType) String() string { return "undefined" }
func (NullType) String() string      { return "null" }

// IsNumber reports whether v is an int32 or float64.
func IsNumber(v Value) bool {
	switch v.(type) {
	case int32, float64:
		return true
	}
	return false
}

// ToFloat converts a number to float64. Non-numbers are NaN.
func ToFloat(v Value) float64 {
	switch n := v.(type) {
	case int32:
		return float64(n)
	case float64:
		return n
	case bool:
		if n {
			return 1
		}
		return 0
	}
	return math.NaN()
}

// NormalizeNumber returns an int32 when f is integral and fits, else f.
func NormalizeNumber(f float64) Value {
	if f == math.Trunc(f) && f >= math.MinInt32 && f <= math.MaxInt32 && !(f == 0 && math.Signbit(f)) {
		return int32(f)
	}
	return f
}

// AddInt32 adds two int32s and reports overflow.
func AddInt32(a, b int32) (int32, bool) {
	sum := a + b
	overflow := (a > 0 && b > 0 && sum < 0) || (a < 0 && b < 0 && sum >= 0)
	return sum, overflow
}

// Add implements the generic '+' on the value subset we model.
func Add(a, b Value) Value {
	if ai, ok := a.(int32); ok {
		if bi, ok := b.(int32); ok {
			if sum, overflow := AddInt32(ai, bi); !overflow {
				return sum
			}
			return float64(ai) + float64(bi)
		}
	}
	_, aStr := a.(string)
	_, bStr := b.(string)
	if aStr || bStr {
		return ToString(a) + ToString(b)
	}
	return ToFloat(a) + ToFloat(b)
}

// Sub implements '-'.
func Sub(a, b Value) Value {
	if ai, ok := a.(int32); ok {
		if bi, ok := b.(int32); ok {
			diff := int64(ai) - int64(bi)
			if diff >= math.MinInt32 && diff <= math.MaxInt32 {
				return int32(diff)
			}
			return float64(diff)
		}
	}
	return ToFloat(a) - ToFloat(b)
}

// Less implements '<' for numbers and strings.
func Less(a, b Value) bool {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as < bs
		}
	}
	return ToFloat(a) < ToFloat(b)
}

// Truthy implements ToBoolean.
func Truthy(v Value) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int32:
		return x != 0
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	case UndefinedType, NullType, nil:
		return false
	}
	return true
}

// ToString renders a value the way string concatenation sees it.
func ToString(v Value) string {
	switch x := v.(type) {
	case string:
		return x
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case UndefinedType, nil:
		return "undefined"
	case NullType:
		return "null"
	case *Object:
		return "[object Object]"
	case *FunctionObject:
		return fmt.Sprintf("function %s", x.Name())
	}
	return fmt.Sprintf("%v", v)
}

// StrictEqual implements '===' on the modelled subset.
func StrictEqual(a, b Value) bool {
	if IsNumber(a) && IsNumber(b) {
		return ToFloat(a) == ToFloat(b)
	}
	return a == b
}
