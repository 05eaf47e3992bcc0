// Package profile holds the per-instruction observation records the execution
// engine writes on every interpreted or baseline execution, and the execution
// counters that decide when to tier up.
//
// Writers are the thread executing the owning code block and never lock.
// Readers are compiler threads that hold the owning code block's concurrent lock
// and fold raw observations into predictions.
package profile

import (
	"strings"

	"github.com/chazu/tierup/runtime"
)

// SpeculatedType is a set of value types, the lattice the optimizer speculates on.
type SpeculatedType uint32

const SpecNone SpeculatedType = 0

const (
	SpecInt32 SpeculatedType = 1 << iota
	SpecDouble
	SpecBoolean
	SpecString
	SpecFinalObject
	SpecArray
	SpecFunction
	SpecOther // undefined, null
	SpecRegExp
)

const (
	SpecNumber = SpecInt32 | SpecDouble
	SpecObject = SpecFinalObject | SpecArray | SpecFunction | SpecRegExp
	SpecTop    = SpecNumber | SpecBoolean | SpecString | SpecObject | SpecOther
)

// SpeculationFromValue classifies a single value.
func SpeculationFromValue(v runtime.Value) SpeculatedType {
	switch x := v.(type) {
	case int32:
		return SpecInt32
	case float64:
		return SpecDouble
	case bool:
		return SpecBoolean
	case string:
		return SpecString
	case *runtime.Object:
		if x.Structure().IsArray() {
			return SpecArray
		}
		return SpecFinalObject
	case *runtime.FunctionObject:
		return SpecFunction
	case runtime.UndefinedType, runtime.NullType, nil:
		return SpecOther
	}
	return SpecRegExp
}

// Merge returns the union.
func (s SpeculatedType) Merge(o SpeculatedType) SpeculatedType {
	return s | o
}

// IsSubsetOf reports whether every type in s is in o. SpecNone is a subset of
// everything.
func (s SpeculatedType) IsSubsetOf(o SpeculatedType) bool {
	return s&^o == 0
}

// IsInt32 reports a non-empty int32-only prediction.
func (s SpeculatedType) IsInt32() bool {
	return s != SpecNone && s.IsSubsetOf(SpecInt32)
}

// IsNumber reports a non-empty number-only prediction.
func (s SpeculatedType) IsNumber() bool {
	return s != SpecNone && s.IsSubsetOf(SpecNumber)
}

// IsFinalObject reports a non-empty plain-object-only prediction.
func (s SpeculatedType) IsFinalObject() bool {
	return s != SpecNone && s.IsSubsetOf(SpecFinalObject)
}

// IsArray reports a non-empty array-only prediction.
func (s SpeculatedType) IsArray() bool {
	return s != SpecNone && s.IsSubsetOf(SpecArray)
}

var specNames = []struct {
	bit  SpeculatedType
	name string
}{
	{SpecInt32, "Int32"},
	{SpecDouble, "Double"},
	{SpecBoolean, "Boolean"},
	{SpecString, "String"},
	{SpecFinalObject, "FinalObject"},
	{SpecArray, "Array"},
	{SpecFunction, "Function"},
	{SpecOther, "Other"},
	{SpecRegExp, "RegExp"},
}

func (s SpeculatedType) String() string {
	if s == SpecNone {
		return "None"
	}
	if s == SpecTop {
		return "Top"
	}
	var parts []string
	for _, n := range specNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
