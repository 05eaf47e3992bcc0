package icstatus

import (
	"fmt"

	"github.com/chazu/tierup/codeblock"
	"github.com/chazu/tierup/runtime"
)

// PutState is the discriminant of a PutByIdStatus.
type PutState uint8

const (
	PutNoInformation PutState = iota
	PutSimpleReplace
	PutSimpleTransition
	PutTakesSlowPath
)

func (s PutState) String() string {
	switch s {
	case PutNoInformation:
		return "NoInformation"
	case PutSimpleReplace:
		return "SimpleReplace"
	case PutSimpleTransition:
		return "SimpleTransition"
	case PutTakesSlowPath:
		return "TakesSlowPath"
	}
	return fmt.Sprintf("PutState(%d)", uint8(s))
}

// PutByIdStatus is what the optimizer may assume about one named store.
// A replace writes Offset of objects with OldStructure. A transition also
// moves them to NewStructure; Chain is the prototype chain that was valid
// when the transition was cached.
type PutByIdStatus struct {
	state            PutState
	oldStructure     *runtime.Structure
	newStructure     *runtime.Structure
	chain            *runtime.StructureChain
	offset           int
	staticallyProved bool
}

func (s PutByIdStatus) State() PutState                  { return s.state }
func (s PutByIdStatus) OldStructure() *runtime.Structure { return s.oldStructure }
func (s PutByIdStatus) NewStructure() *runtime.Structure { return s.newStructure }
func (s PutByIdStatus) Chain() *runtime.StructureChain   { return s.chain }
func (s PutByIdStatus) Offset() int                      { return s.offset }
func (s PutByIdStatus) IsStaticallyProved() bool         { return s.staticallyProved }
func (s PutByIdStatus) IsSet() bool                      { return s.state != PutNoInformation }
func (s PutByIdStatus) IsSimpleReplace() bool            { return s.state == PutSimpleReplace }
func (s PutByIdStatus) IsSimpleTransition() bool         { return s.state == PutSimpleTransition }
func (s PutByIdStatus) TakesSlowPath() bool              { return s.state == PutTakesSlowPath }

func (s PutByIdStatus) String() string {
	switch s.state {
	case PutSimpleReplace:
		return fmt.Sprintf("SimpleReplace(%s, %d)", s.oldStructure, s.offset)
	case PutSimpleTransition:
		return fmt.Sprintf("SimpleTransition(%s -> %s, %d)", s.oldStructure, s.newStructure, s.offset)
	}
	return s.state.String()
}

func simpleReplace(structure *runtime.Structure, name string) PutByIdStatus {
	off, ok := structure.Get(name)
	if !ok || structure.IsDictionary() {
		return PutByIdStatus{state: PutTakesSlowPath}
	}
	return PutByIdStatus{state: PutSimpleReplace, oldStructure: structure, offset: off}
}

func simpleTransition(old, next *runtime.Structure, chain *runtime.StructureChain, name string) PutByIdStatus {
	if _, ok := old.Get(name); ok || old.IsDictionary() {
		return PutByIdStatus{state: PutTakesSlowPath}
	}
	off, ok := next.Get(name)
	if !ok || next.Previous() != old {
		return PutByIdStatus{state: PutTakesSlowPath}
	}
	return PutByIdStatus{state: PutSimpleTransition, oldStructure: old, newStructure: next, chain: chain, offset: off}
}

// ComputePutByIdStatus resolves the put_by_id of name at bytecodeIndex of
// profiled. BadCache exits make the site slow; otherwise the baseline stub
// wins over the interpreter cache.
func ComputePutByIdStatus(profiled *codeblock.CodeBlock, bytecodeIndex int, name string) PutByIdStatus {
	if hasExitSite(profiled, bytecodeIndex, codeblock.BadCache, codeblock.BadCacheWatchpoint) {
		return PutByIdStatus{state: PutTakesSlowPath}
	}

	profiled.Lock()
	defer profiled.Unlock()

	if si := profiled.StubInfoForBytecodeOffset(bytecodeIndex); si != nil && si.Seen() {
		if si.ResetByGC() {
			return PutByIdStatus{state: PutTakesSlowPath}
		}
		switch a := si.Access().(type) {
		case codeblock.PutByIDReplace:
			return simpleReplace(a.Structure, name)
		case codeblock.PutByIDTransition:
			return simpleTransition(a.Previous, a.Structure, a.Chain, name)
		case nil:
		default:
			return PutByIdStatus{state: PutTakesSlowPath}
		}
	}
	return computePutFromInterpreterCache(profiled, bytecodeIndex, name)
}

func computePutFromInterpreterCache(profiled *codeblock.CodeBlock, bytecodeIndex int, name string) PutByIdStatus {
	pc := profiled.PropertyCacheForBytecodeOffset(bytecodeIndex)
	if pc == nil {
		return PutByIdStatus{}
	}
	e := pc.Entry()
	switch {
	case e == nil:
		return PutByIdStatus{}
	case e.NewStructure != nil:
		return simpleTransition(e.Structure, e.NewStructure, e.Chain, name)
	}
	return simpleReplace(e.Structure, name)
}

// ComputePutByIdStatusForStructure resolves a store of name to objects known
// to have structure. The result is statically proved. A transition is only
// proved if the structure already has it; a direct store ignores the
// prototype chain.
func ComputePutByIdStatusForStructure(structure *runtime.Structure, name string, direct bool) PutByIdStatus {
	if structure.IsDictionary() {
		return PutByIdStatus{state: PutTakesSlowPath}
	}
	if off, ok := structure.Get(name); ok {
		return PutByIdStatus{state: PutSimpleReplace, oldStructure: structure, offset: off, staticallyProved: true}
	}

	var chain *runtime.StructureChain
	if !direct {
		for p := structure.Prototype(); p != nil; p = p.Structure().Prototype() {
			if p.Structure().IsDictionary() {
				return PutByIdStatus{state: PutTakesSlowPath}
			}
		}
		chain = runtime.NewStructureChain(structure.Prototype())
	}

	next := structure.ExistingPropertyTransition(name)
	if next == nil {
		return PutByIdStatus{state: PutTakesSlowPath}
	}
	s := simpleTransition(structure, next, chain, name)
	s.staticallyProved = s.state == PutSimpleTransition
	return s
}
