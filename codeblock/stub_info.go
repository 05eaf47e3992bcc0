package codeblock

import (
	"fmt"
	"sync/atomic"

	"github.com/chazu/tierup/runtime"
)

// AccessType is the discriminant of a StructureStubInfo's access.
type AccessType uint8

const (
	AccessUnset AccessType = iota
	AccessGetByIDSelf
	AccessGetByIDList
	AccessPutByIDReplace
	AccessPutByIDTransition
	AccessPutByIDList
	AccessGeneric
)

func (t AccessType) String() string {
	switch t {
	case AccessUnset:
		return "Unset"
	case AccessGetByIDSelf:
		return "GetByIdSelf"
	case AccessGetByIDList:
		return "GetByIdList"
	case AccessPutByIDReplace:
		return "PutByIdReplace"
	case AccessPutByIDTransition:
		return "PutByIdTransition"
	case AccessPutByIDList:
		return "PutByIdList"
	case AccessGeneric:
		return "Generic"
	}
	return fmt.Sprintf("AccessType(%d)", uint8(t))
}

// StubAccess is what a baseline property access stub has cached. The variants
// are GetByIDSelf, GetByIDList, PutByIDReplace, PutByIDTransition, PutByIDList
// and Generic; a nil StubAccess is an unset stub.
type StubAccess interface {
	AccessType() AccessType
	structures() []*runtime.Structure
}

// GetByIDSelf reads an own property at Offset of objects with Structure.
type GetByIDSelf struct {
	Structure *runtime.Structure
	Offset    int
}

// GetByIDList is a polymorphic get stub.
type GetByIDList struct {
	Cases []GetByIDSelf
}

// PutByIDReplace overwrites an existing own property.
type PutByIDReplace struct {
	Structure *runtime.Structure
	Offset    int
}

// PutByIDTransition adds a property, moving objects from Previous to
// Structure. Chain is the prototype chain that was checked when caching.
type PutByIDTransition struct {
	Previous  *runtime.Structure
	Structure *runtime.Structure
	Chain     *runtime.StructureChain
	Offset    int
}

// PutByIDList is a polymorphic put stub of replace and transition cases.
type PutByIDList struct {
	Cases []StubAccess
}

// Generic is a stub that gave up caching.
type Generic struct{}

func (GetByIDSelf) AccessType() AccessType       { return AccessGetByIDSelf }
func (GetByIDList) AccessType() AccessType       { return AccessGetByIDList }
func (PutByIDReplace) AccessType() AccessType    { return AccessPutByIDReplace }
func (PutByIDTransition) AccessType() AccessType { return AccessPutByIDTransition }
func (PutByIDList) AccessType() AccessType       { return AccessPutByIDList }
func (Generic) AccessType() AccessType           { return AccessGeneric }

func (a GetByIDSelf) structures() []*runtime.Structure { return []*runtime.Structure{a.Structure} }
func (a GetByIDList) structures() []*runtime.Structure {
	var out []*runtime.Structure
	for _, c := range a.Cases {
		out = append(out, c.Structure)
	}
	return out
}
func (a PutByIDReplace) structures() []*runtime.Structure { return []*runtime.Structure{a.Structure} }
func (a PutByIDTransition) structures() []*runtime.Structure {
	out := []*runtime.Structure{a.Previous, a.Structure}
	if a.Chain != nil {
		out = append(out, a.Chain.Structures()...)
	}
	return out
}
func (a PutByIDList) structures() []*runtime.Structure {
	var out []*runtime.Structure
	for _, c := range a.Cases {
		out = append(out, c.structures()...)
	}
	return out
}
func (Generic) structures() []*runtime.Structure { return nil }

// StructureStubInfo is the baseline property access cache for one get_by_id or
// put_by_id instruction. Every method requires the owning code block's lock;
// the collector resets stubs at a safepoint while holding it.
type StructureStubInfo struct {
	bytecodeOffset int
	access         StubAccess
	resetByGC      bool
	seen           bool
}

func newStructureStubInfo(offset int) *StructureStubInfo {
	return &StructureStubInfo{bytecodeOffset: offset}
}

// BytecodeOffset implements profile.Slot.
func (s *StructureStubInfo) BytecodeOffset() int { return s.bytecodeOffset }

// Access returns the cached access, or nil when unset.
func (s *StructureStubInfo) Access() StubAccess { return s.access }

// AccessType returns the discriminant of the cached access.
func (s *StructureStubInfo) AccessType() AccessType {
	if s.access == nil {
		return AccessUnset
	}
	return s.access.AccessType()
}

// ResetByGC reports whether the collector cleared this stub.
func (s *StructureStubInfo) ResetByGC() bool { return s.resetByGC }

// Seen reports whether the stub was ever executed.
func (s *StructureStubInfo) Seen() bool { return s.seen }

// Reset returns the stub to unset.
func (s *StructureStubInfo) Reset() {
	s.access = nil
}

// RecordGet caches a get of an own property.
func (s *StructureStubInfo) RecordGet(structure *runtime.Structure, offset int, cacheable bool, maxCases int) {
	s.seen = true
	if !cacheable || structure.IsDictionary() {
		s.access = Generic{}
		return
	}
	next := GetByIDSelf{Structure: structure, Offset: offset}
	switch cur := s.access.(type) {
	case nil:
		s.access = next
	case GetByIDSelf:
		if cur.Structure != structure {
			s.access = GetByIDList{Cases: []GetByIDSelf{cur, next}}
		}
	case GetByIDList:
		for _, c := range cur.Cases {
			if c.Structure == structure {
				return
			}
		}
		if len(cur.Cases) >= maxCases {
			s.access = Generic{}
			return
		}
		cases := append(append([]GetByIDSelf(nil), cur.Cases...), next)
		s.access = GetByIDList{Cases: cases}
	}
}

// RecordPut caches a put. chain is the prototype chain of the old structure
// for transitions.
func (s *StructureStubInfo) RecordPut(res runtime.PutResult, chain *runtime.StructureChain, cacheable bool, maxCases int) {
	s.seen = true
	if !cacheable || res.NewStructure.IsDictionary() {
		s.access = Generic{}
		return
	}
	var next StubAccess
	if res.Transitioned {
		next = PutByIDTransition{Previous: res.OldStructure, Structure: res.NewStructure, Chain: chain, Offset: res.Offset}
	} else {
		next = PutByIDReplace{Structure: res.NewStructure, Offset: res.Offset}
	}
	switch cur := s.access.(type) {
	case nil:
		s.access = next
	case PutByIDReplace, PutByIDTransition:
		if sameStructureKey(cur, next) {
			return
		}
		s.access = PutByIDList{Cases: []StubAccess{cur, next}}
	case PutByIDList:
		for _, c := range cur.Cases {
			if sameStructureKey(c, next) {
				return
			}
		}
		if len(cur.Cases) >= maxCases {
			s.access = Generic{}
			return
		}
		cases := append(append([]StubAccess(nil), cur.Cases...), next)
		s.access = PutByIDList{Cases: cases}
	}
}

// sameStructureKey reports whether two put cases match the same incoming
// structure.
func sameStructureKey(a, b StubAccess) bool {
	return putKey(a) == putKey(b)
}

func putKey(a StubAccess) *runtime.Structure {
	switch x := a.(type) {
	case PutByIDReplace:
		return x.Structure
	case PutByIDTransition:
		return x.Previous
	}
	return nil
}

// finalize resets the stub if any structure it caches is dead.
func (s *StructureStubInfo) finalize(isLive runtime.Liveness) {
	if s.access == nil {
		return
	}
	for _, st := range s.access.structures() {
		if st != nil && !isLive(st) {
			s.access = nil
			s.resetByGC = true
			return
		}
	}
}

// PropertyCacheEntry is an interpreter inline cache record. NewStructure and
// Chain are set for put transitions only.
type PropertyCacheEntry struct {
	Structure    *runtime.Structure
	NewStructure *runtime.Structure
	Chain        *runtime.StructureChain
	Offset       int
}

// PropertyCache is the interpreter's single-entry cache for one get_by_id or
// put_by_id instruction. The entry is replaced as a whole, so readers never see
// a torn record.
type PropertyCache struct {
	bytecodeOffset int
	entry          atomic.Pointer[PropertyCacheEntry]
}

func newPropertyCache(offset int) *PropertyCache {
	return &PropertyCache{bytecodeOffset: offset}
}

// BytecodeOffset implements profile.Slot.
func (p *PropertyCache) BytecodeOffset() int { return p.bytecodeOffset }

// Entry returns the cached record, or nil.
func (p *PropertyCache) Entry() *PropertyCacheEntry { return p.entry.Load() }

// Set replaces the cached record.
func (p *PropertyCache) Set(e *PropertyCacheEntry) { p.entry.Store(e) }

// Clear empties the cache.
func (p *PropertyCache) Clear() { p.entry.Store(nil) }

func (p *PropertyCache) finalize(isLive runtime.Liveness) {
	e := p.entry.Load()
	if e == nil {
		return
	}
	dead := !isLive(e.Structure) || (e.NewStructure != nil && !isLive(e.NewStructure))
	if !dead && e.Chain != nil {
		for _, s := range e.Chain.Structures() {
			if !isLive(s) {
				dead = true
				break
			}
		}
	}
	if dead {
		p.entry.CompareAndSwap(e, nil)
	}
}
