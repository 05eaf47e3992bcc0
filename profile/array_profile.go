package profile

import (
	"strings"
	"sync/atomic"

	"github.com/chazu/tierup/runtime"
)

// ArrayModes is a bitmask over indexing types observed at an access site.
type ArrayModes uint32

// ArrayModeFor returns the single-mode mask for t.
func ArrayModeFor(t runtime.IndexingType) ArrayModes {
	return 1 << t
}

// Has reports whether t was observed.
func (m ArrayModes) Has(t runtime.IndexingType) bool {
	return m&ArrayModeFor(t) != 0
}

// IsSingle reports whether exactly one indexing type was observed.
func (m ArrayModes) IsSingle() bool {
	return m != 0 && m&(m-1) == 0
}

// Single returns the only observed indexing type; only valid when IsSingle.
func (m ArrayModes) Single() runtime.IndexingType {
	for t := runtime.NonArray; t <= runtime.ArrayWithContiguous; t++ {
		if m.Has(t) {
			return t
		}
	}
	return runtime.NonArray
}

func (m ArrayModes) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for t := runtime.NonArray; t <= runtime.ArrayWithContiguous; t++ {
		if m.Has(t) {
			parts = append(parts, t.String())
		}
	}
	return strings.Join(parts, "|")
}

// ArrayProfile records the shapes of objects accessed by an indexed
// instruction.
type ArrayProfile struct {
	bytecodeOffset int

	// Written by the executing thread.
	lastSeenStructure atomic.Pointer[runtime.Structure]
	mayStoreToHole    atomic.Bool
	outOfBounds       atomic.Bool

	// Folded state; guarded by the owning code block's lock. The mode bitmask
	// and the polymorphism flag must be read together.
	observedArrayModes     ArrayModes
	expectedStructure      *runtime.Structure
	structureIsPolymorphic bool
}

// NewArrayProfile creates a profile for the instruction at offset.
func NewArrayProfile(offset int) *ArrayProfile {
	return &ArrayProfile{bytecodeOffset: offset}
}

// BytecodeOffset implements Slot.
func (p *ArrayProfile) BytecodeOffset() int {
	return p.bytecodeOffset
}

// ObserveStructure records the structure of the accessed object.
func (p *ArrayProfile) ObserveStructure(s *runtime.Structure) {
	p.lastSeenStructure.Store(s)
}

// ObserveStore records the shape of an indexed store.
func (p *ArrayProfile) ObserveStore(st runtime.IndexStore) {
	if st.StoreToHole {
		p.mayStoreToHole.Store(true)
	}
	if st.OutOfBounds {
		p.outOfBounds.Store(true)
	}
}

// ObserveOutOfBounds records a read past the end.
func (p *ArrayProfile) ObserveOutOfBounds() {
	p.outOfBounds.Store(true)
}

// ComputeUpdatedPrediction folds the last seen structure into the mode mask
// and the expected structure. Repeated calls without new observations do not
// change the result.
func (p *ArrayProfile) ComputeUpdatedPrediction() ArrayModes {
	s := p.lastSeenStructure.Swap(nil)
	if s == nil {
		return p.observedArrayModes
	}
	p.observedArrayModes |= ArrayModeFor(s.IndexingType())
	switch {
	case p.structureIsPolymorphic:
	case p.expectedStructure == nil:
		p.expectedStructure = s
	case p.expectedStructure != s:
		p.expectedStructure = nil
		p.structureIsPolymorphic = true
	}
	return p.observedArrayModes
}

func (p *ArrayProfile) ObservedArrayModes() ArrayModes        { return p.observedArrayModes }
func (p *ArrayProfile) ExpectedStructure() *runtime.Structure { return p.expectedStructure }
func (p *ArrayProfile) StructureIsPolymorphic() bool          { return p.structureIsPolymorphic }
func (p *ArrayProfile) MayStoreToHole() bool                  { return p.mayStoreToHole.Load() }
func (p *ArrayProfile) OutOfBounds() bool                     { return p.outOfBounds.Load() }

// VisitWeak appends structures the profile refers to.
func (p *ArrayProfile) VisitWeak(v runtime.SlotVisitor) {
	if s := p.lastSeenStructure.Load(); s != nil {
		v.Append(s)
	}
	if p.expectedStructure != nil {
		v.Append(p.expectedStructure)
	}
}

// ClearDeadStructures drops references to structures that did not survive a
// collection. Caller holds the owning code block's lock.
func (p *ArrayProfile) ClearDeadStructures(isLive runtime.Liveness) {
	if s := p.lastSeenStructure.Load(); s != nil && !isLive(s) {
		p.lastSeenStructure.CompareAndSwap(s, nil)
	}
	if p.expectedStructure != nil && !isLive(p.expectedStructure) {
		p.expectedStructure = nil
	}
}
