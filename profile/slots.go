package profile

import (
	"fmt"
	"sort"
)

// Slot is a profiling record keyed by the bytecode offset it observes.
type Slot interface {
	BytecodeOffset() int
}

// Slots is an offset-ordered collection of profiling records. Records must be
// added in strictly increasing offset order; lookups binary search on offset.
type Slots[T Slot] struct {
	items []T
}

// Add appends slot. It panics if slot's offset does not exceed the last one.
func (s *Slots[T]) Add(slot T) T {
	if n := len(s.items); n > 0 {
		last := s.items[n-1].BytecodeOffset()
		if slot.BytecodeOffset() <= last {
			panic(fmt.Sprintf("profile: slot offset %d added after %d", slot.BytecodeOffset(), last))
		}
	}
	s.items = append(s.items, slot)
	return slot
}

// Find returns the slot at exactly offset.
func (s *Slots[T]) Find(offset int) (T, bool) {
	i := sort.Search(len(s.items), func(i int) bool {
		return s.items[i].BytecodeOffset() >= offset
	})
	if i < len(s.items) && s.items[i].BytecodeOffset() == offset {
		return s.items[i], true
	}
	var zero T
	return zero, false
}

// Len returns the number of slots.
func (s *Slots[T]) Len() int {
	return len(s.items)
}

// At returns the i'th slot in offset order.
func (s *Slots[T]) At(i int) T {
	return s.items[i]
}

// All returns the slots in offset order. The slice must not be modified.
func (s *Slots[T]) All() []T {
	return s.items
}
