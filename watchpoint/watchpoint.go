// Package watchpoint implements invalidation sets for speculative assumptions.
//
// Optimized code is compiled under assumptions such as "this structure never
// transitions" or "this global is never reassigned". Each assumption is guarded by
// a Set; compiled code registers a Watchpoint on the set and is told when the
// assumption breaks.
package watchpoint

import (
	"sync"
)

// State is the lifecycle of a Set. It only ever moves forward.
type State uint8

const (
	ClearWatchpoint State = iota // nobody has relied on the assumption yet
	IsWatched                    // the assumption holds and may have dependents
	IsInvalidated                // the assumption was broken; never valid again
)

func (s State) String() string {
	switch s {
	case ClearWatchpoint:
		return "clear"
	case IsWatched:
		return "watched"
	case IsInvalidated:
		return "invalidated"
	}
	return "unknown"
}

// Watchpoint is notified when the Set it was added to is invalidated.
type Watchpoint interface {
	Fire(detail string)
}

// Set guards one assumption.
type Set struct {
	name string

	mu       sync.Mutex
	state    State
	watchers []Watchpoint
	detail   string // reason recorded by the invalidating FireAll
}

// NewSet creates a set in the given initial state.
func NewSet(name string, state State) *Set {
	return &Set{name: name, state: state}
}

// Name returns the set's diagnostic name.
func (s *Set) Name() string {
	return s.name
}

// State returns the current state.
func (s *Set) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsStillValid reports whether the assumption still holds.
func (s *Set) IsStillValid() bool {
	return s.State() != IsInvalidated
}

// HasBeenInvalidated is the negation of IsStillValid.
func (s *Set) HasBeenInvalidated() bool {
	return s.State() == IsInvalidated
}

// InvalidationDetail returns the reason passed to the invalidating FireAll.
func (s *Set) InvalidationDetail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detail
}

// StartWatching moves a clear set to IsWatched.
func (s *Set) StartWatching() {
	s.mu.Lock()
	if s.state == ClearWatchpoint {
		s.state = IsWatched
	}
	s.mu.Unlock()
}

// Add registers w. It returns false, without registering, when the set is
// already invalidated; the caller must then treat its assumption as broken.
func (s *Set) Add(w Watchpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == IsInvalidated {
		return false
	}
	s.state = IsWatched
	s.watchers = append(s.watchers, w)
	return true
}

// Remove unregisters w if present.
func (s *Set) Remove(w Watchpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.watchers {
		if existing == w {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			return
		}
	}
}

// NumberOfWatchpoints returns how many watchers are registered.
func (s *Set) NumberOfWatchpoints() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// Touch records a write to the guarded state: the first write only starts
// watching, any later write invalidates.
func (s *Set) Touch(detail string) {
	s.mu.Lock()
	if s.state == ClearWatchpoint {
		s.state = IsWatched
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.FireAll(detail)
}

// FireAll invalidates the set and notifies every registered watchpoint.
// Watchers run without the set's lock held so they may call Remove.
func (s *Set) FireAll(detail string) {
	s.mu.Lock()
	if s.state == IsInvalidated {
		s.mu.Unlock()
		return
	}
	s.state = IsInvalidated
	s.detail = detail
	watchers := s.watchers
	s.watchers = nil
	s.mu.Unlock()

	for _, w := range watchers {
		w.Fire(detail)
	}
}

// Func adapts a function to the Watchpoint interface. Compare by pointer:
// use &Func{...} so Remove can find it.
type Func struct {
	F func(detail string)
}

// Fire calls F.
func (f *Func) Fire(detail string) {
	f.F(detail)
}
