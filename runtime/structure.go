package runtime

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chazu/tierup/watchpoint"
)

// IndexingType describes how an object's indexed elements are stored.
type IndexingType uint8

const (
	NonArray IndexingType = iota
	ArrayWithUndecided
	ArrayWithInt32
	ArrayWithDouble
	ArrayWithContiguous
)

func (t IndexingType) String() string {
	switch t {
	case NonArray:
		return "NonArray"
	case ArrayWithUndecided:
		return "ArrayWithUndecided"
	case ArrayWithInt32:
		return "ArrayWithInt32"
	case ArrayWithDouble:
		return "ArrayWithDouble"
	case ArrayWithContiguous:
		return "ArrayWithContiguous"
	}
	return "Unknown"
}

// MaxCacheableProperties is the property count past which a structure turns into
// a dictionary and stops being cacheable.
const MaxCacheableProperties = 64

var nextStructureID atomic.Uint32

type transitionKey struct {
	name     string
	indexing IndexingType
	isIndex  bool
}

// Structure is an object shape: the mapping from property names to slot offsets
// plus the prototype and indexing type. Structures are immutable once created;
// adding a property produces (and caches) a transition to a new structure.
type Structure struct {
	id         uint32
	classInfo  string
	indexing   IndexingType
	prototype  *Object
	dictionary bool

	properties map[string]int
	names      []string
	previous   *Structure

	// Fired the first time any object transitions away from this structure.
	transitionWatchpoints *watchpoint.Set

	mu          sync.Mutex
	transitions map[transitionKey]*Structure
}

// NewStructure creates a root structure with no properties.
func NewStructure(classInfo string, indexing IndexingType, prototype *Object) *Structure {
	s := &Structure{
		id:         nextStructureID.Add(1),
		classInfo:  classInfo,
		indexing:   indexing,
		prototype:  prototype,
		properties: make(map[string]int),
	}
	s.transitionWatchpoints = watchpoint.NewSet(fmt.Sprintf("structure#%d.transition", s.id), watchpoint.IsWatched)
	return s
}

func (s *Structure) ID() uint32                 { return s.id }
func (s *Structure) ClassInfo() string          { return s.classInfo }
func (s *Structure) IndexingType() IndexingType { return s.indexing }
func (s *Structure) Prototype() *Object         { return s.prototype }
func (s *Structure) IsDictionary() bool         { return s.dictionary }
func (s *Structure) PropertyCount() int         { return len(s.names) }
func (s *Structure) Previous() *Structure       { return s.previous }

// IsArray reports whether objects of this structure carry indexed storage.
func (s *Structure) IsArray() bool {
	return s.indexing != NonArray
}

// TransitionWatchpointSet is invalidated when an object leaves this structure.
func (s *Structure) TransitionWatchpointSet() *watchpoint.Set {
	return s.transitionWatchpoints
}

// Get returns the slot offset of an own property.
func (s *Structure) Get(name string) (int, bool) {
	off, ok := s.properties[name]
	return off, ok
}

// PropertyNames returns own property names in insertion order.
func (s *Structure) PropertyNames() []string {
	return append([]string(nil), s.names...)
}

func (s *Structure) String() string {
	return fmt.Sprintf("%s#%d", s.classInfo, s.id)
}

// AddPropertyTransition returns the structure reached by adding name.
// Repeated calls return the same cached structure.
func (s *Structure) AddPropertyTransition(name string) *Structure {
	key := transitionKey{name: name}
	s.mu.Lock()
	next, ok := s.transitions[key]
	if !ok {
		next = s.derive()
		next.properties[name] = len(s.names)
		next.names = append(next.names, name)
		if len(next.names) > MaxCacheableProperties {
			next.dictionary = true
		}
		if s.transitions == nil {
			s.transitions = make(map[transitionKey]*Structure)
		}
		s.transitions[key] = next
	}
	s.mu.Unlock()

	s.transitionWatchpoints.FireAll(fmt.Sprintf("add property %q", name))
	return next
}

// ExistingPropertyTransition returns the cached transition for name without
// creating one, or nil. It is safe to call from compiler threads.
func (s *Structure) ExistingPropertyTransition(name string) *Structure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitions[transitionKey{name: name}]
}

// IndexingTransition returns the structure with a different indexing type.
func (s *Structure) IndexingTransition(t IndexingType) *Structure {
	if t == s.indexing {
		return s
	}
	key := transitionKey{indexing: t, isIndex: true}
	s.mu.Lock()
	next, ok := s.transitions[key]
	if !ok {
		next = s.derive()
		next.indexing = t
		if s.transitions == nil {
			s.transitions = make(map[transitionKey]*Structure)
		}
		s.transitions[key] = next
	}
	s.mu.Unlock()

	s.transitionWatchpoints.FireAll("indexing transition to " + t.String())
	return next
}

func (s *Structure) derive() *Structure {
	next := NewStructure(s.classInfo, s.indexing, s.prototype)
	next.previous = s
	next.dictionary = s.dictionary
	for k, v := range s.properties {
		next.properties[k] = v
	}
	next.names = append(next.names, s.names...)
	return next
}

// StructureChain snapshots the structures along a prototype chain. A cached
// transition is only valid while the chain is unchanged.
type StructureChain struct {
	structures []*Structure
}

// NewStructureChain records the structures of prototype and its ancestors.
func NewStructureChain(prototype *Object) *StructureChain {
	c := &StructureChain{}
	for p := prototype; p != nil; p = p.Structure().Prototype() {
		c.structures = append(c.structures, p.Structure())
	}
	return c
}

// Structures returns the recorded structures, nearest prototype first.
func (c *StructureChain) Structures() []*Structure {
	if c == nil {
		return nil
	}
	return c.structures
}

// IsStillValid checks the chain against the live prototype chain.
func (c *StructureChain) IsStillValid(prototype *Object) bool {
	i := 0
	for p := prototype; p != nil; p = p.Structure().Prototype() {
		if i >= len(c.structures) || c.structures[i] != p.Structure() {
			return false
		}
		i++
	}
	return i == len(c.structures)
}
