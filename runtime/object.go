package runtime

// Object is a heap object with named slots laid out by its Structure and,
// for arrays, a dense element vector.
type Object struct {
	structure *Structure
	slots     []Value
	elements  []Value
}

// NewObject creates an empty object of the given structure.
func NewObject(s *Structure) *Object {
	return &Object{structure: s, slots: make([]Value, s.PropertyCount())}
}

// NewArray creates an array object.
func NewArray(s *Structure, elements ...Value) *Object {
	o := NewObject(s)
	o.elements = append(o.elements, elements...)
	o.structure = s.IndexingTransition(indexingTypeFor(s.indexing, elements...))
	return o
}

// Structure returns the object's current structure.
func (o *Object) Structure() *Structure {
	return o.structure
}

// GetOwn reads an own named property.
func (o *Object) GetOwn(name string) (Value, bool) {
	if off, ok := o.structure.Get(name); ok {
		return o.slots[off], true
	}
	return nil, false
}

// Get reads a named property, walking the prototype chain.
func (o *Object) Get(name string) Value {
	for cur := o; cur != nil; cur = cur.structure.Prototype() {
		if v, ok := cur.GetOwn(name); ok {
			return v
		}
	}
	return Undefined
}

// PutResult describes what a named store did, which is what a put inline cache
// needs to record.
type PutResult struct {
	OldStructure *Structure
	NewStructure *Structure
	Offset       int
	Transitioned bool
}

// Put stores an own named property, transitioning the structure if the
// property is new.
func (o *Object) Put(name string, v Value) PutResult {
	old := o.structure
	if off, ok := old.Get(name); ok {
		o.slots[off] = v
		return PutResult{OldStructure: old, NewStructure: old, Offset: off}
	}
	next := old.AddPropertyTransition(name)
	off, _ := next.Get(name)
	o.structure = next
	o.slots = append(o.slots, v)
	return PutResult{OldStructure: old, NewStructure: next, Offset: off, Transitioned: true}
}

// GetSlot reads a slot directly; the caller has proven the structure.
func (o *Object) GetSlot(offset int) Value {
	return o.slots[offset]
}

// PutSlot writes a slot directly; the caller has proven the structure.
func (o *Object) PutSlot(offset int, v Value) {
	o.slots[offset] = v
}

// TransitionAndPut applies a cached transition: the caller has proven that the
// object's structure is from and that to adds exactly one slot at offset.
func (o *Object) TransitionAndPut(to *Structure, offset int, v Value) {
	o.structure.transitionWatchpoints.FireAll("cached transition")
	o.structure = to
	if offset == len(o.slots) {
		o.slots = append(o.slots, v)
		return
	}
	o.slots[offset] = v
}

// Length returns the number of indexed elements.
func (o *Object) Length() int {
	return len(o.elements)
}

// GetIndex reads an element. inBounds is false for reads past the end.
func (o *Object) GetIndex(i int) (v Value, inBounds bool) {
	if i < 0 || i >= len(o.elements) {
		return Undefined, false
	}
	return o.elements[i], true
}

// IndexStore describes an indexed store for array profiling.
type IndexStore struct {
	StoreToHole bool // appended exactly at the end
	OutOfBounds bool // wrote past the end, leaving holes
}

// PutIndex writes an element, growing the vector and adjusting the indexing
// type as needed.
func (o *Object) PutIndex(i int, v Value) IndexStore {
	var st IndexStore
	switch {
	case i < 0:
		return IndexStore{OutOfBounds: true}
	case i == len(o.elements):
		st.StoreToHole = true
		o.elements = append(o.elements, v)
	case i > len(o.elements):
		st.OutOfBounds = true
		for len(o.elements) < i {
			o.elements = append(o.elements, Undefined)
		}
		o.elements = append(o.elements, v)
	default:
		o.elements[i] = v
	}
	want := indexingTypeFor(o.structure.indexing, v)
	if st.OutOfBounds {
		want = ArrayWithContiguous
	}
	if want != o.structure.indexing {
		o.structure = o.structure.IndexingTransition(want)
	}
	return st
}

// indexingTypeFor returns the most specific indexing type that can hold both
// the current contents and vs.
func indexingTypeFor(current IndexingType, vs ...Value) IndexingType {
	t := current
	for _, v := range vs {
		switch v.(type) {
		case int32:
			if t == NonArray || t == ArrayWithUndecided {
				t = ArrayWithInt32
			}
		case float64:
			if t == NonArray || t == ArrayWithUndecided || t == ArrayWithInt32 {
				t = ArrayWithDouble
			}
		default:
			t = ArrayWithContiguous
		}
	}
	if t == NonArray {
		t = ArrayWithUndecided
	}
	return t
}
