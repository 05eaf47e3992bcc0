package runtime

// SlotVisitor is the garbage collector's side of the tracing contract: anything
// appended is kept alive for the current collection.
type SlotVisitor interface {
	Append(cell any)
}

// CellSet is a SlotVisitor that records appended cells.
type CellSet map[any]struct{}

// Append adds cell unless it is nil.
func (s CellSet) Append(cell any) {
	if cell == nil {
		return
	}
	s[cell] = struct{}{}
}

// Contains reports whether cell was appended.
func (s CellSet) Contains(cell any) bool {
	_, ok := s[cell]
	return ok
}

// Liveness answers whether a cell survived the current collection.
type Liveness func(cell any) bool
