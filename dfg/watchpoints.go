package dfg

import (
	"github.com/chazu/tierup/codeblock"
	"github.com/chazu/tierup/watchpoint"
)

// DesiredWatchpoints collects the sets compiled code depends on. They are
// registered with the code block only when the compilation is finalized; a set
// invalidated in between makes the compilation invalid.
type DesiredWatchpoints struct {
	sets []*watchpoint.Set
	seen map[*watchpoint.Set]struct{}
}

// Add records a dependency on set. Duplicates are ignored.
func (d *DesiredWatchpoints) Add(set *watchpoint.Set) {
	if d.seen == nil {
		d.seen = make(map[*watchpoint.Set]struct{})
	}
	if _, ok := d.seen[set]; ok {
		return
	}
	d.seen[set] = struct{}{}
	d.sets = append(d.sets, set)
}

// Len returns the number of desired sets.
func (d *DesiredWatchpoints) Len() int { return len(d.sets) }

// Sets returns the desired sets in the order they were added.
func (d *DesiredWatchpoints) Sets() []*watchpoint.Set { return d.sets }

// AreStillValid reports whether no desired set was invalidated.
func (d *DesiredWatchpoints) AreStillValid() bool {
	for _, s := range d.sets {
		if !s.IsStillValid() {
			return false
		}
	}
	return true
}

// ReallyAdd registers cb on every desired set. It reports false if a set was
// invalidated first; the caller must then discard cb.
func (d *DesiredWatchpoints) ReallyAdd(cb *codeblock.CodeBlock) bool {
	for _, s := range d.sets {
		if !cb.AddWatchpoint(s) {
			return false
		}
	}
	return true
}
