package codeblock

import (
	"fmt"

	"github.com/chazu/tierup/watchpoint"
)

// jettisoningWatchpoint throws away its optimized code block when the
// assumption it watches is invalidated.
type jettisoningWatchpoint struct {
	owner *CodeBlock
	set   *watchpoint.Set
}

func (w *jettisoningWatchpoint) Fire(detail string) {
	if w.owner.IsJettisoned() {
		return
	}
	log.Infof("%s: watchpoint %s fired: %s", w.owner, w.set.Name(), detail)
	w.owner.Jettison(JettisonDueToWatchpoint)
}

// AddWatchpoint makes the block depend on set. It reports false if the set
// was already invalidated, in which case the code must not be installed.
func (cb *CodeBlock) AddWatchpoint(set *watchpoint.Set) bool {
	w := &jettisoningWatchpoint{owner: cb, set: set}
	if !set.Add(w) {
		return false
	}
	cb.mu.Lock()
	cb.watchpoints = append(cb.watchpoints, w)
	cb.mu.Unlock()
	return true
}

// NumberOfWatchpoints returns how many sets the block depends on.
func (cb *CodeBlock) NumberOfWatchpoints() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.watchpoints)
}

func (cb *CodeBlock) detachWatchpoints() {
	cb.mu.Lock()
	ws := cb.watchpoints
	cb.watchpoints = nil
	cb.mu.Unlock()
	for _, w := range ws {
		w.set.Remove(w)
	}
}

func (cb *CodeBlock) addIncomingCall(c *CallLinkInfo) {
	cb.mu.Lock()
	cb.incomingCalls[c] = struct{}{}
	cb.mu.Unlock()
}

func (cb *CodeBlock) removeIncomingCall(c *CallLinkInfo) {
	cb.mu.Lock()
	delete(cb.incomingCalls, c)
	cb.mu.Unlock()
}

// NumberOfIncomingCalls returns how many call sites link here directly.
func (cb *CodeBlock) NumberOfIncomingCalls() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.incomingCalls)
}

// UnlinkIncomingCalls resets every call site linked to this block to the slow
// path.
func (cb *CodeBlock) UnlinkIncomingCalls() {
	cb.mu.Lock()
	calls := make([]*CallLinkInfo, 0, len(cb.incomingCalls))
	for c := range cb.incomingCalls {
		calls = append(calls, c)
	}
	cb.mu.Unlock()

	for _, c := range calls {
		// Only unlink sites still pointing here; a site may have relinked.
		if c.target.CompareAndSwap(cb, nil) {
			c.callee.Store(nil)
		}
	}

	cb.mu.Lock()
	for _, c := range calls {
		delete(cb.incomingCalls, c)
	}
	cb.mu.Unlock()
}

// IsJettisoned reports whether the block was thrown away.
func (cb *CodeBlock) IsJettisoned() bool { return cb.jettisoned.Load() }

// Jettison throws away optimized code: watchpoints are detached, incoming
// calls unlinked, and the alternative is reinstalled as the executable's
// current code with its warm-up re-armed. Frames still executing the block
// exit to the alternative at their next instruction.
//
// It panics for blocks without an alternative and on a second jettison.
func (cb *CodeBlock) Jettison(reason JettisonReason) {
	alt := cb.Alternative()
	if alt == nil {
		panic(fmt.Sprintf("codeblock: jettison of %s without alternative", cb))
	}
	if !cb.jettisoned.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("codeblock: double jettison of %s", cb))
	}

	cb.detachWatchpoints()
	cb.UnlinkIncomingCalls()

	if reason.countsReoptimization() {
		alt.CountReoptimization()
	}
	if cb.executable.CodeBlockFor(cb.kind) == cb {
		cb.executable.InstallCode(alt)
	}
	alt.OptimizeAfterWarmUp()

	log.Warningf("%s: jettisoned (%s), retry counter %d", cb, reason, alt.ReoptimizationRetryCounter())
	if o := cb.executable.observer; o != nil {
		o.CodeBlockJettisoned(cb, reason)
	}
}

// Discard throws away an optimized block that was never installed. Its
// watchpoints are detached and it counts as jettisoned, so a late firing is
// ignored.
func (cb *CodeBlock) Discard() {
	if cb.jettisoned.CompareAndSwap(false, true) {
		cb.detachWatchpoints()
		log.Debugf("%s: discarded", cb)
	}
}
