package codeblock

import "github.com/chazu/tierup/runtime"

// EnterFrame marks a frame executing this block. Weak references of executing
// blocks are treated as strong by the collector.
func (cb *CodeBlock) EnterFrame() { cb.executing.Add(1) }

// ExitFrame ends a frame started with EnterFrame.
func (cb *CodeBlock) ExitFrame() { cb.executing.Add(-1) }

// MayBeExecuting reports whether any frame is inside the block.
func (cb *CodeBlock) MayBeExecuting() bool { return cb.executing.Load() > 0 }

// VisitStrongReferences appends everything the block keeps alive: constant
// pool cells, rare data and the alternative chain.
func (cb *CodeBlock) VisitStrongReferences(v runtime.SlotVisitor) {
	for _, c := range cb.constants {
		switch c.(type) {
		case *runtime.Object, *runtime.FunctionObject:
			v.Append(c)
		}
	}
	cb.mu.Lock()
	rd := cb.rareData
	cb.mu.Unlock()
	if rd != nil {
		for _, re := range rd.regexps {
			if re != nil {
				v.Append(re)
			}
		}
	}
	if alt := cb.Alternative(); alt != nil {
		v.Append(alt)
		alt.VisitStrongReferences(v)
	}
}

// WeakReferences returns the cells whose death invalidates optimized code.
func (cb *CodeBlock) WeakReferences() []any {
	if cb.jitCode == nil {
		return nil
	}
	return cb.jitCode.WeakReferences
}

// VisitWeakReferences appends cells the block's caches and profiles refer to
// without keeping them alive.
func (cb *CodeBlock) VisitWeakReferences(v runtime.SlotVisitor) {
	for _, c := range cb.callLinkInfos.All() {
		c.visitWeak(v)
	}
	for _, p := range cb.arrayProfiles.All() {
		p.VisitWeak(v)
	}
	for _, r := range cb.WeakReferences() {
		v.Append(r)
	}
}

// FinalizeUnconditionally runs after marking. Caches referring to dead cells
// are cleared, stubs caching dead structures are reset, and an optimized block
// whose weak references died is jettisoned unless a frame is executing it.
// It reports whether the block was jettisoned.
func (cb *CodeBlock) FinalizeUnconditionally(isLive runtime.Liveness) bool {
	for _, c := range cb.callLinkInfos.All() {
		c.finalize(isLive)
	}
	for _, p := range cb.propertyCaches.All() {
		p.finalize(isLive)
	}

	cb.mu.Lock()
	for _, s := range cb.stubInfos.All() {
		s.finalize(isLive)
	}
	for _, p := range cb.arrayProfiles.All() {
		p.ClearDeadStructures(isLive)
	}
	cb.mu.Unlock()

	if cb.tier != TierOptimized || cb.IsJettisoned() || cb.MayBeExecuting() {
		return false
	}
	for _, r := range cb.WeakReferences() {
		if !isLive(r) {
			log.Infof("%s: weak reference died", cb)
			cb.Jettison(JettisonDueToGC)
			return true
		}
	}
	return false
}
