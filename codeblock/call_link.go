package codeblock

import (
	"sync/atomic"

	"github.com/chazu/tierup/runtime"
)

// CallStubKind distinguishes the call stubs baseline code can install.
type CallStubKind uint8

const (
	// ClosureCallStub dispatches on the callee's executable; the callee
	// identity varies but its code does not.
	ClosureCallStub CallStubKind = iota
	// PolymorphicCallStub holds several unrelated callees.
	PolymorphicCallStub
)

// CallStub is an immutable call-site stub. Replacing a stub swaps the pointer
// on the CallLinkInfo.
type CallStub struct {
	Kind       CallStubKind
	Executable *Executable
	Variants   []*runtime.FunctionObject
}

// CallLinkInfo is the call inline cache for one call or construct instruction.
//
// lastSeenCallee, callee, target and stub are atomic pointers written by the
// executing thread and cleared by the collector at a safepoint. Compiler
// threads load them with acquire semantics while holding the owner's lock, so
// a reader may see a stale but never a torn or freed value.
type CallLinkInfo struct {
	bytecodeOffset int
	owner          *CodeBlock
	isConstruct    bool

	lastSeenCallee atomic.Pointer[runtime.FunctionObject]
	callee         atomic.Pointer[runtime.FunctionObject]
	target         atomic.Pointer[CodeBlock]
	stub           atomic.Pointer[CallStub]
	clearedByGC    atomic.Bool
	slowPathCount  atomic.Uint32
}

func newCallLinkInfo(owner *CodeBlock, offset int, construct bool) *CallLinkInfo {
	return &CallLinkInfo{bytecodeOffset: offset, owner: owner, isConstruct: construct}
}

// BytecodeOffset implements profile.Slot.
func (c *CallLinkInfo) BytecodeOffset() int { return c.bytecodeOffset }

// Owner returns the code block containing the call site.
func (c *CallLinkInfo) Owner() *CodeBlock { return c.owner }

// IsConstruct reports whether the site is a construct instruction.
func (c *CallLinkInfo) IsConstruct() bool { return c.isConstruct }

// Kind returns the specialization the call site needs from its callee.
func (c *CallLinkInfo) Kind() SpecializationKind {
	if c.isConstruct {
		return CodeForConstruct
	}
	return CodeForCall
}

func (c *CallLinkInfo) LastSeenCallee() *runtime.FunctionObject { return c.lastSeenCallee.Load() }
func (c *CallLinkInfo) Callee() *runtime.FunctionObject         { return c.callee.Load() }
func (c *CallLinkInfo) Stub() *CallStub                         { return c.stub.Load() }
func (c *CallLinkInfo) ClearedByGC() bool                       { return c.clearedByGC.Load() }
func (c *CallLinkInfo) SlowPathCount() uint32                   { return c.slowPathCount.Load() }

// Target returns the code block the site is linked to, or nil when calls go
// through the slow path.
func (c *CallLinkInfo) Target() *CodeBlock { return c.target.Load() }

// IsLinked reports whether the site calls a code block directly.
func (c *CallLinkInfo) IsLinked() bool { return c.target.Load() != nil }

// ObserveCallee records the callee seen by the interpreter.
func (c *CallLinkInfo) ObserveCallee(f *runtime.FunctionObject) {
	c.lastSeenCallee.Store(f)
}

// CountSlowPath records one slow-path dispatch.
func (c *CallLinkInfo) CountSlowPath() {
	c.slowPathCount.Add(1)
}

// Link points the site directly at target for callee. The target records the
// site as an incoming call so it can be unlinked later.
func (c *CallLinkInfo) Link(callee *runtime.FunctionObject, target *CodeBlock) {
	if old := c.target.Load(); old != nil && old != target {
		old.removeIncomingCall(c)
	}
	c.lastSeenCallee.Store(callee)
	c.callee.Store(callee)
	c.target.Store(target)
	target.addIncomingCall(c)
}

// Relink records a call to callee that did not match the linked callee and
// upgrades the site: same executable becomes a closure call stub, otherwise a
// polymorphic stub of at most maxVariants callees.
func (c *CallLinkInfo) Relink(callee *runtime.FunctionObject, maxVariants int) {
	c.lastSeenCallee.Store(callee)
	prev := c.callee.Load()
	if stub := c.stub.Load(); stub != nil {
		if stub.Kind == PolymorphicCallStub {
			c.addVariant(stub, callee, maxVariants)
		} else if exe, _ := callee.Executable().(*Executable); exe != stub.Executable {
			seed := &CallStub{Kind: PolymorphicCallStub}
			if prev != nil {
				seed.Variants = []*runtime.FunctionObject{prev}
			}
			c.addVariant(seed, callee, maxVariants)
		}
		return
	}
	if prev == nil || prev == callee {
		return
	}
	prevExe, _ := prev.Executable().(*Executable)
	exe, _ := callee.Executable().(*Executable)
	if prevExe != nil && prevExe == exe {
		c.stub.Store(&CallStub{Kind: ClosureCallStub, Executable: exe})
		return
	}
	c.addVariant(&CallStub{Kind: PolymorphicCallStub, Variants: []*runtime.FunctionObject{prev}}, callee, maxVariants)
}

func (c *CallLinkInfo) addVariant(stub *CallStub, callee *runtime.FunctionObject, maxVariants int) {
	for _, v := range stub.Variants {
		if v == callee {
			return
		}
	}
	next := &CallStub{Kind: PolymorphicCallStub}
	next.Variants = append(append(next.Variants, stub.Variants...), callee)
	if len(next.Variants) > maxVariants {
		next.Variants = next.Variants[len(next.Variants)-maxVariants:]
	}
	c.stub.Store(next)
}

// Unlink sends future calls through the slow path. The last seen callee and
// any stub are kept as profiling history.
func (c *CallLinkInfo) Unlink() {
	if old := c.target.Swap(nil); old != nil {
		old.removeIncomingCall(c)
	}
	c.callee.Store(nil)
}

// visitWeak appends functions the site refers to.
func (c *CallLinkInfo) visitWeak(v runtime.SlotVisitor) {
	if f := c.lastSeenCallee.Load(); f != nil {
		v.Append(f)
	}
	if f := c.callee.Load(); f != nil {
		v.Append(f)
	}
	if s := c.stub.Load(); s != nil {
		for _, f := range s.Variants {
			v.Append(f)
		}
	}
}

// finalize clears references to dead callees.
func (c *CallLinkInfo) finalize(isLive runtime.Liveness) {
	if f := c.lastSeenCallee.Load(); f != nil && !isLive(f) {
		c.lastSeenCallee.CompareAndSwap(f, nil)
	}
	if f := c.callee.Load(); f != nil && !isLive(f) {
		c.Unlink()
	}
	if s := c.stub.Load(); s != nil {
		for _, f := range s.Variants {
			if !isLive(f) {
				c.stub.Store(nil)
				c.clearedByGC.Store(true)
				break
			}
		}
	}
}
