package dfg

import (
	"errors"
	"fmt"
	"sort"

	"github.com/chazu/tierup/bytecode"
	"github.com/chazu/tierup/codeblock"
	"github.com/chazu/tierup/icstatus"
	"github.com/chazu/tierup/profile"
	"github.com/chazu/tierup/runtime"
	"github.com/chazu/tierup/watchpoint"
)

// ErrCannotCompile is returned for code the optimizing tier does not handle.
var ErrCannotCompile = errors.New("dfg: cannot compile")

type parser struct {
	g     *Graph
	cb    *codeblock.CodeBlock
	exits map[codeblock.FrequentExitSite]struct{}

	// Prediction of the last value written to each register, in bytecode
	// order. Missing means nothing is known.
	regPred map[int]profile.SpeculatedType
}

// Parse builds the graph of profiled from the instruction stream, the
// resolved statuses and the folded value and array profiles. It reads the
// profiling state under the code block's lock and never changes it.
func Parse(profiled *codeblock.CodeBlock, statuses *icstatus.Map) (*Graph, error) {
	p := &parser{
		g:       &Graph{Profiled: profiled, Statuses: statuses, Watchpoints: &DesiredWatchpoints{}},
		cb:      profiled,
		exits:   make(map[codeblock.FrequentExitSite]struct{}),
		regPred: make(map[int]profile.SpeculatedType),
	}

	baseline := profiled.BaselineAlternative()
	baseline.Lock()
	for _, s := range baseline.ExitProfile().Sites() {
		p.exits[s] = struct{}{}
	}
	baseline.Unlock()

	profiled.Lock()
	defer profiled.Unlock()

	for i := 0; i < profiled.NumberOfArgumentValueProfiles(); i++ {
		if pred := profiled.ArgumentValueProfile(i).Prediction(); pred != profile.SpecNone {
			p.regPred[i] = pred
		}
	}
	for off, in := range profiled.Instructions() {
		if err := p.parseInstruction(off, in); err != nil {
			return nil, err
		}
	}
	p.computeLoopEntries()
	return p.g, nil
}

func (p *parser) hasExitSite(off int, kind codeblock.ExitKind) bool {
	_, ok := p.exits[codeblock.FrequentExitSite{BytecodeOffset: off, Kind: kind}]
	return ok
}

func (p *parser) bytecodeNode(off int, in bytecode.Instruction) *Node {
	n := &Node{Kind: NodeBytecode, BytecodeIndex: off, Op: in.Op}
	if vp := p.cb.ValueProfileForBytecodeOffset(off); vp != nil {
		n.Prediction = vp.Prediction()
	}
	return p.g.add(n)
}

func (p *parser) check(kind NodeKind, off, reg int) *Node {
	return p.g.add(&Node{Kind: kind, BytecodeIndex: off, Register: reg})
}

func (p *parser) parseInstruction(off int, in bytecode.Instruction) error {
	switch in.Op {
	case bytecode.OpDebugger:
		return fmt.Errorf("%w: %s at bc#%d of %s", ErrCannotCompile, in.Op, off, p.cb)

	case bytecode.OpCall, bytecode.OpConstruct:
		st := p.g.Statuses.Calls[off]
		if st.CanOptimize() {
			if st.IsClosureCall() {
				p.check(NodeCheckExecutable, off, in.B).Executable = st.Executable()
			} else {
				n := p.check(NodeCheckFunction, off, in.B)
				n.Function = st.Callee()
				n.Executable = st.Executable()
			}
		}
		p.define(in.A, p.bytecodeNode(off, in).Prediction)

	case bytecode.OpGetById:
		if st := p.g.Statuses.Gets[off]; st.IsSimple() && len(st.Structures()) == 1 {
			p.check(NodeCheckStructure, off, in.B).Structure = st.Structures()[0]
		}
		p.define(in.A, p.bytecodeNode(off, in).Prediction)

	case bytecode.OpPutById:
		st := p.g.Statuses.Puts[off]
		if st.IsSimpleReplace() || st.IsSimpleTransition() {
			p.check(NodeCheckStructure, off, in.A).Structure = st.OldStructure()
		}
		if st.IsSimpleTransition() {
			// The cached transition assumed the prototype chain it saw.
			for _, s := range st.Chain().Structures() {
				p.g.Watchpoints.Add(s.TransitionWatchpointSet())
			}
		}
		p.bytecodeNode(off, in)

	case bytecode.OpGetByVal:
		p.checkArray(off, in.B)
		p.define(in.A, p.bytecodeNode(off, in).Prediction)

	case bytecode.OpPutByVal:
		p.checkArray(off, in.A)
		p.bytecodeNode(off, in)

	case bytecode.OpAdd, bytecode.OpSub:
		p.parseArith(off, in)

	case bytecode.OpGetGlobalVar:
		p.parseGetGlobal(off, in)

	case bytecode.OpLoadConst:
		p.bytecodeNode(off, in)
		p.define(in.A, profile.SpeculationFromValue(p.cb.Constant(in.B)))

	case bytecode.OpMov:
		p.bytecodeNode(off, in)
		p.define(in.A, p.regPred[in.B])

	case bytecode.OpLoopHint:
		p.g.add(&Node{Kind: NodeLoopEntry, BytecodeIndex: off, Op: in.Op})

	case bytecode.OpLess, bytecode.OpNewObject, bytecode.OpNewArray, bytecode.OpNewRegExp:
		p.bytecodeNode(off, in)
		p.define(in.A, profile.SpecTop)

	default:
		p.bytecodeNode(off, in)
	}
	return nil
}

func (p *parser) define(reg int, pred profile.SpeculatedType) {
	if pred == profile.SpecNone {
		delete(p.regPred, reg)
		return
	}
	p.regPred[reg] = pred
}

func (p *parser) checkArray(off, base int) {
	ap := p.cb.ArrayProfileForBytecodeOffset(off)
	if ap == nil || p.hasExitSite(off, codeblock.BadIndexingType) {
		return
	}
	modes := ap.ObservedArrayModes()
	if !modes.IsSingle() || modes.Single() == runtime.NonArray {
		return
	}
	p.check(NodeCheckArray, off, base).Indexing = modes.Single()
}

// mayBeInt32 reports whether reg is not known to hold anything but int32.
func (p *parser) mayBeInt32(reg int) bool {
	pred, ok := p.regPred[reg]
	return !ok || pred.IsInt32()
}

func (p *parser) parseArith(off int, in bytecode.Instruction) {
	speculate := !p.cb.LikelyToTakeSlowCase(off) &&
		!p.hasExitSite(off, codeblock.BadType) &&
		p.mayBeInt32(in.B) && p.mayBeInt32(in.C)
	if !speculate {
		p.bytecodeNode(off, in)
		p.define(in.A, profile.SpecTop)
		return
	}

	p.check(NodeCheckInt32, off, in.B)
	if in.C != in.B {
		p.check(NodeCheckInt32, off, in.C)
	}
	if in.Op == bytecode.OpAdd && !p.cb.LikelyToTakeSpecialFastCase(off) && !p.hasExitSite(off, codeblock.Overflow) {
		p.g.add(&Node{Kind: NodeSpeculativeAdd, BytecodeIndex: off, Op: in.Op, Register: in.A})
		p.define(in.A, profile.SpecInt32)
		return
	}
	p.bytecodeNode(off, in)
	p.define(in.A, profile.SpecNumber)
}

func (p *parser) parseGetGlobal(off int, in bytecode.Instruction) {
	v := p.cb.Global().Variable(p.cb.ConstantString(in.B))
	set := v.WatchpointSet()
	if set.State() != watchpoint.IsWatched || p.hasExitSite(off, codeblock.BadCacheWatchpoint) {
		p.define(in.A, p.bytecodeNode(off, in).Prediction)
		return
	}
	// A store between the state check and the load invalidates the set, which
	// the finalize step catches.
	value := v.Get()
	p.g.add(&Node{Kind: NodeConstantGlobal, BytecodeIndex: off, Op: in.Op, Global: v, Value: value})
	p.g.Watchpoints.Add(set)
	p.define(in.A, profile.SpeculationFromValue(value))
}

// computeLoopEntries fills in the int32 registers of every loop entry: the
// registers the loop body checks for int32. The body runs from the hint to
// the last backward jump targeting it.
func (p *parser) computeLoopEntries() {
	instructions := p.cb.Instructions()
	for _, entry := range p.g.NodesOfKind(NodeLoopEntry) {
		h := entry.BytecodeIndex
		end := -1
		for j := h + 1; j < len(instructions); j++ {
			if t, ok := jumpTarget(instructions[j]); ok && t <= h {
				end = j
			}
		}
		if end < 0 {
			continue
		}
		regs := make(map[int]struct{})
		for _, n := range p.g.Nodes {
			if n.Kind == NodeCheckInt32 && n.BytecodeIndex > h && n.BytecodeIndex <= end {
				regs[n.Register] = struct{}{}
			}
		}
		for r := range regs {
			entry.Int32Registers = append(entry.Int32Registers, r)
		}
		sort.Ints(entry.Int32Registers)
	}
}

func jumpTarget(in bytecode.Instruction) (int, bool) {
	switch in.Op {
	case bytecode.OpJump:
		return in.A, true
	case bytecode.OpJumpIfFalse, bytecode.OpJumpIfTrue:
		return in.B, true
	}
	return 0, false
}
