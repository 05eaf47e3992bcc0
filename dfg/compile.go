package dfg

import (
	"fmt"

	"github.com/chazu/tierup/bytecode"
	"github.com/chazu/tierup/codeblock"
	"github.com/chazu/tierup/config"
	"github.com/chazu/tierup/icstatus"
)

// Result is a finished optimizing compilation waiting to be finalized.
type Result struct {
	CodeBlock *codeblock.CodeBlock
	Graph     *Graph
}

// Watchpoints returns the sets the code depends on.
func (r *Result) Watchpoints() *DesiredWatchpoints { return r.Graph.Watchpoints }

// Compile builds optimized code for profiled. It resolves every inline-cache
// status once, parses, and lowers the graph into a new optimized code block
// whose alternative is profiled. The block is not frozen or installed.
//
// Compile may run on a compiler thread.
func Compile(opts *config.Options, profiled *codeblock.CodeBlock) (*Result, error) {
	if n := profiled.InstructionCount(); n > opts.Optimizer.MaximumOptimizationCandidateInstructionCount {
		return nil, fmt.Errorf("%w: %s has %d instructions", ErrCannotCompile, profiled, n)
	}

	statuses := icstatus.ComputeAll(profiled)
	g, err := Parse(profiled, statuses)
	if err != nil {
		return nil, err
	}

	cb := codeblock.NewOptimized(profiled)
	cb.SetJITCode(lower(g, cb))
	log.Debugf("%s: compiled %d nodes, %d exits, %d entries, %d watchpoints",
		cb, len(g.Nodes), cb.NumberOfOSRExits(), cb.NumberOfOSREntries(), g.Watchpoints.Len())
	return &Result{CodeBlock: cb, Graph: g}, nil
}

// Finalize registers the desired watchpoints and freezes the code block. It
// must run on the thread that owns the profiled block. If a desired set was
// invalidated since parsing, the code block is discarded and the result is
// CompilationInvalidated.
func (r *Result) Finalize() codeblock.CompilationResult {
	w := r.Graph.Watchpoints
	if !w.AreStillValid() || !w.ReallyAdd(r.CodeBlock) {
		log.Infof("%s: watchpoint invalidated during compilation", r.CodeBlock)
		r.CodeBlock.Discard()
		return codeblock.CompilationInvalidated
	}
	r.CodeBlock.Freeze()
	return codeblock.CompilationSuccessful
}

var exitKinds = map[NodeKind]codeblock.ExitKind{
	NodeCheckFunction:   codeblock.BadFunction,
	NodeCheckExecutable: codeblock.BadExecutable,
	NodeCheckStructure:  codeblock.BadCache,
	NodeCheckInt32:      codeblock.BadType,
	NodeCheckArray:      codeblock.BadIndexingType,
}

var checkKinds = map[NodeKind]codeblock.CheckKind{
	NodeCheckFunction:   codeblock.CheckFunction,
	NodeCheckExecutable: codeblock.CheckExecutable,
	NodeCheckStructure:  codeblock.CheckStructure,
	NodeCheckInt32:      codeblock.CheckInt32,
	NodeCheckArray:      codeblock.CheckArray,
}

// lower turns the graph into JIT code, appending an OSR exit for every check
// and an OSR entry for every loop entry.
func lower(g *Graph, cb *codeblock.CodeBlock) *codeblock.JITCode {
	code := codeblock.NewJITCode()
	weak := make(map[any]struct{})
	addWeak := func(cell any) {
		if _, ok := weak[cell]; !ok {
			weak[cell] = struct{}{}
			code.WeakReferences = append(code.WeakReferences, cell)
		}
	}

	for _, n := range g.Nodes {
		switch {
		case n.Kind.IsCheck():
			exit := cb.AppendOSRExit(codeblock.OSRExit{BytecodeIndex: n.BytecodeIndex, Kind: exitKinds[n.Kind]})
			op := code.Op(n.BytecodeIndex)
			op.Checks = append(op.Checks, codeblock.SpeculationCheck{
				Kind:       checkKinds[n.Kind],
				Register:   n.Register,
				Function:   n.Function,
				Executable: n.Executable,
				Structure:  n.Structure,
				Indexing:   n.Indexing,
				ExitIndex:  exit,
			})
			if n.Function != nil {
				addWeak(n.Function)
			}
			if n.Structure != nil {
				addWeak(n.Structure)
			}

		case n.Kind == NodeSpeculativeAdd:
			in := g.Profiled.Instructions()[n.BytecodeIndex]
			code.Op(n.BytecodeIndex).SpeculativeAddExit = cb.AppendOSRExit(codeblock.OSRExit{
				BytecodeIndex: n.BytecodeIndex,
				Kind:          codeblock.Overflow,
				Recovery:      addRecovery(in),
			})

		case n.Kind == NodeConstantGlobal:
			op := code.Op(n.BytecodeIndex)
			op.Constant = n.Value
			op.HasConstant = true

		case n.Kind == NodeLoopEntry:
			cb.AppendOSREntry(codeblock.OSREntry{BytecodeIndex: n.BytecodeIndex, Int32Registers: n.Int32Registers})
		}
	}
	return code
}

// addRecovery says how to undo an in-place int32 add A = B + C. When A is
// neither operand, or both, the add is checked before it writes.
func addRecovery(in bytecode.Instruction) codeblock.SpeculationRecovery {
	switch {
	case in.A == in.B && in.A != in.C:
		return codeblock.SpeculationRecovery{Kind: codeblock.SpeculativeAdd, Dest: in.A, Src: in.C}
	case in.A == in.C && in.A != in.B:
		return codeblock.SpeculationRecovery{Kind: codeblock.SpeculativeAdd, Dest: in.A, Src: in.B}
	}
	return codeblock.SpeculationRecovery{}
}
