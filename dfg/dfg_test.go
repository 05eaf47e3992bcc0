package dfg

import (
	"errors"
	"reflect"
	"testing"

	"github.com/chazu/tierup/bytecode"
	"github.com/chazu/tierup/codeblock"
	"github.com/chazu/tierup/config"
	"github.com/chazu/tierup/icstatus"
	"github.com/chazu/tierup/profile"
	"github.com/chazu/tierup/runtime"
)

func baselineFor(t *testing.T, code *bytecode.UnlinkedCode, global *runtime.GlobalObject) *codeblock.CodeBlock {
	t.Helper()
	exe := codeblock.NewExecutable(code, global, config.Default())
	cb := exe.PrepareForExecution(codeblock.CodeForCall)
	if r := cb.JITCompile(codeblock.TierBaseline); r != codeblock.CompiledSuccessfully {
		t.Fatalf("baseline compile: %s", r)
	}
	return cb
}

// sumTo builds sum(n) { s = 0; for (i = 0; i < n; i = i + 1) s = s + i; return s }
// and returns the loop hint offset.
func sumTo() (*bytecode.UnlinkedCode, int) {
	b := bytecode.NewBuilder("sum", 2)
	i, s, one, cond := b.Reg(), b.Reg(), b.Reg(), b.Reg()
	b.LoadConst(i, int32(0))
	b.LoadConst(s, int32(0))
	b.LoadConst(one, int32(1))
	top, done := b.NewLabel(), b.NewLabel()
	b.Mark(top)
	hint := b.Emit(bytecode.OpLoopHint)
	b.Emit(bytecode.OpLess, cond, i, b.Param(0))
	b.JumpIfFalse(cond, done)
	b.Emit(bytecode.OpAdd, s, s, i)
	b.Emit(bytecode.OpAdd, i, i, one)
	b.Jump(top)
	b.Mark(done)
	b.Emit(bytecode.OpRet, s)
	return b.Build(), hint
}

// callsParam builds f(g) { return g(1) } and returns the call offset.
func callsParam() (*bytecode.UnlinkedCode, int) {
	b := bytecode.NewBuilder("caller", 2)
	dst := b.Reg()
	args := b.Args(1)
	b.LoadConst(args, int32(1))
	call := b.Offset()
	b.Call(dst, b.Param(0), args, 1)
	b.Emit(bytecode.OpRet, dst)
	return b.Build(), call
}

func identity(name string) *codeblock.Executable {
	b := bytecode.NewBuilder(name, 2)
	b.Emit(bytecode.OpRet, b.Param(0))
	return codeblock.NewExecutable(b.Build(), runtime.NewGlobalObject(), config.Default())
}

func TestCompileSpeculatesInt32Loop(t *testing.T) {
	code, hint := sumTo()
	cb := baselineFor(t, code, runtime.NewGlobalObject())

	res, err := Compile(cb.Options(), cb)
	if err != nil {
		t.Fatal(err)
	}
	g := res.Graph
	if n := len(g.NodesOfKind(NodeSpeculativeAdd)); n != 2 {
		t.Errorf("speculative adds = %d, want 2\n%s", n, g.Dump())
	}
	if n := len(g.NodesOfKind(NodeCheckInt32)); n != 4 {
		t.Errorf("int32 checks = %d, want 4\n%s", n, g.Dump())
	}

	opt := res.CodeBlock
	if opt.Alternative() != cb || opt.Tier() != codeblock.TierOptimized {
		t.Error("optimized block not chained to its profiled block")
	}
	if opt.NumberOfOSRExits() != 6 {
		t.Errorf("exits = %d, want 6", opt.NumberOfOSRExits())
	}
	entry, ok := opt.OSREntryFor(hint)
	if !ok {
		t.Fatal("no OSR entry at the loop hint")
	}
	if len(entry.Int32Registers) != 3 {
		t.Errorf("entry int32 registers = %v, want three", entry.Int32Registers)
	}

	// s = s + i writes an operand, so its overflow exit must undo the add.
	addOffset := hint + 3
	op := opt.JITCode().At(addOffset)
	if op == nil || op.SpeculativeAddExit < 0 {
		t.Fatalf("no speculative add at bc#%d", addOffset)
	}
	rec := opt.OSRExit(op.SpeculativeAddExit).Recovery
	if rec.Kind != codeblock.SpeculativeAdd || rec.Dest != code.Instructions[addOffset].A || rec.Src != code.Instructions[addOffset].C {
		t.Errorf("recovery = %+v", rec)
	}
}

func TestBadTypeExitSiteStopsSpeculation(t *testing.T) {
	code, hint := sumTo()
	cb := baselineFor(t, code, runtime.NewGlobalObject())
	cb.AddFrequentExitSite(codeblock.FrequentExitSite{BytecodeOffset: hint + 3, Kind: codeblock.BadType})

	res, err := Compile(cb.Options(), cb)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range res.Graph.Nodes {
		if n.BytecodeIndex == hint+3 && n.Kind != NodeBytecode {
			t.Errorf("unexpected %s at an add that exited", n)
		}
	}
}

func TestCompileChecksMonomorphicCallee(t *testing.T) {
	code, call := callsParam()
	cb := baselineFor(t, code, runtime.NewGlobalObject())
	fn := runtime.NewFunction(identity("g"))
	cb.CallLinkInfoForBytecodeOffset(call).ObserveCallee(fn)

	res, err := Compile(cb.Options(), cb)
	if err != nil {
		t.Fatal(err)
	}
	checks := res.Graph.NodesOfKind(NodeCheckFunction)
	if len(checks) != 1 || checks[0].Function != fn || checks[0].Register != code.Instructions[call].B {
		t.Fatalf("checks = %v", checks)
	}
	opt := res.CodeBlock
	if opt.OSRExit(0).Kind != codeblock.BadFunction {
		t.Errorf("exit kind = %s, want BadFunction", opt.OSRExit(0).Kind)
	}
	if refs := opt.WeakReferences(); len(refs) != 1 || refs[0] != fn {
		t.Errorf("weak references = %v", refs)
	}
}

func TestCompileClosureCallChecksExecutable(t *testing.T) {
	code, call := callsParam()
	cb := baselineFor(t, code, runtime.NewGlobalObject())
	g := identity("g")
	info := cb.CallLinkInfoForBytecodeOffset(call)
	info.Link(runtime.NewFunction(g), g.PrepareForExecution(codeblock.CodeForCall))
	info.Relink(runtime.NewFunction(g), 4)

	res, err := Compile(cb.Options(), cb)
	if err != nil {
		t.Fatal(err)
	}
	checks := res.Graph.NodesOfKind(NodeCheckExecutable)
	if len(checks) != 1 || checks[0].Executable != g {
		t.Errorf("checks = %v", checks)
	}
}

func TestDebuggerCannotCompile(t *testing.T) {
	b := bytecode.NewBuilder("dbg", 1)
	b.Emit(bytecode.OpDebugger)
	b.Emit(bytecode.OpRet, 0)
	cb := baselineFor(t, b.Build(), runtime.NewGlobalObject())

	if _, err := Compile(cb.Options(), cb); !errors.Is(err, ErrCannotCompile) {
		t.Errorf("err = %v, want ErrCannotCompile", err)
	}
}

func TestOversizedBlockCannotCompile(t *testing.T) {
	code, _ := sumTo()
	cb := baselineFor(t, code, runtime.NewGlobalObject())
	opts := *cb.Options()
	opts.Optimizer.MaximumOptimizationCandidateInstructionCount = 3

	if _, err := Compile(&opts, cb); !errors.Is(err, ErrCannotCompile) {
		t.Errorf("err = %v, want ErrCannotCompile", err)
	}
}

func TestParseDoesNotMutateProfiles(t *testing.T) {
	code, call := callsParam()
	cb := baselineFor(t, code, runtime.NewGlobalObject())
	cb.ValueProfileForBytecodeOffset(call).Observe(int32(3))
	cb.ArgumentValueProfile(1).Observe(runtime.NewFunction(identity("g")))
	cb.UpdateAllPredictions()
	// Unfolded observations must stay unfolded.
	cb.ValueProfileForBytecodeOffset(call).Observe(1.5)

	type snapshot struct {
		Predictions []profile.SpeculatedType
		Samples     []uint32
		Exits       int
	}
	take := func() snapshot {
		var s snapshot
		for _, p := range cb.ValueProfiles() {
			s.Predictions = append(s.Predictions, p.Prediction())
			s.Samples = append(s.Samples, p.NumberOfSamples())
		}
		for i := 0; i < cb.NumberOfArgumentValueProfiles(); i++ {
			s.Predictions = append(s.Predictions, cb.ArgumentValueProfile(i).Prediction())
		}
		cb.Lock()
		s.Exits = cb.ExitProfile().Len()
		cb.Unlock()
		return s
	}

	before := take()
	if _, err := Parse(cb, icstatus.ComputeAll(cb)); err != nil {
		t.Fatal(err)
	}
	if after := take(); !reflect.DeepEqual(before, after) {
		t.Errorf("profiles changed:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestConstantGlobalDependsOnWatchpoint(t *testing.T) {
	global := runtime.NewGlobalObject()
	limit := global.Variable("limit")
	limit.Set(int32(10))

	b := bytecode.NewBuilder("readLimit", 1)
	r := b.Reg()
	b.GetGlobal(r, "limit")
	b.Emit(bytecode.OpRet, r)
	cb := baselineFor(t, b.Build(), global)

	res, err := Compile(cb.Options(), cb)
	if err != nil {
		t.Fatal(err)
	}
	if n := res.Graph.NodesOfKind(NodeConstantGlobal); len(n) != 1 || n[0].Value != int32(10) {
		t.Fatalf("constant nodes = %v", n)
	}
	if res.Watchpoints().Len() != 1 || !res.Watchpoints().AreStillValid() {
		t.Fatal("global watchpoint not desired")
	}

	limit.Set(int32(11))
	if res.Watchpoints().AreStillValid() {
		t.Error("watchpoints still valid after the global changed")
	}
	if got := res.Finalize(); got != codeblock.CompilationInvalidated {
		t.Errorf("finalize = %s, want CompilationInvalidated", got)
	}
	if !res.CodeBlock.IsJettisoned() {
		t.Error("invalidated code block should be discarded")
	}
}

func TestUnwrittenGlobalIsNotFolded(t *testing.T) {
	b := bytecode.NewBuilder("readUnset", 1)
	r := b.Reg()
	b.GetGlobal(r, "unset")
	b.Emit(bytecode.OpRet, r)
	cb := baselineFor(t, b.Build(), runtime.NewGlobalObject())

	res, err := Compile(cb.Options(), cb)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Graph.NodesOfKind(NodeConstantGlobal)) != 0 {
		t.Error("folded a global that was never written")
	}
}

func TestFinalizeRegistersWatchpoints(t *testing.T) {
	global := runtime.NewGlobalObject()
	global.Variable("k").Set("v")
	b := bytecode.NewBuilder("readK", 1)
	r := b.Reg()
	b.GetGlobal(r, "k")
	b.Emit(bytecode.OpRet, r)
	cb := baselineFor(t, b.Build(), global)

	res, err := Compile(cb.Options(), cb)
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Finalize(); got != codeblock.CompilationSuccessful {
		t.Fatalf("finalize = %s", got)
	}
	if !res.CodeBlock.IsFrozen() || res.CodeBlock.NumberOfWatchpoints() != 1 {
		t.Error("finalized block should be frozen and watching the global")
	}
	if global.Variable("k").WatchpointSet().NumberOfWatchpoints() != 1 {
		t.Error("set does not know the code block")
	}
}

func TestCheckArrayFromSingleArrayMode(t *testing.T) {
	b := bytecode.NewBuilder("first", 2)
	r, zero := b.Reg(), b.Reg()
	b.LoadConst(zero, int32(0))
	get := b.Offset()
	b.Emit(bytecode.OpGetByVal, r, b.Param(0), zero)
	b.Emit(bytecode.OpRet, r)
	cb := baselineFor(t, b.Build(), runtime.NewGlobalObject())

	s := runtime.NewStructure("Array", runtime.ArrayWithInt32, nil)
	cb.ArrayProfileForBytecodeOffset(get).ObserveStructure(s)
	cb.UpdateAllPredictions()

	res, err := Compile(cb.Options(), cb)
	if err != nil {
		t.Fatal(err)
	}
	checks := res.Graph.NodesOfKind(NodeCheckArray)
	if len(checks) != 1 || checks[0].Indexing != runtime.ArrayWithInt32 {
		t.Errorf("array checks = %v", checks)
	}
}
