package vm

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/chazu/tierup/bytecode"
	"github.com/chazu/tierup/codeblock"
	"github.com/chazu/tierup/config"
	"github.com/chazu/tierup/profilerdb"
	"github.com/chazu/tierup/runtime"
	"github.com/chazu/tierup/worklist"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// fastOptions tiers up after a handful of executions and compiles
// synchronously.
func fastOptions() *config.Options {
	o := config.Default()
	o.JIT.ThresholdForJITAfterWarmUp = 5
	o.Optimizer.ThresholdForOptimizeAfterWarmUp = 20
	o.Optimizer.ThresholdForOptimizeSoon = 20
	o.Optimizer.ThresholdForOptimizeAfterLongWarmUp = 100
	o.Worklist.NumberOfCompilerThreads = 0
	return o
}

// sumLoop builds sum(n) { s = 0; for (i = 0; i < n; i = i + 1) s = s + i; return s }
// and returns the offset of s = s + i.
func sumLoop() (*bytecode.UnlinkedCode, int) {
	b := bytecode.NewBuilder("sum", 2)
	i, s, one, cond := b.Reg(), b.Reg(), b.Reg(), b.Reg()
	b.LoadConst(i, int32(0))
	b.LoadConst(s, int32(0))
	b.LoadConst(one, int32(1))
	top, done := b.NewLabel(), b.NewLabel()
	b.Mark(top)
	b.Emit(bytecode.OpLoopHint)
	b.Emit(bytecode.OpLess, cond, i, b.Param(0))
	b.JumpIfFalse(cond, done)
	add := b.Emit(bytecode.OpAdd, s, s, i)
	b.Emit(bytecode.OpAdd, i, i, one)
	b.Jump(top)
	b.Mark(done)
	b.Emit(bytecode.OpRet, s)
	return b.Build(), add
}

// adder builds add(a, b) { return a + b } and returns the add offset.
func adder() (*bytecode.UnlinkedCode, int) {
	b := bytecode.NewBuilder("add", 3)
	r := b.Reg()
	off := b.Emit(bytecode.OpAdd, r, b.Param(0), b.Param(1))
	b.Emit(bytecode.OpRet, r)
	return b.Build(), off
}

func identityCode(name string) *bytecode.UnlinkedCode {
	b := bytecode.NewBuilder(name, 2)
	b.Emit(bytecode.OpRet, b.Param(0))
	return b.Build()
}

// callerCode builds caller(g) { return g(1) }.
func callerCode() *bytecode.UnlinkedCode {
	b := bytecode.NewBuilder("caller", 2)
	dst := b.Reg()
	args := b.Args(1)
	b.LoadConst(args, int32(1))
	b.Call(dst, b.Param(0), args, 1)
	b.Emit(bytecode.OpRet, dst)
	return b.Build()
}

func current(f *runtime.FunctionObject) *codeblock.CodeBlock {
	return f.Executable().(*codeblock.Executable).CodeBlockFor(codeblock.CodeForCall)
}

func mustCall(t *testing.T, vm *VM, f *runtime.FunctionObject, args ...runtime.Value) runtime.Value {
	t.Helper()
	v, err := vm.Call(f, runtime.Undefined, args...)
	if err != nil {
		t.Fatalf("call %s: %v", f, err)
	}
	return v
}

// ---------------------------------------------------------------------------
// Tiering
// ---------------------------------------------------------------------------

func TestSumAgreesAcrossTiers(t *testing.T) {
	interpOnly := fastOptions()
	interpOnly.JIT.UseJIT = false
	baselineOnly := fastOptions()
	baselineOnly.Optimizer.UseDFGJIT = false

	for _, tc := range []struct {
		name string
		opts *config.Options
		tier codeblock.Tier
	}{
		{"interpreter", interpOnly, codeblock.TierInterpreter},
		{"baseline", baselineOnly, codeblock.TierBaseline},
		{"optimized", fastOptions(), codeblock.TierOptimized},
	} {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := sumLoop()
			vm := New(tc.opts, nil)
			sum := vm.NewFunction(code)
			if got := mustCall(t, vm, sum, int32(1000)); got != int32(499500) {
				t.Errorf("sum(1000) = %v, want 499500", got)
			}
			if tier := current(sum).Tier(); tier != tc.tier {
				t.Errorf("tier = %s, want %s", tier, tc.tier)
			}
		})
	}
}

func TestHotLoopEntersOptimizedCode(t *testing.T) {
	code, _ := sumLoop()
	vm := New(fastOptions(), nil)
	sum := vm.NewFunction(code)
	mustCall(t, vm, sum, int32(1000))

	s := vm.Stats()
	if s.BaselineCompiles != 1 || s.OptimizedCompiles != 1 {
		t.Errorf("compiles = %d baseline, %d optimized", s.BaselineCompiles, s.OptimizedCompiles)
	}
	if s.OSREntries != 1 {
		t.Errorf("OSR entries = %d, want 1", s.OSREntries)
	}
	if s.OSRExits != 0 {
		t.Errorf("OSR exits = %d, want 0", s.OSRExits)
	}
	if got := mustCall(t, vm, sum, int32(10)); got != int32(45) {
		t.Errorf("sum(10) in optimized code = %v", got)
	}
}

func TestOverflowExitUndoesSpeculativeAdd(t *testing.T) {
	code, addOffset := sumLoop()
	vm := New(fastOptions(), nil)
	sum := vm.NewFunction(code)

	got := mustCall(t, vm, sum, int32(100000))
	if got != float64(4999950000) {
		t.Fatalf("sum(100000) = %v (%T), want 4999950000", got, got)
	}
	if vm.Stats().OSRExits == 0 {
		t.Error("overflow did not exit optimized code")
	}
	baseline := current(sum).BaselineAlternative()
	if !baseline.ExitProfile().HasExitSite(addOffset, codeblock.Overflow) {
		t.Errorf("no overflow exit site at bc#%d: %v", addOffset, baseline.ExitProfile().Sites())
	}
}

func TestRepeatedExitsReoptimizeWithoutSpeculation(t *testing.T) {
	opts := fastOptions()
	opts.OSR.OSRExitCountForReoptimization = 3
	code, addOffset := adder()
	vm := New(opts, nil)
	add := vm.NewFunction(code)

	for i := int32(0); i < 50; i++ {
		if got := mustCall(t, vm, add, i, int32(1)); got != i+1 {
			t.Fatalf("add(%d, 1) = %v", i, got)
		}
	}
	opt := current(add)
	if opt.Tier() != codeblock.TierOptimized {
		t.Fatalf("add not optimized, tier %s", opt.Tier())
	}

	for i := 0; i < 3; i++ {
		if got := mustCall(t, vm, add, 1.5, int32(1)); got != 2.5 {
			t.Fatalf("add(1.5, 1) = %v", got)
		}
	}
	if !opt.IsJettisoned() {
		t.Fatal("optimized code survived three exits")
	}
	baseline := opt.Alternative()
	if current(add) != baseline {
		t.Error("baseline not reinstalled after jettison")
	}
	if !baseline.ExitProfile().HasExitSite(addOffset, codeblock.BadType) {
		t.Error("no BadType exit site recorded")
	}
	if baseline.ReoptimizationRetryCounter() != 1 {
		t.Errorf("retry counter = %d, want 1", baseline.ReoptimizationRetryCounter())
	}
	if s := vm.Stats(); s.Reoptimizations != 1 || s.Jettisons != 1 {
		t.Errorf("reoptimizations = %d, jettisons = %d", s.Reoptimizations, s.Jettisons)
	}

	for i := 0; i < 100; i++ {
		if got := mustCall(t, vm, add, 1.5, int32(1)); got != 2.5 {
			t.Fatalf("add(1.5, 1) = %v", got)
		}
	}
	reopt := current(add)
	if reopt.Tier() != codeblock.TierOptimized || reopt == opt {
		t.Fatalf("add not reoptimized, current %s", reopt)
	}
	if n := reopt.NumberOfOSRExits(); n != 0 {
		t.Errorf("reoptimized code still speculates: %d exits", n)
	}
}

func TestGlobalReassignmentJettisonsFoldedConstant(t *testing.T) {
	b := bytecode.NewBuilder("readK", 1)
	r := b.Reg()
	b.GetGlobal(r, "k")
	b.Emit(bytecode.OpRet, r)

	vm := New(fastOptions(), nil)
	vm.Global().Variable("k").Set(int32(5))
	readK := vm.NewFunction(b.Build())
	for i := 0; i < 50; i++ {
		if got := mustCall(t, vm, readK); got != int32(5) {
			t.Fatalf("readK() = %v", got)
		}
	}
	opt := current(readK)
	if opt.Tier() != codeblock.TierOptimized || opt.NumberOfWatchpoints() != 1 {
		t.Fatalf("readK not optimized on the global's watchpoint: %s, %d watchpoints", opt, opt.NumberOfWatchpoints())
	}

	vm.Global().Variable("k").Set(int32(7))
	if !opt.IsJettisoned() {
		t.Fatal("store to k did not jettison the folded load")
	}
	if got := mustCall(t, vm, readK); got != int32(7) {
		t.Errorf("readK() after store = %v, want 7", got)
	}
	if vm.Stats().Jettisons != 1 {
		t.Errorf("jettisons = %d, want 1", vm.Stats().Jettisons)
	}
}

func TestStoreInsideOptimizedFrameLeavesJettisonedCode(t *testing.T) {
	// f(p) { if (p) k = 9; return k } with k folded to 4 in optimized code.
	b := bytecode.NewBuilder("f", 2)
	nine, r := b.Reg(), b.Reg()
	skip := b.NewLabel()
	b.JumpIfFalse(b.Param(0), skip)
	b.LoadConst(nine, int32(9))
	b.PutGlobal("k", nine)
	b.Mark(skip)
	b.GetGlobal(r, "k")
	b.Emit(bytecode.OpRet, r)

	vm := New(fastOptions(), nil)
	vm.Global().Variable("k").Set(int32(4))
	f := vm.NewFunction(b.Build())
	for i := 0; i < 50; i++ {
		if got := mustCall(t, vm, f, false); got != int32(4) {
			t.Fatalf("f(false) = %v, want 4", got)
		}
	}
	opt := current(f)
	if opt.Tier() != codeblock.TierOptimized {
		t.Fatalf("f not optimized: %s", opt)
	}

	if got := mustCall(t, vm, f, true); got != int32(9) {
		t.Errorf("f(true) = %v, want 9", got)
	}
	if !opt.IsJettisoned() || current(f) != opt.Alternative() {
		t.Error("store from the running frame did not jettison its code")
	}
}

// ---------------------------------------------------------------------------
// Inline caches
// ---------------------------------------------------------------------------

func TestGetByIdAcrossStructures(t *testing.T) {
	b := bytecode.NewBuilder("getX", 2)
	r := b.Reg()
	b.GetById(r, b.Param(0), "x")
	b.Emit(bytecode.OpRet, r)

	vm := New(fastOptions(), nil)
	getX := vm.NewFunction(b.Build())
	for i := int32(0); i < 60; i++ {
		o := vm.NewObject()
		o.Put("x", i)
		if got := mustCall(t, vm, getX, o); got != i {
			t.Fatalf("getX = %v, want %d", got, i)
		}
	}
	if current(getX).Tier() != codeblock.TierOptimized {
		t.Fatal("getX not optimized")
	}

	other := vm.NewObject()
	other.Put("y", int32(1))
	other.Put("x", int32(99))
	if got := mustCall(t, vm, getX, other); got != int32(99) {
		t.Errorf("getX(other shape) = %v, want 99", got)
	}
	if vm.Stats().OSRExits != 1 {
		t.Errorf("OSR exits = %d, want 1", vm.Stats().OSRExits)
	}

	proto := vm.NewObject()
	proto.Put("x", int32(7))
	inherits := runtime.NewObject(runtime.NewStructure("Object", runtime.NonArray, proto))
	if got := mustCall(t, vm, getX, inherits); got != int32(7) {
		t.Errorf("getX(inherits) = %v, want 7", got)
	}
}

func TestPutByIdCachesTransition(t *testing.T) {
	b := bytecode.NewBuilder("setX", 3)
	b.PutById(b.Param(0), "x", b.Param(1))
	b.Emit(bytecode.OpRet, b.Param(0))

	vm := New(fastOptions(), nil)
	setX := vm.NewFunction(b.Build())
	var shape *runtime.Structure
	for i := int32(0); i < 60; i++ {
		o := mustCall(t, vm, setX, vm.NewObject(), i).(*runtime.Object)
		if v, _ := o.GetOwn("x"); v != i {
			t.Fatalf("x = %v, want %d", v, i)
		}
		if shape == nil {
			shape = o.Structure()
		} else if o.Structure() != shape {
			t.Fatalf("object %d has a different structure", i)
		}
	}

	// Replacing an existing property keeps the structure.
	o := mustCall(t, vm, setX, vm.NewObject(), int32(1)).(*runtime.Object)
	mustCall(t, vm, setX, o, int32(2))
	if v, _ := o.GetOwn("x"); v != int32(2) || o.Structure() != shape {
		t.Errorf("replace: x = %v, structure changed %v", v, o.Structure() != shape)
	}
}

func TestCallSiteFollowsChangingCallee(t *testing.T) {
	vm := New(fastOptions(), nil)
	caller := vm.NewFunction(callerCode())
	id := vm.NewFunction(identityCode("id"))

	b := bytecode.NewBuilder("inc", 2)
	one, r := b.Reg(), b.Reg()
	b.LoadConst(one, int32(1))
	b.Emit(bytecode.OpAdd, r, b.Param(0), one)
	b.Emit(bytecode.OpRet, r)
	inc := vm.NewFunction(b.Build())

	host := runtime.NewHostFunction("double", func(this runtime.Value, args []runtime.Value) (runtime.Value, error) {
		return args[0].(int32) * 2, nil
	})

	for i := 0; i < 30; i++ {
		if got := mustCall(t, vm, caller, id); got != int32(1) {
			t.Fatalf("caller(id) = %v", got)
		}
	}
	for i := 0; i < 30; i++ {
		callee, want := inc, runtime.Value(int32(2))
		switch i % 3 {
		case 1:
			callee, want = id, int32(1)
		case 2:
			callee, want = host, int32(2)
		}
		if got := mustCall(t, vm, caller, callee); got != want {
			t.Fatalf("call %d: got %v, want %v", i, got, want)
		}
	}
	if vm.Stats().OSRExits == 0 {
		t.Error("changing the callee never exited optimized code")
	}
}

func TestArrayAccess(t *testing.T) {
	// at(a, i) { return a[i] }
	b := bytecode.NewBuilder("at", 3)
	r := b.Reg()
	b.Emit(bytecode.OpGetByVal, r, b.Param(0), b.Param(1))
	b.Emit(bytecode.OpRet, r)
	// store(a, i, v) { a[i] = v; return a }
	s := bytecode.NewBuilder("store", 4)
	s.Emit(bytecode.OpPutByVal, s.Param(0), s.Param(1), s.Param(2))
	s.Emit(bytecode.OpRet, s.Param(0))

	vm := New(fastOptions(), nil)
	at := vm.NewFunction(b.Build())
	store := vm.NewFunction(s.Build())

	arr := vm.NewArray(int32(10), int32(20), int32(30))
	if got := mustCall(t, vm, at, arr, int32(5)); got != runtime.Undefined {
		t.Errorf("out of bounds = %v, want undefined", got)
	}
	if p := current(at).ArrayProfileForBytecodeOffset(1); !p.OutOfBounds() {
		t.Error("out of bounds read not profiled")
	}
	for i := 0; i < 40; i++ {
		if got := mustCall(t, vm, at, arr, int32(i%3)); got != int32(10*(i%3+1)) {
			t.Fatalf("at(arr, %d) = %v", i%3, got)
		}
	}
	if got := mustCall(t, vm, at, arr, int32(5)); got != runtime.Undefined {
		t.Errorf("out of bounds in %s = %v, want undefined", current(at).Tier(), got)
	}

	a := mustCall(t, vm, store, vm.NewArray(), int32(0), "s").(*runtime.Object)
	if v, ok := a.GetIndex(0); !ok || v != "s" {
		t.Errorf("a[0] = %v, %v", v, ok)
	}
}

// ---------------------------------------------------------------------------
// Control flow and exceptions
// ---------------------------------------------------------------------------

func TestSwitch(t *testing.T) {
	b := bytecode.NewBuilder("name", 2)
	r := b.Reg()
	zero, one, dflt := b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Switch(b.Param(0), 0, []*bytecode.Label{zero, one}, dflt)
	b.Mark(zero)
	b.LoadConst(r, "zero")
	b.Emit(bytecode.OpRet, r)
	b.Mark(one)
	b.LoadConst(r, "one")
	b.Emit(bytecode.OpRet, r)
	b.Mark(dflt)
	b.LoadConst(r, "many")
	b.Emit(bytecode.OpRet, r)

	vm := New(fastOptions(), nil)
	name := vm.NewFunction(b.Build())
	for _, tc := range []struct {
		in   runtime.Value
		want string
	}{
		{int32(0), "zero"}, {int32(1), "one"}, {int32(2), "many"}, {int32(-1), "many"}, {"x", "many"},
	} {
		if got := mustCall(t, vm, name, tc.in); got != tc.want {
			t.Errorf("name(%v) = %v, want %s", tc.in, got, tc.want)
		}
	}
}

func TestRegExpLiteral(t *testing.T) {
	b := bytecode.NewBuilder("re", 1)
	r := b.Reg()
	b.RegExp(r, "a+b")
	b.Emit(bytecode.OpRet, r)

	vm := New(fastOptions(), nil)
	v, err := vm.Run(b.Build())
	if err != nil {
		t.Fatal(err)
	}
	re, ok := v.(*regexp.Regexp)
	if !ok || !re.MatchString("xaab") {
		t.Errorf("regexp = %v", v)
	}

	bad := bytecode.NewBuilder("bad", 1)
	r = bad.Reg()
	bad.RegExp(r, "(")
	bad.Emit(bytecode.OpRet, r)
	var exc *Exception
	if _, err := vm.Run(bad.Build()); !errors.As(err, &exc) {
		t.Errorf("invalid pattern error = %v, want an exception", err)
	}
}

func TestThrowIsCaughtByHandler(t *testing.T) {
	b := bytecode.NewBuilder("catcher", 1)
	v, caught := b.Reg(), b.Reg()
	catch := b.NewLabel()
	b.Try(func() {
		b.LoadConst(v, "boom")
		b.Emit(bytecode.OpThrow, v)
	}, catch, caught)
	b.Mark(catch)
	b.Emit(bytecode.OpRet, caught)

	vm := New(fastOptions(), nil)
	if got, err := vm.Run(b.Build()); err != nil || got != "boom" {
		t.Errorf("Run = %v, %v; want boom", got, err)
	}
}

func TestExceptionUnwindsIntoCallerHandler(t *testing.T) {
	th := bytecode.NewBuilder("thrower", 1)
	v := th.Reg()
	th.LoadConst(v, int32(42))
	th.Emit(bytecode.OpThrow, v)

	vm := New(fastOptions(), nil)
	thrower := vm.NewFunction(th.Build())
	vm.Global().Variable("thrower").Set(thrower)

	b := bytecode.NewBuilder("outer", 1)
	fn, dst, caught := b.Reg(), b.Reg(), b.Reg()
	catch := b.NewLabel()
	b.GetGlobal(fn, "thrower")
	b.Try(func() {
		b.Call(dst, fn, dst, 0)
	}, catch, caught)
	b.Mark(catch)
	b.Emit(bytecode.OpRet, caught)

	if got, err := vm.Run(b.Build()); err != nil || got != int32(42) {
		t.Errorf("Run = %v, %v; want 42", got, err)
	}

	_, err := vm.Call(thrower, runtime.Undefined)
	var exc *Exception
	if !errors.As(err, &exc) || exc.Value != int32(42) {
		t.Errorf("uncaught error = %v", err)
	}
}

func TestPropertyOfUndefinedThrowsTypeError(t *testing.T) {
	b := bytecode.NewBuilder("getX", 2)
	r := b.Reg()
	b.GetById(r, b.Param(0), "x")
	b.Emit(bytecode.OpRet, r)

	vm := New(fastOptions(), nil)
	_, err := vm.Call(vm.NewFunction(b.Build()), runtime.Undefined, runtime.Undefined)
	var exc *Exception
	if !errors.As(err, &exc) {
		t.Fatalf("err = %v, want an exception", err)
	}
	if s, _ := exc.Value.(string); len(s) < 9 || s[:9] != "TypeError" {
		t.Errorf("exception = %v", exc.Value)
	}
}

func TestCallingNonFunction(t *testing.T) {
	vm := New(fastOptions(), nil)
	if _, err := vm.Call(int32(3), runtime.Undefined); !errors.Is(err, ErrNotCallable) {
		t.Errorf("err = %v, want ErrNotCallable", err)
	}
}

func TestUnboundedRecursionOverflows(t *testing.T) {
	b := bytecode.NewBuilder("loop", 1)
	fn, dst := b.Reg(), b.Reg()
	b.GetGlobal(fn, "loop")
	b.Call(dst, fn, dst, 0)
	b.Emit(bytecode.OpRet, dst)

	vm := New(fastOptions(), nil)
	f := vm.NewFunction(b.Build())
	vm.Global().Variable("loop").Set(f)
	if _, err := vm.Call(f, runtime.Undefined); !errors.Is(err, ErrStackOverflow) {
		t.Errorf("err = %v, want ErrStackOverflow", err)
	}
}

func TestConstruct(t *testing.T) {
	// Point(a) { this.x = a }
	b := bytecode.NewBuilder("Point", 2)
	r := b.Reg()
	b.PutById(0, "x", b.Param(0))
	b.LoadConst(r, runtime.Undefined)
	b.Emit(bytecode.OpRet, r)

	vm := New(fastOptions(), nil)
	point := vm.NewFunction(b.Build())
	v, err := vm.Construct(point, int32(4))
	if err != nil {
		t.Fatal(err)
	}
	o, ok := v.(*runtime.Object)
	if !ok {
		t.Fatalf("construct returned %T", v)
	}
	if x, _ := o.GetOwn("x"); x != int32(4) {
		t.Errorf("x = %v, want 4", x)
	}
	exe := point.Executable().(*codeblock.Executable)
	if exe.CodeBlockFor(codeblock.CodeForConstruct) == nil || exe.CodeBlockFor(codeblock.CodeForCall) != nil {
		t.Error("construct did not use the construct specialization")
	}

	// new Point(5) from bytecode
	nb := bytecode.NewBuilder("make", 2)
	dst := nb.Reg()
	args := nb.Args(1)
	nb.LoadConst(args, int32(5))
	nb.Emit(bytecode.OpConstruct, dst, nb.Param(0), args, 1)
	nb.Emit(bytecode.OpRet, dst)
	made := mustCall(t, vm, vm.NewFunction(nb.Build()), point).(*runtime.Object)
	if x, _ := made.GetOwn("x"); x != int32(5) {
		t.Errorf("new Point(5).x = %v", x)
	}
}

// ---------------------------------------------------------------------------
// Heap
// ---------------------------------------------------------------------------

func TestCollectRefusesWhileDeferred(t *testing.T) {
	vm := New(fastOptions(), nil)
	release := vm.DeferGC()
	if _, err := vm.Heap().Collect(); !errors.Is(err, ErrCollectionDeferred) {
		t.Errorf("Collect = %v, want ErrCollectionDeferred", err)
	}
	release()
	release()
	if _, err := vm.Heap().Collect(); err != nil {
		t.Errorf("Collect after release: %v", err)
	}
	if vm.Heap().Collections() != 1 {
		t.Errorf("collections = %d, want 1", vm.Heap().Collections())
	}
}

func TestCollectJettisonsCodeSpeculatingOnDeadCallee(t *testing.T) {
	vm := New(fastOptions(), nil)
	caller := vm.NewFunction(callerCode())
	id := vm.NewFunction(identityCode("id"))
	for i := 0; i < 50; i++ {
		mustCall(t, vm, caller, id)
	}
	opt := current(caller)
	if opt.Tier() != codeblock.TierOptimized {
		t.Fatalf("caller not optimized: %s", opt)
	}

	stats, err := vm.Heap().Collect(caller, id)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Jettisoned != 0 || opt.IsJettisoned() {
		t.Fatal("live callee jettisoned optimized code")
	}

	stats, err = vm.Heap().Collect(caller)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Jettisoned != 1 || !opt.IsJettisoned() {
		t.Fatalf("dead callee: %d jettisoned, opt jettisoned %v", stats.Jettisoned, opt.IsJettisoned())
	}
	if current(caller) != opt.Alternative() {
		t.Error("baseline not reinstalled")
	}
	site := opt.Alternative().CallLinkInfos()[0]
	if site.IsLinked() || site.LastSeenCallee() != nil {
		t.Error("call site still refers to the dead callee")
	}
	if vm.Heap().LastStats().Jettisoned != 1 {
		t.Errorf("LastStats = %+v", vm.Heap().LastStats())
	}
}

// ---------------------------------------------------------------------------
// Worklist and journal
// ---------------------------------------------------------------------------

func TestConcurrentCompilationInstallsOnSynchronize(t *testing.T) {
	opts := fastOptions()
	opts.Worklist.NumberOfCompilerThreads = 2
	wl := worklist.New(2, nil)
	t.Cleanup(wl.Shutdown)

	code, _ := sumLoop()
	vm := New(opts, wl)
	t.Cleanup(vm.Close)
	sum := vm.NewFunction(code)

	if got := mustCall(t, vm, sum, int32(1000)); got != int32(499500) {
		t.Fatalf("sum(1000) = %v", got)
	}
	vm.Synchronize()
	if tier := current(sum).Tier(); tier != codeblock.TierOptimized {
		t.Fatalf("after Synchronize tier = %s", tier)
	}
	if got := mustCall(t, vm, sum, int32(1000)); got != int32(499500) {
		t.Errorf("optimized sum(1000) = %v", got)
	}
	if s := wl.Stats(); s.Compiled != 1 || s.Finalized != 1 {
		t.Errorf("worklist stats = %+v", s)
	}
}

func TestJournalAndSnapshot(t *testing.T) {
	ctx := context.Background()
	j, err := profilerdb.Open(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })

	opts := fastOptions()
	opts.OSR.OSRExitCountForReoptimization = 1
	code, _ := adder()
	vm := New(opts, nil, WithJournal(j))
	add := vm.NewFunction(code)
	for i := int32(0); i < 20; i++ {
		mustCall(t, vm, add, i, i)
	}
	mustCall(t, vm, add, 0.5, 0.5)

	counts, err := j.Counts(ctx, vm.ID())
	if err != nil {
		t.Fatal(err)
	}
	// interpreter block, optimized block, baseline reinstalled
	if counts[profilerdb.EventInstalled] != 3 {
		t.Errorf("installed = %d, want 3", counts[profilerdb.EventInstalled])
	}
	if counts[profilerdb.EventCompiled] != 2 {
		t.Errorf("compiled = %d, want 2", counts[profilerdb.EventCompiled])
	}
	if counts[profilerdb.EventOSRExit] != 1 || counts[profilerdb.EventJettisoned] != 1 {
		t.Errorf("counts = %v", counts)
	}

	snap := vm.Snapshot()
	baseline := current(add)
	p, ok := snap.Block(baseline.ID())
	if !ok {
		t.Fatal("baseline block missing from snapshot")
	}
	if p.Tier != "baseline" || p.ReoptimizationRetries != 1 || len(p.ExitSites) != 1 {
		t.Errorf("profile = %+v", p)
	}
}
