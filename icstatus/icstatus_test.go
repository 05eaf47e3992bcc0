package icstatus

import (
	"reflect"
	"testing"

	"github.com/chazu/tierup/bytecode"
	"github.com/chazu/tierup/codeblock"
	"github.com/chazu/tierup/config"
	"github.com/chazu/tierup/runtime"
)

func newExecutable(code *bytecode.UnlinkedCode) *codeblock.Executable {
	return codeblock.NewExecutable(code, runtime.NewGlobalObject(), config.Default())
}

func identity(name string) *codeblock.Executable {
	b := bytecode.NewBuilder(name, 2)
	b.Emit(bytecode.OpRet, b.Param(0))
	return newExecutable(b.Build())
}

// accessor builds f(o) { o.x = o.y; return o(o.x) } and returns its code
// block with the offsets of the put, get and call.
func accessor(t *testing.T) (cb *codeblock.CodeBlock, put, get, call int) {
	t.Helper()
	b := bytecode.NewBuilder("accessor", 2)
	o := b.Param(0)
	tmp := b.Reg()
	get = b.Offset()
	b.GetById(tmp, o, "y")
	put = b.Offset()
	b.PutById(o, "x", tmp)
	args := b.Args(1)
	b.GetById(args, o, "x")
	call = b.Offset()
	b.Call(tmp, o, args, 1)
	b.Emit(bytecode.OpRet, tmp)
	cb = newExecutable(b.Build()).PrepareForExecution(codeblock.CodeForCall)
	return cb, put, get, call
}

func TestCallNeverReachedHasNoInformation(t *testing.T) {
	cb, _, _, call := accessor(t)
	if s := ComputeCallLinkStatus(cb, call); s.State() != CallNoInformation {
		t.Errorf("status = %s, want NoInformation", s)
	}
	if s := ComputeCallLinkStatus(cb, 0); s.IsSet() {
		t.Errorf("non-call instruction status = %s", s)
	}
}

func TestCallMonomorphicFromLastSeenCallee(t *testing.T) {
	cb, _, _, call := accessor(t)
	exe := identity("g")
	fn := runtime.NewFunction(exe)
	cb.CallLinkInfoForBytecodeOffset(call).ObserveCallee(fn)

	s := ComputeCallLinkStatus(cb, call)
	if s.State() != CallMonomorphic || s.Callee() != fn || s.Executable() != exe {
		t.Fatalf("status = %s", s)
	}
	if s.IsClosureCall() || s.IsStaticallyProved() {
		t.Error("profiled monomorphic call is neither closure nor proved")
	}
	if !s.CanOptimize() {
		t.Error("monomorphic bytecode callee should be optimizable")
	}
}

func TestCallToHostFunctionHasNoExecutable(t *testing.T) {
	cb, _, _, call := accessor(t)
	host := runtime.NewHostFunction("print", func(this runtime.Value, args []runtime.Value) (runtime.Value, error) {
		return runtime.Undefined, nil
	})
	cb.CallLinkInfoForBytecodeOffset(call).ObserveCallee(host)

	s := ComputeCallLinkStatus(cb, call)
	if s.State() != CallMonomorphic {
		t.Fatalf("status = %s, want Monomorphic", s)
	}
	if s.Executable() != nil || s.CanOptimize() {
		t.Error("host callee must be opaque")
	}
}

func TestCallClosureStub(t *testing.T) {
	cb, _, _, call := accessor(t)
	exe := identity("g")
	info := cb.CallLinkInfoForBytecodeOffset(call)
	info.Link(runtime.NewFunction(exe), exe.PrepareForExecution(codeblock.CodeForCall))
	info.Relink(runtime.NewFunction(exe), 4)

	s := ComputeCallLinkStatus(cb, call)
	if s.State() != CallMonomorphic || !s.IsClosureCall() {
		t.Fatalf("status = %s, want closure call", s)
	}
	if s.Executable() != exe || s.Callee() != nil {
		t.Error("closure call should name only the executable")
	}
}

func TestCallPolymorphicDominatesMonomorphic(t *testing.T) {
	cb, _, _, call := accessor(t)
	g, h := identity("g"), identity("h")
	info := cb.CallLinkInfoForBytecodeOffset(call)
	info.Link(runtime.NewFunction(g), g.PrepareForExecution(codeblock.CodeForCall))
	info.Relink(runtime.NewFunction(h), 4)

	if info.LastSeenCallee() == nil {
		t.Fatal("setup: last seen callee should be set")
	}
	if s := ComputeCallLinkStatus(cb, call); s.State() != CallTakesSlowPath {
		t.Errorf("status = %s, want TakesSlowPath", s)
	}
}

func TestCallBadFunctionExitTakesSlowPath(t *testing.T) {
	cb, _, _, call := accessor(t)
	cb.CallLinkInfoForBytecodeOffset(call).ObserveCallee(runtime.NewFunction(identity("g")))
	cb.AddFrequentExitSite(codeblock.FrequentExitSite{BytecodeOffset: call, Kind: codeblock.BadFunction})

	if s := ComputeCallLinkStatus(cb, call); s.State() != CallTakesSlowPath {
		t.Errorf("status = %s, want TakesSlowPath", s)
	}
}

func TestCallClearedByGCTakesSlowPath(t *testing.T) {
	cb, _, _, call := accessor(t)
	g, h := identity("g"), identity("h")
	gf := runtime.NewFunction(g)
	info := cb.CallLinkInfoForBytecodeOffset(call)
	info.Link(gf, g.PrepareForExecution(codeblock.CodeForCall))
	info.Relink(runtime.NewFunction(h), 4)
	cb.FinalizeUnconditionally(func(cell any) bool { return cell != gf })

	if s := ComputeCallLinkStatus(cb, call); s.State() != CallTakesSlowPath {
		t.Errorf("status = %s, want TakesSlowPath", s)
	}
}

func TestCallStatusForConstantIsProved(t *testing.T) {
	fn := runtime.NewFunction(identity("g"))
	s := CallLinkStatusForConstant(fn)
	if !s.IsStaticallyProved() || s.Callee() != fn || s.State() != CallMonomorphic {
		t.Errorf("status = %s", s)
	}
}

func TestResolutionIsPure(t *testing.T) {
	cb, put, get, call := accessor(t)
	cb.CallLinkInfoForBytecodeOffset(call).ObserveCallee(runtime.NewFunction(identity("g")))
	o := runtime.NewObject(runtime.NewStructure("Object", runtime.NonArray, nil))
	o.Put("y", int32(1))
	cb.PropertyCacheForBytecodeOffset(get).Set(&codeblock.PropertyCacheEntry{Structure: o.Structure(), Offset: 0})
	res := o.Put("x", int32(2))
	cb.PropertyCacheForBytecodeOffset(put).Set(&codeblock.PropertyCacheEntry{
		Structure: res.OldStructure, NewStructure: res.NewStructure, Offset: res.Offset,
	})

	first := ComputeAll(cb)
	second := ComputeAll(cb)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("statuses differ between calls:\n%+v\n%+v", first, second)
	}
	if ComputeCallLinkStatus(cb, call) != ComputeCallLinkStatus(cb, call) {
		t.Error("call status not stable")
	}
	if len(first.Calls) != 1 || len(first.Gets) != 2 || len(first.Puts) != 1 {
		t.Errorf("map sizes = %d/%d/%d", len(first.Calls), len(first.Gets), len(first.Puts))
	}
}

func TestGetFromInterpreterCache(t *testing.T) {
	cb, _, get, _ := accessor(t)
	o := runtime.NewObject(runtime.NewStructure("Object", runtime.NonArray, nil))
	o.Put("a", int32(0))
	o.Put("y", int32(1))
	cb.PropertyCacheForBytecodeOffset(get).Set(&codeblock.PropertyCacheEntry{Structure: o.Structure(), Offset: 1})

	s := ComputeGetByIdStatus(cb, get, "y")
	if !s.IsSimple() || s.Offset() != 1 || len(s.Structures()) != 1 {
		t.Errorf("status = %s", s)
	}
}

func TestGetFromPolymorphicStub(t *testing.T) {
	cb, _, get, _ := accessor(t)
	root := runtime.NewStructure("Object", runtime.NonArray, nil)
	a := root.AddPropertyTransition("y")
	b := runtime.NewStructure("Other", runtime.NonArray, nil).AddPropertyTransition("y")
	c := runtime.NewStructure("Third", runtime.NonArray, nil).AddPropertyTransition("z").AddPropertyTransition("y")

	cb.Lock()
	si := cb.StubInfoForBytecodeOffset(get)
	si.RecordGet(a, 0, true, 4)
	si.RecordGet(b, 0, true, 4)
	cb.Unlock()

	s := ComputeGetByIdStatus(cb, get, "y")
	if !s.IsSimple() || len(s.Structures()) != 2 {
		t.Fatalf("status = %s, want Simple over two structures", s)
	}

	cb.Lock()
	si.RecordGet(c, 1, true, 4)
	cb.Unlock()
	if s := ComputeGetByIdStatus(cb, get, "y"); !s.TakesSlowPath() {
		t.Errorf("differing offsets: status = %s, want TakesSlowPath", s)
	}
}

func TestPutFromInterpreterCache(t *testing.T) {
	cb, put, _, _ := accessor(t)
	o := runtime.NewObject(runtime.NewStructure("Object", runtime.NonArray, nil))
	res := o.Put("x", int32(1))
	pc := cb.PropertyCacheForBytecodeOffset(put)

	pc.Set(&codeblock.PropertyCacheEntry{Structure: res.OldStructure, NewStructure: res.NewStructure, Offset: res.Offset})
	s := ComputePutByIdStatus(cb, put, "x")
	if !s.IsSimpleTransition() || s.OldStructure() != res.OldStructure || s.NewStructure() != res.NewStructure {
		t.Errorf("status = %s, want SimpleTransition", s)
	}

	pc.Set(&codeblock.PropertyCacheEntry{Structure: res.NewStructure, Offset: res.Offset})
	if s := ComputePutByIdStatus(cb, put, "x"); !s.IsSimpleReplace() || s.Offset() != 0 {
		t.Errorf("status = %s, want SimpleReplace", s)
	}
}

func TestPutStubWinsOverInterpreterCache(t *testing.T) {
	cb, put, _, _ := accessor(t)
	o := runtime.NewObject(runtime.NewStructure("Object", runtime.NonArray, nil))
	res := o.Put("x", int32(1))
	cb.PropertyCacheForBytecodeOffset(put).Set(&codeblock.PropertyCacheEntry{Structure: res.NewStructure})

	cb.Lock()
	si := cb.StubInfoForBytecodeOffset(put)
	si.RecordPut(res, nil, true, 4)
	si.RecordPut(o.Put("x", int32(2)), nil, true, 4)
	cb.Unlock()

	if s := ComputePutByIdStatus(cb, put, "x"); !s.TakesSlowPath() {
		t.Errorf("status = %s, want TakesSlowPath for a put list", s)
	}
}

func TestPutBadCacheExitTakesSlowPath(t *testing.T) {
	cb, put, _, _ := accessor(t)
	o := runtime.NewObject(runtime.NewStructure("Object", runtime.NonArray, nil))
	res := o.Put("x", int32(1))
	cb.PropertyCacheForBytecodeOffset(put).Set(&codeblock.PropertyCacheEntry{Structure: res.NewStructure})
	cb.AddFrequentExitSite(codeblock.FrequentExitSite{BytecodeOffset: put, Kind: codeblock.BadCacheWatchpoint})

	if s := ComputePutByIdStatus(cb, put, "x"); !s.TakesSlowPath() {
		t.Errorf("status = %s, want TakesSlowPath", s)
	}
}

func TestPutForStructure(t *testing.T) {
	root := runtime.NewStructure("Object", runtime.NonArray, nil)
	withX := root.AddPropertyTransition("x")

	if s := ComputePutByIdStatusForStructure(withX, "x", false); !s.IsSimpleReplace() || !s.IsStaticallyProved() {
		t.Errorf("existing property: %s", s)
	}
	s := ComputePutByIdStatusForStructure(root, "x", false)
	if !s.IsSimpleTransition() || s.NewStructure() != withX || !s.IsStaticallyProved() {
		t.Errorf("existing transition: %s", s)
	}
	if s := ComputePutByIdStatusForStructure(root, "never", true); !s.TakesSlowPath() {
		t.Errorf("missing transition: %s, want TakesSlowPath", s)
	}
}
