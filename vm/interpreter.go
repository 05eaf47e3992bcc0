package vm

import (
	"errors"
	"fmt"
	"math"

	"github.com/chazu/tierup/bytecode"
	"github.com/chazu/tierup/codeblock"
	"github.com/chazu/tierup/runtime"
)

// ---------------------------------------------------------------------------
// Frame: execution state of one call
// ---------------------------------------------------------------------------

// frame is the state of one invocation. Every tier of a function shares the
// register layout, so a frame moves between tiers by swapping cb.
type frame struct {
	cb   *codeblock.CodeBlock
	regs []runtime.Value
	pc   int

	// osrEntered is set while the frame runs optimized code it entered at a
	// loop header.
	osrEntered bool
}

// switchTo moves the frame to another tier of the same function.
func (f *frame) switchTo(cb *codeblock.CodeBlock) {
	f.cb.ExitFrame()
	cb.EnterFrame()
	f.cb = cb
	f.osrEntered = false
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// call invokes callee. A non-nil target is the code block a linked call site
// resolved to; otherwise the executable's current code block runs.
func (vm *VM) call(callee runtime.Value, this runtime.Value, args []runtime.Value, kind codeblock.SpecializationKind, target *codeblock.CodeBlock) (runtime.Value, error) {
	fn, ok := callee.(*runtime.FunctionObject)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotCallable, runtime.ToString(callee))
	}
	if kind == codeblock.CodeForConstruct {
		this = vm.NewObject()
	}

	var (
		result runtime.Value
		err    error
	)
	if host := fn.Host(); host != nil {
		vm.stats.calls.Add(1)
		result, err = host(this, args)
	} else {
		if target == nil {
			exe, ok := fn.Executable().(*codeblock.Executable)
			if !ok {
				return nil, fmt.Errorf("%w: %s has no bytecode", ErrNotCallable, fn)
			}
			target = exe.PrepareForExecution(kind)
		}
		result, err = vm.execute(target, this, args)
	}
	if err != nil {
		return nil, err
	}
	if kind == codeblock.CodeForConstruct {
		if _, isObject := result.(*runtime.Object); !isObject {
			result = this
		}
	}
	return result, nil
}

// execute runs cb in a new frame.
func (vm *VM) execute(cb *codeblock.CodeBlock, this runtime.Value, args []runtime.Value) (runtime.Value, error) {
	if vm.depth >= MaxCallDepth {
		return nil, ErrStackOverflow
	}
	vm.depth++
	defer func() { vm.depth-- }()
	vm.stats.calls.Add(1)

	n := cb.NumRegisters()
	if p := cb.NumParameters(); p > n {
		n = p
	}
	if n == 0 {
		n = 1
	}
	f := &frame{cb: cb, regs: make([]runtime.Value, n)}
	for i := range f.regs {
		f.regs[i] = runtime.Undefined
	}
	f.regs[0] = this
	for i := 1; i < cb.NumParameters() && i-1 < len(args); i++ {
		f.regs[i] = args[i-1]
	}
	if cb.Tier() != codeblock.TierOptimized {
		for i := 0; i < cb.NumberOfArgumentValueProfiles(); i++ {
			cb.ArgumentValueProfile(i).Observe(f.regs[i])
		}
	}

	cb.EnterFrame()
	defer func() { f.cb.ExitFrame() }()
	return vm.run(f)
}

// ---------------------------------------------------------------------------
// Main interpreter loop
// ---------------------------------------------------------------------------

// run executes f until it returns or throws past its handlers.
func (vm *VM) run(f *frame) (runtime.Value, error) {
	for {
		cb := f.cb
		if cb.Tier() == codeblock.TierOptimized {
			if cb.IsJettisoned() {
				vm.log.Debugf("%s: frame leaves jettisoned code at bc#%d", cb, f.pc)
				f.switchTo(cb.Alternative())
				continue
			}
			if !vm.speculate(f) {
				continue
			}
		}

		in := cb.Instructions()[f.pc]
		result, done, err := vm.step(f, in)
		if err != nil {
			var exc *Exception
			if errors.As(err, &exc) {
				if h, ok := f.cb.HandlerForBytecodeOffset(f.pc); ok {
					f.regs[h.Register] = exc.Value
					f.pc = h.Target
					continue
				}
			}
			return nil, err
		}
		if done {
			return result, nil
		}
	}
}

// speculate runs the optimized-code part of the instruction at f.pc: the
// speculation checks, constant folding and the speculative add. It reports
// false when it handled the instruction or exited to the alternative.
func (vm *VM) speculate(f *frame) bool {
	op := f.cb.JITCode().At(f.pc)
	if op == nil {
		return true
	}
	for i := range op.Checks {
		c := &op.Checks[i]
		if !c.Passes(f.regs[c.Register]) {
			vm.osrExit(f, c.ExitIndex)
			return false
		}
	}
	in := f.cb.Instructions()[f.pc]
	switch {
	case op.HasConstant:
		f.regs[in.A] = op.Constant
		f.pc++
		return false
	case op.SpeculativeAddExit >= 0:
		if vm.speculativeAdd(f, in, op.SpeculativeAddExit) {
			f.pc++
		}
		return false
	}
	return true
}

// speculativeAdd performs an int32 add that exits on overflow. With a
// recovery the add writes first and is undone before exiting. It reports
// whether the frame stayed in optimized code.
func (vm *VM) speculativeAdd(f *frame, in bytecode.Instruction, exitIndex int) bool {
	a, aok := f.regs[in.B].(int32)
	b, bok := f.regs[in.C].(int32)
	if !aok || !bok {
		vm.osrExit(f, exitIndex)
		return false
	}
	sum, overflow := runtime.AddInt32(a, b)
	exit := f.cb.OSRExit(exitIndex)
	if r := exit.Recovery; r.Kind == codeblock.SpeculativeAdd {
		f.regs[in.A] = sum
		if overflow {
			f.regs[r.Dest] = f.regs[r.Dest].(int32) - f.regs[r.Src].(int32)
			vm.osrExit(f, exitIndex)
			return false
		}
		return true
	}
	if overflow {
		vm.osrExit(f, exitIndex)
		return false
	}
	f.regs[in.A] = sum
	return true
}

// step executes one instruction with the generic semantics of the frame's
// tier. done is set when the frame returns.
func (vm *VM) step(f *frame, in bytecode.Instruction) (result runtime.Value, done bool, err error) {
	cb := f.cb
	profiling := cb.Tier() != codeblock.TierOptimized

	switch in.Op {
	case bytecode.OpEnter:
		vm.countEntry(f)

	case bytecode.OpLoadConst:
		f.regs[in.A] = cb.Constant(in.B)

	case bytecode.OpMov:
		f.regs[in.A] = f.regs[in.B]

	case bytecode.OpAdd, bytecode.OpSub:
		vm.arith(f, in, profiling)

	case bytecode.OpLess:
		f.regs[in.A] = runtime.Less(f.regs[in.B], f.regs[in.C])

	case bytecode.OpJump:
		f.pc = in.A
		return nil, false, nil

	case bytecode.OpJumpIfFalse:
		if !runtime.Truthy(f.regs[in.A]) {
			f.pc = in.B
			return nil, false, nil
		}

	case bytecode.OpJumpIfTrue:
		if runtime.Truthy(f.regs[in.A]) {
			f.pc = in.B
			return nil, false, nil
		}

	case bytecode.OpLoopHint:
		vm.countLoop(f)

	case bytecode.OpCall, bytecode.OpConstruct:
		if err := vm.callOp(f, in, profiling); err != nil {
			return nil, false, err
		}

	case bytecode.OpNewObject:
		f.regs[in.A] = vm.NewObject()

	case bytecode.OpNewArray:
		f.regs[in.A] = vm.NewArray(f.regs[in.C : in.C+in.B]...)

	case bytecode.OpGetById:
		if err := vm.getById(f, in, profiling); err != nil {
			return nil, false, err
		}

	case bytecode.OpPutById:
		if err := vm.putById(f, in); err != nil {
			return nil, false, err
		}

	case bytecode.OpGetByVal:
		if err := vm.getByVal(f, in, profiling); err != nil {
			return nil, false, err
		}

	case bytecode.OpPutByVal:
		if err := vm.putByVal(f, in, profiling); err != nil {
			return nil, false, err
		}

	case bytecode.OpGetGlobalVar:
		v := cb.Global().Variable(cb.ConstantString(in.B)).Get()
		if profiling {
			cb.ValueProfileForBytecodeOffset(f.pc).Observe(v)
		}
		f.regs[in.A] = v

	case bytecode.OpPutGlobalVar:
		cb.Global().Variable(cb.ConstantString(in.A)).Set(f.regs[in.B])

	case bytecode.OpNewRegExp:
		re, err := cb.RegExp(in.B)
		if err != nil {
			return nil, false, &Exception{Value: "SyntaxError: " + err.Error()}
		}
		f.regs[in.A] = re

	case bytecode.OpSwitchImm:
		target := in.C
		if v, ok := f.regs[in.A].(int32); ok {
			if t := cb.SwitchJumpTable(in.B).Target(v); t >= 0 {
				target = t
			}
		}
		f.pc = target
		return nil, false, nil

	case bytecode.OpThrow:
		return nil, false, &Exception{Value: f.regs[in.A]}

	case bytecode.OpDebugger:
		vm.log.Debugf("%s: debugger at bc#%d", cb, f.pc)

	case bytecode.OpRet:
		return f.regs[in.A], true, nil

	default:
		panic(fmt.Sprintf("vm: unknown opcode %s at bc#%d of %s", in.Op, f.pc, cb))
	}
	f.pc++
	return nil, false, nil
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func subInt32(a, b int32) (int32, bool) {
	d := int64(a) - int64(b)
	return int32(d), d < math.MinInt32 || d > math.MaxInt32
}

// arith implements add and sub. Non-int32 operands count as a rare case and
// int32 overflow as a special fast case.
func (vm *VM) arith(f *frame, in bytecode.Instruction, profiling bool) {
	a, b := f.regs[in.B], f.regs[in.C]
	ai, aok := a.(int32)
	bi, bok := b.(int32)
	if aok && bok {
		var (
			r        int32
			overflow bool
		)
		if in.Op == bytecode.OpAdd {
			r, overflow = runtime.AddInt32(ai, bi)
		} else {
			r, overflow = subInt32(ai, bi)
		}
		if !overflow {
			f.regs[in.A] = r
			return
		}
		if profiling {
			f.cb.SpecialFastCaseProfileForBytecodeOffset(f.pc).Increment()
		}
	} else if profiling {
		f.cb.RareCaseProfileForBytecodeOffset(f.pc).Increment()
	}
	if in.Op == bytecode.OpAdd {
		f.regs[in.A] = runtime.Add(a, b)
	} else {
		f.regs[in.A] = runtime.Sub(a, b)
	}
}

// ---------------------------------------------------------------------------
// Calls from bytecode
// ---------------------------------------------------------------------------

func (vm *VM) callOp(f *frame, in bytecode.Instruction, profiling bool) error {
	cb, off := f.cb, f.pc
	callee := f.regs[in.B]
	args := append([]runtime.Value(nil), f.regs[in.C:in.C+in.D]...)
	kind := codeblock.CodeForCall
	if in.Op == bytecode.OpConstruct {
		kind = codeblock.CodeForConstruct
	}

	var target *codeblock.CodeBlock
	if fn, ok := callee.(*runtime.FunctionObject); ok && profiling {
		target = vm.linkCallSite(cb, cb.CallLinkInfoForBytecodeOffset(off), fn, kind)
	}
	result, err := vm.call(callee, runtime.Undefined, args, kind, target)
	if err != nil {
		return err
	}
	if profiling {
		cb.ValueProfileForBytecodeOffset(off).Observe(result)
	}
	f.regs[in.A] = result
	return nil
}

// linkCallSite maintains the call inline cache and returns the code block a
// linked site calls directly, or nil for the slow path. The interpreter only
// records the callee; baseline code links, and relinks to a closure or
// polymorphic stub when the callee changes.
func (vm *VM) linkCallSite(cb *codeblock.CodeBlock, site *codeblock.CallLinkInfo, fn *runtime.FunctionObject, kind codeblock.SpecializationKind) *codeblock.CodeBlock {
	if cb.Tier() == codeblock.TierInterpreter {
		site.ObserveCallee(fn)
		return nil
	}
	if site.IsLinked() && site.Callee() == fn {
		return site.Target()
	}

	site.CountSlowPath()
	exe, _ := fn.Executable().(*codeblock.Executable)
	switch {
	case site.Stub() != nil || (site.Callee() != nil && site.Callee() != fn):
		site.Relink(fn, vm.opts.Optimizer.MaximumPolymorphicAccessSize)
		return nil
	case exe != nil:
		target := exe.PrepareForExecution(kind)
		site.Link(fn, target)
		return target
	}
	site.ObserveCallee(fn)
	return nil
}

// ---------------------------------------------------------------------------
// Property access
// ---------------------------------------------------------------------------

func typeError(format string, args ...any) error {
	return &Exception{Value: "TypeError: " + fmt.Sprintf(format, args...)}
}

func isNullish(v runtime.Value) bool {
	switch v.(type) {
	case runtime.UndefinedType, runtime.NullType, nil:
		return true
	}
	return false
}

func (vm *VM) getById(f *frame, in bytecode.Instruction, profiling bool) error {
	cb := f.cb
	base := f.regs[in.B]
	name := cb.ConstantString(in.C)

	var v runtime.Value = runtime.Undefined
	switch obj, ok := base.(*runtime.Object); {
	case ok:
		switch cb.Tier() {
		case codeblock.TierInterpreter:
			v = getWithPropertyCache(cb.PropertyCacheForBytecodeOffset(f.pc), obj, name)
		case codeblock.TierBaseline:
			v = vm.getWithStub(cb, cb.StubInfoForBytecodeOffset(f.pc), obj, name)
		default:
			v = obj.Get(name)
		}
	case isNullish(base):
		return typeError("cannot read property %q of %s", name, runtime.ToString(base))
	}
	if profiling {
		cb.ValueProfileForBytecodeOffset(f.pc).Observe(v)
	}
	f.regs[in.A] = v
	return nil
}

func getWithPropertyCache(cache *codeblock.PropertyCache, obj *runtime.Object, name string) runtime.Value {
	s := obj.Structure()
	if e := cache.Entry(); e != nil && e.NewStructure == nil && e.Structure == s {
		return obj.GetSlot(e.Offset)
	}
	if off, ok := s.Get(name); ok {
		if !s.IsDictionary() {
			cache.Set(&codeblock.PropertyCacheEntry{Structure: s, Offset: off})
		}
		return obj.GetSlot(off)
	}
	return obj.Get(name)
}

func (vm *VM) getWithStub(cb *codeblock.CodeBlock, si *codeblock.StructureStubInfo, obj *runtime.Object, name string) runtime.Value {
	s := obj.Structure()
	cb.Lock()
	if off, ok := stubGetOffset(si.Access(), s); ok {
		cb.Unlock()
		return obj.GetSlot(off)
	}
	off, own := s.Get(name)
	si.RecordGet(s, off, own, vm.opts.Optimizer.MaximumPolymorphicAccessSize)
	cb.Unlock()
	if own {
		return obj.GetSlot(off)
	}
	return obj.Get(name)
}

func stubGetOffset(access codeblock.StubAccess, s *runtime.Structure) (int, bool) {
	switch a := access.(type) {
	case codeblock.GetByIDSelf:
		if a.Structure == s {
			return a.Offset, true
		}
	case codeblock.GetByIDList:
		for _, c := range a.Cases {
			if c.Structure == s {
				return c.Offset, true
			}
		}
	}
	return 0, false
}

func (vm *VM) putById(f *frame, in bytecode.Instruction) error {
	cb := f.cb
	base := f.regs[in.A]
	name := cb.ConstantString(in.B)
	v := f.regs[in.C]
	direct := in.D != 0

	obj, ok := base.(*runtime.Object)
	if !ok {
		if isNullish(base) {
			return typeError("cannot set property %q of %s", name, runtime.ToString(base))
		}
		return nil
	}
	switch cb.Tier() {
	case codeblock.TierInterpreter:
		putWithPropertyCache(cb.PropertyCacheForBytecodeOffset(f.pc), obj, name, v, direct)
	case codeblock.TierBaseline:
		vm.putWithStub(cb, cb.StubInfoForBytecodeOffset(f.pc), obj, name, v, direct)
	default:
		obj.Put(name, v)
	}
	return nil
}

// transitionChain is the prototype chain a cached transition depends on.
// Direct stores ignore the prototype chain.
func transitionChain(res runtime.PutResult, direct bool) *runtime.StructureChain {
	if !res.Transitioned || direct {
		return nil
	}
	return runtime.NewStructureChain(res.OldStructure.Prototype())
}

func putWithPropertyCache(cache *codeblock.PropertyCache, obj *runtime.Object, name string, v runtime.Value, direct bool) {
	s := obj.Structure()
	if e := cache.Entry(); e != nil && e.Structure == s {
		if e.NewStructure == nil {
			obj.PutSlot(e.Offset, v)
			return
		}
		if e.Chain == nil || e.Chain.IsStillValid(s.Prototype()) {
			obj.TransitionAndPut(e.NewStructure, e.Offset, v)
			return
		}
	}

	res := obj.Put(name, v)
	if res.NewStructure.IsDictionary() {
		cache.Clear()
		return
	}
	e := &codeblock.PropertyCacheEntry{Structure: res.OldStructure, Offset: res.Offset}
	if res.Transitioned {
		e.NewStructure = res.NewStructure
		e.Chain = transitionChain(res, direct)
	}
	cache.Set(e)
}

func (vm *VM) putWithStub(cb *codeblock.CodeBlock, si *codeblock.StructureStubInfo, obj *runtime.Object, name string, v runtime.Value, direct bool) {
	cb.Lock()
	access := si.Access()
	cb.Unlock()
	if applyPutStub(access, obj, v) {
		return
	}

	res := obj.Put(name, v)
	chain := transitionChain(res, direct)
	cb.Lock()
	si.RecordPut(res, chain, true, vm.opts.Optimizer.MaximumPolymorphicAccessSize)
	cb.Unlock()
}

// applyPutStub performs the store if a cached case matches obj.
func applyPutStub(access codeblock.StubAccess, obj *runtime.Object, v runtime.Value) bool {
	s := obj.Structure()
	switch a := access.(type) {
	case codeblock.PutByIDReplace:
		if a.Structure == s {
			obj.PutSlot(a.Offset, v)
			return true
		}
	case codeblock.PutByIDTransition:
		if a.Previous == s && (a.Chain == nil || a.Chain.IsStillValid(s.Prototype())) {
			obj.TransitionAndPut(a.Structure, a.Offset, v)
			return true
		}
	case codeblock.PutByIDList:
		for _, c := range a.Cases {
			if applyPutStub(c, obj, v) {
				return true
			}
		}
	}
	return false
}

// arrayIndex converts a key to an element index.
func arrayIndex(key runtime.Value) (int, bool) {
	switch k := key.(type) {
	case int32:
		return int(k), k >= 0
	case float64:
		if k >= 0 && k == math.Trunc(k) && k <= math.MaxInt32 {
			return int(k), true
		}
	}
	return 0, false
}

func (vm *VM) getByVal(f *frame, in bytecode.Instruction, profiling bool) error {
	cb := f.cb
	base, key := f.regs[in.B], f.regs[in.C]
	obj, ok := base.(*runtime.Object)
	if !ok {
		if isNullish(base) {
			return typeError("cannot read index of %s", runtime.ToString(base))
		}
		f.regs[in.A] = runtime.Undefined
		return nil
	}

	var v runtime.Value
	if profiling {
		cb.ArrayProfileForBytecodeOffset(f.pc).ObserveStructure(obj.Structure())
	}
	if i, ok := arrayIndex(key); ok && obj.Structure().IsArray() {
		var inBounds bool
		v, inBounds = obj.GetIndex(i)
		if !inBounds && profiling {
			cb.ArrayProfileForBytecodeOffset(f.pc).ObserveOutOfBounds()
		}
	} else {
		v = obj.Get(runtime.ToString(key))
	}
	if profiling {
		cb.ValueProfileForBytecodeOffset(f.pc).Observe(v)
	}
	f.regs[in.A] = v
	return nil
}

func (vm *VM) putByVal(f *frame, in bytecode.Instruction, profiling bool) error {
	cb := f.cb
	base, key, v := f.regs[in.A], f.regs[in.B], f.regs[in.C]
	obj, ok := base.(*runtime.Object)
	if !ok {
		if isNullish(base) {
			return typeError("cannot set index of %s", runtime.ToString(base))
		}
		return nil
	}

	var ap interface{ ObserveStore(runtime.IndexStore) }
	if profiling {
		p := cb.ArrayProfileForBytecodeOffset(f.pc)
		p.ObserveStructure(obj.Structure())
		ap = p
	}
	if i, ok := arrayIndex(key); ok && obj.Structure().IsArray() {
		st := obj.PutIndex(i, v)
		if ap != nil {
			ap.ObserveStore(st)
		}
		return nil
	}
	obj.Put(runtime.ToString(key), v)
	return nil
}
