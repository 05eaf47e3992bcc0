package main

import (
	"fmt"
	"sort"

	"github.com/chazu/tierup/bytecode"
	"github.com/chazu/tierup/runtime"
	"github.com/chazu/tierup/vm"
)

// workload drives one VM for n iterations and returns a printable result.
type workload struct {
	description string
	run         func(v *vm.VM, n int) (runtime.Value, error)
}

var workloads = map[string]workload{
	"sum": {
		description: "hot counted loop; tiers up through OSR entry",
		run:         runSum,
	},
	"overflow": {
		description: "loop whose int32 speculation fails late; exits and reoptimizes",
		run:         runOverflow,
	},
	"calls": {
		description: "call site whose callee changes part way through",
		run:         runCalls,
	},
	"shapes": {
		description: "property loads over objects of several structures",
		run:         runShapes,
	},
	"globals": {
		description: "folded global constant reassigned while optimized code runs",
		run:         runGlobals,
	},
}

func workloadNames() []string {
	names := make([]string, 0, len(workloads))
	for name := range workloads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sumCode builds sum(n) { s = 0; for (i = 0; i < n; i = i + 1) s = s + i; return s }.
func sumCode() *bytecode.UnlinkedCode {
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
	b.Emit(bytecode.OpAdd, s, s, i)
	b.Emit(bytecode.OpAdd, i, i, one)
	b.Jump(top)
	b.Mark(done)
	b.Emit(bytecode.OpRet, s)
	return b.Build()
}

func runSum(v *vm.VM, n int) (runtime.Value, error) {
	sum := v.NewFunction(sumCode())
	return v.Call(sum, runtime.Undefined, runtime.NormalizeNumber(float64(n)))
}

func runOverflow(v *vm.VM, n int) (runtime.Value, error) {
	sum := v.NewFunction(sumCode())
	var last runtime.Value
	for i := 0; i < n; i++ {
		r, err := v.Call(sum, runtime.Undefined, int32(100000))
		if err != nil {
			return nil, err
		}
		last = r
	}
	return last, nil
}

func runCalls(v *vm.VM, n int) (runtime.Value, error) {
	b := bytecode.NewBuilder("caller", 2)
	dst := b.Reg()
	args := b.Args(1)
	b.LoadConst(args, int32(1))
	b.Call(dst, b.Param(0), args, 1)
	b.Emit(bytecode.OpRet, dst)
	caller := v.NewFunction(b.Build())

	b = bytecode.NewBuilder("inc", 2)
	r, one := b.Reg(), b.Reg()
	b.LoadConst(one, int32(1))
	b.Emit(bytecode.OpAdd, r, b.Param(0), one)
	b.Emit(bytecode.OpRet, r)
	inc := v.NewFunction(b.Build())

	b = bytecode.NewBuilder("id", 2)
	b.Emit(bytecode.OpRet, b.Param(0))
	id := v.NewFunction(b.Build())

	var last runtime.Value
	for i := 0; i < n; i++ {
		callee := inc
		if i >= n/2 {
			callee = id
		}
		r, err := v.Call(caller, runtime.Undefined, callee)
		if err != nil {
			return nil, err
		}
		last = r
	}
	return last, nil
}

func runShapes(v *vm.VM, n int) (runtime.Value, error) {
	b := bytecode.NewBuilder("getX", 2)
	r := b.Reg()
	b.GetById(r, b.Param(0), "x")
	b.Emit(bytecode.OpRet, r)
	getX := v.NewFunction(b.Build())

	extra := []string{"a", "b", "c"}
	var total float64
	for i := 0; i < n; i++ {
		o := v.NewObject()
		// Most objects share one structure; every tenth has an extra property first.
		if i%10 == 9 {
			o.Put(extra[i%len(extra)], int32(0))
		}
		o.Put("x", int32(i))
		r, err := v.Call(getX, runtime.Undefined, o)
		if err != nil {
			return nil, err
		}
		total += runtime.ToFloat(r)
	}
	return runtime.NormalizeNumber(total), nil
}

func runGlobals(v *vm.VM, n int) (runtime.Value, error) {
	b := bytecode.NewBuilder("scaled", 2)
	k, r := b.Reg(), b.Reg()
	b.GetGlobal(k, "k")
	b.Emit(bytecode.OpAdd, r, b.Param(0), k)
	b.Emit(bytecode.OpRet, r)
	scaled := v.NewFunction(b.Build())

	v.Global().Variable("k").Set(int32(1))
	var last runtime.Value
	for i := 0; i < n; i++ {
		if i == n/2 {
			v.Global().Variable("k").Set(int32(2))
		}
		r, err := v.Call(scaled, runtime.Undefined, int32(i))
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
		last = r
	}
	return last, nil
}
