package vm

import (
	"fmt"

	"github.com/chazu/tierup/codeblock"
	"github.com/chazu/tierup/dfg"
	"github.com/chazu/tierup/profilerdb"
	"github.com/chazu/tierup/worklist"
)

// countEntry advances the tier-up counters at function entry.
func (vm *VM) countEntry(f *frame) {
	vm.countExecution(f, vm.opts.Optimizer.ExecutionCounterIncrementForEntry, -1)
}

// countLoop advances the tier-up counters at a loop header. A baseline frame
// may enter optimized code here.
func (vm *VM) countLoop(f *frame) {
	vm.countExecution(f, vm.opts.Optimizer.ExecutionCounterIncrementForLoop, f.pc)
}

func (vm *VM) countExecution(f *frame, increment int32, loopHint int) {
	cb := f.cb
	switch cb.Tier() {
	case codeblock.TierInterpreter:
		if cb.JITExecuteCounter().Add(increment) && cb.CheckIfJITThresholdReached() {
			vm.jitCompile(cb)
		}
	case codeblock.TierBaseline:
		if cb.ExecuteCounter().Add(increment) && cb.CheckIfOptimizationThresholdReached() {
			vm.operationOptimize(f, loopHint)
		}
	}
}

func (vm *VM) jitCompile(cb *codeblock.CodeBlock) {
	switch res := cb.JITCompile(codeblock.TierBaseline); res {
	case codeblock.CompiledSuccessfully:
		vm.stats.baselineCompiles.Add(1)
		vm.record(cb, profilerdb.EventCompiled, "baseline")
	case codeblock.AlreadyCompiled:
	default:
		vm.log.Debugf("%s: baseline compile: %s", cb, res)
	}
}

// operationOptimize runs when a baseline block's execution counter crosses
// its threshold. loopHint is the loop header the frame stands at, or -1 at
// function entry.
func (vm *VM) operationOptimize(f *frame, loopHint int) {
	cb := f.cb
	if !vm.opts.Optimizer.UseDFGJIT {
		cb.DontOptimizeAnytimeSoon()
		return
	}

	if cb.HasOptimizedReplacement() {
		if loopHint >= 0 && vm.tryOSREntry(f, cb.Replacement(), loopHint) {
			return
		}
		cb.OptimizeAfterWarmUp()
		return
	}

	key := worklist.Key{VM: vm, CodeBlock: cb, Mode: worklist.ModeOptimize}
	if vm.worklist != nil {
		switch vm.worklist.CompilationState(key) {
		case worklist.StateCompiling:
			cb.OptimizeSoon()
			return
		case worklist.StateCompiled:
			vm.worklist.CompleteAllReadyPlansForVM(vm, key)
			if loopHint >= 0 && cb.HasOptimizedReplacement() {
				vm.tryOSREntry(f, cb.Replacement(), loopHint)
			}
			return
		}
	}

	if !cb.ShouldOptimizeNow() {
		return
	}

	if vm.worklist == nil {
		res, err := dfg.Compile(vm.opts, cb)
		result := codeblock.CompilationSuccessful
		if err != nil {
			result = codeblock.CompilationFailed
		}
		vm.finishOptimize(cb, res, result, err)
		if loopHint >= 0 && cb.HasOptimizedReplacement() {
			vm.tryOSREntry(f, cb.Replacement(), loopHint)
		}
		return
	}

	var res *dfg.Result
	plan := worklist.NewPlan(key,
		func(*worklist.Plan) error {
			r, err := dfg.Compile(vm.opts, cb)
			if err != nil {
				return err
			}
			res = r
			return nil
		},
		func(p *worklist.Plan, result codeblock.CompilationResult) {
			vm.finishOptimize(cb, res, result, p.Err())
		})
	vm.worklist.Enqueue(plan)
	cb.OptimizeSoon()
}

// finishOptimize installs a compiled block or records why there is none, and
// rearms the baseline counter accordingly. It runs on the VM's thread.
func (vm *VM) finishOptimize(cb *codeblock.CodeBlock, res *dfg.Result, result codeblock.CompilationResult, err error) {
	if result == codeblock.CompilationSuccessful {
		result = res.Finalize()
	}
	if result == codeblock.CompilationSuccessful && res.CodeBlock.IsJettisoned() {
		result = codeblock.CompilationInvalidated
	}
	if result == codeblock.CompilationSuccessful && cb.Replacement() != cb {
		vm.log.Infof("%s: no longer current, dropping %s", cb, res.CodeBlock)
		res.CodeBlock.Discard()
		result = codeblock.CompilationDeferred
	}

	switch result {
	case codeblock.CompilationSuccessful:
		vm.stats.optimizedCompiles.Add(1)
		vm.record(res.CodeBlock, profilerdb.EventCompiled,
			fmt.Sprintf("%d exits, %d entries", res.CodeBlock.NumberOfOSRExits(), res.CodeBlock.NumberOfOSREntries()))
		cb.Executable().InstallCode(res.CodeBlock)
	case codeblock.CompilationFailed:
		vm.stats.failedCompiles.Add(1)
		vm.log.Infof("%s: optimizing compile failed: %v", cb, err)
		vm.record(cb, profilerdb.EventCompileFailed, fmt.Sprint(err))
	case codeblock.CompilationInvalidated:
		vm.stats.invalidatedCompiles.Add(1)
		vm.record(cb, profilerdb.EventInvalidated, "")
	}
	cb.SetOptimizationThresholdBasedOnCompilationResult(result)
}

// tryOSREntry moves a baseline frame standing at loop header hint into opt.
// It fails when opt has no entry there or a register the entry expects to
// hold an int32 does not.
func (vm *VM) tryOSREntry(f *frame, opt *codeblock.CodeBlock, hint int) bool {
	if !vm.opts.OSR.UseOSREntry || opt == nil || opt.IsJettisoned() || opt.Alternative() != f.cb {
		return false
	}
	entry, ok := opt.OSREntryFor(hint)
	if !ok {
		return false
	}
	for _, r := range entry.Int32Registers {
		if _, ok := f.regs[r].(int32); !ok {
			vm.log.Debugf("%s: no OSR entry at bc#%d, r%d is not int32", opt, hint, r)
			return false
		}
	}
	// Frames that exit again may re-enter at a later loop header.
	f.cb.OptimizeAfterWarmUp()
	f.switchTo(opt)
	f.osrEntered = true
	vm.stats.osrEntries.Add(1)
	vm.record(opt, profilerdb.EventOSREntry, fmt.Sprintf("bc#%d", hint))
	return true
}

// osrExit moves f from optimized code to its alternative at the exit's
// bytecode index. Exits are counted; once they pass the reoptimization
// threshold the optimized block is jettisoned.
func (vm *VM) osrExit(f *frame, index int) {
	opt := f.cb
	exit := opt.OSRExit(index)
	reoptimize := opt.CountExit(exit)
	if f.osrEntered && opt.ShouldReoptimizeFromLoopNow() {
		reoptimize = true
	}
	vm.stats.osrExits.Add(1)
	vm.log.Debugf("%s: %s", opt, exit)
	vm.record(opt, profilerdb.EventOSRExit, exit.String())

	f.switchTo(opt.Alternative())
	f.pc = exit.BytecodeIndex

	if reoptimize && !opt.IsJettisoned() {
		vm.stats.reoptimizations.Add(1)
		opt.Jettison(codeblock.JettisonDueToOSRExit)
	}
}
