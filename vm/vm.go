// Package vm runs bytecode on the tiered engine: an interpreter covering all
// three tiers, the heap that drives code block finalization, and the tier-up
// driver that moves hot code from interpreter to baseline to optimized code
// and back.
package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/tierup/bytecode"
	"github.com/chazu/tierup/codeblock"
	"github.com/chazu/tierup/config"
	"github.com/chazu/tierup/profilerdb"
	"github.com/chazu/tierup/runtime"
	"github.com/chazu/tierup/worklist"
)

var log = commonlog.GetLogger("tierup.vm")

var (
	// ErrNotCallable is returned when a call or construct targets a value that
	// is not a function.
	ErrNotCallable = errors.New("vm: not callable")

	// ErrStackOverflow is returned when calls nest deeper than MaxCallDepth.
	ErrStackOverflow = errors.New("vm: stack overflow")
)

// MaxCallDepth bounds nested calls.
const MaxCallDepth = 4096

// Exception is a value thrown by bytecode and not caught.
type Exception struct {
	Value runtime.Value
}

func (e *Exception) Error() string {
	return "uncaught exception: " + runtime.ToString(e.Value)
}

// Stats counts tiering events of one VM.
type Stats struct {
	Calls               uint64
	BaselineCompiles    uint64
	OptimizedCompiles   uint64
	FailedCompiles      uint64
	InvalidatedCompiles uint64
	OSREntries          uint64
	OSRExits            uint64
	Jettisons           uint64
	Reoptimizations     uint64
}

type stats struct {
	calls, baselineCompiles, optimizedCompiles, failedCompiles atomic.Uint64
	invalidatedCompiles, osrEntries, osrExits, jettisons       atomic.Uint64
	reoptimizations                                            atomic.Uint64
}

// Option configures a VM.
type Option func(*VM)

// WithLogger replaces the package logger.
func WithLogger(l commonlog.Logger) Option {
	return func(vm *VM) { vm.log = l }
}

// WithJournal records installs, compilations, OSR transitions and jettisons
// in j. The VM does not close j.
func WithJournal(j *profilerdb.Journal) Option {
	return func(vm *VM) { vm.journal = j }
}

// WithGlobal shares a global object instead of creating one.
func WithGlobal(g *runtime.GlobalObject) Option {
	return func(vm *VM) { vm.global = g }
}

// VM is one isolated instance of the engine. Bytecode runs on a single
// thread at a time; compilation may run on the shared worklist's threads.
type VM struct {
	id       uuid.UUID
	opts     *config.Options
	worklist *worklist.Worklist
	heap     *Heap
	global   *runtime.GlobalObject
	log      commonlog.Logger
	journal  *profilerdb.Journal

	objectStructure *runtime.Structure
	arrayStructure  *runtime.Structure

	mu          sync.Mutex
	executables []*codeblock.Executable

	depth  int
	stats  stats
	closed atomic.Bool
}

// New creates a VM. wl may be nil, or opts may ask for zero compiler
// threads; either way optimizing compilations run synchronously on the
// calling thread.
func New(opts *config.Options, wl *worklist.Worklist, options ...Option) *VM {
	if opts == nil {
		opts = config.Default()
	}
	vm := &VM{
		id:   uuid.New(),
		opts: opts,
		log:  log,
	}
	if opts.Worklist.NumberOfCompilerThreads > 0 {
		vm.worklist = wl
	}
	for _, o := range options {
		o(vm)
	}
	if vm.global == nil {
		vm.global = runtime.NewGlobalObject()
	}
	vm.heap = newHeap(vm)
	vm.objectStructure = runtime.NewStructure("Object", runtime.NonArray, nil)
	vm.arrayStructure = runtime.NewStructure("Array", runtime.ArrayWithUndecided, nil)
	vm.log.Infof("vm %s created", vm.id)
	return vm
}

func (vm *VM) ID() uuid.UUID                 { return vm.id }
func (vm *VM) Options() *config.Options      { return vm.opts }
func (vm *VM) Global() *runtime.GlobalObject { return vm.global }
func (vm *VM) Heap() *Heap                   { return vm.heap }

// DeferGC suspends collection until the returned function is called.
func (vm *VM) DeferGC() func() { return vm.heap.DeferGC() }

// NewExecutable wraps code for this VM. Install and jettison events of its
// code blocks are tracked by the heap and the journal.
func (vm *VM) NewExecutable(code *bytecode.UnlinkedCode) *codeblock.Executable {
	exe := codeblock.NewExecutable(code, vm.global, vm.opts)
	exe.SetObserver(vm)
	vm.mu.Lock()
	vm.executables = append(vm.executables, exe)
	vm.mu.Unlock()
	return exe
}

// NewFunction creates a function object running code.
func (vm *VM) NewFunction(code *bytecode.UnlinkedCode) *runtime.FunctionObject {
	return runtime.NewFunction(vm.NewExecutable(code))
}

// NewObject creates an empty plain object.
func (vm *VM) NewObject() *runtime.Object {
	return runtime.NewObject(vm.objectStructure)
}

// NewArray creates an array of elements.
func (vm *VM) NewArray(elements ...runtime.Value) *runtime.Object {
	return runtime.NewArray(vm.arrayStructure, elements...)
}

// Executables returns every executable created by this VM.
func (vm *VM) Executables() []*codeblock.Executable {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]*codeblock.Executable(nil), vm.executables...)
}

// Call invokes f with this and args.
func (vm *VM) Call(f runtime.Value, this runtime.Value, args ...runtime.Value) (runtime.Value, error) {
	return vm.call(f, this, args, codeblock.CodeForCall, nil)
}

// Construct invokes f as a constructor.
func (vm *VM) Construct(f runtime.Value, args ...runtime.Value) (runtime.Value, error) {
	return vm.call(f, nil, args, codeblock.CodeForConstruct, nil)
}

// Run executes program code with this set to undefined.
func (vm *VM) Run(code *bytecode.UnlinkedCode) (runtime.Value, error) {
	return vm.Call(vm.NewFunction(code), runtime.Undefined)
}

// Synchronize finalizes every compilation this VM has queued.
func (vm *VM) Synchronize() {
	if vm.worklist != nil {
		vm.worklist.CompleteAllPlansForVM(vm)
	}
}

// Close abandons this VM's queued compilations. The VM must not run code
// afterwards.
func (vm *VM) Close() {
	if !vm.closed.CompareAndSwap(false, true) {
		return
	}
	if vm.worklist != nil {
		if n := vm.worklist.RemoveAllPlansForVM(vm); n > 0 {
			vm.log.Debugf("vm %s: abandoned %d plans", vm.id, n)
		}
	}
	vm.log.Infof("vm %s closed", vm.id)
}

// Stats returns a copy of the tiering counters.
func (vm *VM) Stats() Stats {
	s := &vm.stats
	return Stats{
		Calls:               s.calls.Load(),
		BaselineCompiles:    s.baselineCompiles.Load(),
		OptimizedCompiles:   s.optimizedCompiles.Load(),
		FailedCompiles:      s.failedCompiles.Load(),
		InvalidatedCompiles: s.invalidatedCompiles.Load(),
		OSREntries:          s.osrEntries.Load(),
		OSRExits:            s.osrExits.Load(),
		Jettisons:           s.jettisons.Load(),
		Reoptimizations:     s.reoptimizations.Load(),
	}
}

// Snapshot captures the profiling state of every code block the heap tracks.
func (vm *VM) Snapshot() *profilerdb.Snapshot {
	return profilerdb.Take(vm.id.String(), vm.heap.CodeBlocks())
}

func (vm *VM) String() string {
	return fmt.Sprintf("vm %s", vm.id)
}

// CodeBlockInstalled implements codeblock.Observer.
func (vm *VM) CodeBlockInstalled(cb *codeblock.CodeBlock) {
	vm.heap.register(cb)
	vm.record(cb, profilerdb.EventInstalled, "")
}

// CodeBlockJettisoned implements codeblock.Observer.
func (vm *VM) CodeBlockJettisoned(cb *codeblock.CodeBlock, reason codeblock.JettisonReason) {
	vm.stats.jettisons.Add(1)
	vm.record(cb, profilerdb.EventJettisoned, reason.String())
}

func (vm *VM) record(cb *codeblock.CodeBlock, kind profilerdb.EventKind, detail string) {
	if vm.journal == nil {
		return
	}
	err := vm.journal.Record(context.Background(), profilerdb.Event{
		VM:        vm.id,
		CodeBlock: cb.ID(),
		Name:      cb.Executable().Name(),
		Tier:      cb.Tier().String(),
		Kind:      kind,
		Detail:    detail,
	})
	if err != nil {
		vm.log.Warningf("journal: %s", err)
	}
}
