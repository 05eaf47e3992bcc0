package worklist

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/tierup/codeblock"
)

// VM is what the worklist needs from the VM that owns a plan.
type VM interface {
	// DeferGC suspends collection until the returned function is called.
	DeferGC() func()
}

// Mode is the kind of compilation a plan performs.
type Mode uint8

const (
	ModeOptimize Mode = iota // optimized code entered at function entry
	ModeOSREntry             // optimized code requested from a hot loop
)

func (m Mode) String() string {
	if m == ModeOSREntry {
		return "osr-entry"
	}
	return "optimize"
}

// Key identifies a plan. At most one plan per key is known to a worklist.
type Key struct {
	VM        VM
	CodeBlock *codeblock.CodeBlock
	Mode      Mode
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.CodeBlock, k.Mode)
}

// Stage is the lifecycle of a plan.
type Stage uint32

const (
	Unqueued Stage = iota
	Queued
	Compiling
	Ready
	Finalized
	Cancelled
)

var stageNames = [...]string{
	Unqueued:  "Unqueued",
	Queued:    "Queued",
	Compiling: "Compiling",
	Ready:     "Ready",
	Finalized: "Finalized",
	Cancelled: "Cancelled",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", uint32(s))
}

// CompileFunc is the expensive part of a plan. It runs on a compiler thread
// without any worklist lock held. A non-nil error or a panic fails the plan.
type CompileFunc func(p *Plan) error

// Callback finalizes a plan on the VM's thread. result is
// CompilationSuccessful or CompilationFailed; the callback installs or
// discards the code.
type Callback func(p *Plan, result codeblock.CompilationResult)

// Plan is one queued compilation.
type Plan struct {
	id      uuid.UUID
	key     Key
	compile CompileFunc
	done    Callback

	stage atomic.Uint32

	// Written by the compiling thread before the plan becomes ready.
	result      codeblock.CompilationResult
	err         error
	compileTime time.Duration

	enqueuedAt time.Time
}

// NewPlan creates an unqueued plan.
func NewPlan(key Key, compile CompileFunc, done Callback) *Plan {
	return &Plan{id: uuid.New(), key: key, compile: compile, done: done}
}

func (p *Plan) ID() uuid.UUID { return p.id }
func (p *Plan) Key() Key      { return p.key }
func (p *Plan) Stage() Stage  { return Stage(p.stage.Load()) }

// Err returns why compilation failed. Valid once the plan is ready.
func (p *Plan) Err() error { return p.err }

// Result returns the compile step's outcome. Valid once the plan is ready.
func (p *Plan) Result() codeblock.CompilationResult { return p.result }

// CompileTime returns how long the compile step took.
func (p *Plan) CompileTime() time.Duration { return p.compileTime }

// EnqueuedAt returns when the plan was queued.
func (p *Plan) EnqueuedAt() time.Time { return p.enqueuedAt }

func (p *Plan) String() string {
	return fmt.Sprintf("plan %s (%s, %s)", p.id, p.key, p.Stage())
}

func (p *Plan) setStage(s Stage) { p.stage.Store(uint32(s)) }

// run executes the compile step, turning a panic into a failure.
func (p *Plan) run() (result codeblock.CompilationResult) {
	start := time.Now()
	defer func() {
		p.compileTime = time.Since(start)
		if r := recover(); r != nil {
			p.err = fmt.Errorf("worklist: compile of %s panicked: %v", p.key, r)
			result = codeblock.CompilationFailed
		}
	}()
	if err := p.compile(p); err != nil {
		p.err = err
		return codeblock.CompilationFailed
	}
	return codeblock.CompilationSuccessful
}

func (p *Plan) finalize() {
	p.setStage(Finalized)
	if p.done != nil {
		p.done(p, p.result)
	}
}
