package codeblock

import (
	"sync/atomic"

	"github.com/chazu/tierup/bytecode"
	"github.com/chazu/tierup/config"
	"github.com/chazu/tierup/runtime"
)

// Executable owns the unlinked code of one function, program or eval unit
// and the current CodeBlock for each specialization kind. Function objects
// refer to it as their runtime.ExecutableRef.
type Executable struct {
	code     *bytecode.UnlinkedCode
	global   *runtime.GlobalObject
	opts     *config.Options
	observer Observer

	current [2]atomic.Pointer[CodeBlock]
}

// NewExecutable wraps code. global resolves global variable instructions.
func NewExecutable(code *bytecode.UnlinkedCode, global *runtime.GlobalObject, opts *config.Options) *Executable {
	if opts == nil {
		opts = config.Default()
	}
	return &Executable{code: code, global: global, opts: opts}
}

// SetObserver registers the receiver of install and jettison events.
func (e *Executable) SetObserver(o Observer) { e.observer = o }

func (e *Executable) Name() string                     { return e.code.Name }
func (e *Executable) NumParameters() int               { return e.code.NumParameters }
func (e *Executable) CodeType() bytecode.CodeType      { return e.code.CodeType }
func (e *Executable) Unlinked() *bytecode.UnlinkedCode { return e.code }
func (e *Executable) Global() *runtime.GlobalObject    { return e.global }
func (e *Executable) Options() *config.Options         { return e.opts }

// CodeBlockFor returns the current code block for kind, or nil before the
// first PrepareForExecution.
func (e *Executable) CodeBlockFor(kind SpecializationKind) *CodeBlock {
	return e.current[kind].Load()
}

// PrepareForExecution returns the current code block for kind, creating the
// interpreter tier on first use.
func (e *Executable) PrepareForExecution(kind SpecializationKind) *CodeBlock {
	if cb := e.current[kind].Load(); cb != nil {
		return cb
	}
	cb := New(e, kind)
	if !e.current[kind].CompareAndSwap(nil, cb) {
		return e.current[kind].Load()
	}
	log.Debugf("%s: prepared for execution", cb)
	if e.observer != nil {
		e.observer.CodeBlockInstalled(cb)
	}
	return cb
}

// InstallCode makes cb the current code for its kind. Call sites linked to
// the previous block are unlinked so they relink to cb.
func (e *Executable) InstallCode(cb *CodeBlock) {
	old := e.current[cb.kind].Swap(cb)
	if old == cb {
		return
	}
	if old != nil {
		old.UnlinkIncomingCalls()
	}
	log.Infof("%s: installed", cb)
	if e.observer != nil {
		e.observer.CodeBlockInstalled(cb)
	}
}
