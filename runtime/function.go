package runtime

import (
	"fmt"
	"sort"
	"sync"

	"github.com/chazu/tierup/watchpoint"
)

// ExecutableRef is the code a FunctionObject runs. The codeblock package
// provides the bytecode implementation; host functions have none.
type ExecutableRef interface {
	Name() string
}

// HostFunc is a function implemented in Go.
type HostFunc func(this Value, args []Value) (Value, error)

// FunctionObject is a callee. Several function objects (closures) may share
// one executable; call inline caches distinguish "same callee" from "same code".
type FunctionObject struct {
	name       string
	executable ExecutableRef
	host       HostFunc
}

// NewFunction creates a function object running executable.
func NewFunction(executable ExecutableRef) *FunctionObject {
	return &FunctionObject{name: executable.Name(), executable: executable}
}

// NewHostFunction creates a function implemented in Go.
func NewHostFunction(name string, fn HostFunc) *FunctionObject {
	return &FunctionObject{name: name, host: fn}
}

func (f *FunctionObject) Name() string { return f.name }

// Executable returns the bytecode executable, or nil for host functions.
func (f *FunctionObject) Executable() ExecutableRef { return f.executable }

// Host returns the Go implementation, or nil for bytecode functions.
func (f *FunctionObject) Host() HostFunc { return f.host }

// IsHostFunction reports whether the callee is implemented in Go.
func (f *FunctionObject) IsHostFunction() bool { return f.host != nil }

func (f *FunctionObject) String() string {
	if f.IsHostFunction() {
		return fmt.Sprintf("host function %s", f.name)
	}
	return fmt.Sprintf("function %s", f.name)
}

// GlobalVariable is a named global slot. Its watchpoint set lets compiled code
// constant-fold the value while it has never been reassigned.
type GlobalVariable struct {
	name string

	mu    sync.Mutex
	value Value
	set   *watchpoint.Set
}

// Name returns the variable's name.
func (v *GlobalVariable) Name() string { return v.name }

// Get returns the current value.
func (v *GlobalVariable) Get() Value {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Set stores a value. The first store starts watching; a later store of a
// different value invalidates every compiled assumption about the variable.
func (v *GlobalVariable) Set(value Value) {
	v.mu.Lock()
	same := v.set.State() != watchpoint.ClearWatchpoint && StrictEqual(v.value, value)
	v.value = value
	v.mu.Unlock()
	if same {
		return
	}
	v.set.Touch(fmt.Sprintf("store to global %q", v.name))
}

// WatchpointSet guards "this variable still holds its first value".
func (v *GlobalVariable) WatchpointSet() *watchpoint.Set {
	return v.set
}

// GlobalObject holds global variables.
type GlobalObject struct {
	mu   sync.Mutex
	vars map[string]*GlobalVariable
}

// NewGlobalObject creates an empty global scope.
func NewGlobalObject() *GlobalObject {
	return &GlobalObject{vars: make(map[string]*GlobalVariable)}
}

// Variable returns the named variable, creating it as undefined.
func (g *GlobalObject) Variable(name string) *GlobalVariable {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.vars[name]; ok {
		return v
	}
	v := &GlobalVariable{
		name:  name,
		value: Undefined,
		set:   watchpoint.NewSet("global."+name, watchpoint.ClearWatchpoint),
	}
	g.vars[name] = v
	return v
}

// Variables returns every variable created so far, sorted by name.
func (g *GlobalObject) Variables() []*GlobalVariable {
	g.mu.Lock()
	vars := make([]*GlobalVariable, 0, len(g.vars))
	for _, v := range g.vars {
		vars = append(vars, v)
	}
	g.mu.Unlock()
	sort.Slice(vars, func(i, j int) bool { return vars[i].name < vars[j].name })
	return vars
}
