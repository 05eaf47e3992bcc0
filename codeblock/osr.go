package codeblock

import (
	"fmt"

	"github.com/chazu/tierup/runtime"
)

// RecoveryKind says how to undo a speculative operation before exiting.
type RecoveryKind uint8

const (
	NoRecovery RecoveryKind = iota
	// SpeculativeAdd undoes an int32 add that was performed in place before
	// its overflow check: dst = dst - src.
	SpeculativeAdd
)

// SpeculationRecovery restores interpreter state clobbered by speculative code.
type SpeculationRecovery struct {
	Kind RecoveryKind
	Dest int
	Src  int
}

// OSRExit is one point where optimized code may bail to the alternative.
type OSRExit struct {
	BytecodeIndex int
	Kind          ExitKind
	Recovery      SpeculationRecovery

	count uint32
}

// Count returns how many times this exit was taken.
func (e *OSRExit) Count() uint32 {
	return e.count
}

func (e *OSRExit) String() string {
	return fmt.Sprintf("exit bc#%d %s (%d)", e.BytecodeIndex, e.Kind, e.count)
}

// OSREntry is a loop header at which a running baseline frame may transfer
// into optimized code. Registers listed in Int32Registers must hold int32
// values for the entry to be taken.
type OSREntry struct {
	BytecodeIndex  int
	Int32Registers []int
}

// CheckKind is the kind of a speculation check.
type CheckKind uint8

const (
	CheckFunction   CheckKind = iota // register holds exactly Function
	CheckExecutable                  // register holds a function of Executable
	CheckStructure                   // register holds an object with Structure
	CheckInt32                       // register holds an int32
	CheckArray                       // register holds an array with Indexing
)

func (k CheckKind) String() string {
	switch k {
	case CheckFunction:
		return "CheckFunction"
	case CheckExecutable:
		return "CheckExecutable"
	case CheckStructure:
		return "CheckStructure"
	case CheckInt32:
		return "CheckInt32"
	case CheckArray:
		return "CheckArray"
	}
	return fmt.Sprintf("CheckKind(%d)", uint8(k))
}

// SpeculationCheck guards one assumption of optimized code. A failed check
// takes the OSR exit at ExitIndex.
type SpeculationCheck struct {
	Kind       CheckKind
	Register   int
	Function   *runtime.FunctionObject
	Executable *Executable
	Structure  *runtime.Structure
	Indexing   runtime.IndexingType
	ExitIndex  int
}

// Passes evaluates the check against v.
func (c *SpeculationCheck) Passes(v runtime.Value) bool {
	switch c.Kind {
	case CheckFunction:
		f, ok := v.(*runtime.FunctionObject)
		return ok && f == c.Function
	case CheckExecutable:
		f, ok := v.(*runtime.FunctionObject)
		if !ok {
			return false
		}
		exe, ok := f.Executable().(*Executable)
		return ok && exe == c.Executable
	case CheckStructure:
		o, ok := v.(*runtime.Object)
		return ok && o.Structure() == c.Structure
	case CheckInt32:
		_, ok := v.(int32)
		return ok
	case CheckArray:
		o, ok := v.(*runtime.Object)
		return ok && o.Structure().IndexingType() == c.Indexing
	}
	return false
}

func (c *SpeculationCheck) String() string {
	return fmt.Sprintf("%s r%d -> exit %d", c.Kind, c.Register, c.ExitIndex)
}

// OptimizedOp is what optimized code does at one bytecode index beyond the
// generic semantics of the instruction.
type OptimizedOp struct {
	// Checks run before the instruction.
	Checks []SpeculationCheck

	// SpeculativeAddExit is the exit taken when an int32 add overflows, or -1.
	SpeculativeAddExit int

	// Constant replaces a global variable load.
	Constant    runtime.Value
	HasConstant bool
}

// JITCode is the product of an optimizing compilation.
type JITCode struct {
	Ops map[int]*OptimizedOp

	// Weak references whose death invalidates the code.
	WeakReferences []any
}

// NewJITCode returns empty optimized code.
func NewJITCode() *JITCode {
	return &JITCode{Ops: make(map[int]*OptimizedOp)}
}

// Op returns the optimized op at bytecodeIndex, creating it.
func (j *JITCode) Op(bytecodeIndex int) *OptimizedOp {
	op := j.Ops[bytecodeIndex]
	if op == nil {
		op = &OptimizedOp{SpeculativeAddExit: -1}
		j.Ops[bytecodeIndex] = op
	}
	return op
}

// At returns the optimized op at bytecodeIndex, or nil.
func (j *JITCode) At(bytecodeIndex int) *OptimizedOp {
	return j.Ops[bytecodeIndex]
}

// NumberOfChecks counts every speculation check.
func (j *JITCode) NumberOfChecks() int {
	n := 0
	for _, op := range j.Ops {
		n += len(op.Checks)
	}
	return n
}
