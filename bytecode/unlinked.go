package bytecode

import (
	"fmt"
	"strings"

	"github.com/chazu/tierup/runtime"
)

// CodeType distinguishes the three kinds of code units.
type CodeType uint8

const (
	FunctionCode CodeType = iota
	GlobalCode
	EvalCode
)

func (t CodeType) String() string {
	switch t {
	case FunctionCode:
		return "function"
	case GlobalCode:
		return "global"
	case EvalCode:
		return "eval"
	}
	return "unknown"
}

// CodeFlags are the static properties of a code unit.
type CodeFlags uint8

const (
	IsConstructor CodeFlags = 1 << iota
	NeedsFullScopeChain
	UsesEval
	IsStrictMode
)

// HandlerInfo covers [Start, End) with a catch target. The thrown value is
// stored in Register before jumping to Target.
type HandlerInfo struct {
	Start, End int
	Target     int
	Register   int
}

// SwitchTable maps small integers to jump targets. Targets[i] is the target for
// Min+i; -1 means "use the default".
type SwitchTable struct {
	Min     int32
	Targets []int
}

// Target returns the jump target for v, or -1.
func (t SwitchTable) Target(v int32) int {
	i := int64(v) - int64(t.Min)
	if i < 0 || i >= int64(len(t.Targets)) {
		return -1
	}
	return t.Targets[i]
}

// UnlinkedCode is the immutable output of the bytecode generator. Every tier of
// the same function shares one UnlinkedCode.
type UnlinkedCode struct {
	Name          string
	CodeType      CodeType
	Flags         CodeFlags
	NumParameters int // including 'this' in register 0
	NumRegisters  int
	Instructions  []Instruction
	Constants     []runtime.Value
	Handlers      []HandlerInfo
	SwitchTables  []SwitchTable
	RegExps       []string
}

// Has reports whether all of f are set.
func (u *UnlinkedCode) Has(f CodeFlags) bool {
	return u.Flags&f == f
}

// InstructionCount returns the number of instructions.
func (u *UnlinkedCode) InstructionCount() int {
	return len(u.Instructions)
}

// ConstantString returns constants[i] as a property or variable name.
func (u *UnlinkedCode) ConstantString(i int) string {
	s, _ := u.Constants[i].(string)
	return s
}

// Disassemble renders the instruction stream, one instruction per line.
func (u *UnlinkedCode) Disassemble() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s <%s> params=%d regs=%d\n", u.Name, u.CodeType, u.NumParameters, u.NumRegisters)
	for i, in := range u.Instructions {
		fmt.Fprintf(&sb, "  [%4d] %s\n", i, in)
	}
	if len(u.Constants) > 0 {
		sb.WriteString("  constants:\n")
		for i, c := range u.Constants {
			fmt.Fprintf(&sb, "    k%d = %s\n", i, runtime.ToString(c))
		}
	}
	return sb.String()
}
