// Package bytecode defines the register-based instruction stream handed to the
// tiering core by the bytecode generator.
//
// A bytecode offset is an instruction index. Every profiling slot, inline cache
// record and OSR exit is keyed by it.
package bytecode

import "fmt"

// Opcode identifies an instruction.
type Opcode uint8

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

const (
	OpEnter        Opcode = iota // function prologue
	OpLoadConst                  // A = constants[B]
	OpMov                        // A = B
	OpAdd                        // A = B + C
	OpSub                        // A = B - C
	OpLess                       // A = B < C
	OpJump                       // goto A
	OpJumpIfFalse                // if !A goto B
	OpJumpIfTrue                 // if A goto B
	OpLoopHint                   // loop header marker; tier-up and OSR entry point
	OpCall                       // A = B(this=undefined, args C..C+D)
	OpConstruct                  // A = new B(args C..C+D)
	OpNewObject                  // A = {}
	OpNewArray                   // A = [C..C+B)
	OpGetById                    // A = B.constants[C]
	OpPutById                    // A.constants[B] = C; D != 0 means direct (own) store
	OpGetByVal                   // A = B[C]
	OpPutByVal                   // A[B] = C
	OpGetGlobalVar               // A = global constants[B]
	OpPutGlobalVar               // global constants[A] = B
	OpNewRegExp                  // A = regexps[B]
	OpSwitchImm                  // switch on int A using table B, default C
	OpThrow                      // throw A
	OpDebugger                   // debugger statement
	OpRet                        // return A

	numOpcodes
)

// Flags describe which profiling and caching records an opcode carries.
type Flags uint16

const (
	HasValueProfile Flags = 1 << iota
	HasArrayProfile
	HasRareCaseProfile
	HasCallLinkInfo
	HasPropertyCache
	IsJump
	IsTerminal
)

// OpcodeInfo is the static description of an opcode.
type OpcodeInfo struct {
	Name     string
	Operands int
	Flags    Flags
}

var opcodeInfos = [numOpcodes]OpcodeInfo{
	OpEnter:        {"enter", 0, 0},
	OpLoadConst:    {"load_const", 2, 0},
	OpMov:          {"mov", 2, 0},
	OpAdd:          {"add", 3, HasRareCaseProfile},
	OpSub:          {"sub", 3, HasRareCaseProfile},
	OpLess:         {"less", 3, 0},
	OpJump:         {"jmp", 1, IsJump | IsTerminal},
	OpJumpIfFalse:  {"jfalse", 2, IsJump},
	OpJumpIfTrue:   {"jtrue", 2, IsJump},
	OpLoopHint:     {"loop_hint", 0, 0},
	OpCall:         {"call", 4, HasValueProfile | HasCallLinkInfo},
	OpConstruct:    {"construct", 4, HasValueProfile | HasCallLinkInfo},
	OpNewObject:    {"new_object", 1, 0},
	OpNewArray:     {"new_array", 3, 0},
	OpGetById:      {"get_by_id", 3, HasValueProfile | HasPropertyCache},
	OpPutById:      {"put_by_id", 4, HasPropertyCache},
	OpGetByVal:     {"get_by_val", 3, HasValueProfile | HasArrayProfile},
	OpPutByVal:     {"put_by_val", 3, HasArrayProfile},
	OpGetGlobalVar: {"get_global_var", 2, HasValueProfile},
	OpPutGlobalVar: {"put_global_var", 2, 0},
	OpNewRegExp:    {"new_regexp", 2, 0},
	OpSwitchImm:    {"switch_imm", 3, IsJump | IsTerminal},
	OpThrow:        {"throw", 1, IsTerminal},
	OpDebugger:     {"debugger", 0, 0},
	OpRet:          {"ret", 1, IsTerminal},
}

// Info returns the static description of op.
func (op Opcode) Info() OpcodeInfo {
	if op >= numOpcodes {
		return OpcodeInfo{Name: fmt.Sprintf("op#%d", op)}
	}
	return opcodeInfos[op]
}

func (op Opcode) String() string {
	return op.Info().Name
}

// Has reports whether op carries all of f.
func (op Opcode) Has(f Flags) bool {
	return op.Info().Flags&f == f
}

// Instruction is one decoded instruction. Unused operands are zero.
type Instruction struct {
	Op         Opcode
	A, B, C, D int
}

// Operands returns the used operands in order.
func (in Instruction) Operands() []int {
	all := [4]int{in.A, in.B, in.C, in.D}
	return all[:in.Op.Info().Operands]
}

func (in Instruction) String() string {
	s := in.Op.String()
	for i, o := range in.Operands() {
		if i == 0 {
			s += " "
		} else {
			s += ", "
		}
		s += fmt.Sprint(o)
	}
	return s
}
