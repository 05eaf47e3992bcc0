package bytecode

import (
	"github.com/chazu/tierup/runtime"
)

// Builder assembles an UnlinkedCode. Registers 0..numParameters-1 hold 'this'
// and the arguments; Reg allocates the rest.
type Builder struct {
	code    UnlinkedCode
	nextReg int
	consts  map[any]int
	pending []pendingLabel
}

// NewBuilder starts a function with numParameters parameters (including 'this').
func NewBuilder(name string, numParameters int) *Builder {
	b := &Builder{
		code: UnlinkedCode{
			Name:          name,
			NumParameters: numParameters,
		},
		nextReg: numParameters,
		consts:  make(map[any]int),
	}
	b.Emit(OpEnter)
	return b
}

// SetCodeType overrides the default FunctionCode.
func (b *Builder) SetCodeType(t CodeType) *Builder {
	b.code.CodeType = t
	return b
}

// SetFlags sets static code flags.
func (b *Builder) SetFlags(f CodeFlags) *Builder {
	b.code.Flags |= f
	return b
}

// Reg allocates a fresh register.
func (b *Builder) Reg() int {
	r := b.nextReg
	b.nextReg++
	return r
}

// Param returns the register of the i'th declared argument (0-based, after 'this').
func (b *Builder) Param(i int) int {
	return i + 1
}

// Const interns a constant and returns its index.
func (b *Builder) Const(v runtime.Value) int {
	key := v
	switch v.(type) {
	case int32, float64, string, bool:
	default:
		// Reference constants are never shared.
		b.code.Constants = append(b.code.Constants, v)
		return len(b.code.Constants) - 1
	}
	if i, ok := b.consts[key]; ok {
		return i
	}
	b.code.Constants = append(b.code.Constants, v)
	i := len(b.code.Constants) - 1
	b.consts[key] = i
	return i
}

// Offset returns the offset the next instruction will have.
func (b *Builder) Offset() int {
	return len(b.code.Instructions)
}

// Emit appends an instruction and returns its offset.
func (b *Builder) Emit(op Opcode, operands ...int) int {
	in := Instruction{Op: op}
	fields := [4]*int{&in.A, &in.B, &in.C, &in.D}
	if len(operands) > len(fields) {
		panic("bytecode: too many operands for " + op.String())
	}
	for i, o := range operands {
		*fields[i] = o
	}
	b.code.Instructions = append(b.code.Instructions, in)
	return len(b.code.Instructions) - 1
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label is a jump target that may be referenced before it is placed.
type Label struct {
	resolved bool
	target   int
	refs     []labelRef
}

type labelRef struct {
	offset  int
	operand int // 0 for A, 1 for B, 2 for C
}

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel() *Label {
	return &Label{}
}

// Mark resolves label to the next instruction offset and patches references.
func (b *Builder) Mark(label *Label) {
	if label.resolved {
		panic("bytecode: label already resolved")
	}
	label.resolved = true
	label.target = b.Offset()
	for _, ref := range label.refs {
		b.patch(ref, label.target)
	}
	label.refs = nil
}

func (b *Builder) patch(ref labelRef, target int) {
	in := &b.code.Instructions[ref.offset]
	switch ref.operand {
	case 0:
		in.A = target
	case 1:
		in.B = target
	case 2:
		in.C = target
	}
}

func (b *Builder) jumpTo(label *Label, offset, operand int) {
	if label.resolved {
		b.patch(labelRef{offset, operand}, label.target)
		return
	}
	label.refs = append(label.refs, labelRef{offset, operand})
	b.pending = append(b.pending, pendingLabel{label, func(int) {}})
}

// Jump emits an unconditional jump.
func (b *Builder) Jump(label *Label) {
	b.jumpTo(label, b.Emit(OpJump, 0), 0)
}

// JumpIfFalse emits a conditional jump taken when cond is falsy.
func (b *Builder) JumpIfFalse(cond int, label *Label) {
	b.jumpTo(label, b.Emit(OpJumpIfFalse, cond, 0), 1)
}

// JumpIfTrue emits a conditional jump taken when cond is truthy.
func (b *Builder) JumpIfTrue(cond int, label *Label) {
	b.jumpTo(label, b.Emit(OpJumpIfTrue, cond, 0), 1)
}

// ---------------------------------------------------------------------------
// Convenience emitters
// ---------------------------------------------------------------------------

// LoadConst emits dst = v.
func (b *Builder) LoadConst(dst int, v runtime.Value) {
	b.Emit(OpLoadConst, dst, b.Const(v))
}

// GetById emits dst = base.name.
func (b *Builder) GetById(dst, base int, name string) {
	b.Emit(OpGetById, dst, base, b.Const(name))
}

// PutById emits base.name = value.
func (b *Builder) PutById(base int, name string, value int) {
	b.Emit(OpPutById, base, b.Const(name), value, 0)
}

// PutByIdDirect emits an own-property store that ignores the prototype chain.
func (b *Builder) PutByIdDirect(base int, name string, value int) {
	b.Emit(OpPutById, base, b.Const(name), value, 1)
}

// GetGlobal emits dst = global name.
func (b *Builder) GetGlobal(dst int, name string) {
	b.Emit(OpGetGlobalVar, dst, b.Const(name))
}

// PutGlobal emits global name = src.
func (b *Builder) PutGlobal(name string, src int) {
	b.Emit(OpPutGlobalVar, b.Const(name), src)
}

// Call emits dst = callee(args...). Arguments must be in consecutive registers
// starting at first.
func (b *Builder) Call(dst, callee, first, argc int) {
	b.Emit(OpCall, dst, callee, first, argc)
}

// Args allocates n consecutive registers for call arguments.
func (b *Builder) Args(n int) int {
	first := b.nextReg
	b.nextReg += n
	return first
}

// RegExp adds a regular expression literal and emits dst = /pattern/.
func (b *Builder) RegExp(dst int, pattern string) {
	b.code.RegExps = append(b.code.RegExps, pattern)
	b.Emit(OpNewRegExp, dst, len(b.code.RegExps)-1)
}

// Switch adds a jump table and emits the switch. Cases map values to labels.
func (b *Builder) Switch(scrutinee int, min int32, cases []*Label, dflt *Label) {
	table := SwitchTable{Min: min, Targets: make([]int, len(cases))}
	b.code.SwitchTables = append(b.code.SwitchTables, table)
	tableIndex := len(b.code.SwitchTables) - 1
	at := b.Emit(OpSwitchImm, scrutinee, tableIndex, 0)
	b.jumpTo(dflt, at, 2)
	for i, l := range cases {
		i := i
		if l == nil {
			b.code.SwitchTables[tableIndex].Targets[i] = -1
			continue
		}
		b.onResolve(l, func(target int) { b.code.SwitchTables[tableIndex].Targets[i] = target })
	}
}

// Try covers the instructions emitted by body with a handler at catch.
func (b *Builder) Try(body func(), catch *Label, exceptionReg int) {
	start := b.Offset()
	body()
	end := b.Offset()
	h := HandlerInfo{Start: start, End: end, Register: exceptionReg}
	b.code.Handlers = append(b.code.Handlers, h)
	i := len(b.code.Handlers) - 1
	b.onResolve(catch, func(target int) { b.code.Handlers[i].Target = target })
}

// onResolve runs fn with the label's target now or when it is marked.
func (b *Builder) onResolve(l *Label, fn func(target int)) {
	if l.resolved {
		fn(l.target)
		return
	}
	b.pending = append(b.pending, pendingLabel{l, fn})
}

type pendingLabel struct {
	label *Label
	fn    func(int)
}

// Build finishes the code unit. Unresolved labels panic.
func (b *Builder) Build() *UnlinkedCode {
	for _, p := range b.pending {
		if !p.label.resolved {
			panic("bytecode: unresolved label")
		}
		p.fn(p.label.target)
	}
	b.code.NumRegisters = b.nextReg
	code := b.code
	return &code
}
