package vm

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Assembler: building code cells from Go
// ---------------------------------------------------------------------------

// Sym is a literal that assembles to an interned symbol.
type Sym string

// SelfRef is a literal that assembles to the code cell being built, for
// directly recursive blocks.
type SelfRef struct{}

// Assembler accumulates instructions and literals for one code cell.
// Jumps name labels that are resolved when the code is assembled.
//
// Supported literals are nil (the empty list), bool, int, int64, float64,
// rune, string, Sym, SelfRef and *Assembler (a nested code cell).
type Assembler struct {
	Arity  int
	Kind   CodeKind
	Locals int // raised to cover every LOAD and STORE

	instrs []uint64
	lits   []any
	labels map[string]int
	fixups []fixup
	err    error
}

type fixup struct {
	pc    int
	label string
}

// NewAssembler starts a code cell taking arity arguments.
func NewAssembler(arity int, kind CodeKind) *Assembler {
	return &Assembler{Arity: arity, Kind: kind, labels: make(map[string]int)}
}

// Func is shorthand for a function assembler.
func Func(arity int) *Assembler { return NewAssembler(arity, KindFunction) }

// Proc is shorthand for a procedure assembler.
func Proc(arity int) *Assembler { return NewAssembler(arity, KindProcedure) }

func (as *Assembler) fail(format string, args ...any) {
	if as.err == nil {
		as.err = fmt.Errorf(format, args...)
	}
}

// PC returns the index of the next instruction.
func (as *Assembler) PC() int { return len(as.instrs) }

// Emit appends one instruction.
func (as *Assembler) Emit(op Opcode, a int, b int32) *Assembler {
	if !op.Valid() {
		as.fail("pc %d: unknown opcode %#x", len(as.instrs), byte(op))
	}
	if a < 0 || a > MaxOperandA {
		as.fail("pc %d: %s operand %d out of range", len(as.instrs), op, a)
	}
	if op == OpLoad || op == OpStore {
		as.Locals = max(as.Locals, a+1)
	}
	as.instrs = append(as.instrs, Encode(op, a, b))
	return as
}

// Op appends an instruction without operands.
func (as *Assembler) Op(op Opcode) *Assembler { return as.Emit(op, 0, 0) }

// OpA appends an instruction using operand a.
func (as *Assembler) OpA(op Opcode, a int) *Assembler { return as.Emit(op, a, 0) }

// Label marks the next instruction.
func (as *Assembler) Label(name string) *Assembler {
	if _, dup := as.labels[name]; dup {
		as.fail("label %q defined twice", name)
	}
	as.labels[name] = len(as.instrs)
	return as
}

// Jump appends a JUMP, JUMP_FALSE or TRY to label.
func (as *Assembler) Jump(op Opcode, label string) *Assembler {
	if op.Info().Operands&useTarget == 0 {
		as.fail("pc %d: %s takes no target", len(as.instrs), op)
	}
	as.fixups = append(as.fixups, fixup{pc: len(as.instrs), label: label})
	return as.Emit(op, 0, 0)
}

// PushInt pushes an integer, inline when it fits the b operand.
func (as *Assembler) PushInt(v int64) *Assembler {
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		return as.Emit(OpPushInt, 0, int32(v))
	}
	return as.PushLit(v)
}

// PushLit adds a literal and pushes it.
func (as *Assembler) PushLit(v any) *Assembler {
	return as.OpA(OpPushLit, as.Literal(v))
}

// Literal adds a literal and returns its index without emitting code.
func (as *Assembler) Literal(v any) int {
	switch v.(type) {
	case nil, bool, int, int64, float64, rune, string, Sym, SelfRef, *Assembler:
	default:
		as.fail("unsupported literal %T", v)
	}
	as.lits = append(as.lits, v)
	return len(as.lits) - 1
}

// Load pushes local i.
func (as *Assembler) Load(i int) *Assembler { return as.OpA(OpLoad, i) }

// Store pops into local i.
func (as *Assembler) Store(i int) *Assembler { return as.OpA(OpStore, i) }

// Call calls the callable below argc arguments.
func (as *Assembler) Call(argc int) *Assembler { return as.OpA(OpCall, argc) }

// Escape calls escape code with argc arguments.
func (as *Assembler) Escape(code, argc int) *Assembler {
	return as.Emit(OpEscape, code, int32(argc))
}

// Receive takes the next message. With a timeout, the timeout in
// milliseconds must be on the stack.
func (as *Assembler) Receive(timeout, peek bool) *Assembler {
	var a int
	var b int32
	if timeout {
		a = 1
	}
	if peek {
		b = 1
	}
	return as.Emit(OpReceive, a, b)
}

// Err returns the first error recorded while building.
func (as *Assembler) Err() error { return as.err }

// Assemble resolves labels and allocates the code cell with its literals.
func (as *Assembler) Assemble(vm *VM) (Ref, error) {
	if as.err != nil {
		return NoRef, as.err
	}
	if as.Arity < 0 || as.Arity > MaxArity {
		return NoRef, fmt.Errorf("arity %d out of range", as.Arity)
	}
	if len(as.lits) > MaxOperandA {
		return NoRef, fmt.Errorf("%d literals exceed the operand range", len(as.lits))
	}
	instrs := append([]uint64(nil), as.instrs...)
	for _, f := range as.fixups {
		target, ok := as.labels[f.label]
		if !ok {
			return NoRef, fmt.Errorf("pc %d: undefined label %q", f.pc, f.label)
		}
		op, a, _ := Decode(instrs[f.pc])
		instrs[f.pc] = Encode(op, a, int32(target))
	}

	h := vm.Heap
	meta := CodeMeta{Arity: as.Arity, Kind: as.Kind, Locals: max(as.Locals, as.Arity)}
	code := h.NewCode(instrs, len(as.lits), meta, NoRef)
	h.PushRoot(&code)
	defer h.PopRoot(&code)
	for i, lit := range as.lits {
		v, err := as.literal(vm, lit, code)
		if err != nil {
			return NoRef, fmt.Errorf("literal %d: %w", i, err)
		}
		h.SetCodeLiteral(code, i, v)
	}
	return code, nil
}

// MustAssemble is Assemble for code known to be well formed.
func (as *Assembler) MustAssemble(vm *VM) Ref {
	r, err := as.Assemble(vm)
	if err != nil {
		panic(err)
	}
	return r
}

func (as *Assembler) literal(vm *VM, lit any, self Ref) (Ref, error) {
	h := vm.Heap
	switch v := lit.(type) {
	case nil:
		return vm.Nil(), nil
	case bool:
		return vm.Bool(v), nil
	case int:
		return h.NewInt(int64(v)), nil
	case int64:
		return h.NewInt(v), nil
	case float64:
		return h.NewFloat(v), nil
	case rune:
		return h.NewChar(v), nil
	case string:
		return h.NewString(v), nil
	case Sym:
		return vm.Symbol(string(v)), nil
	case SelfRef:
		return self, nil
	case *Assembler:
		if v == as {
			return self, nil
		}
		return v.Assemble(vm)
	}
	return NoRef, fmt.Errorf("unsupported literal %T", lit)
}
