package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack and constants
const (
	OpNOP       Opcode = 0x00 // no operation
	OpPushLit   Opcode = 0x01 // push literal a
	OpPushInt   Opcode = 0x02 // push integer b
	OpPushNil   Opcode = 0x03 // push []
	OpPushTrue  Opcode = 0x04 // push true
	OpPushFalse Opcode = 0x05 // push false
	OpPOP       Opcode = 0x06 // discard top of stack
	OpDUP       Opcode = 0x07 // duplicate top of stack
)

// Variables
const (
	OpLoad    Opcode = 0x10 // push local a
	OpStore   Opcode = 0x11 // pop into local a
	OpLoadEnv Opcode = 0x12 // push captured variable a
)

// Structures
const (
	OpPair     Opcode = 0x20 // head tail -> [head|tail]
	OpHead     Opcode = 0x21 // pair -> head
	OpTail     Opcode = 0x22 // pair -> tail
	OpTuple    Opcode = 0x23 // a fields -> tuple
	OpCons     Opcode = 0x24 // functor, a fields -> constructor
	OpField    Opcode = 0x25 // structure -> field a
	OpSetField Opcode = 0x26 // structure value -> (field a updated)
	OpNewVar   Opcode = 0x27 // push unbound variable
	OpBind     Opcode = 0x28 // var value -> (var bound)
	OpDeref    Opcode = 0x29 // follow bound variables
)

// Calls and control flow
const (
	OpClosure   Opcode = 0x30 // code, a captures -> closure
	OpCall      Opcode = 0x31 // fn, a args -> result
	OpTailCall  Opcode = 0x32 // fn, a args, replacing the current frame
	OpRet       Opcode = 0x33 // return from a procedure
	OpRetV      Opcode = 0x34 // return top of stack
	OpJump      Opcode = 0x35 // jump to b
	OpJumpFalse Opcode = 0x36 // pop; jump to b if false
	OpTry       Opcode = 0x37 // install error block recovering at b
	OpEndTry    Opcode = 0x38 // remove innermost error block
	OpRaise     Opcode = 0x39 // raise top of stack
	OpEscape    Opcode = 0x3a // call escape a with b args
	OpDie       Opcode = 0x3b // terminate this process with top of stack
	OpHalt      Opcode = 0x3c // stop the runtime
)

// Arithmetic and comparison
const (
	OpAdd  Opcode = 0x40
	OpSub  Opcode = 0x41
	OpMul  Opcode = 0x42
	OpLT   Opcode = 0x43
	OpEQ   Opcode = 0x44 // structural equality
	OpSame Opcode = 0x45 // reference identity
)

// Processes, messages, locks
const (
	OpSpawn   Opcode = 0x50 // fn, a args -> handle
	OpSelf    Opcode = 0x51 // push own handle
	OpSend    Opcode = 0x52 // dest payload ->
	OpSendOpt Opcode = 0x53 // dest payload options ->
	OpReceive Opcode = 0x54 // a=1: timeout in ms on stack; b=1: leave message queued
	OpYield   Opcode = 0x55 // give up the rest of the slice
	OpSleep   Opcode = 0x56 // ms ->
	OpLockNew Opcode = 0x57 // push a new lock
	OpAcquire Opcode = 0x58 // lock ->
	OpRelease Opcode = 0x59 // lock ->
	OpWait    Opcode = 0x5a // lock -> (released while waiting)
	OpJoin    Opcode = 0x5b // handle -> result
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// Operand usage flags.
const (
	useA = 1 << iota
	useB
	useTarget // b is an instruction index
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name        string // human-readable name
	Operands    int    // which operands are meaningful
	StackEffect int    // net effect on stack (-1 = variable)
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP:       {"NOP", 0, 0},
	OpPushLit:   {"PUSH_LIT", useA, 1},
	OpPushInt:   {"PUSH_INT", useB, 1},
	OpPushNil:   {"PUSH_NIL", 0, 1},
	OpPushTrue:  {"PUSH_TRUE", 0, 1},
	OpPushFalse: {"PUSH_FALSE", 0, 1},
	OpPOP:       {"POP", 0, -1},
	OpDUP:       {"DUP", 0, 1},

	OpLoad:    {"LOAD", useA, 1},
	OpStore:   {"STORE", useA, -1},
	OpLoadEnv: {"LOAD_ENV", useA, 1},

	OpPair:     {"PAIR", 0, -1},
	OpHead:     {"HEAD", 0, 0},
	OpTail:     {"TAIL", 0, 0},
	OpTuple:    {"TUPLE", useA, -1},
	OpCons:     {"CONS", useA, -1},
	OpField:    {"FIELD", useA, 0},
	OpSetField: {"SET_FIELD", useA, -2},
	OpNewVar:   {"NEW_VAR", 0, 1},
	OpBind:     {"BIND", 0, -2},
	OpDeref:    {"DEREF", 0, 0},

	OpClosure:   {"CLOSURE", useA, -1},
	OpCall:      {"CALL", useA, -1},
	OpTailCall:  {"TAIL_CALL", useA, -1},
	OpRet:       {"RET", 0, -1},
	OpRetV:      {"RETV", 0, -1},
	OpJump:      {"JUMP", useB | useTarget, 0},
	OpJumpFalse: {"JUMP_FALSE", useB | useTarget, -1},
	OpTry:       {"TRY", useB | useTarget, 0},
	OpEndTry:    {"END_TRY", 0, 0},
	OpRaise:     {"RAISE", 0, -1},
	OpEscape:    {"ESCAPE", useA | useB, -1},
	OpDie:       {"DIE", 0, -1},
	OpHalt:      {"HALT", 0, 0},

	OpAdd:  {"ADD", 0, -1},
	OpSub:  {"SUB", 0, -1},
	OpMul:  {"MUL", 0, -1},
	OpLT:   {"LT", 0, -1},
	OpEQ:   {"EQ", 0, -1},
	OpSame: {"SAME", 0, -1},

	OpSpawn:   {"SPAWN", useA, -1},
	OpSelf:    {"SELF", 0, 1},
	OpSend:    {"SEND", 0, -2},
	OpSendOpt: {"SEND_OPT", 0, -3},
	OpReceive: {"RECEIVE", useA | useB, -1},
	OpYield:   {"YIELD", 0, 0},
	OpSleep:   {"SLEEP", 0, -1},
	OpLockNew: {"LOCK_NEW", 0, 1},
	OpAcquire: {"ACQUIRE", 0, -1},
	OpRelease: {"RELEASE", 0, -1},
	OpWait:    {"WAIT", 0, -1},
	OpJoin:    {"JOIN", 0, 0},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// OpcodeByName returns the opcode with the given name.
func OpcodeByName(name string) (Opcode, bool) {
	for op, info := range opcodeTable {
		if info.Name == name {
			return op, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Instruction words
// ---------------------------------------------------------------------------
//
// An instruction is one word: op in bits 0-7, the unsigned operand a in
// bits 8-31 and the signed operand b in bits 32-63.

// MaxOperandA is the largest value of the a operand.
const MaxOperandA = 1<<24 - 1

// Encode packs an instruction.
func Encode(op Opcode, a int, b int32) uint64 {
	return uint64(op) | uint64(a&MaxOperandA)<<8 | uint64(uint32(b))<<32
}

// Decode unpacks an instruction.
func Decode(w uint64) (op Opcode, a int, b int32) {
	return Opcode(w & 0xff), int(w >> 8 & MaxOperandA), int32(uint32(w >> 32))
}

// DisassembleInstruction renders one instruction word.
func DisassembleInstruction(pc int, w uint64) string {
	op, a, b := Decode(w)
	info := op.Info()
	switch {
	case info.Operands&(useA|useB) == useA|useB:
		return fmt.Sprintf("%04d  %s %d %d", pc, info.Name, a, b)
	case info.Operands&useTarget != 0:
		return fmt.Sprintf("%04d  %s -> %04d", pc, info.Name, b)
	case info.Operands&useA != 0:
		return fmt.Sprintf("%04d  %s %d", pc, info.Name, a)
	case info.Operands&useB != 0:
		return fmt.Sprintf("%04d  %s %d", pc, info.Name, b)
	}
	return fmt.Sprintf("%04d  %s", pc, info.Name)
}

// Disassemble renders the instructions and literals of a code cell.
func (vm *VM) Disassemble(code Ref) string {
	h := vm.Heap
	var sb strings.Builder
	meta := h.CodeMeta(code)
	fmt.Fprintf(&sb, "; %s arity=%d locals=%d\n", meta.Kind, meta.Arity, meta.Locals)
	for pc, w := range h.CodeInstrs(code) {
		sb.WriteString(DisassembleInstruction(pc, w))
		if op, a, _ := Decode(w); op == OpPushLit && a < h.CodeLitCount(code) {
			fmt.Fprintf(&sb, "  ; %s", vm.Format(h.CodeLiteral(code, a)))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
