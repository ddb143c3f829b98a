package vm

import (
	"fmt"
	"sort"
	"time"
)

// ---------------------------------------------------------------------------
// Escape table: native functions callable from bytecode
// ---------------------------------------------------------------------------

// Privilege levels. A process may only call escapes at or below its own
// level.
const (
	PrivilegeUser = iota
	PrivilegeTrusted
	PrivilegeSystem
)

// EscResult is the control outcome of an escape call.
type EscResult int

const (
	EscContinue   EscResult = iota // push the result and go on
	EscSuspend                     // the escape blocked the process; resume after the call
	EscSwitch                      // push the result and give up the slice
	EscOutOfSpace                  // collect and retry once
	EscError                       // raise the result as an error value
)

func (r EscResult) String() string {
	switch r {
	case EscContinue:
		return "continue"
	case EscSuspend:
		return "suspend"
	case EscSwitch:
		return "switch"
	case EscOutOfSpace:
		return "out-of-space"
	case EscError:
		return "error"
	}
	return fmt.Sprintf("EscResult(%d)", int(r))
}

// EscapeFunc implements an escape. args is the argument window on the
// caller's stack; it stays valid across allocations but must not be
// retained. The returned reference is the result, or the error value for
// EscError.
type EscapeFunc func(vm *VM, p *Process, args []Ref) (Ref, EscResult)

// Escape describes one table entry. Arity -1 accepts any argument count.
type Escape struct {
	Code      int
	Name      string
	Arity     int
	Privilege int
	Fn        EscapeFunc
}

// EscapeTable maps numeric codes to escapes. It also holds the global
// variables written by the global-put escape, which are collector roots.
type EscapeTable struct {
	byCode  map[int]*Escape
	byName  map[string]*Escape
	globals map[string]Ref
}

// NewEscapeTable creates an empty table.
func NewEscapeTable() *EscapeTable {
	return &EscapeTable{
		byCode:  make(map[int]*Escape),
		byName:  make(map[string]*Escape),
		globals: make(map[string]Ref),
	}
}

// Register adds an escape. Codes and names must be unique.
func (t *EscapeTable) Register(code int, name string, arity, privilege int, fn EscapeFunc) error {
	if code < 0 || code > MaxOperandA {
		return fmt.Errorf("escape %q: code %d out of range", name, code)
	}
	if e, ok := t.byCode[code]; ok {
		return fmt.Errorf("escape %q: code %d already used by %q", name, code, e.Name)
	}
	if _, ok := t.byName[name]; ok {
		return fmt.Errorf("escape %q already registered", name)
	}
	e := &Escape{Code: code, Name: name, Arity: arity, Privilege: privilege, Fn: fn}
	t.byCode[code] = e
	t.byName[name] = e
	return nil
}

// Lookup returns the escape registered under code.
func (t *EscapeTable) Lookup(code int) (*Escape, bool) {
	e, ok := t.byCode[code]
	return e, ok
}

// Code returns the code of the named escape.
func (t *EscapeTable) Code(name string) (int, bool) {
	e, ok := t.byName[name]
	if !ok {
		return 0, false
	}
	return e.Code, true
}

// Entries returns every escape ordered by code.
func (t *EscapeTable) Entries() []*Escape {
	es := make([]*Escape, 0, len(t.byCode))
	for _, e := range t.byCode {
		es = append(es, e)
	}
	sort.Slice(es, func(i, j int) bool { return es[i].Code < es[j].Code })
	return es
}

// ScanRoots reports the global variables.
func (t *EscapeTable) ScanRoots(visit func(*Ref)) {
	for name, r := range t.globals {
		visit(&r)
		t.globals[name] = r
	}
}

// ---------------------------------------------------------------------------
// Built-in escapes
// ---------------------------------------------------------------------------

// Codes of the built-in escapes.
const (
	EscPrint = iota + 1
	EscSleep
	EscYield
	EscSelf
	EscQuota
	EscSplitQuota
	EscMergeQuota
	EscRegister
	EscWhereis
	EscAwaitFD
	EscMonitor
	EscTypeOf
	EscCoerce
	EscMakeError
	EscGC
	EscNow
	EscGlobalPut
	EscGlobalGet
)

var builtinEscapes = []Escape{
	{EscPrint, "print", 1, PrivilegeUser, escPrint},
	{EscSleep, "sleep", 1, PrivilegeUser, escSleep},
	{EscYield, "yield", 0, PrivilegeUser, escYield},
	{EscSelf, "self", 0, PrivilegeUser, escSelf},
	{EscQuota, "quota", 0, PrivilegeUser, escQuota},
	{EscSplitQuota, "split-quota", 2, PrivilegeTrusted, escSplitQuota},
	{EscMergeQuota, "merge-quota", 1, PrivilegeTrusted, escMergeQuota},
	{EscRegister, "register", 2, PrivilegeUser, escRegister},
	{EscWhereis, "whereis", 1, PrivilegeUser, escWhereis},
	{EscAwaitFD, "await-fd", 1, PrivilegeSystem, escAwaitFD},
	{EscMonitor, "monitor", 1, PrivilegeUser, escMonitor},
	{EscTypeOf, "type-of", 1, PrivilegeUser, escTypeOf},
	{EscCoerce, "coerce", 2, PrivilegeUser, escCoerce},
	{EscMakeError, "error", 2, PrivilegeUser, escError},
	{EscGC, "gc", 1, PrivilegeSystem, escGC},
	{EscNow, "now", 0, PrivilegeUser, escNow},
	{EscGlobalPut, "global-put", 2, PrivilegeTrusted, escGlobalPut},
	{EscGlobalGet, "global-get", 1, PrivilegeUser, escGlobalGet},
}

// badarg builds the error value for a bad argument. It allocates.
func (vm *VM) badarg(detail Ref) Ref {
	return vm.errorValue(errBadArg, detail)
}

// intArg returns the integer held by r.
func (vm *VM) intArg(r Ref) (int64, bool) {
	r = vm.Heap.Deref(r)
	if r == NoRef || vm.Heap.Tag(r) != TagInt {
		return 0, false
	}
	return vm.Heap.IntValue(r), true
}

// nameArg returns the text of a symbol or string argument.
func (vm *VM) nameArg(r Ref) (string, bool) {
	r = vm.Heap.Deref(r)
	if r == NoRef {
		return "", false
	}
	switch vm.Heap.Tag(r) {
	case TagSymbol:
		return vm.SymbolName(r), true
	case TagString:
		return vm.Heap.StringValue(r), true
	}
	return "", false
}

func escPrint(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
	fmt.Fprintln(vm.out, vm.Display(args[0]))
	return vm.Nil(), EscContinue
}

func escSleep(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
	ms, ok := vm.intArg(args[0])
	if !ok {
		return vm.badarg(args[0]), EscError
	}
	vm.sleep(p, time.Duration(ms)*time.Millisecond)
	return vm.Nil(), EscSuspend
}

func escYield(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
	return vm.Nil(), EscSwitch
}

func escSelf(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
	return p.Handle, EscContinue
}

// escQuota returns the clicks left to the caller, or -1 when unlimited.
func escQuota(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
	if p.quota == nil {
		return vm.Heap.NewInt(-1), EscContinue
	}
	return vm.Heap.NewInt(p.quota.Remaining()), EscContinue
}

// escSplitQuota moves n of the caller's clicks into a fresh quota charged
// to the target process. It returns the clicks moved.
func escSplitQuota(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
	target := vm.processOf(args[0])
	n, ok := vm.intArg(args[1])
	if target == nil || !ok || n < 0 {
		return vm.badarg(args[0]), EscError
	}
	if p.quota == nil {
		target.quota = NewQuota(n)
	} else {
		target.quota = p.quota.Split(n)
	}
	return vm.Heap.NewInt(target.quota.Remaining()), EscContinue
}

// escMergeQuota takes every click of the target's quota and makes the
// target share the caller's quota.
func escMergeQuota(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
	target := vm.processOf(args[0])
	if target == nil || p.quota == nil {
		return vm.badarg(args[0]), EscError
	}
	p.quota.Merge(target.quota)
	target.quota = p.quota
	return vm.Heap.NewInt(p.quota.Remaining()), EscContinue
}

func escRegister(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
	name, ok := vm.nameArg(args[0])
	if !ok {
		return vm.badarg(args[0]), EscError
	}
	if err := vm.Register(name, args[1]); err != nil {
		return vm.badarg(args[1]), EscError
	}
	return vm.atom(atomOK), EscContinue
}

func escWhereis(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
	name, ok := vm.nameArg(args[0])
	if !ok {
		return vm.badarg(args[0]), EscError
	}
	if r, ok := vm.Whereis(name); ok {
		return r, EscContinue
	}
	return vm.Nil(), EscContinue
}

// escAwaitFD suspends the caller until the file descriptor is readable.
func escAwaitFD(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
	fd, ok := vm.intArg(args[0])
	if !ok || fd < 0 {
		return vm.badarg(args[0]), EscError
	}
	p.fds = append(p.fds[:0], int(fd))
	vm.RemoveFromRunQ(p, ProcessWaitIO)
	return vm.Nil(), EscSuspend
}

func escMonitor(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
	target := vm.processOf(args[0])
	if target == nil {
		// Monitoring a dead process reports it at once.
		handle := vm.Heap.Deref(args[0])
		if handle == NoRef || vm.Heap.Tag(handle) != TagProcess {
			return vm.badarg(args[0]), EscError
		}
		down := vm.Heap.NewCons(vm.atom(atomDown), args[0], vm.atom(atomDead))
		vm.Deliver(p.Handle, args[0], down, SendOptions{})
		return vm.atom(atomOK), EscContinue
	}
	vm.Monitor(p, target)
	return vm.atom(atomOK), EscContinue
}

func escTypeOf(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
	r := vm.Heap.Deref(args[0])
	if r == NoRef {
		return vm.Nil(), EscContinue
	}
	return vm.Symbol(vm.Heap.Tag(r).String()), EscContinue
}

func escCoerce(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
	to, ok := vm.nameArg(args[1])
	if !ok || vm.Coerce == nil {
		return vm.badarg(args[1]), EscError
	}
	r, ok := vm.Coerce(vm, args[0], to)
	if !ok {
		return vm.badarg(args[0]), EscError
	}
	return r, EscContinue
}

// escError raises error(kind, detail).
func escError(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
	h := vm.Heap
	return h.NewCons(vm.atom(atomError), args[0], args[1]), EscError
}

// escGC runs a collection; a true argument forces a major one.
func escGC(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
	vm.Heap.Collect(vm.Heap.Deref(args[0]) == vm.atom(atomTrue))
	return vm.Nil(), EscContinue
}

// escNow returns the clock in milliseconds since the Unix epoch.
func escNow(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
	return vm.Heap.NewInt(vm.clock.Now().UnixMilli()), EscContinue
}

func escGlobalPut(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
	name, ok := vm.nameArg(args[0])
	if !ok {
		return vm.badarg(args[0]), EscError
	}
	vm.Escapes.globals[name] = args[1]
	return args[1], EscContinue
}

func escGlobalGet(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
	name, ok := vm.nameArg(args[0])
	if !ok {
		return vm.badarg(args[0]), EscError
	}
	if r, ok := vm.Escapes.globals[name]; ok {
		return r, EscContinue
	}
	return vm.Nil(), EscContinue
}
