package vm

import "time"

// ---------------------------------------------------------------------------
// Interpreter: one instruction at a time
// ---------------------------------------------------------------------------
//
// The interpreter keeps no state of its own. Every register lives in the
// Process record, so a collection triggered by any allocation below sees
// and rewrites it. Values are read from the stack after allocating, or are
// passed to constructors that root their arguments.

// Signal tells the scheduler what to do after a step.
type Signal int

const (
	SigContinue  Signal = iota // keep running the same process
	SigBlock                   // the process entered a wait state
	SigYield                   // the process gives up the rest of its slice
	SigTerminate               // the process is dead
	SigHalt                    // stop the runtime
)

func (s Signal) String() string {
	switch s {
	case SigContinue:
		return "continue"
	case SigBlock:
		return "block"
	case SigYield:
		return "yield"
	case SigTerminate:
		return "terminate"
	case SigHalt:
		return "halt"
	}
	return "signal(?)"
}

// Step executes one instruction of p, which must be runnable.
func (vm *VM) Step(p *Process) Signal {
	if p.state != ProcessRunnable {
		faultf("process %d: step in state %v", p.PID, p.state)
	}
	h := vm.Heap
	p.ticks++
	vm.stats.Instructions++

	if len(p.stack) > vm.cfg.MaxStack || len(p.frames) > vm.cfg.MaxStack {
		return vm.raiseKind(p, errStackOverflow, NoRef)
	}

	n := h.CodeLen(p.code)
	if p.pc == n {
		// Falling off the end returns.
		if h.CodeMeta(p.code).Kind == KindFunction {
			return vm.ret(p, vm.Nil(), true)
		}
		return vm.ret(p, NoRef, false)
	}
	if p.pc < 0 || p.pc > n {
		return vm.raiseKind(p, errBadOpcode, NoRef)
	}

	op, a, b := Decode(h.CodeInstr(p.code, p.pc))
	if len(p.stack)-p.fp < operandsNeeded(op, a, b) {
		return vm.raiseKind(p, errBadOpcode, NoRef)
	}
	switch op {
	case OpNOP:

	// Stack and constants

	case OpPushLit:
		if a >= h.CodeLitCount(p.code) {
			return vm.raiseKind(p, errBadOpcode, NoRef)
		}
		p.push(h.CodeLiteral(p.code, a))
	case OpPushInt:
		p.push(h.NewInt(int64(b)))
	case OpPushNil:
		p.push(vm.Nil())
	case OpPushTrue:
		p.push(vm.atom(atomTrue))
	case OpPushFalse:
		p.push(vm.atom(atomFalse))
	case OpPOP:
		p.drop(1)
	case OpDUP:
		p.push(p.peek(0))

	// Variables

	case OpLoad:
		if p.fp+a >= len(p.stack) {
			return vm.raiseKind(p, errBadOpcode, NoRef)
		}
		p.push(p.stack[p.fp+a])
	case OpStore:
		if p.fp+a >= len(p.stack)-1 {
			return vm.raiseKind(p, errBadOpcode, NoRef)
		}
		p.stack[p.fp+a] = p.pop()
	case OpLoadEnv:
		env := h.Deref(p.env)
		if env == NoRef || h.Tag(env) != TagTuple || a >= h.Arity(env) {
			return vm.raiseKind(p, errBadOpcode, NoRef)
		}
		p.push(h.Field(env, a))

	// Structures

	case OpPair:
		r := h.NewPair(p.peek(1), p.peek(0))
		p.drop(2)
		p.push(r)
	case OpHead, OpTail:
		x := h.Deref(p.peek(0))
		if x == NoRef || h.Tag(x) != TagPair {
			return vm.raiseBadArg(p, 1)
		}
		if op == OpHead {
			p.stack[len(p.stack)-1] = h.PairHead(x)
		} else {
			p.stack[len(p.stack)-1] = h.PairTail(x)
		}
	case OpTuple:
		fields := append([]Ref(nil), p.stack[len(p.stack)-a:]...)
		r := h.NewTuple(fields...)
		p.drop(a)
		p.push(r)
	case OpCons:
		fields := append([]Ref(nil), p.stack[len(p.stack)-a:]...)
		r := h.NewCons(p.peek(a), fields...)
		p.drop(a + 1)
		p.push(r)
	case OpField:
		x := h.Deref(p.peek(0))
		if !vm.hasField(x, a) {
			return vm.raiseBadArg(p, 1)
		}
		p.stack[len(p.stack)-1] = h.Field(x, a)
	case OpSetField:
		x := h.Deref(p.peek(1))
		if !vm.hasField(x, a) {
			return vm.raiseBadArg(p, 2)
		}
		h.SetField(x, a, p.peek(0))
		p.drop(2)
	case OpNewVar:
		p.push(h.NewVar())
	case OpBind:
		x := h.Deref(p.peek(1))
		if x == NoRef || !h.IsUnbound(x) {
			return vm.raiseKind(p, errAlreadyBound, NoRef)
		}
		h.Bind(x, p.peek(0))
		p.drop(2)
	case OpDeref:
		p.stack[len(p.stack)-1] = h.Deref(p.peek(0))

	// Calls and control flow

	case OpClosure:
		captures := append([]Ref(nil), p.stack[len(p.stack)-a:]...)
		env := h.NewTuple(captures...)
		p.drop(a)
		p.push(env)
		cl := h.NewCons(vm.atom(atomClosure), p.peek(1), p.peek(0))
		p.drop(2)
		p.push(cl)
	case OpCall:
		return vm.call(p, a, false)
	case OpTailCall:
		return vm.call(p, a, true)
	case OpRet:
		return vm.ret(p, NoRef, false)
	case OpRetV:
		return vm.ret(p, p.pop(), true)
	case OpJump:
		p.pc = int(b)
		return SigContinue
	case OpJumpFalse:
		if h.Deref(p.pop()) == vm.atom(atomFalse) {
			p.pc = int(b)
			return SigContinue
		}
	case OpTry:
		p.handlers = append(p.handlers, Handler{RecoveryPC: int(b), Frames: len(p.frames), SP: len(p.stack)})
	case OpEndTry:
		k := len(p.handlers) - 1
		if k < 0 || p.handlers[k].Frames != len(p.frames) {
			return vm.raiseKind(p, errBadOpcode, NoRef)
		}
		p.handlers = p.handlers[:k]
	case OpRaise:
		return vm.raise(p, p.pop())
	case OpEscape:
		return vm.escape(p, a, int(b))
	case OpDie:
		vm.Terminate(p, p.pop(), false)
		return SigTerminate
	case OpHalt:
		p.pc++
		vm.halted = true
		return SigHalt

	// Arithmetic and comparison

	case OpAdd, OpSub, OpMul:
		return vm.arith(p, op)
	case OpLT:
		less, ok := vm.less(p.peek(1), p.peek(0))
		if !ok {
			return vm.raiseBadArg(p, 2)
		}
		p.drop(2)
		p.push(vm.Bool(less))
	case OpEQ:
		eq := vm.Equal(p.peek(1), p.peek(0))
		p.drop(2)
		p.push(vm.Bool(eq))
	case OpSame:
		same := h.Deref(p.peek(1)) == h.Deref(p.peek(0))
		p.drop(2)
		p.push(vm.Bool(same))

	// Processes, messages, locks

	case OpSpawn:
		fnIdx := len(p.stack) - a - 1
		args := append([]Ref(nil), p.stack[fnIdx+1:]...)
		child, err := vm.Fork(p.stack[fnIdx], args, ForkOptions{Creator: p, Privilege: p.Privilege})
		if err != nil {
			return vm.raiseKind(p, errNotCallable, p.stack[fnIdx])
		}
		p.drop(a + 1)
		p.push(child.Handle)
	case OpSelf:
		p.push(p.Handle)
	case OpSend:
		if !vm.isHandle(p.peek(1)) {
			return vm.raiseBadArg(p, 2)
		}
		vm.Deliver(p.peek(1), p.Handle, p.peek(0), SendOptions{})
		p.drop(2)
	case OpSendOpt:
		if !vm.isHandle(p.peek(2)) {
			return vm.raiseBadArg(p, 3)
		}
		opts, ok := vm.parseOptions(p.peek(0))
		if !ok {
			return vm.raiseBadArg(p, 1)
		}
		vm.Deliver(p.peek(2), p.Handle, p.peek(1), opts)
		p.drop(3)
	case OpReceive:
		return vm.receive(p, a != 0, b != 0)
	case OpYield:
		p.pc++
		return SigYield
	case OpSleep:
		ms, ok := vm.intArg(p.peek(0))
		if !ok {
			return vm.raiseBadArg(p, 1)
		}
		p.drop(1)
		p.pc++
		if vm.sleep(p, time.Duration(ms)*time.Millisecond) {
			return SigBlock
		}
		return SigYield
	case OpLockNew:
		p.push(h.NewForeign(vm.NewLock()))
	case OpAcquire:
		l := vm.lockOf(p.peek(0))
		if l == nil {
			return vm.raiseBadArg(p, 1)
		}
		if !vm.Acquire(l, p) {
			return SigBlock
		}
		p.drop(1)
	case OpRelease:
		l := vm.lockOf(p.peek(0))
		if l == nil {
			return vm.raiseBadArg(p, 1)
		}
		if !vm.Release(l, p) {
			return vm.raiseKind(p, errNotOwner, p.pop())
		}
		p.drop(1)
	case OpWait:
		l := vm.lockOf(p.peek(0))
		if l == nil {
			return vm.raiseBadArg(p, 1)
		}
		if p.lockRestore == 0 {
			if !vm.Wait(l, p) {
				return vm.raiseKind(p, errNotOwner, p.pop())
			}
			return SigBlock
		}
		if !vm.reacquire(l, p) {
			return SigBlock
		}
		p.drop(1)
	case OpJoin:
		return vm.join(p)

	default:
		return vm.raiseKind(p, errBadOpcode, NoRef)
	}
	p.pc++
	return SigContinue
}

// ---------------------------------------------------------------------------
// Calls and returns
// ---------------------------------------------------------------------------

// call invokes the callable below the top argc values. The callee's frame
// starts at its first argument; the callable itself stays in the slot
// below, where a tail call reuses it.
func (vm *VM) call(p *Process, argc int, tail bool) Signal {
	fnIdx := len(p.stack) - argc - 1
	if fnIdx < p.fp {
		return vm.raiseKind(p, errBadOpcode, NoRef)
	}
	code, env, ok := vm.callable(p.stack[fnIdx])
	if !ok {
		return vm.raiseKind(p, errNotCallable, p.stack[fnIdx])
	}
	meta := vm.Heap.CodeMeta(code)
	if meta.Arity != argc {
		return vm.raiseKind(p, errArity, vm.Heap.NewInt(int64(argc)))
	}

	// A tail call inside an error block of this frame would lose the
	// block, so it becomes an ordinary call.
	if k := len(p.handlers) - 1; tail && k >= 0 && p.handlers[k].Frames == len(p.frames) {
		tail = false
	}
	if tail {
		base := p.fp - 1
		copy(p.stack[base:], p.stack[fnIdx:])
		p.truncate(base + argc + 1)
		p.fp = base + 1
	} else {
		p.frames = append(p.frames, Frame{ReturnPC: p.pc + 1, Code: p.code, Env: p.env, FP: p.fp})
		p.fp = fnIdx + 1
	}
	p.code, p.env, p.pc = code, env, 0
	for i := meta.Arity; i < meta.Locals; i++ {
		p.push(vm.Nil())
	}
	return SigContinue
}

// ret leaves the current frame, pushing v for the caller when hasValue is
// set. Returning from the outermost frame terminates the process with v.
func (vm *VM) ret(p *Process, v Ref, hasValue bool) Signal {
	depth := len(p.frames)
	for k := len(p.handlers) - 1; k >= 0 && p.handlers[k].Frames >= depth; k-- {
		p.handlers = p.handlers[:k]
	}
	if depth == 0 {
		vm.Terminate(p, v, false)
		return SigTerminate
	}
	f := p.frames[depth-1]
	p.frames[depth-1] = Frame{}
	p.frames = p.frames[:depth-1]
	p.truncate(p.fp - 1)
	p.code, p.env, p.fp, p.pc = f.Code, f.Env, f.FP, f.ReturnPC
	if hasValue {
		p.push(v)
	}
	return SigContinue
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// errorValue builds error(kind, detail). It allocates.
func (vm *VM) errorValue(kind string, detail Ref) Ref {
	h := vm.Heap
	if detail == NoRef {
		detail = vm.Nil()
	}
	h.PushRoot(&detail)
	k := vm.Symbol(kind)
	h.PopRoot(&detail)
	return h.NewCons(vm.atom(atomError), k, detail)
}

// raise unwinds p to its innermost error block and resumes there with the
// error value on the stack. Without an error block the process dies.
func (vm *VM) raise(p *Process, errVal Ref) Signal {
	k := len(p.handlers) - 1
	if k < 0 {
		vm.Terminate(p, errVal, true)
		return SigTerminate
	}
	hd := p.handlers[k]
	p.handlers = p.handlers[:k]
	if len(p.frames) > hd.Frames {
		f := p.frames[hd.Frames]
		p.code, p.env, p.fp = f.Code, f.Env, f.FP
		clear(p.frames[hd.Frames:])
		p.frames = p.frames[:hd.Frames]
	}
	p.truncate(hd.SP)
	p.push(errVal)
	p.pc = hd.RecoveryPC
	return SigContinue
}

func (vm *VM) raiseKind(p *Process, kind string, detail Ref) Signal {
	return vm.raise(p, vm.errorValue(kind, detail))
}

// raiseBadArg raises badarg with the deepest of the top n operands as the
// detail.
func (vm *VM) raiseBadArg(p *Process, n int) Signal {
	return vm.raiseKind(p, errBadArg, p.peek(n-1))
}

// ---------------------------------------------------------------------------
// Instruction helpers
// ---------------------------------------------------------------------------

// operandsNeeded is the number of stack values an instruction consumes or
// inspects within the current frame.
func operandsNeeded(op Opcode, a int, b int32) int {
	switch op {
	case OpPOP, OpDUP, OpStore, OpHead, OpTail, OpField, OpDeref, OpRetV,
		OpJumpFalse, OpRaise, OpDie, OpSleep, OpAcquire, OpRelease, OpWait, OpJoin:
		return 1
	case OpPair, OpSetField, OpBind, OpAdd, OpSub, OpMul, OpLT, OpEQ, OpSame, OpSend:
		return 2
	case OpSendOpt:
		return 3
	case OpTuple:
		return a
	case OpCons, OpClosure, OpCall, OpTailCall, OpSpawn:
		return a + 1
	case OpReceive:
		if a != 0 {
			return 1
		}
	case OpEscape:
		return int(max(b, 0))
	}
	return 0
}

func (vm *VM) hasField(x Ref, i int) bool {
	if x == NoRef {
		return false
	}
	switch vm.Heap.Tag(x) {
	case TagTuple, TagCons:
		return i < vm.Heap.Arity(x)
	}
	return false
}

func (vm *VM) isHandle(r Ref) bool {
	r = vm.Heap.Deref(r)
	return r != NoRef && vm.Heap.Tag(r) == TagProcess
}

// arith applies an arithmetic operator to the two top operands. Integers
// wrap; a float operand makes the result a float.
func (vm *VM) arith(p *Process, op Opcode) Signal {
	h := vm.Heap
	x, y := h.Deref(p.peek(1)), h.Deref(p.peek(0))
	xi, xInt := vm.intArg(x)
	yi, yInt := vm.intArg(y)
	var r Ref
	if xInt && yInt {
		var v int64
		switch op {
		case OpAdd:
			v = xi + yi
		case OpSub:
			v = xi - yi
		case OpMul:
			v = xi * yi
		}
		r = h.NewInt(v)
	} else {
		xf, ok1 := vm.number(x)
		yf, ok2 := vm.number(y)
		if !ok1 || !ok2 {
			return vm.raiseBadArg(p, 2)
		}
		var v float64
		switch op {
		case OpAdd:
			v = xf + yf
		case OpSub:
			v = xf - yf
		case OpMul:
			v = xf * yf
		}
		r = h.NewFloat(v)
	}
	p.drop(2)
	p.push(r)
	p.pc++
	return SigContinue
}

// sleep blocks p for d. It returns false, leaving p runnable, when d is
// not positive.
func (vm *VM) sleep(p *Process, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	vm.timers.Schedule(p, vm.clock.Now().Add(d), func(q *Process) {
		if q.state == ProcessWaitTimer {
			vm.AddToRunQ(q, false)
		}
	})
	vm.RemoveFromRunQ(p, ProcessWaitTimer)
	return true
}

// receive takes the first valid message of p. Blocking leaves the pc on
// the instruction so it runs again when the process is woken by a
// delivery or by its timeout.
func (vm *VM) receive(p *Process, hasTimeout, peek bool) Signal {
	if p.timedOut {
		p.timedOut = false
		p.recvDeadline = time.Time{}
		if hasTimeout {
			p.drop(1)
		}
		p.push(vm.atom(atomTimeout))
		p.pc++
		return SigContinue
	}
	if m := vm.nextMessage(p); m != nil {
		payload := m.Payload
		if peek {
			vm.requeue(p, m)
		} else {
			vm.messages.put(m)
		}
		if hasTimeout {
			p.drop(1)
		}
		p.recvDeadline = time.Time{}
		p.push(payload)
		p.pc++
		return SigContinue
	}
	if hasTimeout {
		ms, ok := vm.intArg(p.peek(0))
		if !ok {
			return vm.raiseBadArg(p, 1)
		}
		if ms == 0 {
			p.drop(1)
			p.push(vm.atom(atomTimeout))
			p.pc++
			return SigContinue
		}
		if ms > 0 {
			// A wake that finds nothing valid re-arms against the first deadline.
			if p.recvDeadline.IsZero() {
				p.recvDeadline = vm.clock.Now().Add(time.Duration(ms) * time.Millisecond)
			}
			vm.timers.Schedule(p, p.recvDeadline, func(q *Process) {
				if q.state == ProcessWaitMsg {
					q.timedOut = true
					vm.AddToRunQ(q, false)
				}
			})
		}
	}
	vm.RemoveFromRunQ(p, ProcessWaitMsg)
	return SigBlock
}

// join waits for the process named on top of the stack and replaces it
// with that process's result.
func (vm *VM) join(p *Process) Signal {
	h := vm.Heap
	handle := h.Deref(p.peek(0))
	if handle == NoRef || h.Tag(handle) != TagProcess {
		return vm.raiseBadArg(p, 1)
	}
	pid := h.ProcessID(handle)
	if p.joined {
		p.stack[len(p.stack)-1] = p.joinResult
		p.joined = false
		p.joinResult = NoRef
		delete(p.exits, pid)
		p.pc++
		return SigContinue
	}
	if t := vm.processOf(handle); t != nil {
		if t == p {
			return vm.raiseBadArg(p, 1)
		}
		t.joiners = append(t.joiners, p)
		vm.RemoveFromRunQ(p, ProcessWaitChild)
		return SigBlock
	}
	if r, ok := p.exits[pid]; ok {
		delete(p.exits, pid)
		p.stack[len(p.stack)-1] = r
	} else {
		p.stack[len(p.stack)-1] = vm.atom(atomDead)
	}
	p.pc++
	return SigContinue
}

// escape calls escape code with the top argc values as arguments.
func (vm *VM) escape(p *Process, code, argc int) Signal {
	e, ok := vm.Escapes.Lookup(code)
	if !ok {
		return vm.raiseKind(p, errNoEscape, vm.Heap.NewInt(int64(code)))
	}
	if e.Privilege > p.Privilege {
		return vm.raiseKind(p, errPrivilege, vm.Symbol(e.Name))
	}
	if (e.Arity >= 0 && e.Arity != argc) || argc > len(p.stack)-p.fp {
		return vm.raiseKind(p, errArity, vm.Symbol(e.Name))
	}

	base := len(p.stack) - argc
	r, res := e.Fn(vm, p, p.stack[base:len(p.stack):len(p.stack)])
	if res == EscOutOfSpace {
		vm.Heap.Collect(false)
		r, res = e.Fn(vm, p, p.stack[base:len(p.stack):len(p.stack)])
		if res == EscOutOfSpace {
			return vm.raiseKind(p, errOutOfSpace, vm.Symbol(e.Name))
		}
	}

	if res == EscError {
		p.truncate(base)
		return vm.raise(p, r)
	}
	if p.state == ProcessDead {
		return SigTerminate
	}
	p.truncate(base)
	p.push(r)
	p.pc++
	switch {
	case res == EscSwitch:
		return SigYield
	case res == EscSuspend && p.state.Waiting():
		return SigBlock
	case res == EscSuspend:
		return SigYield
	}
	return SigContinue
}
