package vm

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Process lifecycle: fork and terminate
// ---------------------------------------------------------------------------

// ForkOptions configures a new process.
type ForkOptions struct {
	Name      string
	Creator   *Process // nil for processes started from Go
	Quota     *Quota   // nil inherits the creator's quota
	Privilege int      // capped at the creator's privilege
	Mailer    Ref      // handle notified when the process dies of an error
}

// callable splits a code cell or closure into its code and environment.
func (vm *VM) callable(fn Ref) (code, env Ref, ok bool) {
	h := vm.Heap
	fn = h.Deref(fn)
	if fn == NoRef {
		return NoRef, NoRef, false
	}
	switch h.Tag(fn) {
	case TagCode:
		return fn, NoRef, true
	case TagCons:
		if h.Functor(fn) == vm.atom(atomClosure) && h.Arity(fn) == 2 {
			code = h.Deref(h.Field(fn, 0))
			if h.Tag(code) == TagCode {
				return code, h.Deref(h.Field(fn, 1)), true
			}
		}
	}
	return NoRef, NoRef, false
}

// Fork creates a process that calls fn with args and appends it to the run
// queue. fn is a code cell or a closure.
func (vm *VM) Fork(fn Ref, args []Ref, opts ForkOptions) (*Process, error) {
	h := vm.Heap
	code, _, ok := vm.callable(fn)
	if !ok {
		return nil, fmt.Errorf("fork: %s is not callable", vm.Format(fn))
	}
	meta := h.CodeMeta(code)
	if meta.Arity != len(args) {
		return nil, fmt.Errorf("fork: %d arguments for arity %d", len(args), meta.Arity)
	}

	vm.nextPID++
	p := &Process{
		PID:       vm.nextPID,
		Name:      opts.Name,
		Privilege: opts.Privilege,
		state:     ProcessQuiescent,
		creator:   opts.Creator,
		mailer:    opts.Mailer,
		quota:     opts.Quota,
	}
	if c := opts.Creator; c != nil {
		p.Privilege = min(p.Privilege, c.Privilege)
		if p.quota == nil {
			p.quota = c.quota
		}
	}

	// The process is installed before anything is allocated for it so its
	// stack is scanned as a root from here on.
	p.stack = make([]Ref, 0, 1+meta.Locals+16)
	p.stack = append(p.stack, fn)
	p.stack = append(p.stack, args...)
	for i := meta.Arity; i < meta.Locals; i++ {
		p.stack = append(p.stack, vm.Nil())
	}
	p.fp = 1
	vm.procs[p.PID] = p

	handle := h.newHandle(p.PID)
	p.Handle = handle
	p.code, p.env, _ = vm.callable(p.stack[0])

	vm.stats.Forked++
	vmLog.Debugf("fork %v", p)
	vm.AddToRunQ(p, false)
	return p, nil
}

// Boot forks the root process. When the root process dies of an error the
// runtime halts with that error.
func (vm *VM) Boot(fn Ref, args ...Ref) (*Process, error) {
	if vm.root != nil {
		return nil, fmt.Errorf("boot: root process already started")
	}
	var q *Quota
	if vm.cfg.DefaultQuota > 0 {
		q = NewQuota(vm.cfg.DefaultQuota)
	}
	p, err := vm.Fork(fn, args, ForkOptions{Name: "root", Quota: q, Privilege: vm.cfg.RootPrivilege})
	if err != nil {
		return nil, err
	}
	vm.root = p
	return p, nil
}

// Terminate kills p with value as its result, or as its error when failed
// is set. A terminated process never runs again: its stack is released,
// its handle unbound and it is removed from every queue. Joiners and
// monitors are told; the mailer is told about errors.
func (vm *VM) Terminate(p *Process, value Ref, failed bool) {
	if p.state == ProcessDead {
		return
	}
	h := vm.Heap
	vm.RemoveFromRunQ(p, ProcessDead)
	vm.timers.Cancel(p)
	vm.abandonLocks(p)
	p.fds = nil

	// p stays in the process table until the end so that its result and
	// handle remain rooted while notices are allocated.
	p.failed = failed
	if failed {
		p.errVal = value
		p.result = h.NewCons(vm.atom(atomFailed), p.errVal)
	} else {
		p.result = value
	}
	if p.result == NoRef {
		p.result = vm.Nil()
	}
	p.outcome = vm.Format(p.result)

	if c := p.creator; c != nil && c.state != ProcessDead {
		c.recordExit(p.PID, p.result)
	}
	for _, j := range p.joiners {
		if j.state == ProcessWaitChild {
			j.joined = true
			j.joinResult = p.result
			vm.AddToRunQ(j, false)
		}
	}
	p.joiners = nil
	for _, w := range p.watchers {
		if w.state == ProcessDead {
			continue
		}
		down := h.NewCons(vm.atom(atomDown), p.Handle, p.result)
		vm.Deliver(w.Handle, p.Handle, down, SendOptions{})
	}
	p.watchers = nil
	if failed && p.mailer != NoRef {
		notice := h.NewCons(vm.atom(atomError), p.Handle, p.errVal)
		vm.Deliver(p.mailer, p.Handle, notice, SendOptions{})
	}

	for m := p.mailbox.head; m != nil; m = p.mailbox.head {
		p.mailbox.remove(m)
		vm.messages.put(m)
	}
	h.unbindHandle(p.Handle)
	delete(vm.procs, p.PID)
	p.stack = nil
	p.frames = nil
	p.handlers = nil
	p.code, p.env = NoRef, NoRef
	p.exits, p.exitOrder = nil, nil
	p.recvDeadline = time.Time{}

	vm.stats.Terminated++
	if failed {
		vm.stats.Failed++
		vmLog.Errorf("process %v terminated by error %s", p, vm.Format(p.errVal))
		if p == vm.root {
			vm.exitErr = &LangError{PID: p.PID, Value: vm.Format(p.errVal)}
			vm.halted = true
		}
	} else {
		vmLog.Debugf("process %v exited with %s", p, p.outcome)
	}
}

// Monitor arranges for watcher to receive down(handle, result) when target
// terminates.
func (vm *VM) Monitor(watcher, target *Process) {
	for _, w := range target.watchers {
		if w == watcher {
			return
		}
	}
	target.watchers = append(target.watchers, watcher)
}
