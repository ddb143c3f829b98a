package vm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// Run drives processes until the root process fails, a HALT executes, no
// process is left, or ctx is cancelled. Fatal runtime errors are returned
// as *FatalError. Language errors in processes other than the root only
// terminate those processes.
func (vm *VM) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			fe, ok := r.(*FatalError)
			if !ok {
				panic(r)
			}
			vmLog.Criticalf("%v", fe)
			vm.halted = true
			err = fe
		}
	}()

	for {
		vm.drainPending()
		if vm.halted {
			return vm.exitErr
		}
		vm.timers.Fire(vm.clock.Now())

		p := vm.runq.front()
		if p == nil {
			if len(vm.procs) == 0 {
				return vm.exitErr
			}
			stop, err := vm.idle(ctx)
			if err != nil || stop {
				return err
			}
			continue
		}
		vm.runSlice(p)
	}
}

// RunFor runs the scheduler for at most d of wall-clock time.
func (vm *VM) RunFor(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	err := vm.Run(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// runSlice runs p for up to one time slice. Pending external events end
// the slice early so they are handled between instructions.
func (vm *VM) runSlice(p *Process) {
	limit, ok := vm.budget(p)
	if !ok {
		return
	}
	vm.current = p
	vm.stats.Switches++
	sig := SigContinue
	ticks := 0
	for ticks < limit && sig == SigContinue {
		if vm.pending.Load() {
			break
		}
		sig = vm.Step(p)
		ticks++
	}
	vm.current = nil
	vm.charge(p, ticks)

	switch sig {
	case SigContinue:
		if ticks >= limit && p.state == ProcessRunnable {
			vm.rotate(p)
		}
	case SigYield:
		if p.state == ProcessRunnable {
			vm.rotate(p)
		}
	case SigHalt:
		vm.halted = true
	}
}

// budget returns how many instructions p may execute now. A process whose
// quota is gone gets the quota-exhausted error raised into its innermost
// error block once, with one slice to handle it; after that, or without an
// error block, it is terminated.
func (vm *VM) budget(p *Process) (int, bool) {
	limit := vm.cfg.Slice
	q := p.quota
	if q == nil {
		return limit, true
	}
	if !q.Exhausted() {
		return int(min(int64(limit), q.Remaining())), true
	}
	if !p.quotaFault && len(p.handlers) > 0 {
		p.quotaFault = true
		vm.current = p
		sig := vm.raiseKind(p, errQuotaExhausted, NoRef)
		vm.current = nil
		return limit, sig == SigContinue
	}
	vmLog.Infof("process %v: quota %d exhausted", p, q.ID())
	vm.Terminate(p, vm.errorValue(errQuotaExhausted, NoRef), true)
	return 0, false
}

// charge debits ticks from the quota of p.
func (vm *VM) charge(p *Process, ticks int) {
	if p.quota != nil && ticks > 0 {
		p.quota.Debit(int64(ticks))
	}
}

// idle blocks until a timer is due, an awaited descriptor is ready or an
// external event arrives. It reports stop when nothing could ever wake a
// waiting process.
func (vm *VM) idle(ctx context.Context) (stop bool, err error) {
	var fds []int
	waitingLock := 0
	for _, p := range vm.procs {
		switch p.state {
		case ProcessWaitIO:
			fds = append(fds, p.fds...)
		case ProcessWaitLock:
			waitingLock++
		}
	}
	deadline, hasTimer := vm.timers.Next()
	external := vm.external.Load() > 0 || vm.hasPending()

	if !hasTimer && len(fds) == 0 && !external {
		if waitingLock > 0 {
			panic(&FatalError{Kind: FatalScheduler, Err: fmt.Errorf("%w: %d processes", ErrDeadlock, waitingLock)})
		}
		if r := vm.root; r != nil && r.state != ProcessDead {
			panic(&FatalError{Kind: FatalScheduler, Err: fmt.Errorf("%w: process %d in %v", ErrStuck, r.PID, r.state)})
		}
		vmLog.Warningf("%d processes waiting with nothing to wake them", len(vm.procs))
		return true, nil
	}

	vm.stats.Idle++
	ready, err := vm.waker.Wait(ctx, fds, deadline)
	if err != nil {
		if ctx.Err() != nil {
			return true, err
		}
		panic(&FatalError{Kind: FatalScheduler, Err: fmt.Errorf("idle wait: %w", err)})
	}
	if len(ready) > 0 {
		vm.readmitIO(ready)
	}
	return false, nil
}

// readmitIO wakes every process waiting on one of the ready descriptors.
func (vm *VM) readmitIO(ready []int) {
	isReady := make(map[int]bool, len(ready))
	for _, fd := range ready {
		isReady[fd] = true
	}
	for _, p := range vm.Processes() {
		if p.state != ProcessWaitIO {
			continue
		}
		for _, fd := range p.fds {
			if isReady[fd] {
				p.fds = nil
				vm.AddToRunQ(p, false)
				break
			}
		}
	}
}

// Halted reports whether the runtime has stopped.
func (vm *VM) Halted() bool { return vm.halted }
