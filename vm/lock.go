package vm

// ---------------------------------------------------------------------------
// Lock: reentrant lock with a FIFO wait queue
// ---------------------------------------------------------------------------

// Lock is a reentrant lock owned by at most one process. Contenders wait in
// FIFO order; sleepers are processes that called Wait and are woken by the
// next release. Locks reach the heap as foreign cells.
type Lock struct {
	id       uint64
	owner    *Process
	count    int
	waiters  []*Process
	sleepers []*Process
}

// Owner returns the owning process or nil.
func (l *Lock) Owner() *Process { return l.owner }

// Count returns the reentrancy count.
func (l *Lock) Count() int { return l.count }

// Waiters returns the PIDs of blocked contenders and sleepers, in order.
func (l *Lock) Waiters() []uint64 {
	var pids []uint64
	for _, p := range l.waiters {
		pids = append(pids, p.PID)
	}
	for _, p := range l.sleepers {
		pids = append(pids, p.PID)
	}
	return pids
}

// NewLock creates an unowned lock.
func (vm *VM) NewLock() *Lock {
	vm.nextLockID++
	return &Lock{id: vm.nextLockID}
}

// lockOf returns the lock wrapped by a foreign cell, or nil.
func (vm *VM) lockOf(r Ref) *Lock {
	r = vm.Heap.Deref(r)
	if r == NoRef || vm.Heap.Tag(r) != TagForeign {
		return nil
	}
	l, _ := vm.Heap.ForeignValue(r).(*Lock)
	return l
}

// Acquire takes l for p. It returns false after blocking p when another
// process owns l; the caller retries once p runs again.
func (vm *VM) Acquire(l *Lock, p *Process) bool {
	switch l.owner {
	case nil:
		l.owner = p
		l.count = 1
		p.held = append(p.held, l)
		return true
	case p:
		l.count++
		return true
	}
	vm.enqueueLockWait(l, p, false)
	return false
}

// Release drops one level of ownership. Releasing a lock with count 0 has
// no effect. When the count reaches zero every waiter and sleeper is woken
// to contend again. It returns false if p holds l but is not the owner.
func (vm *VM) Release(l *Lock, p *Process) bool {
	if l.count == 0 {
		return true
	}
	if l.owner != p {
		return false
	}
	l.count--
	if l.count == 0 {
		l.owner = nil
		p.held = removeLock(p.held, l)
		vm.wakeLock(l, true)
	}
	return true
}

// Wait releases l completely on behalf of its owner p and blocks p until a
// later release. The reentrancy count is restored when p re-acquires.
func (vm *VM) Wait(l *Lock, p *Process) bool {
	if l.owner != p {
		return false
	}
	p.lockRestore = l.count
	l.owner = nil
	l.count = 0
	p.held = removeLock(p.held, l)
	vm.wakeLock(l, false)
	vm.enqueueLockWait(l, p, true)
	return true
}

// reacquire completes a Wait for p once it has been woken.
func (vm *VM) reacquire(l *Lock, p *Process) bool {
	if l.owner != nil && l.owner != p {
		vm.enqueueLockWait(l, p, false)
		return false
	}
	l.owner = p
	l.count = p.lockRestore
	p.lockRestore = 0
	p.held = append(p.held, l)
	return true
}

func (vm *VM) enqueueLockWait(l *Lock, p *Process, sleeper bool) {
	if p.lockWait != nil && p.lockWait != l {
		faultf("process %d: already waiting on lock %d", p.PID, p.lockWait.id)
	}
	if p.lockWait == nil {
		if sleeper {
			l.sleepers = append(l.sleepers, p)
		} else {
			l.waiters = append(l.waiters, p)
		}
	}
	p.lockWait = l
	vm.RemoveFromRunQ(p, ProcessWaitLock)
}

// wakeLock readmits every contender in FIFO order, and the sleepers too
// when includeSleepers is set.
func (vm *VM) wakeLock(l *Lock, includeSleepers bool) {
	woken := l.waiters
	l.waiters = nil
	if includeSleepers {
		woken = append(woken, l.sleepers...)
		l.sleepers = nil
	}
	for _, w := range woken {
		w.lockWait = nil
		if w.state == ProcessWaitLock {
			vm.AddToRunQ(w, false)
		}
	}
}

// abandonLocks removes p from any wait queue and releases every lock it
// owns. It is called when p terminates.
func (vm *VM) abandonLocks(p *Process) {
	if l := p.lockWait; l != nil {
		l.waiters = removeProcess(l.waiters, p)
		l.sleepers = removeProcess(l.sleepers, p)
		p.lockWait = nil
	}
	held := p.held
	p.held = nil
	for _, l := range held {
		l.owner = nil
		l.count = 0
		vm.wakeLock(l, true)
	}
}

func removeProcess(list []*Process, p *Process) []*Process {
	for i, q := range list {
		if q == p {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func removeLock(list []*Lock, l *Lock) []*Lock {
	for i, m := range list {
		if m == l {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
