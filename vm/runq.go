package vm

// ---------------------------------------------------------------------------
// Run queue: circular doubly-linked list of runnable processes
// ---------------------------------------------------------------------------

// runQueue links processes through their prev/next fields around a
// sentinel. It is only mutated on the scheduler goroutine, and never while
// external events are being drained.
type runQueue struct {
	sentinel Process
	n        int
}

func (q *runQueue) init() {
	q.sentinel.next = &q.sentinel
	q.sentinel.prev = &q.sentinel
}

func (q *runQueue) empty() bool { return q.sentinel.next == &q.sentinel }

func (q *runQueue) front() *Process {
	if q.empty() {
		return nil
	}
	return q.sentinel.next
}

func (q *runQueue) insertAfter(at, p *Process) {
	p.prev = at
	p.next = at.next
	at.next.prev = p
	at.next = p
	p.queued = true
	q.n++
}

func (q *runQueue) unlink(p *Process) {
	p.prev.next = p.next
	p.next.prev = p.prev
	p.prev, p.next = nil, nil
	p.queued = false
	q.n--
}

// each calls fn for every queued process from front to back.
func (q *runQueue) each(fn func(*Process)) {
	for p := q.sentinel.next; p != &q.sentinel; p = p.next {
		fn(p)
	}
}

// AddToRunQ makes p runnable and inserts it at the front or back of the
// run queue. Front insertion is reserved for resume-immediately wakeups.
func (vm *VM) AddToRunQ(p *Process, front bool) {
	if p.state == ProcessDead {
		faultf("process %d: dead process re-admitted", p.PID)
	}
	vm.maskEvents()
	defer vm.unmaskEvents()
	p.state = ProcessRunnable
	if p.queued {
		return
	}
	if front {
		vm.runq.insertAfter(&vm.runq.sentinel, p)
	} else {
		vm.runq.insertAfter(vm.runq.sentinel.prev, p)
	}
}

// RemoveFromRunQ detaches p and records why.
func (vm *VM) RemoveFromRunQ(p *Process, reason ProcessState) {
	vm.maskEvents()
	defer vm.unmaskEvents()
	if p.queued {
		vm.runq.unlink(p)
	}
	p.state = reason
}

// rotate moves a still-runnable process to the back of the queue.
func (vm *VM) rotate(p *Process) {
	if p.queued {
		vm.runq.unlink(p)
	}
	vm.runq.insertAfter(vm.runq.sentinel.prev, p)
}

// RunQueue returns the PIDs of runnable processes in queue order.
func (vm *VM) RunQueue() []uint64 {
	var pids []uint64
	vm.runq.each(func(p *Process) { pids = append(pids, p.PID) })
	return pids
}
