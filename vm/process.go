package vm

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Process: a cooperative thread of control
// ---------------------------------------------------------------------------

// ProcessState represents the scheduling state of a process.
type ProcessState int

const (
	ProcessQuiescent ProcessState = iota
	ProcessRunnable
	ProcessWaitIO
	ProcessWaitMsg
	ProcessWaitTimer
	ProcessWaitLock
	ProcessWaitChild
	ProcessDead
)

var processStateNames = [...]string{
	ProcessQuiescent: "quiescent",
	ProcessRunnable:  "runnable",
	ProcessWaitIO:    "wait_io",
	ProcessWaitMsg:   "wait_msg",
	ProcessWaitTimer: "wait_timer",
	ProcessWaitLock:  "wait_lock",
	ProcessWaitChild: "wait_child",
	ProcessDead:      "dead",
}

func (s ProcessState) String() string {
	if int(s) < len(processStateNames) {
		return processStateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Waiting reports whether s is one of the blocked states.
func (s ProcessState) Waiting() bool {
	return s >= ProcessWaitIO && s <= ProcessWaitChild
}

// Frame is the saved caller state pushed by a call. FP is an offset into
// the value stack, so growing the stack never invalidates it.
type Frame struct {
	ReturnPC int
	Code     Ref
	Env      Ref
	FP       int
}

// Handler is an installed error block. Frames and SP record the depth of
// the frame and value stacks when the block was entered.
type Handler struct {
	RecoveryPC int
	Frames     int
	SP         int
}

// Process is the scheduling record of one cooperative process. Its
// registers are kept here rather than in Go locals so every collection sees
// them.
type Process struct {
	PID       uint64
	Handle    Ref
	Name      string
	Privilege int

	state ProcessState

	// registers
	pc   int
	fp   int
	code Ref
	env  Ref

	stack    []Ref
	frames   []Frame
	handlers []Handler

	mailbox Mailbox
	lastSeq uint64

	creator *Process
	mailer  Ref
	quota   *Quota
	ticks   int64

	// run queue links
	prev, next *Process
	queued     bool

	// wait bookkeeping
	lockWait    *Lock
	lockRestore int
	held        []*Lock
	fds         []int
	timedOut    bool
	joiners     []*Process
	joined      bool
	joinResult  Ref
	watchers    []*Process
	quotaFault  bool

	// exit values of terminated children, by pid, until joined; exitOrder
	// holds their pids oldest first
	exits     map[uint64]Ref
	exitOrder []uint64

	// absolute end of the current timed receive, zero when none
	recvDeadline time.Time

	result  Ref
	errVal  Ref
	failed  bool
	outcome string
}

// State returns the scheduling state.
func (p *Process) State() ProcessState { return p.state }

// Quota returns the quota charged for this process, nil when unlimited.
func (p *Process) Quota() *Quota { return p.quota }

// Mailbox returns the process mailbox.
func (p *Process) Mailbox() *Mailbox { return &p.mailbox }

// PC returns the program counter.
func (p *Process) PC() int { return p.pc }

// StackDepth returns the number of values on the evaluation stack.
func (p *Process) StackDepth() int { return len(p.stack) }

// FrameDepth returns the number of saved call frames.
func (p *Process) FrameDepth() int { return len(p.frames) }

// Result returns the value the process terminated with.
func (p *Process) Result() Ref { return p.result }

// ErrorValue returns the error that terminated the process, or NoRef.
func (p *Process) ErrorValue() Ref { return p.errVal }

// Failed reports whether the process terminated with an error.
func (p *Process) Failed() bool { return p.failed }

// Outcome returns the formatted result or error of a dead process. Unlike
// Result it stays meaningful after later collections.
func (p *Process) Outcome() string { return p.outcome }

// Ticks returns the instructions executed by the process.
func (p *Process) Ticks() int64 { return p.ticks }

func (p *Process) String() string {
	if p.Name != "" {
		return fmt.Sprintf("<%d %s>", p.PID, p.Name)
	}
	return fmt.Sprintf("<%d>", p.PID)
}

func (p *Process) push(v Ref) {
	p.stack = append(p.stack, v)
}

func (p *Process) pop() Ref {
	n := len(p.stack)
	if n == 0 {
		faultf("process %d: stack underflow", p.PID)
	}
	v := p.stack[n-1]
	p.stack[n-1] = NoRef
	p.stack = p.stack[:n-1]
	return v
}

// peek returns the value depth slots below the top of the stack.
func (p *Process) peek(depth int) Ref {
	n := len(p.stack)
	if depth >= n {
		faultf("process %d: stack underflow", p.PID)
	}
	return p.stack[n-1-depth]
}

// drop discards n values.
func (p *Process) drop(n int) {
	if n > len(p.stack) {
		faultf("process %d: stack underflow", p.PID)
	}
	clear(p.stack[len(p.stack)-n:])
	p.stack = p.stack[:len(p.stack)-n]
}

// truncate shrinks the stack to depth.
func (p *Process) truncate(depth int) {
	if depth < len(p.stack) {
		clear(p.stack[depth:])
		p.stack = p.stack[:depth]
	}
}

// exitHistory bounds how many unjoined child results a process keeps. A
// join for an older child answers dead.
const exitHistory = 64

// recordExit keeps result for a later join of child pid, dropping the
// oldest entries beyond exitHistory.
func (p *Process) recordExit(pid uint64, result Ref) {
	if p.exits == nil {
		p.exits = make(map[uint64]Ref)
	}
	p.exits[pid] = result
	p.exitOrder = append(p.exitOrder, pid)
	for len(p.exits) > exitHistory && len(p.exitOrder) > 0 {
		delete(p.exits, p.exitOrder[0])
		p.exitOrder = p.exitOrder[1:]
	}
	if len(p.exitOrder) > 2*exitHistory {
		kept := make([]uint64, 0, len(p.exits))
		for _, pid := range p.exitOrder {
			if _, ok := p.exits[pid]; ok {
				kept = append(kept, pid)
			}
		}
		p.exitOrder = kept
	}
}

// ScanRoots reports every reference held by the process: registers, the
// value stack, saved frames and mailbox contents.
func (p *Process) ScanRoots(visit func(*Ref)) {
	for _, r := range []*Ref{&p.Handle, &p.code, &p.env, &p.mailer, &p.result, &p.errVal, &p.joinResult} {
		if *r != NoRef {
			visit(r)
		}
	}
	for pid, v := range p.exits {
		visit(&v)
		p.exits[pid] = v
	}
	for i := range p.stack {
		if p.stack[i] != NoRef {
			visit(&p.stack[i])
		}
	}
	for i := range p.frames {
		f := &p.frames[i]
		if f.Code != NoRef {
			visit(&f.Code)
		}
		if f.Env != NoRef {
			visit(&f.Env)
		}
	}
	p.mailbox.scanRoots(visit)
}
