package vm

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var vmLog = commonlog.GetLogger("ember.vm")

// ---------------------------------------------------------------------------
// VM: one runtime instance
// ---------------------------------------------------------------------------

// VM owns the heap, the process table, the run queue and every table the
// collector has to scan. All of it is mutated only on the goroutine running
// the scheduler; other goroutines reach the VM through Inject.
type VM struct {
	ID      uuid.UUID
	Heap    *Heap
	Symbols *SymbolTable
	Escapes *EscapeTable

	// Coerce converts a value to the type named by a symbol. It backs the
	// coerce escape and may be replaced before the VM runs.
	Coerce CoerceFunc

	cfg   Config
	clock Clock
	waker Waker
	out   io.Writer

	procs   map[uint64]*Process
	nextPID uint64
	root    *Process
	current *Process
	runq    runQueue

	timers     *TimerQueue
	messages   messagePool
	nextLockID uint64
	names      map[string]Ref
	atomIDs    [numAtoms]uint32

	// asynchronous events, drained at safe points
	pending  atomic.Bool
	inboxMu  sync.Mutex
	inbox    []func(*VM)
	external atomic.Int32
	masked   int

	halted  bool
	exitErr error
	stats   VMStats
}

// VMStats counts scheduler and messaging events.
type VMStats struct {
	Forked       uint64
	Terminated   uint64
	Failed       uint64
	Delivered    uint64
	Expired      uint64
	Switches     uint64
	Instructions uint64
	Idle         uint64
	Injected     uint64
}

// Well-known atoms, materialized when the VM is created so that looking
// one up never allocates.
const (
	atomNil = iota
	atomTrue
	atomFalse
	atomTimeout
	atomExpired
	atomLease
	atomReply
	atomClosure
	atomError
	atomFailed
	atomDown
	atomDead
	atomOK

	numAtoms
)

var atomNames = [numAtoms]string{
	atomNil:     "[]",
	atomTrue:    "true",
	atomFalse:   "false",
	atomTimeout: "timeout",
	atomExpired: "expired",
	atomLease:   "lease",
	atomReply:   "reply",
	atomClosure: "closure",
	atomError:   "error",
	atomFailed:  "failed",
	atomDown:    "down",
	atomDead:    "dead",
	atomOK:      "ok",
}

// NewVM creates a runtime instance with an empty process table.
func NewVM(cfg Config) *VM {
	cfg = cfg.normalize()
	if cfg.Waker == nil {
		cfg.Waker = NewWaker()
	}
	vm := &VM{
		ID:      uuid.New(),
		Heap:    NewHeap(cfg),
		Symbols: NewSymbolTable(),
		Coerce:  DefaultCoerce,
		cfg:     cfg,
		clock:   cfg.Clock,
		waker:   cfg.Waker,
		out:     cfg.Out,
		procs:   make(map[uint64]*Process),
		timers:  NewTimerQueue(),
		names:   make(map[string]Ref),
	}
	vm.runq.init()
	vm.Escapes = NewEscapeTable()
	vm.Heap.AddScanner(vm.Symbols)
	vm.Heap.AddScanner(vm)
	vm.Heap.AddScanner(vm.Escapes)

	for i, name := range atomNames {
		vm.atomIDs[i] = vm.Symbols.Intern(name)
		vm.Symbols.Cell(vm.Heap, vm.atomIDs[i])
	}
	for _, e := range builtinEscapes {
		if err := vm.Escapes.Register(e.Code, e.Name, e.Arity, e.Privilege, e.Fn); err != nil {
			faultf("registering built-in escapes: %v", err)
		}
	}
	vmLog.Debugf("vm %s created: young=%d old=%d words", vm.ID, cfg.YoungWords, cfg.OldWords)
	return vm
}

// Close releases resources held by the waker.
func (vm *VM) Close() error {
	if c, ok := vm.waker.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Config returns the normalized configuration.
func (vm *VM) Config() Config { return vm.cfg }

// Clock returns the clock used for timers and leases.
func (vm *VM) Clock() Clock { return vm.clock }

// Stats returns the scheduler counters.
func (vm *VM) Stats() VMStats { return vm.stats }

// atom returns the cell of a well-known atom.
func (vm *VM) atom(id int) Ref {
	return vm.Symbols.Cell(vm.Heap, vm.atomIDs[id])
}

// Nil returns the empty list.
func (vm *VM) Nil() Ref { return vm.atom(atomNil) }

// Bool returns the true or false atom.
func (vm *VM) Bool(b bool) Ref {
	if b {
		return vm.atom(atomTrue)
	}
	return vm.atom(atomFalse)
}

// Symbol returns the interned cell of name. It may allocate.
func (vm *VM) Symbol(name string) Ref {
	return vm.Symbols.InternCell(vm.Heap, name)
}

// SymbolName returns the text of a symbol cell.
func (vm *VM) SymbolName(r Ref) string {
	return vm.Symbols.Name(vm.Heap.SymbolID(r))
}

// List builds a proper list of items. It may allocate; items are rooted
// while the list is built.
func (vm *VM) List(items ...Ref) Ref {
	h := vm.Heap
	for i := range items {
		h.PushRoot(&items[i])
	}
	list := vm.Nil()
	h.PushRoot(&list)
	for i := len(items) - 1; i >= 0; i-- {
		list = h.NewPair(items[i], list)
	}
	h.PopRoot(&list)
	for i := len(items) - 1; i >= 0; i-- {
		h.PopRoot(&items[i])
	}
	return list
}

// ---------------------------------------------------------------------------
// Process table
// ---------------------------------------------------------------------------

// Process returns the live process with the given pid.
func (vm *VM) Process(pid uint64) *Process { return vm.procs[pid] }

// Processes returns the live processes ordered by pid.
func (vm *VM) Processes() []*Process {
	ps := make([]*Process, 0, len(vm.procs))
	for _, p := range vm.procs {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].PID < ps[j].PID })
	return ps
}

// Root returns the root process, which stays reachable after it dies.
func (vm *VM) Root() *Process { return vm.root }

// Current returns the process executing instructions, if any.
func (vm *VM) Current() *Process { return vm.current }

// processOf returns the live process named by a handle cell.
func (vm *VM) processOf(handle Ref) *Process {
	handle = vm.Heap.Deref(handle)
	if handle == NoRef || vm.Heap.Tag(handle) != TagProcess || !vm.Heap.HandleBound(handle) {
		return nil
	}
	return vm.procs[vm.Heap.ProcessID(handle)]
}

// Register binds a name to a process handle, replacing any previous
// binding.
func (vm *VM) Register(name string, handle Ref) error {
	if vm.processOf(handle) == nil {
		return fmt.Errorf("register %q: not a live process", name)
	}
	vm.names[name] = vm.Heap.Deref(handle)
	return nil
}

// Whereis returns the handle registered under name. Names of dead
// processes resolve to nothing.
func (vm *VM) Whereis(name string) (Ref, bool) {
	r, ok := vm.names[name]
	if !ok {
		return NoRef, false
	}
	if vm.processOf(r) == nil {
		delete(vm.names, name)
		return NoRef, false
	}
	return r, true
}

// ScanRoots reports the references held by the process table, the root
// process and the name registry.
func (vm *VM) ScanRoots(visit func(*Ref)) {
	for _, p := range vm.procs {
		p.ScanRoots(visit)
	}
	if vm.root != nil && vm.root.state == ProcessDead {
		vm.root.ScanRoots(visit)
	}
	for name, r := range vm.names {
		visit(&r)
		vm.names[name] = r
	}
}

// ---------------------------------------------------------------------------
// Asynchronous events
// ---------------------------------------------------------------------------

// Inject queues fn to run on the scheduler goroutine at the next safe
// point and wakes the scheduler if it is idle. It is safe to call from any
// goroutine.
func (vm *VM) Inject(fn func(*VM)) {
	vm.inboxMu.Lock()
	vm.inbox = append(vm.inbox, fn)
	vm.inboxMu.Unlock()
	vm.pending.Store(true)
	vm.waker.Wake()
}

// Attach records an external event source such as a gateway. While one is
// attached, processes waiting for messages are not considered stuck.
func (vm *VM) Attach() { vm.external.Add(1) }

// Detach undoes Attach.
func (vm *VM) Detach() {
	vm.external.Add(-1)
	vm.waker.Wake()
}

func (vm *VM) maskEvents() { vm.masked++ }

func (vm *VM) unmaskEvents() {
	if vm.masked == 0 {
		faultf("event mask underflow")
	}
	vm.masked--
}

// drainPending runs injected events. It must only be called at a safe
// point.
func (vm *VM) drainPending() {
	if !vm.pending.Swap(false) {
		return
	}
	if vm.masked > 0 {
		faultf("events drained while masked")
	}
	vm.inboxMu.Lock()
	events := vm.inbox
	vm.inbox = nil
	vm.inboxMu.Unlock()
	for _, fn := range events {
		vm.stats.Injected++
		fn(vm)
	}
}

func (vm *VM) hasPending() bool {
	vm.inboxMu.Lock()
	defer vm.inboxMu.Unlock()
	return len(vm.inbox) > 0
}
