package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// testConfig returns a small heap so that ordinary tests collect often.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.YoungWords = 1 << 10
	cfg.OldWords = 1 << 12
	cfg.Out = io.Discard
	return cfg
}

// simConfig is testConfig driven by a manual clock.
func simConfig(start time.Time) (Config, *ManualClock) {
	cfg := testConfig()
	clock := NewManualClock(start)
	cfg.Clock = clock
	cfg.Waker = NewSimulatedWaker(clock)
	return cfg, clock
}

func newTestVM(t *testing.T, cfg Config) *VM {
	t.Helper()
	v := NewVM(cfg)
	t.Cleanup(func() { v.Close() })
	return v
}

func run(t *testing.T, v *VM) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := v.Run(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("scheduler did not finish")
	}
	return err
}

// runRoot boots code as the root process and runs until every process is
// gone.
func runRoot(t *testing.T, v *VM, code Ref) *Process {
	t.Helper()
	root, err := v.Boot(code)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if err := run(t, v); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return root
}

// forkIdle forks n processes that return at once, without running them.
func forkIdle(t *testing.T, v *VM, n int) []*Process {
	t.Helper()
	code := Proc(0).Op(OpRet).MustAssemble(v)
	v.Heap.PushRoot(&code)
	defer v.Heap.PopRoot(&code)
	ps := make([]*Process, n)
	for i := range ps {
		p, err := v.Fork(code, nil, ForkOptions{})
		if err != nil {
			t.Fatalf("Fork: %v", err)
		}
		ps[i] = p
	}
	return ps
}

func pids(ps ...*Process) []uint64 {
	out := make([]uint64, len(ps))
	for i, p := range ps {
		out[i] = p.PID
	}
	return out
}

func equalPIDs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// VM tests
// ---------------------------------------------------------------------------

func TestNewVM(t *testing.T) {
	v := newTestVM(t, testConfig())
	if v.Heap == nil || v.Symbols == nil || v.Escapes == nil {
		t.Fatal("NewVM left a table uninitialized")
	}
	if got := v.Format(v.Nil()); got != "[]" {
		t.Errorf("Nil() = %s, want []", got)
	}
	if v.Bool(true) == v.Bool(false) {
		t.Error("true and false share a cell")
	}
	if v.Symbol("true") != v.Bool(true) {
		t.Error("Symbol(true) is not the true atom")
	}
	if len(v.Processes()) != 0 || v.Root() != nil {
		t.Error("new VM has processes")
	}
}

func TestAtomsSurviveCollection(t *testing.T) {
	v := newTestVM(t, testConfig())
	v.Heap.Collect(true)
	after := v.Nil()
	if after.IsYoung() {
		t.Error("atom still young after collection")
	}
	if v.SymbolName(after) != "[]" {
		t.Errorf("SymbolName = %q, want []", v.SymbolName(after))
	}
}

func TestRunQueueOrder(t *testing.T) {
	v := newTestVM(t, testConfig())
	ps := forkIdle(t, v, 3)

	if got, want := v.RunQueue(), pids(ps...); !equalPIDs(got, want) {
		t.Fatalf("run queue = %v, want %v", got, want)
	}

	// Re-admitting a queued process leaves it in place.
	v.AddToRunQ(ps[2], true)
	if got, want := v.RunQueue(), pids(ps...); !equalPIDs(got, want) {
		t.Errorf("run queue after re-admit = %v, want %v", got, want)
	}

	v.RemoveFromRunQ(ps[1], ProcessWaitMsg)
	if got, want := v.RunQueue(), pids(ps[0], ps[2]); !equalPIDs(got, want) {
		t.Errorf("run queue after remove = %v, want %v", got, want)
	}

	// A delivery to a waiting process resumes it at the front.
	if seq := v.Deliver(ps[1].Handle, NoRef, v.Nil(), SendOptions{}); seq != 1 {
		t.Errorf("seq = %d, want 1", seq)
	}
	if got, want := v.RunQueue(), pids(ps[1], ps[0], ps[2]); !equalPIDs(got, want) {
		t.Errorf("run queue after delivery = %v, want %v", got, want)
	}
	if ps[1].State() != ProcessRunnable {
		t.Errorf("state = %v, want runnable", ps[1].State())
	}
}

func TestRegisterWhereis(t *testing.T) {
	v := newTestVM(t, testConfig())
	ps := forkIdle(t, v, 1)

	if err := v.Register("worker", ps[0].Handle); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r, ok := v.Whereis("worker")
	if !ok || v.Heap.ProcessID(r) != ps[0].PID {
		t.Fatalf("Whereis = %v, %v", r, ok)
	}
	if err := v.Register("bad", v.Nil()); err == nil {
		t.Error("Register accepted a non-handle")
	}

	if err := run(t, v); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := v.Whereis("worker"); ok {
		t.Error("name of a dead process still resolves")
	}
	if seq := v.Deliver(ps[0].Handle, NoRef, v.Nil(), SendOptions{}); seq != 0 {
		t.Errorf("delivery to dead process got seq %d", seq)
	}
}

func TestInject(t *testing.T) {
	v := newTestVM(t, testConfig())
	code := Func(0).Receive(false, false).Op(OpRetV).MustAssemble(v)
	root, err := v.Boot(code)
	if err != nil {
		t.Fatal(err)
	}

	v.Attach()
	go func() {
		time.Sleep(10 * time.Millisecond)
		v.Inject(func(v *VM) {
			payload := v.Heap.NewInt(99)
			v.Deliver(root.Handle, NoRef, payload, SendOptions{})
			v.Detach()
		})
	}()
	if err := run(t, v); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if root.Outcome() != "99" {
		t.Errorf("outcome = %s, want 99", root.Outcome())
	}
	if v.Stats().Injected != 1 {
		t.Errorf("injected = %d, want 1", v.Stats().Injected)
	}
}

func TestStuckRootIsFatal(t *testing.T) {
	forever := Func(0).Receive(false, false).Op(OpRetV)
	tests := []struct {
		name  string
		code  *Assembler
		state ProcessState
	}{
		{"receive", Func(0).Receive(false, false).Op(OpRetV), ProcessWaitMsg},
		{"join of a waiting child",
			Func(0).PushLit(forever).OpA(OpSpawn, 0).Op(OpJoin).Op(OpRetV),
			ProcessWaitChild},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVM(t, testConfig())
			root, err := v.Boot(tt.code.MustAssemble(v))
			if err != nil {
				t.Fatal(err)
			}
			err = run(t, v)
			var fe *FatalError
			if !errors.As(err, &fe) || fe.Kind != FatalScheduler || !errors.Is(err, ErrStuck) {
				t.Errorf("Run error = %v, want %v", err, ErrStuck)
			}
			if root.State() != tt.state {
				t.Errorf("state = %v, want %v", root.State(), tt.state)
			}
			if !v.Halted() {
				t.Error("stuck root did not halt the runtime")
			}
		})
	}
}

func TestStuckWithoutRootStops(t *testing.T) {
	v := newTestVM(t, testConfig())
	code := Func(0).Receive(false, false).Op(OpRetV).MustAssemble(v)
	p, err := v.Fork(code, nil, ForkOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := run(t, v); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	if p.State() != ProcessWaitMsg {
		t.Errorf("state = %v, want %v", p.State(), ProcessWaitMsg)
	}
}

func TestIdleWaitErrorIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Waker = NewTimerWaker()
	cfg.RootPrivilege = PrivilegeSystem
	v := newTestVM(t, cfg)
	code := Func(0).PushInt(0).Escape(EscAwaitFD, 1).Op(OpRetV)
	root, err := v.Boot(code.MustAssemble(v))
	if err != nil {
		t.Fatal(err)
	}
	err = run(t, v)
	var fe *FatalError
	if !errors.As(err, &fe) || fe.Kind != FatalScheduler || !errors.Is(err, ErrFDUnsupported) {
		t.Errorf("Run error = %v, want %v", err, ErrFDUnsupported)
	}
	if root.State() != ProcessWaitIO {
		t.Errorf("state = %v, want %v", root.State(), ProcessWaitIO)
	}
}

func TestBootTwice(t *testing.T) {
	v := newTestVM(t, testConfig())
	code := Func(0).PushInt(1).Op(OpRetV).MustAssemble(v)
	v.Heap.PushRoot(&code)
	defer v.Heap.PopRoot(&code)
	if _, err := v.Boot(code); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Boot(code); err == nil {
		t.Error("second Boot succeeded")
	}
	if _, err := v.Fork(v.Nil(), nil, ForkOptions{}); err == nil {
		t.Error("Fork of a non-callable succeeded")
	}
	if _, err := v.Fork(code, []Ref{v.Nil()}, ForkOptions{}); err == nil {
		t.Error("Fork with wrong arity succeeded")
	}
}

func TestExitHistoryIsBounded(t *testing.T) {
	tests := []struct {
		name     string
		children int
		joined   []uint64
		wantLen  int
		oldest   uint64 // smallest pid still kept
	}{
		{"under the bound", 10, nil, 10, 1},
		{"at the bound", exitHistory, nil, exitHistory, 1},
		{"over the bound", exitHistory + 36, nil, exitHistory, 37},
		{"joined entries make room", exitHistory + 2, []uint64{1, 2}, exitHistory, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Process{PID: 1000}
			joined := make(map[uint64]bool)
			for _, pid := range tt.joined {
				joined[pid] = true
			}
			for pid := uint64(1); pid <= uint64(tt.children); pid++ {
				p.recordExit(pid, Ref(pid))
				if joined[pid] {
					delete(p.exits, pid)
				}
			}
			if len(p.exits) != tt.wantLen {
				t.Errorf("len(exits) = %d, want %d", len(p.exits), tt.wantLen)
			}
			if len(p.exitOrder) > 2*exitHistory {
				t.Errorf("len(exitOrder) = %d, want at most %d", len(p.exitOrder), 2*exitHistory)
			}
			if _, ok := p.exits[tt.oldest]; !ok {
				t.Errorf("exit of %d dropped, want kept", tt.oldest)
			}
			if tt.oldest > 1 {
				if _, ok := p.exits[tt.oldest-1]; ok && !joined[tt.oldest-1] {
					t.Errorf("exit of %d kept, want dropped", tt.oldest-1)
				}
			}
		})
	}
}

func TestUnjoinedChildrenDoNotAccumulate(t *testing.T) {
	const n = exitHistory + 36
	v := newTestVM(t, testConfig())
	var noted []string
	note := func(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
		noted = append(noted, vm.Format(args[0]))
		return vm.Nil(), EscContinue
	}
	kept := func(vm *VM, p *Process, args []Ref) (Ref, EscResult) {
		return vm.Heap.NewInt(int64(len(p.exits))), EscContinue
	}
	if err := v.Escapes.Register(700, "note", 1, PrivilegeUser, note); err != nil {
		t.Fatal(err)
	}
	if err := v.Escapes.Register(701, "kept-exits", 0, PrivilegeUser, kept); err != nil {
		t.Fatal(err)
	}

	child := Func(1).Load(0).Op(OpRetV)
	code := Func(0).
		PushLit(child).PushInt(0).OpA(OpSpawn, 1).Store(3).
		PushInt(1).Store(1).
		Label("loop").
		Load(1).PushInt(n).Op(OpLT).Jump(OpJumpFalse, "done").
		PushLit(child).Load(1).OpA(OpSpawn, 1).Store(2).
		Load(1).PushInt(1).Op(OpAdd).Store(1).
		Jump(OpJump, "loop").
		Label("done").
		Op(OpYield).
		Escape(701, 0).Escape(700, 1).Op(OpPOP).
		Load(2).Op(OpJoin).Escape(700, 1).Op(OpPOP).
		Load(3).Op(OpJoin).Escape(700, 1).Op(OpPOP).
		PushLit(Sym("ok")).Op(OpRetV)

	root := runRoot(t, v, code.MustAssemble(v))
	if root.Outcome() != "ok" {
		t.Fatalf("result = %s, want ok", root.Outcome())
	}
	want := []string{fmt.Sprint(exitHistory), fmt.Sprint(n - 1), "dead"}
	if fmt.Sprint(noted) != fmt.Sprint(want) {
		t.Errorf("noted = %v, want %v", noted, want)
	}
}
