package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/chazu/ember/vm"
)

// ErrWorkerStopped is returned by Do after Stop.
var ErrWorkerStopped = errors.New("worker stopped")

// vmResult holds the return value from a VM operation.
type vmResult struct {
	value any
	err   error
}

// VMWorker serializes all VM access onto the scheduler goroutine. The
// runtime is single-threaded; every gRPC handler goes through the worker,
// whose closures run between instructions at the scheduler's next safe
// point.
type VMWorker struct {
	vm   *vm.VM
	quit chan struct{}
}

// NewVMWorker creates a VMWorker for a runtime whose scheduler runs
// elsewhere. While the worker exists, processes waiting for messages are
// not treated as stuck.
func NewVMWorker(v *vm.VM) *VMWorker {
	v.Attach()
	return &VMWorker{vm: v, quit: make(chan struct{})}
}

// execute runs a function on the VM, recovering from panics. Fatal
// runtime errors are re-raised so the scheduler stops.
func execute(v *vm.VM, fn func(*vm.VM) (any, error)) (result vmResult) {
	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(*vm.FatalError); ok {
				panic(fe)
			}
			result.err = fmt.Errorf("%v", r)
		}
	}()
	result.value, result.err = fn(v)
	return result
}

// Do submits a function for execution on the scheduler goroutine and
// blocks until it completes or ctx is done. A function abandoned by ctx
// may still run later.
func (w *VMWorker) Do(ctx context.Context, fn func(*vm.VM) (any, error)) (any, error) {
	select {
	case <-w.quit:
		return nil, ErrWorkerStopped
	default:
	}
	done := make(chan vmResult, 1)
	w.vm.Inject(func(v *vm.VM) {
		done <- execute(v, fn)
	})
	select {
	case result := <-done:
		return result.value, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
}

// Stop shuts down the worker.
func (w *VMWorker) Stop() {
	select {
	case <-w.quit:
		return
	default:
	}
	close(w.quit)
	w.vm.Detach()
}

// VM returns the underlying VM. Only fields that never change while the
// scheduler runs, such as ID, may be read directly.
func (w *VMWorker) VM() *vm.VM {
	return w.vm
}
