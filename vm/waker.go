package vm

import (
	"context"
	"errors"
	"time"
)

// ---------------------------------------------------------------------------
// Waker: idle blocking
// ---------------------------------------------------------------------------

// Waker blocks an idle scheduler until one of fds is readable, the
// deadline passes (a zero deadline means none), or Wake is called from
// another goroutine. Wait returns the descriptors that became ready.
type Waker interface {
	Wait(ctx context.Context, fds []int, deadline time.Time) ([]int, error)
	Wake()
}

// ErrFDUnsupported is returned by wakers that cannot watch descriptors.
var ErrFDUnsupported = errors.New("waker cannot watch file descriptors")

// chanWaker waits on timers and wakeups only.
type chanWaker struct {
	wake chan struct{}
}

// NewTimerWaker returns a Waker that supports deadlines and Wake but no
// file descriptors.
func NewTimerWaker() Waker {
	return &chanWaker{wake: make(chan struct{}, 1)}
}

func (w *chanWaker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *chanWaker) Wait(ctx context.Context, fds []int, deadline time.Time) ([]int, error) {
	if len(fds) > 0 {
		return nil, ErrFDUnsupported
	}
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.wake:
	case <-timeout:
	}
	return nil, nil
}

// SimulatedWaker drives a ManualClock: waiting for a deadline advances the
// clock to it at once. Ready, when set, decides which descriptors are
// ready.
type SimulatedWaker struct {
	Clock *ManualClock
	Ready func(fds []int) []int

	wake chan struct{}
}

// NewSimulatedWaker returns a waker bound to clock.
func NewSimulatedWaker(clock *ManualClock) *SimulatedWaker {
	return &SimulatedWaker{Clock: clock, wake: make(chan struct{}, 1)}
}

func (w *SimulatedWaker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *SimulatedWaker) Wait(ctx context.Context, fds []int, deadline time.Time) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w.Ready != nil && len(fds) > 0 {
		if ready := w.Ready(fds); len(ready) > 0 {
			return ready, nil
		}
	}
	if !deadline.IsZero() {
		w.Clock.Set(deadline)
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.wake:
	}
	return nil, nil
}
