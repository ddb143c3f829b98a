//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package vm

// NewWaker returns a timer-only waker on platforms without poll(2).
func NewWaker() Waker {
	return NewTimerWaker()
}
