//go:build linux || darwin || freebsd || netbsd || openbsd

package vm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// pollWaker blocks in poll(2) on the awaited descriptors plus the read end
// of a self-pipe that Wake writes to.
type pollWaker struct {
	r, w int
}

// NewWaker returns the poll(2) based waker. If the self-pipe cannot be
// created it falls back to a timer-only waker.
func NewWaker() Waker {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		vmLog.Warningf("self-pipe: %v; descriptor waits disabled", err)
		return NewTimerWaker()
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			vmLog.Warningf("self-pipe: %v; descriptor waits disabled", err)
			return NewTimerWaker()
		}
	}
	return &pollWaker{r: p[0], w: p[1]}
}

func (w *pollWaker) Wake() {
	// A full pipe already guarantees a wakeup.
	_, _ = unix.Write(w.w, []byte{0})
}

func (w *pollWaker) Wait(ctx context.Context, fds []int, deadline time.Time) ([]int, error) {
	stop := context.AfterFunc(ctx, w.Wake)
	defer stop()

	pfds := make([]unix.PollFd, 0, len(fds)+1)
	pfds = append(pfds, unix.PollFd{Fd: int32(w.r), Events: unix.POLLIN})
	for _, fd := range fds {
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	for {
		timeout := -1
		if !deadline.IsZero() {
			timeout = max(int(time.Until(deadline).Milliseconds()), 0)
		}
		_, err := unix.Poll(pfds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poll: %w", err)
		}
		break
	}

	if pfds[0].Revents != 0 {
		w.drain()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ready []int
	for _, pfd := range pfds[1:] {
		if pfd.Revents != 0 {
			ready = append(ready, int(pfd.Fd))
		}
	}
	return ready, nil
}

func (w *pollWaker) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases the self-pipe.
func (w *pollWaker) Close() error {
	unix.Close(w.r)
	return unix.Close(w.w)
}
