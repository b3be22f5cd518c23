//go:build linux || darwin || freebsd || netbsd || openbsd

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// pollReady marks the input readable. POLLNVAL is included so that a read
// on a bad descriptor fails and closes the input instead of the loop
// spinning on it.
const pollReady = unix.POLLIN | unix.POLLHUP | unix.POLLERR | unix.POLLNVAL

// PollWaiter waits with poll(2).
type PollWaiter struct {
	pfds   []unix.PollFd
	wakeFd int
}

// NewPollWaiter creates a poll based waiter.
func NewPollWaiter() *PollWaiter {
	return &PollWaiter{wakeFd: -1}
}

// WakeOnDone makes Wait return as soon as ctx is done, including a wait
// with no timeout. A signal does not reliably interrupt poll on the thread
// that blocks in it. The returned function releases the wake pipe.
func (w *PollWaiter) WakeOnDone(ctx context.Context) (func(), error) {
	r, wr, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create wake pipe: %w", err)
	}

	w.wakeFd = int(r.Fd())
	stop := context.AfterFunc(ctx, func() {
		_, _ = wr.Write([]byte{0})
	})

	return func() {
		stop()
		w.wakeFd = -1
		_ = r.Close()
		_ = wr.Close()
	}, nil
}

// Wait implements Waiter. An interrupted poll returns with nothing ready so
// the caller recomputes its timeout.
func (w *PollWaiter) Wait(inputFd int, fds []int, timeout time.Duration) (bool, error) {
	w.pfds = w.pfds[:0]
	if inputFd >= 0 {
		w.pfds = append(w.pfds, unix.PollFd{Fd: int32(inputFd), Events: unix.POLLIN})
	}
	for _, fd := range fds {
		w.pfds = append(w.pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	if w.wakeFd >= 0 {
		w.pfds = append(w.pfds, unix.PollFd{Fd: int32(w.wakeFd), Events: unix.POLLIN})
	}

	_, err := unix.Poll(w.pfds, pollTimeout(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("poll: %w", err)
	}

	if inputFd >= 0 {
		return w.pfds[0].Revents&pollReady != 0, nil
	}
	return false, nil
}

// pollTimeout converts d to poll milliseconds, rounding up so a deadline is
// never polled for too short.
func pollTimeout(d time.Duration) int {
	if d < 0 {
		return -1
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
