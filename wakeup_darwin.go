//go:build darwin

package fiberscheduler

import (
	"golang.org/x/sys/unix"
)

// wakeupHandle is a cross-thread, signal-safe way to break a blocking poll
// step from outside the owning goroutine (spec §4.A), backed by a
// self-pipe, matching eventloop/wakeup_darwin.go (Darwin has no eventfd
// equivalent).
type wakeupHandle struct {
	readFd  int
	writeFd int
}

func newWakeupHandle() (*wakeupHandle, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &wakeupHandle{readFd: fds[0], writeFd: fds[1]}, nil
}

func (w *wakeupHandle) readFD() int {
	return w.readFd
}

// signal wakes a poll step blocked on w's read end. Safe to call
// concurrently from any goroutine; a full pipe buffer means a signal is
// already pending, so a failed non-blocking write is not an error.
func (w *wakeupHandle) signal() {
	buf := [1]byte{1}
	_, _ = unix.Write(w.writeFd, buf[:])
}

// drain empties the pipe after a readable notification.
func (w *wakeupHandle) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.readFd, buf[:])
		if err != nil || n == 0 {
			return
		}
	}
}

func (w *wakeupHandle) close() error {
	_ = unix.Close(w.writeFd)
	return unix.Close(w.readFd)
}
