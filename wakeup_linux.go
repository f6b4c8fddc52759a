//go:build linux

package fiberscheduler

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// wakeupHandle is a cross-thread, signal-safe way to break a blocking poll
// step from outside the owning goroutine (spec §4.A: "async-wakeup: a
// cross-thread, signal-safe watcher"), backed by a Linux eventfd, matching
// eventloop/wakeup_linux.go.
type wakeupHandle struct {
	fd int
}

func newWakeupHandle() (*wakeupHandle, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &wakeupHandle{fd: fd}, nil
}

func (w *wakeupHandle) readFD() int {
	return w.fd
}

// signal wakes a poll step blocked on w's fd. Safe to call concurrently from
// any goroutine, any number of times; writes 1 to the eventfd counter,
// coalescing with any unconsumed prior signal.
func (w *wakeupHandle) signal() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(w.fd, buf[:])
}

// drain clears the eventfd counter after a readable notification, so the
// next poll step blocks again until the next signal.
func (w *wakeupHandle) drain() {
	var buf [8]byte
	for {
		_, err := unix.Read(w.fd, buf[:])
		if err != nil {
			return
		}
	}
}

func (w *wakeupHandle) close() error {
	return unix.Close(w.fd)
}
