// Package iocache caches the "fd has been set non-blocking" bit per file
// descriptor, so a hot read/write path pays for the fcntl calls (F_GETFL,
// then F_SETFL if needed) at most once per fd for the life of a Cache.
//
// This is the Go translation of io_set_nonblock from the original
// scheduler's C source: rather than querying and setting O_NONBLOCK on
// every I/O attempt, the original caches "is_nonblocking" as a Ruby
// instance variable on the io object. Go has no equivalent per-object
// ivar slot on an arbitrary *os.File, so this package keys the cache by fd
// number instead.
package iocache

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Cache records which file descriptors have already been switched to
// non-blocking mode.
type Cache struct {
	mu    sync.RWMutex
	known map[int]struct{}
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{known: make(map[int]struct{})}
}

// EnsureNonBlocking sets O_NONBLOCK on fd via fcntl, unless a prior call
// already did so for this fd. Safe for concurrent use.
func (c *Cache) EnsureNonBlocking(fd int) error {
	c.mu.RLock()
	_, ok := c.known[fd]
	c.mu.RUnlock()
	if ok {
		return nil
	}

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	if flags&unix.O_NONBLOCK == 0 {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.known[fd] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Forget drops the cached non-blocking state for fd, e.g. after it has been
// closed and the descriptor number may be reused.
func (c *Cache) Forget(fd int) {
	c.mu.Lock()
	delete(c.known, fd)
	c.mu.Unlock()
}
