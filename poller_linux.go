//go:build linux

package fiberscheduler

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// epollPoller implements fdPoller using Linux epoll, adapted from
// eventloop/poller_linux.go's FastPoller: an fd-keyed map under an RWMutex,
// callbacks copied under read-lock and invoked outside it.
//
// The fiber scheduler only ever has one watcher registered per fd at a
// time (a waiting operation stops its watcher before returning, per spec
// §4.C/§9), so unlike the teacher's general-purpose poller this one does
// not need to support concurrent readers/writers on the same fd.
type epollPoller struct {
	epfd     int32
	eventBuf [64]unix.EpollEvent
	fds      map[int]fdEntry
	fdMu     sync.RWMutex
	closed   atomic.Bool
	maxFDs   int
}

type fdEntry struct {
	callback ioCallback
	events   IOEvents
}

// newFDPoller returns an epoll-backed fdPoller that rejects registering any
// fd at or above maxFDs (spec's AMBIENT STACK configuration option
// WithMaxFDs), matching eventloop/poller_linux.go's fixed maxFDs bound but
// checked against a configurable limit rather than a compile-time array
// size, since this poller's fd table is a map, not a direct-indexed array.
func newFDPoller(maxFDs int) fdPoller {
	return &epollPoller{fds: make(map[int]fdEntry), maxFDs: maxFDs}
}

func (p *epollPoller) init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = int32(epfd)
	return nil
}

func (p *epollPoller) close() error {
	p.closed.Store(true)
	return unix.Close(int(p.epfd))
}

func (p *epollPoller) registerFD(fd int, events IOEvents, cb ioCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 || (p.maxFDs > 0 && fd >= p.maxFDs) {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	if _, ok := p.fds[fd]; ok {
		p.fdMu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdEntry{callback: cb, events: events}
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.fdMu.Lock()
		delete(p.fds, fd)
		p.fdMu.Unlock()
		return err
	}
	return nil
}

func (p *epollPoller) unregisterFD(fd int) error {
	p.fdMu.Lock()
	if _, ok := p.fds[fd]; !ok {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	p.fdMu.Unlock()

	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) modifyFD(fd int, events IOEvents) error {
	p.fdMu.Lock()
	entry, ok := p.fds[fd]
	if !ok {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	entry.events = events
	p.fds[fd] = entry
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epollPoller) pollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	n, err := unix.EpollWait(int(p.epfd), p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)

		p.fdMu.RLock()
		entry, ok := p.fds[fd]
		p.fdMu.RUnlock()

		if ok && entry.callback != nil {
			entry.callback(epollToEvents(p.eventBuf[i].Events))
		}
	}
	return n, nil
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&EventReadable != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWritable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) IOEvents {
	var events IOEvents
	if e&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		events |= EventReadable
	}
	if e&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
		events |= EventWritable
	}
	return events
}
