//go:build linux || darwin

package fiberscheduler

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// childExit is delivered to a process_wait watcher when its pid has exited,
// matching Scheduler_child_callback's (pid, exit_status) pair
// (original_source/ext/libev_scheduler/scheduler.c).
type childExit struct {
	Pid    int
	Status int
}

type childWatcher struct {
	id uint64
	cb func(childExit)
}

// childReaper is a process-wide SIGCHLD watcher: Go's os/exec exposes no
// per-pid child watcher analogous to libev's ev_child, so this reimplements
// the same idea directly atop signal.Notify and a non-blocking wait4 reap
// loop, keyed by pid.
//
// There is exactly one childReaper per process (childReaperInstance),
// started lazily on the first ProcessWait call, mirroring the single
// SIGCHLD disposition a process can usefully have.
type childReaper struct {
	mu       sync.Mutex
	watchers map[int][]childWatcher
	watchSeq atomic.Uint64
	started  bool
}

var (
	childReaperOnce     sync.Once
	childReaperInstance *childReaper
)

func getChildReaper() *childReaper {
	childReaperOnce.Do(func() {
		childReaperInstance = &childReaper{
			watchers: make(map[int][]childWatcher),
		}
	})
	return childReaperInstance
}

// watch registers cb to run (on the reaper's internal goroutine, not the
// scheduler's owning goroutine — callers must hop back via their own run
// queue push, as scheduler.go's ProcessWait does, and must also wake a
// concurrently blocking poll step the same way Scheduler.Unblock does,
// since nothing else about a SIGCHLD-driven reap would otherwise cause a
// blocked epoll_wait/kqueue call to return) when pid exits. It starts the
// reaper's background goroutine on first use, and returns a token for
// unwatch.
func (r *childReaper) watch(pid int, cb func(childExit)) uint64 {
	id := r.watchSeq.Add(1)

	r.mu.Lock()
	r.watchers[pid] = append(r.watchers[pid], childWatcher{id: id, cb: cb})
	if !r.started {
		r.started = true
		sigCh := make(chan os.Signal, 16)
		signal.Notify(sigCh, syscall.SIGCHLD)
		go r.run(sigCh)
	}
	r.mu.Unlock()

	// A child may have already exited between spawn and watch registration;
	// reap opportunistically so the watcher isn't missed.
	r.reapAvailable()
	return id
}

// unwatch removes the watcher registered under id for pid. Used when a
// process_wait is cancelled before the child exits.
func (r *childReaper) unwatch(pid int, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cbs := r.watchers[pid]
	for i, w := range cbs {
		if w.id == id {
			r.watchers[pid] = append(cbs[:i], cbs[i+1:]...)
			break
		}
	}
	if len(r.watchers[pid]) == 0 {
		delete(r.watchers, pid)
	}
}

func (r *childReaper) run(sigCh chan os.Signal) {
	for range sigCh {
		r.reapAvailable()
	}
}

// reapAvailable drains every exited child currently reapable via a
// non-blocking wait4(-1, WNOHANG), dispatching to any registered watchers.
func (r *childReaper) reapAvailable() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}

		r.mu.Lock()
		cbs := r.watchers[pid]
		delete(r.watchers, pid)
		r.mu.Unlock()

		exit := childExit{Pid: pid, Status: ws.ExitStatus()}
		for _, w := range cbs {
			w.cb(exit)
		}
	}
}
