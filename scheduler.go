package fiberscheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-fiberscheduler/iocache"
)

// Scheduler is the Scheduler Core (component E, spec §4.E): one per owning
// goroutine, orchestrating watcher registration, fiber suspension,
// poll/drain, and cross-goroutine wakeup.
//
// Every waiting operation (Sleep, Pause, Block, IOWait, ProcessWait) is
// called from the goroutine of the fiber that is waiting, not from the
// goroutine that calls Run — that is the whole point of modelling a fiber
// as a real goroutine (see fiber.go). The "owning thread" restriction from
// the source (spec §5, "all other entry points require the owning thread")
// therefore narrows, in this Go translation, to Run/Poll/Close themselves:
// those mutate scheduler-wide bookkeeping that assumes a single driver, and
// concurrent/reentrant calls are rejected. Unblock, and Cancel which is
// built the same way, are the cross-goroutine-safe entry points.
type Scheduler struct {
	loop      *loop
	ownedLoop bool

	ready        *runQueue
	pendingCount atomic.Int64
	state        *schedulerState
	logger       Logger
	ioCache      *iocache.Cache

	runningGoroutine atomic.Uint64
	closeOnce        sync.Once
}

// New allocates a Scheduler with a freshly created loop (spec §4.E init():
// "otherwise allocates a fresh loop").
func New(opts ...Option) (*Scheduler, error) {
	cfg := resolveOptions(opts)
	l, err := newLoop(cfg.logger, cfg.maxFDs)
	if err != nil {
		return nil, err
	}
	return newScheduler(l, true, cfg), nil
}

// NewDefault allocates a Scheduler backed by the process-wide shared
// default loop (spec §4.E init(): "if invoked on the main execution
// context... returns the shared default event loop"). Call it at most once
// per process if you want the "main thread" semantics the spec describes;
// every additional call reuses the same underlying loop.
func NewDefault(opts ...Option) (*Scheduler, error) {
	cfg := resolveOptions(opts)
	l, err := newDefaultLoop(cfg.logger, cfg.maxFDs)
	if err != nil {
		return nil, err
	}
	return newScheduler(l, false, cfg), nil
}

func newScheduler(l *loop, owned bool, cfg *schedulerOptions) *Scheduler {
	return &Scheduler{
		loop:      l,
		ownedLoop: owned,
		ready:     &runQueue{},
		state:     &schedulerState{},
		logger:    cfg.logger,
		ioCache:   cfg.ioCache,
	}
}

// PendingCount returns the number of fibers currently suspended on a
// registered watcher (spec §6, for tests/introspection).
func (s *Scheduler) PendingCount() int64 {
	return s.pendingCount.Load()
}

// Spawn starts fn as a new fiber driven by s, wiring s's configured Logger
// through so that a panic recovered from fn's body (see fiber.go's Spawn)
// is reported through it instead of the package default of NoOpLogger.
// Equivalent to calling the package-level Spawn with a context produced by
// ContextWithLogger(ctx, s's own Logger).
func (s *Scheduler) Spawn(ctx context.Context, fn func(ctx context.Context)) *Fiber {
	return Spawn(ContextWithLogger(ctx, s.logger), fn)
}

// Run drives the scheduler until quiescent: while pending_count > 0 or the
// ready queue is non-empty, it performs a poll step (spec §4.E run()).
func (s *Scheduler) Run(ctx context.Context) error {
	gid := getGoroutineID()
	if !s.runningGoroutine.CompareAndSwap(0, gid) {
		// A fiber is its own goroutine, so a fiber calling Run while Run is
		// active is recognized by the fiber carried in its context.
		if s.runningGoroutine.Load() == gid || CurrentFiber(ctx) != nil {
			return ErrReentrantRun
		}
		return ErrAlreadyRunning
	}
	defer s.runningGoroutine.Store(0)

	s.loop.setOwner()
	defer s.loop.clearOwner()

	for s.PendingCount() > 0 || s.ready.len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Poll(); err != nil {
			return err
		}
	}
	return nil
}

// Poll performs exactly one poll step (spec §4.E poll()): set polling=true,
// run the event loop in "once" mode, set polling=false, then drain the run
// queue. Calling Poll directly is for manual stepping; if Run is already
// driving this Scheduler on another goroutine, Poll refuses to run
// concurrently with it (spec invariant 4: only Unblock is cross-thread
// safe).
func (s *Scheduler) Poll() error {
	if owner := s.runningGoroutine.Load(); owner != 0 && owner != getGoroutineID() {
		return ErrWrongThread
	}
	s.state.enterPoll()
	_, err := s.loop.runStep(true)
	s.state.exitPoll()
	if err != nil {
		s.logger.Log(LevelError, "poll", "run step failed", err)
		return WrapError("poll: run step", err)
	}
	s.ready.drain()
	return nil
}

// Close runs the scheduler to completion and tears down its loop, unless
// the loop is the shared default (spec §4.E close()). Double-close is safe
// and a no-op on the second call.
func (s *Scheduler) Close(ctx context.Context) error {
	if s.state.isClosed() {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		if runErr := s.Run(ctx); runErr != nil {
			err = runErr
			return
		}
		s.state.close()
		if s.ownedLoop {
			err = s.loop.close()
		}
	})
	return err
}

// Sleep suspends the calling fiber for at least d (spec §4.E sleep()).
func (s *Scheduler) Sleep(ctx context.Context, d time.Duration) error {
	if s.state.isClosed() {
		return ErrSchedulerClosed
	}
	if d < 0 {
		return ErrInvalidDuration
	}
	fiber := CurrentFiber(ctx)
	if fiber == nil {
		return ErrNoCurrentFiber
	}

	s.pendingCount.Add(1)
	s.loop.ref()
	timerID := s.loop.scheduleTimer(d, func() {
		s.ready.push(fiber, Ok(nil))
	})

	_, err := fiber.suspend()

	s.loop.cancelTimer(timerID)
	s.loop.unref()
	s.pendingCount.Add(-1)
	return err
}

// Pause suspends the calling fiber indefinitely until externally resumed
// (spec §4.E pause()), keeping the loop alive via a keep-alive ref in place
// of a timer.
func (s *Scheduler) Pause(ctx context.Context) error {
	if s.state.isClosed() {
		return ErrSchedulerClosed
	}
	fiber := CurrentFiber(ctx)
	if fiber == nil {
		return ErrNoCurrentFiber
	}

	s.pendingCount.Add(1)
	s.loop.ref()

	_, err := fiber.suspend()

	s.loop.unref()
	s.pendingCount.Add(-1)
	return err
}

// Block suspends the calling fiber, either for timeout (if non-nil, like
// Sleep) or indefinitely (like Pause), returning true once woken (spec §4.E
// block()). blocker is opaque to the scheduler; its identity is meaningful
// only to the caller's own bookkeeping for a matching Unblock call.
func (s *Scheduler) Block(ctx context.Context, blocker any, timeout *time.Duration) (bool, error) {
	var err error
	if timeout != nil {
		err = s.Sleep(ctx, *timeout)
	} else {
		err = s.Pause(ctx)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Unblock makes fiber runnable, and if the scheduler's owning goroutine is
// currently inside a blocking poll step, signals the async-wakeup watcher
// to break it (spec §4.E unblock()). This is the one entry point safe to
// call from a goroutine other than the scheduler's owner (spec invariant
// 4, §5 cross-thread policy): the push happens-before the wakeup signal, so
// a concurrent poll step that is about to exit on its own still observes
// the pushed fiber on its next drain even if the signal narrowly misses it.
func (s *Scheduler) Unblock(blocker any, fiber *Fiber) {
	s.ready.push(fiber, Ok(nil))
	if s.state.isPolling() {
		s.loop.wakeup()
	}
}

// Cancel delivers an injected cancellation error to fiber's pending wait
// (spec §5: "cancellation is modelled by resuming the suspended fiber with
// an error value"), structured exactly like Unblock — push then wake if
// polling — so that cancelling a fiber parked in a blocking poll step
// interrupts it promptly instead of waiting for its watcher to fire or
// its timeout to elapse. Like Unblock, safe to call from any goroutine.
func (s *Scheduler) Cancel(fiber *Fiber, reason error) {
	s.ready.push(fiber, Err(&CancelledError{Reason: reason}))
	if s.state.isPolling() {
		s.loop.wakeup()
	}
}

// IOWait suspends the calling fiber until fd becomes ready for the
// requested events, or timeout elapses (spec §4.E io_wait()). A nil timeout
// waits indefinitely. The returned IOEvents is zero when timeout fired
// first; otherwise it equals events, signalling readiness.
func (s *Scheduler) IOWait(ctx context.Context, fd int, events IOEvents, timeout *time.Duration) (IOEvents, error) {
	if s.state.isClosed() {
		return 0, ErrSchedulerClosed
	}
	if fd < 0 {
		return 0, ErrFDOutOfRange
	}
	if timeout != nil && *timeout < 0 {
		return 0, ErrInvalidDuration
	}
	fiber := CurrentFiber(ctx)
	if fiber == nil {
		return 0, ErrNoCurrentFiber
	}

	if s.ioCache != nil {
		if err := s.ioCache.EnsureNonBlocking(fd); err != nil {
			return 0, WrapError("io_wait: set non-blocking", err)
		}
	}

	var fired atomic.Bool
	var resultEvents IOEvents

	if err := s.loop.registerIO(fd, events, func(IOEvents) {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		resultEvents = events
		s.ready.push(fiber, Ok(nil))
	}); err != nil {
		return 0, WrapError("io_wait: register fd", err)
	}
	s.loop.ref()
	s.pendingCount.Add(1)

	var timerID uint64
	hasTimer := timeout != nil
	if hasTimer {
		s.loop.ref()
		timerID = s.loop.scheduleTimer(*timeout, func() {
			if !fired.CompareAndSwap(false, true) {
				return
			}
			resultEvents = 0
			s.ready.push(fiber, Ok(nil))
		})
	}

	_, err := fiber.suspend()

	_ = s.loop.unregisterIO(fd)
	s.loop.unref()
	s.pendingCount.Add(-1)
	if hasTimer {
		s.loop.cancelTimer(timerID)
		s.loop.unref()
	}

	if err != nil {
		return 0, err
	}
	return resultEvents, nil
}

// ProcessWait suspends the calling fiber until pid exits, returning the
// exit status derived from WEXITSTATUS semantics (spec §4.E process_wait()).
func (s *Scheduler) ProcessWait(ctx context.Context, pid int) (int, int, error) {
	if s.state.isClosed() {
		return 0, 0, ErrSchedulerClosed
	}
	if pid <= 0 {
		return 0, 0, ErrInvalidPid
	}
	fiber := CurrentFiber(ctx)
	if fiber == nil {
		return 0, 0, ErrNoCurrentFiber
	}

	reaper := getChildReaper()
	watchID := reaper.watch(pid, func(ce childExit) {
		s.ready.push(fiber, Ok(ce))
		if s.state.isPolling() {
			s.loop.wakeup()
		}
	})
	s.loop.ref()
	s.pendingCount.Add(1)

	value, err := fiber.suspend()

	reaper.unwatch(pid, watchID)
	s.loop.unref()
	s.pendingCount.Add(-1)

	if err != nil {
		return 0, 0, err
	}
	ce, _ := value.(childExit)
	return ce.Pid, ce.Status, nil
}
