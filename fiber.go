package fiberscheduler

import (
	"context"
	"sync"
	"sync/atomic"
)

// Result is the tagged value delivered to a suspended fiber on resume: the
// exception-free substitute for a host coroutine's "return value or raised
// exception" described in spec §4.D and §9 ("Ok(value) | Err(reason)").
type Result struct {
	Value any
	Err   error
}

// Ok constructs a successful Result.
func Ok(value any) Result {
	return Result{Value: value}
}

// Err constructs a failed Result carrying reason as the resume-time error.
func Err(reason error) Result {
	return Result{Err: reason}
}

// IsErr reports whether r carries an injected error rather than a value.
func (r Result) IsErr() bool {
	return r.Err != nil
}

var fiberIDSeq atomic.Uint64

// Fiber is this module's realization of the host "fiber" handle described in
// spec §3 and §6. Go has no stackful coroutine primitive, so a Fiber is a
// goroutine paired with a buffered result channel: Suspend is a blocking
// receive performed by the fiber's own goroutine, and resume is a
// non-blocking send performed by the scheduler during drain. This mirrors
// the goroutine+buffered-channel "resume" idiom used for cooperative
// suspension in the retrieved pawscript fiber implementation
// (ResumeChan chan ResumeData, buffered to avoid blocking the resumer).
type Fiber struct {
	id         uint64
	resumeCh   chan Result
	done       atomic.Bool
	readyCh    chan struct{}
	readyOne   sync.Once
	panicValue any
}

// fiberContextKey is the context.Context key under which the running
// fiber's handle is stored, substituting for a host runtime's
// Fiber.current() since Go has no goroutine-local storage.
type fiberContextKey struct{}

// loggerContextKey is the context.Context key under which Spawn looks up
// the Logger to report a recovered panic to.
type loggerContextKey struct{}

// ContextWithLogger returns a copy of ctx carrying logger, so that a fiber
// body spawned with it reports a recovered panic through logger rather than
// the package default of NoOpLogger. Scheduler.Spawn uses this to wire its
// own configured Logger through to every fiber it spawns.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// loggerFromContext extracts the Logger attached by ContextWithLogger, or
// NoOpLogger if none was attached.
func loggerFromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(Logger); ok && l != nil {
		return l
	}
	return NoOpLogger{}
}

// newFiber allocates a Fiber with a size-1 result channel, matching the
// pawscript pattern of a buffered resume channel so a resume delivered
// before the fiber reaches Suspend is not lost and does not block the
// resumer.
func newFiber() *Fiber {
	return &Fiber{
		id:       fiberIDSeq.Add(1),
		resumeCh: make(chan Result, 1),
		readyCh:  make(chan struct{}),
	}
}

// markReady unblocks Spawn's caller. It is called once, either by the
// fiber's first suspend or, if the fiber body never suspends, after the
// body returns.
func (f *Fiber) markReady() {
	f.readyOne.Do(func() { close(f.readyCh) })
}

// ID returns a process-unique identifier for the fiber, for logging and
// tests.
func (f *Fiber) ID() uint64 {
	return f.id
}

// WithFiber returns a context carrying f as the current fiber, for use by
// Spawn implementations and tests that need to fabricate a fiber context
// directly.
func WithFiber(ctx context.Context, f *Fiber) context.Context {
	return context.WithValue(ctx, fiberContextKey{}, f)
}

// CurrentFiber extracts the fiber associated with ctx, or nil if none is
// present (the external-interface contract of spec §6: "a fiber handle type
// with current()").
func CurrentFiber(ctx context.Context) *Fiber {
	f, _ := ctx.Value(fiberContextKey{}).(*Fiber)
	return f
}

// Spawn starts fn on a new goroutine, with a context carrying the new
// fiber's handle, and blocks until fn has either returned or reached its
// first suspend point, then returns the handle.
//
// This mirrors the host runtime's fiber-creation semantics (e.g. Ruby's
// Fiber.schedule transfers control to the new fiber immediately and
// synchronously, so by the time the scheduling call returns, the new fiber
// has already registered whatever watcher its first wait call started).
// Without this handshake, a goroutine-based fiber could race
// Scheduler.Run's "pending_count > 0 || ready.len() > 0" check: Run might
// observe a just-spawned fiber that hasn't yet incremented pending_count
// and exit immediately.
func Spawn(ctx context.Context, fn func(ctx context.Context)) *Fiber {
	f := newFiber()
	fiberCtx := WithFiber(ctx, f)
	logger := loggerFromContext(ctx)
	go func() {
		defer f.markReady()
		defer f.done.Store(true)
		defer func() {
			if r := recover(); r != nil {
				f.panicValue = r
				logger.Log(LevelError, "fiber", "fiber body panicked", &PanicError{Value: r})
			}
		}()
		fn(fiberCtx)
	}()
	<-f.readyCh
	return f
}

// Done reports whether the fiber's function has returned.
func (f *Fiber) Done() bool {
	return f.done.Load()
}

// Recovered returns the value passed to panic if f's body panicked, and
// whether one was recovered. Valid only once Done reports true.
func (f *Fiber) Recovered() (any, bool) {
	return f.panicValue, f.panicValue != nil
}

// suspend yields control from the calling goroutine back to whichever
// goroutine eventually calls resume, returning the delivered value or
// propagating the delivered error. It is the Go realization of spec §4.D's
// suspend(): "Returns the value passed to the subsequent resume. If that
// value indicates an exception, suspend raises/propagates it."
func (f *Fiber) suspend() (any, error) {
	f.markReady()
	r := <-f.resumeCh
	if r.IsErr() {
		return nil, r.Err
	}
	return r.Value, nil
}

// resume delivers r to the fiber's pending suspend. Per spec §4.D this must
// only be invoked from the scheduler's owning goroutine, during drain,
// outside of a poll step; Scheduler.Unblock achieves cross-thread wakeup by
// pushing to the run queue rather than calling resume directly from a
// foreign goroutine.
//
// The channel is buffered to size 1, so a resume delivered a moment before
// the fiber reaches suspend is retained rather than lost; a fiber is never
// made runnable twice for the same wait (the watcher registry guards
// against duplicate enqueue, per spec §4.C), so the buffer is never asked to
// hold more than one pending Result.
func (f *Fiber) resume(r Result) {
	select {
	case f.resumeCh <- r:
	default:
		// A second resume for a fiber that has not yet consumed the first is
		// a programmer error in the caller (double wakeup of the same
		// watcher); dropping it here is preferable to deadlocking the
		// scheduler goroutine on a blocking send.
	}
}
