package fiberscheduler

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// Scenario T1: sleep.
func TestScenario_Sleep(t *testing.T) {
	sched, err := New()
	require.NoError(t, err)

	var elapsed time.Duration
	start := time.Now()
	Spawn(context.Background(), func(ctx context.Context) {
		require.NoError(t, sched.Sleep(ctx, 50*time.Millisecond))
		elapsed = time.Since(start)
	})

	require.NoError(t, sched.Run(context.Background()))
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Equal(t, int64(0), sched.PendingCount())
}

// Scenario T2: io readiness.
func TestScenario_IOWaitReadiness(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC))
	readFd, writeFd := fds[0], fds[1]
	defer unix.Close(readFd)
	defer unix.Close(writeFd)

	flags, err := unix.FcntlInt(uintptr(readFd), unix.F_GETFL, 0)
	require.NoError(t, err)
	_, err = unix.FcntlInt(uintptr(readFd), unix.F_SETFL, flags|unix.O_NONBLOCK)
	require.NoError(t, err)

	sched, err := New()
	require.NoError(t, err)

	var gotEvents IOEvents
	var readBytes []byte
	ctx := context.Background()

	Spawn(ctx, func(ctx context.Context) {
		events, err := sched.IOWait(ctx, readFd, EventReadable, nil)
		require.NoError(t, err)
		gotEvents = events
		buf := make([]byte, 8)
		n, _ := unix.Read(readFd, buf)
		readBytes = buf[:n]
	})

	Spawn(ctx, func(ctx context.Context) {
		require.NoError(t, sched.Sleep(ctx, 5*time.Millisecond))
		_, err := unix.Write(writeFd, []byte("x"))
		require.NoError(t, err)
	})

	require.NoError(t, sched.Run(ctx))
	assert.Equal(t, EventReadable, gotEvents)
	assert.Equal(t, "x", string(readBytes))
}

// The nonblocking-fd cache (spec §9, iocache/) lets a caller hand IOWait a
// fd that is still in its default blocking mode: WithNonBlockingIO makes
// IOWait flip O_NONBLOCK itself, once per fd, before registering it.
func TestScheduler_IOWaitWithNonBlockingIOOption(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC))
	readFd, writeFd := fds[0], fds[1]
	defer unix.Close(readFd)
	defer unix.Close(writeFd)

	flags, err := unix.FcntlInt(uintptr(readFd), unix.F_GETFL, 0)
	require.NoError(t, err)
	require.Zero(t, flags&unix.O_NONBLOCK, "fd must start in blocking mode for this test")

	sched, err := New(WithNonBlockingIO())
	require.NoError(t, err)

	var gotEvents IOEvents
	ctx := context.Background()

	Spawn(ctx, func(ctx context.Context) {
		events, err := sched.IOWait(ctx, readFd, EventReadable, nil)
		require.NoError(t, err)
		gotEvents = events
	})

	Spawn(ctx, func(ctx context.Context) {
		require.NoError(t, sched.Sleep(ctx, 5*time.Millisecond))
		_, err := unix.Write(writeFd, []byte("x"))
		require.NoError(t, err)
	})

	require.NoError(t, sched.Run(ctx))
	assert.Equal(t, EventReadable, gotEvents)

	flags, err = unix.FcntlInt(uintptr(readFd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK, "IOWait should have switched the fd to non-blocking mode")
}

// Scenario T3: io timeout.
func TestScenario_IOWaitTimeout(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC))
	readFd, writeFd := fds[0], fds[1]
	defer unix.Close(readFd)
	defer unix.Close(writeFd)

	sched, err := New()
	require.NoError(t, err)

	var gotEvents IOEvents
	start := time.Now()
	var elapsed time.Duration
	ctx := context.Background()

	Spawn(ctx, func(ctx context.Context) {
		timeout := 10 * time.Millisecond
		events, err := sched.IOWait(ctx, readFd, EventReadable, &timeout)
		require.NoError(t, err)
		gotEvents = events
		elapsed = time.Since(start)
	})

	require.NoError(t, sched.Run(ctx))
	assert.Equal(t, IOEvents(0), gotEvents)
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
}

// Scenario T4: cross-thread unblock.
func TestScenario_CrossThreadUnblock(t *testing.T) {
	sched, err := New()
	require.NoError(t, err)

	blocker := "widget"
	var woke bool
	ctx := context.Background()

	fiber := Spawn(ctx, func(ctx context.Context) {
		var err error
		woke, err = sched.Block(ctx, blocker, nil)
		require.NoError(t, err)
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		sched.Unblock(blocker, fiber)
	}()

	require.NoError(t, sched.Run(ctx))
	assert.True(t, woke)
}

// Scenario T5: process exit.
func TestScenario_ProcessExit(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 7")
	require.NoError(t, cmd.Start())

	sched, err := New()
	require.NoError(t, err)

	var gotPid, gotStatus int
	ctx := context.Background()

	Spawn(ctx, func(ctx context.Context) {
		pid, status, err := sched.ProcessWait(ctx, cmd.Process.Pid)
		require.NoError(t, err)
		gotPid, gotStatus = pid, status
	})

	require.NoError(t, sched.Run(ctx))
	assert.Equal(t, cmd.Process.Pid, gotPid)
	assert.Equal(t, 7, gotStatus)
}

// Scenario T6: cancellation.
func TestScenario_Cancellation(t *testing.T) {
	sched, err := New()
	require.NoError(t, err)

	sentinel := errors.New("external cancellation")
	var sleepErr error
	ctx := context.Background()

	fiber := Spawn(ctx, func(ctx context.Context) {
		sleepErr = sched.Sleep(ctx, 10*time.Second)
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		sched.Cancel(fiber, sentinel)
	}()

	require.NoError(t, sched.Run(ctx))
	require.Error(t, sleepErr)
	var cancelled *CancelledError
	require.ErrorAs(t, sleepErr, &cancelled)
	assert.ErrorIs(t, sleepErr, sentinel)
	assert.Equal(t, int64(0), sched.PendingCount())
}

// Invariant: running with no fibers at all is a clean, immediate no-op.
func TestScheduler_RunWithNoFibersIsNoop(t *testing.T) {
	sched, err := New()
	require.NoError(t, err)
	require.NoError(t, sched.Run(context.Background()))
	assert.Equal(t, int64(0), sched.PendingCount())
}

// Invariant: fairness — a fiber that re-enqueues itself does not starve a
// pending timer within the same run().
func TestScheduler_FairnessAgainstSelfRescheduling(t *testing.T) {
	sched, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	timerFired := make(chan struct{})
	Spawn(ctx, func(ctx context.Context) {
		require.NoError(t, sched.Sleep(ctx, 5*time.Millisecond))
		close(timerFired)
	})

	var selfFiber *Fiber
	rounds := 0
	selfFiber = Spawn(ctx, func(ctx context.Context) {
		fiber := CurrentFiber(ctx)
		for rounds < 1000 {
			select {
			case <-timerFired:
				return
			default:
			}
			sched.ready.push(fiber, Ok(nil))
			rounds++
			_, err := fiber.suspend()
			require.NoError(t, err)
		}
	})
	_ = selfFiber

	require.NoError(t, sched.Run(ctx))
	select {
	case <-timerFired:
	default:
		t.Fatal("timer never fired: self-rescheduling fiber starved the loop")
	}
}

// Invariant: Run is reentrant-safe — calling it again from within a fiber
// it is already driving returns an error instead of corrupting state.
func TestScheduler_ReentrantRunRejected(t *testing.T) {
	sched, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	// Keeps Run busy while the fiber below calls it a second time.
	Spawn(ctx, func(ctx context.Context) {
		require.NoError(t, sched.Sleep(ctx, 50*time.Millisecond))
	})

	reentrantErr := make(chan error, 1)
	Spawn(ctx, func(ctx context.Context) {
		require.NoError(t, sched.Sleep(ctx, time.Millisecond))
		reentrantErr <- sched.Run(ctx)
	})

	require.NoError(t, sched.Run(ctx))
	assert.ErrorIs(t, <-reentrantErr, ErrReentrantRun)
}

func TestScheduler_InvalidDuration(t *testing.T) {
	sched, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	var sleepErr error
	Spawn(ctx, func(ctx context.Context) {
		sleepErr = sched.Sleep(ctx, -1*time.Millisecond)
	})
	require.NoError(t, sched.Run(ctx))
	assert.ErrorIs(t, sleepErr, ErrInvalidDuration)
}

func TestScheduler_NoCurrentFiberError(t *testing.T) {
	sched, err := New()
	require.NoError(t, err)
	assert.ErrorIs(t, sched.Sleep(context.Background(), time.Millisecond), ErrNoCurrentFiber)
}

// A fiber body that panics must not crash the process: Scheduler.Spawn
// recovers it and reports it through the scheduler's configured Logger.
func TestScheduler_SpawnRecoversPanicAndLogs(t *testing.T) {
	logger := &recordingLogger{}
	sched, err := New(WithLogger(logger))
	require.NoError(t, err)
	ctx := context.Background()

	fiber := sched.Spawn(ctx, func(ctx context.Context) {
		panic("boom")
	})

	require.NoError(t, sched.Run(ctx))
	assert.True(t, fiber.Done())
	recovered, ok := fiber.Recovered()
	require.True(t, ok)
	assert.Equal(t, "boom", recovered)

	logger.mu.Lock()
	defer logger.mu.Unlock()
	require.Len(t, logger.entries, 1)
	assert.Equal(t, LevelError, logger.entries[0].level)
	assert.Equal(t, "fiber", logger.entries[0].category)
	var panicErr *PanicError
	require.ErrorAs(t, logger.entries[0].err, &panicErr)
	assert.Equal(t, "boom", panicErr.Value)
}

// WithMaxFDs caps which fds IOWait will register with the poller; the loop's
// own internal wakeup fd is always a small number, so a generous-but-finite
// limit still leaves room for it while rejecting an out-of-range fd.
func TestScheduler_WithMaxFDsRejectsOutOfRangeFD(t *testing.T) {
	const limit = 64
	sched, err := New(WithMaxFDs(limit))
	require.NoError(t, err)
	ctx := context.Background()

	var ioErr error
	Spawn(ctx, func(ctx context.Context) {
		_, ioErr = sched.IOWait(ctx, limit+1000, EventReadable, nil)
	})
	require.NoError(t, sched.Run(ctx))
	assert.ErrorIs(t, ioErr, ErrFDOutOfRange)
}

type loggedEntry struct {
	level    LogLevel
	category string
	msg      string
	err      error
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []loggedEntry
}

func (l *recordingLogger) Log(level LogLevel, category string, msg string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, loggedEntry{level: level, category: category, msg: msg, err: err})
}
