package fiberscheduler

import "sync"

// readyEntry pairs a runnable fiber with the Result it should be resumed
// with (spec §3: "Run Queue — FIFO sequence of Fiber handles").
type readyEntry struct {
	fiber  *Fiber
	result Result
}

// runQueue is the scheduler's run queue (component B, spec §4.B):
// double-buffered so that a drain round only resumes the fibers that were
// runnable at the start of the round. Fibers made runnable during
// resumption (e.g. a fiber that reschedules itself) land in the queue that
// is live for the *next* drain round, bounding per-round work and
// preventing a self-rescheduling fiber from starving the event loop (spec
// §4.B, invariant §8.7).
type runQueue struct {
	mu      sync.Mutex
	current []readyEntry
}

// push enqueues fiber to be resumed with result on the next drain.
// Safe to call from any goroutine; the owning goroutine calls it from
// watcher callbacks during a poll step, and Scheduler.Unblock calls it from
// foreign goroutines (spec §4.E unblock, §5 cross-thread policy).
func (q *runQueue) push(fiber *Fiber, result Result) {
	q.mu.Lock()
	q.current = append(q.current, readyEntry{fiber: fiber, result: result})
	q.mu.Unlock()
}

// len returns the number of fibers currently queued for the next drain.
func (q *runQueue) len() int {
	q.mu.Lock()
	n := len(q.current)
	q.mu.Unlock()
	return n
}

// drain resumes every fiber queued at the moment drain is called, in
// enqueue order, exactly once each. Draining an empty queue is a no-op
// (spec §8 invariant 6). It must only be called from the scheduler's owning
// goroutine, and never from inside a poll step (spec §4.C: "resumption
// happens only during the drain phase, outside the poll step").
func (q *runQueue) drain() {
	q.mu.Lock()
	batch := q.current
	q.current = nil
	q.mu.Unlock()

	for _, entry := range batch {
		entry.fiber.resume(entry.result)
	}
}
