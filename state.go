package fiberscheduler

import "sync/atomic"

// schedulerState is a lock-free flag tracking whether the scheduler is
// currently inside a single poll step (spec §3 invariant 3: "polling is true
// only between the entry and exit of a single poll step"). It is modelled
// on the teacher's FastState pattern (eventloop/state.go), reduced to the
// two states this scheduler actually needs.
type schedulerState struct {
	polling atomic.Bool
	closed  atomic.Bool
}

func (s *schedulerState) enterPoll() {
	s.polling.Store(true)
}

func (s *schedulerState) exitPoll() {
	s.polling.Store(false)
}

func (s *schedulerState) isPolling() bool {
	return s.polling.Load()
}

// close marks the scheduler closed, returning false if it already was.
func (s *schedulerState) close() bool {
	return s.closed.CompareAndSwap(false, true)
}

func (s *schedulerState) isClosed() bool {
	return s.closed.Load()
}
