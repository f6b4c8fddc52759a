package fiberscheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchedulerState_PollFlag(t *testing.T) {
	s := &schedulerState{}
	assert.False(t, s.isPolling())
	s.enterPoll()
	assert.True(t, s.isPolling())
	s.exitPoll()
	assert.False(t, s.isPolling())
}

func TestSchedulerState_CloseIsCompareAndSwap(t *testing.T) {
	s := &schedulerState{}
	assert.False(t, s.isClosed())
	assert.True(t, s.close())
	assert.True(t, s.isClosed())
	assert.False(t, s.close(), "second close must report it was already closed")
}
