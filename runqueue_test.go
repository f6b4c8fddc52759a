package fiberscheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunQueue_DrainEmptyIsNoop(t *testing.T) {
	q := &runQueue{}
	assert.Equal(t, 0, q.len())
	q.drain() // must not panic
	assert.Equal(t, 0, q.len())
}

func TestRunQueue_PushThenDrainResumesInOrder(t *testing.T) {
	q := &runQueue{}
	var order []int

	f1 := Spawn(context.Background(), func(ctx context.Context) {
		v, err := CurrentFiber(ctx).suspend()
		require.NoError(t, err)
		order = append(order, v.(int))
	})
	f2 := Spawn(context.Background(), func(ctx context.Context) {
		v, err := CurrentFiber(ctx).suspend()
		require.NoError(t, err)
		order = append(order, v.(int))
	})

	q.push(f1, Ok(1))
	q.push(f2, Ok(2))
	assert.Equal(t, 2, q.len())

	q.drain()
	assert.Equal(t, 0, q.len())
	// Resumption happens synchronously relative to resume() (buffered chan
	// send), but the fiber's own goroutine may not have appended to order
	// yet; wait for both to finish.
	for !f1.Done() || !f2.Done() {
	}
	assert.Equal(t, []int{1, 2}, order)
}

func TestRunQueue_FibersEnqueuedDuringDrainWaitForNextRound(t *testing.T) {
	q := &runQueue{}

	rescheduled := make(chan struct{})
	f1 := Spawn(context.Background(), func(ctx context.Context) {
		fiber := CurrentFiber(ctx)
		_, _ = fiber.suspend()
		q.push(fiber, Ok(nil))
		close(rescheduled)
	})

	q.push(f1, Ok(nil))
	q.drain()

	<-rescheduled
	// f1 re-enqueued itself during the round just drained; it must still be
	// sitting in the queue for the next round, not lost and not resumed
	// twice within this drain call.
	assert.Equal(t, 1, q.len())
}
