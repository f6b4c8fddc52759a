package fiberscheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawn_BlocksUntilFirstSuspend(t *testing.T) {
	reached := make(chan struct{})
	var f *Fiber
	f = Spawn(context.Background(), func(ctx context.Context) {
		close(reached)
		_, _ = CurrentFiber(ctx).suspend()
	})

	select {
	case <-reached:
	default:
		t.Fatal("Spawn returned before fiber body ran")
	}
	assert.False(t, f.Done())
	f.resume(Ok(nil))
}

func TestSpawn_NonSuspendingBodyCompletesBeforeReturn(t *testing.T) {
	ran := false
	f := Spawn(context.Background(), func(ctx context.Context) {
		ran = true
	})
	assert.True(t, ran)
	assert.True(t, f.Done())
}

func TestFiber_SuspendResumeValue(t *testing.T) {
	done := make(chan any, 1)
	f := Spawn(context.Background(), func(ctx context.Context) {
		v, err := CurrentFiber(ctx).suspend()
		require.NoError(t, err)
		done <- v
	})

	f.resume(Ok(42))
	assert.Equal(t, 42, <-done)
	assert.True(t, f.Done())
}

func TestFiber_SuspendResumeError(t *testing.T) {
	errCh := make(chan error, 1)
	f := Spawn(context.Background(), func(ctx context.Context) {
		_, err := CurrentFiber(ctx).suspend()
		errCh <- err
	})

	sentinel := errors.New("boom")
	f.resume(Err(sentinel))
	assert.ErrorIs(t, <-errCh, sentinel)
}

func TestCurrentFiber_NilWhenAbsent(t *testing.T) {
	assert.Nil(t, CurrentFiber(context.Background()))
}

func TestResult_IsErr(t *testing.T) {
	assert.False(t, Ok(1).IsErr())
	assert.True(t, Err(errors.New("x")).IsErr())
}
