package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_Supervise_RestartsFailingTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	restarts := supervise(ctx, "test", time.Millisecond, 4*time.Millisecond, func(ctx context.Context) error {
		if runs.Add(1) == 5 {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		}
		return errors.New("connection reset")
	})

	assert.Equal(t, int32(5), runs.Load())
	assert.Equal(t, 4, restarts)
}

func Test_Supervise_RecoversPanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	restarts := supervise(ctx, "panicky", time.Millisecond, time.Millisecond, func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		cancel()
		return nil
	})

	assert.Equal(t, int32(2), runs.Load())
	assert.Equal(t, 1, restarts)
}

func Test_Supervise_StopsDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	restarts := supervise(ctx, "slow", time.Hour, time.Hour, func(ctx context.Context) error {
		return errors.New("fail")
	})

	assert.Zero(t, restarts)
	assert.Less(t, time.Since(start), time.Second)
}

func Test_RunProtected(t *testing.T) {
	err := runProtected(context.Background(), func(context.Context) error {
		panic("nil map")
	})
	assert.EqualError(t, err, "panic: nil map")

	sentinel := errors.New("plain")
	assert.ErrorIs(t, runProtected(context.Background(), func(context.Context) error { return sentinel }), sentinel)
}
