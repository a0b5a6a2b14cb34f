package runloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalFromHz(t *testing.T) {
	assert.Equal(t, 20*time.Millisecond, IntervalFromHz(50, time.Second))
	assert.Equal(t, 500*time.Millisecond, IntervalFromHz(0, 500*time.Millisecond))
	assert.Equal(t, 500*time.Millisecond, IntervalFromHz(-1, 500*time.Millisecond))
}

func TestWorkerLifecycle(t *testing.T) {
	w := NewWorker("test")
	assert.False(t, w.Alive())

	var ticks atomic.Int64
	err := w.Start(func(ctx context.Context) {
		for ctx.Err() == nil {
			ticks.Add(1)
			Sleep(ctx, time.Millisecond)
		}
	})
	require.NoError(t, err)
	assert.True(t, w.Alive())

	err = w.Start(func(context.Context) {})
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	assert.True(t, w.Stop(time.Second))
	assert.False(t, w.Alive())
	assert.True(t, w.Closed())
	assert.Positive(t, ticks.Load())

	// 二回目の停止は何もしない
	assert.True(t, w.Stop(time.Second))

	err = w.Start(func(context.Context) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWorkerStopWithoutStart(t *testing.T) {
	w := NewWorker("idle")
	assert.True(t, w.Stop(time.Millisecond))

	err := w.Start(func(context.Context) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWorkerStopIsBounded(t *testing.T) {
	w := NewWorker("hung")
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, w.Start(func(context.Context) {
		<-release
	}))

	start := time.Now()
	assert.False(t, w.Stop(30*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
}

func TestPacerKeepsSchedule(t *testing.T) {
	p := NewPacer(10*time.Millisecond, 0)
	start := time.Now()

	for i := 0; i < 5; i++ {
		require.True(t, p.Wait(context.Background()))
	}

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestPacerResetsWhenBehind(t *testing.T) {
	p := NewPacer(10*time.Millisecond, 0)
	p.next = time.Now().Add(-time.Hour)

	start := time.Now()
	require.True(t, p.Wait(context.Background()))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.WithinDuration(t, time.Now(), p.next, 50*time.Millisecond)
}

func TestPacerStopsOnCancel(t *testing.T) {
	p := NewPacer(time.Hour, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, p.Wait(ctx))
}
