package latest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreGetEmpty(t *testing.T) {
	var s Store[string]

	v, ts, ok := s.Get()
	assert.False(t, ok)
	assert.Equal(t, "", v)
	assert.Equal(t, int64(0), ts)
}

func TestStoreSetOverwrites(t *testing.T) {
	s := New[int]()
	s.Set(1, 10)
	s.Set(2, 20)

	v, ts, ok := s.Get()
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, int64(20), ts)
}

func TestWaitNewerReturnsImmediatelyWhenAlreadyNewer(t *testing.T) {
	s := New[int]()
	s.Set(7, 100)

	v, ts, ok := s.WaitNewer(context.Background(), 50, time.Second)
	require.True(t, ok)
	assert.Equal(t, 7, v)
	assert.Equal(t, int64(100), ts)
}

func TestWaitNewerWakesOnSet(t *testing.T) {
	s := New[int]()
	s.Set(1, 1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Set(2, 2)
	}()

	start := time.Now()
	v, ts, ok := s.WaitNewer(context.Background(), 1, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, int64(2), ts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitNewerIgnoresSameTimestamp(t *testing.T) {
	s := New[int]()
	s.Set(1, 5)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Set(99, 5)
	}()

	_, ts, ok := s.WaitNewer(context.Background(), 5, 80*time.Millisecond)
	assert.False(t, ok)
	assert.Equal(t, int64(5), ts)
}

func TestWaitNewerTimeoutReturnsLast(t *testing.T) {
	s := New[int]()

	v, ts, ok := s.WaitNewer(context.Background(), 42, 30*time.Millisecond)
	assert.False(t, ok)
	assert.Equal(t, 0, v)
	assert.Equal(t, int64(42), ts)
}

func TestWaitNewerStopsOnCancel(t *testing.T) {
	s := New[int]()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, ts, ok := s.WaitNewer(ctx, 3, 5*time.Second)
	assert.False(t, ok)
	assert.Equal(t, int64(3), ts)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitNewerWakesAllWaiters(t *testing.T) {
	s := New[int]()

	const waiters = 8
	var wg sync.WaitGroup
	results := make(chan int, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, ok := s.WaitNewer(context.Background(), 0, 2*time.Second)
			if ok {
				results <- v
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	s.Set(11, 1)
	wg.Wait()
	close(results)

	count := 0
	for v := range results {
		assert.Equal(t, 11, v)
		count++
	}
	assert.Equal(t, waiters, count)
}

func TestStoreNoTornPairs(t *testing.T) {
	type pair struct{ a, b int64 }
	s := New[pair]()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for i := int64(1); ctx.Err() == nil; i++ {
			s.Set(pair{a: i, b: i}, i)
		}
	}()

	for i := 0; i < 2000; i++ {
		v, ts, ok := s.Get()
		if !ok {
			continue
		}
		require.Equal(t, v.a, v.b)
		require.Equal(t, v.a, ts)
	}
}
