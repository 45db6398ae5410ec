package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTasksRunAndSettle(t *testing.T) {
	q := New(Options{Concurrency: 2})

	var ran atomic.Int32
	h := q.Enqueue(func(context.Context) error {
		ran.Add(1)
		return nil
	})

	require.NoError(t, h.Wait(context.Background()))
	require.Equal(t, int32(1), ran.Load())
	require.NoError(t, h.Err())
}

func TestConcurrencyOneIsFIFO(t *testing.T) {
	q := New(Options{Concurrency: 1})

	var mu sync.Mutex
	var order []int
	handles := make([]*Handle, 0, 5)
	for i := 0; i < 5; i++ {
		i := i
		handles = append(handles, q.Enqueue(func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	for _, h := range handles {
		require.NoError(t, h.Wait(context.Background()))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestTaskErrorDoesNotHaltQueue(t *testing.T) {
	var onErrCalls atomic.Int32
	q := New(Options{Concurrency: 1, OnError: func(error) { onErrCalls.Add(1) }})

	boom := errors.New("boom")
	h1 := q.Enqueue(func(context.Context) error { return boom })
	h2 := q.Enqueue(func(context.Context) error { return nil })

	require.ErrorIs(t, h1.Wait(context.Background()), boom)
	require.NoError(t, h2.Wait(context.Background()))

	m := q.Metrics()
	require.Equal(t, int64(1), m.Failed)
	require.Equal(t, int64(1), m.Completed)
	require.Equal(t, "boom", m.LastError)
	require.Equal(t, int32(1), onErrCalls.Load())
}

func TestPanicSettlesHandle(t *testing.T) {
	q := New(Options{})

	h := q.Enqueue(func(context.Context) error { panic("kaboom") })

	err := h.Wait(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "kaboom")
}

func TestConcurrencyBound(t *testing.T) {
	q := New(Options{Concurrency: 2})

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	handles := make([]*Handle, 0, 6)
	for i := 0; i < 6; i++ {
		handles = append(handles, q.Enqueue(func(context.Context) error {
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return nil
		}))
	}

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(2), inFlight.Load())
	close(release)

	for _, h := range handles {
		require.NoError(t, h.Wait(context.Background()))
	}
	require.Equal(t, int32(2), peak.Load())
}

func TestOnIdle(t *testing.T) {
	q := New(Options{Concurrency: 1})

	// Idle queue returns immediately.
	require.NoError(t, q.OnIdle(context.Background()))

	release := make(chan struct{})
	q.Enqueue(func(context.Context) error {
		<-release
		return nil
	})
	q.Enqueue(func(context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.OnIdle(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, q.OnIdle(context.Background()))

	m := q.Metrics()
	require.Zero(t, m.Pending)
	require.Zero(t, m.InFlight)
	require.Equal(t, int64(2), m.Completed)
}

func TestErrBeforeSettlementIsNil(t *testing.T) {
	q := New(Options{})

	release := make(chan struct{})
	h := q.Enqueue(func(context.Context) error {
		<-release
		return errors.New("late")
	})
	require.NoError(t, h.Err())
	close(release)
	require.Error(t, h.Wait(context.Background()))
	require.Error(t, h.Err())
}
