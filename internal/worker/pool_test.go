package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/mam-keeper/internal/errs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPool_RunsTasksAndDrains(t *testing.T) {
	p := New(context.Background(), 0, zaptest.NewLogger(t))

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(func(context.Context) { ran.Add(1) }))
	}
	require.True(t, p.Drain(time.Second))
	require.Equal(t, int32(10), ran.Load())
	require.True(t, p.Draining())

	err := p.Submit(func(context.Context) {})
	require.True(t, errors.Is(err, errs.ErrPoolClosed))
	p.ForceStop()
}

func TestPool_BoundedWorkers(t *testing.T) {
	p := New(context.Background(), 2, zaptest.NewLogger(t))

	var cur, peak atomic.Int32
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit(func(context.Context) {
			n := cur.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			cur.Add(-1)
		}))
	}
	require.True(t, p.Drain(2*time.Second))
	require.LessOrEqual(t, peak.Load(), int32(2))
	p.ForceStop()
}

func TestPool_PanicIsRecovered(t *testing.T) {
	p := New(context.Background(), 0, zaptest.NewLogger(t))

	var after atomic.Bool
	require.NoError(t, p.Submit(func(context.Context) { panic("boom") }))
	require.NoError(t, p.Submit(func(context.Context) { after.Store(true) }))

	require.True(t, p.Drain(time.Second))
	require.True(t, after.Load())
	p.ForceStop()
}

func TestPool_ShutdownCancelsStragglers(t *testing.T) {
	p := New(context.Background(), 0, zaptest.NewLogger(t))

	started := make(chan struct{})
	var cancelled atomic.Bool
	require.NoError(t, p.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	}))
	<-started

	begin := time.Now()
	p.Shutdown(50 * time.Millisecond)
	require.True(t, cancelled.Load())
	require.Less(t, time.Since(begin), 2*time.Second)

	select {
	case <-p.Done():
	default:
		t.Fatal("pool must be done after shutdown")
	}
}

func TestPool_DrainTimesOut(t *testing.T) {
	p := New(context.Background(), 0, zaptest.NewLogger(t))

	release := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) { <-release }))

	require.False(t, p.Drain(20*time.Millisecond))
	close(release)
	require.True(t, p.Drain(time.Second))
	p.ForceStop()
}
