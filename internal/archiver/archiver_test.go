package archiver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/mam-keeper/internal/model"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]model.PendingMessage
	err     error
}

func (f *fakeWriter) StoreBatch(_ context.Context, msgs []model.PendingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, append([]model.PendingMessage(nil), msgs...))
	return nil
}

func (f *fakeWriter) stored() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func msgAt(offset time.Duration, body string) model.PendingMessage {
	return model.PendingMessage{Time: base.Add(offset), Body: body}
}

func TestAvailabilityETA(t *testing.T) {
	a := New(&fakeWriter{}, Config{FlushInterval: time.Second, BatchSize: 10}, zaptest.NewLogger(t))
	a.now = func() time.Time { return base }
	a.nextFlush = base.Add(700 * time.Millisecond)
	ctx := context.Background()

	eta, err := a.AvailabilityETA(ctx, base)
	require.NoError(t, err)
	require.Zero(t, eta, "nothing queued")

	a.Archive(msgAt(time.Second, "later"))
	eta, err = a.AvailabilityETA(ctx, base)
	require.NoError(t, err)
	require.Zero(t, eta, "queued message is after the cutoff")

	a.Archive(msgAt(0, "at cutoff"))
	eta, err = a.AvailabilityETA(ctx, base)
	require.NoError(t, err)
	require.Equal(t, 700*time.Millisecond, eta)

	a.nextFlush = base.Add(-time.Second)
	eta, err = a.AvailabilityETA(ctx, base)
	require.NoError(t, err)
	require.Equal(t, MinStep, eta, "overdue flush reports the minimum step")

	require.NoError(t, a.Flush(ctx))
	eta, err = a.AvailabilityETA(ctx, base)
	require.NoError(t, err)
	require.Zero(t, eta)
}

func TestFlush_Batches(t *testing.T) {
	w := &fakeWriter{}
	a := New(w, Config{FlushInterval: time.Hour, BatchSize: 2}, zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		a.Archive(msgAt(time.Duration(i), "m"))
	}

	require.NoError(t, a.Flush(context.Background()))
	require.Len(t, w.batches, 3)
	require.Len(t, w.batches[0], 2)
	require.Len(t, w.batches[2], 1)
	require.Zero(t, a.Pending())
}

func TestFlush_FailureRequeuesInOrder(t *testing.T) {
	w := &fakeWriter{err: errors.New("db down")}
	a := New(w, Config{FlushInterval: time.Hour, BatchSize: 2}, zaptest.NewLogger(t))
	a.Archive(msgAt(0, "a"))
	a.Archive(msgAt(1, "b"))
	a.Archive(msgAt(2, "c"))

	require.Error(t, a.Flush(context.Background()))
	require.Equal(t, 3, a.Pending())

	w.err = nil
	require.NoError(t, a.Flush(context.Background()))
	require.Equal(t, "a", w.batches[0][0].Body)
	require.Equal(t, "b", w.batches[0][1].Body)
	require.Equal(t, "c", w.batches[1][0].Body)
}

func TestStart_FlushesFullBatchAndCloses(t *testing.T) {
	w := &fakeWriter{}
	a := New(w, Config{FlushInterval: time.Hour, BatchSize: 2}, zaptest.NewLogger(t))
	a.Start(context.Background())

	a.Archive(msgAt(0, "a"))
	a.Archive(msgAt(1, "b"))
	require.Eventually(t, func() bool { return w.stored() == 2 }, 2*time.Second, 5*time.Millisecond)

	a.Archive(msgAt(2, "c"))
	require.NoError(t, a.Close(context.Background()))
	require.Equal(t, 3, w.stored())
}
