// Package archiver persists routed chat messages in batches and tells readers when writes are visible.
package archiver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/mam-keeper/internal/metrics"
	"github.com/and161185/mam-keeper/internal/model"
	"github.com/and161185/mam-keeper/internal/repository"
)

// MinStep is the shortest availability estimate handed out while writes are pending.
const MinStep = 50 * time.Millisecond

// Config tunes batching.
type Config struct {
	FlushInterval time.Duration
	BatchSize     int
}

// Archiver queues messages and writes them behind the caller. It is also the availability oracle
// of the archive: a read may start once nothing at or before its cutoff is still queued.
type Archiver struct {
	writer    repository.ArchiveWriter
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	queue     []model.PendingMessage
	inflight  []model.PendingMessage
	nextFlush time.Time

	kick    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

var _ repository.AvailabilityOracle = (*Archiver)(nil)

// New constructs an Archiver writing through writer.
func New(writer repository.ArchiveWriter, cfg Config, logger *zap.Logger) *Archiver {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		writer:    writer,
		interval:  cfg.FlushInterval,
		batchSize: cfg.BatchSize,
		logger:    logger,
		now:       time.Now,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Start runs the flush loop until ctx is done or Close is called.
func (a *Archiver) Start(ctx context.Context) {
	a.mu.Lock()
	a.nextFlush = a.now().Add(a.interval)
	a.mu.Unlock()

	go func() {
		defer close(a.stopped)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stop:
				return
			case <-ticker.C:
				a.mu.Lock()
				a.nextFlush = a.now().Add(a.interval)
				a.mu.Unlock()
				a.flush(ctx)
			case <-a.kick:
				a.flush(ctx)
			}
		}
	}()
}

// Archive queues msg for persistence.
func (a *Archiver) Archive(msg model.PendingMessage) {
	a.mu.Lock()
	a.queue = append(a.queue, msg)
	full := len(a.queue) >= a.batchSize
	metrics.ArchivePending.Set(float64(len(a.queue) + len(a.inflight)))
	a.mu.Unlock()

	if full {
		select {
		case a.kick <- struct{}{}:
		default:
		}
	}
}

// AvailabilityETA implements repository.AvailabilityOracle.
func (a *Archiver) AvailabilityETA(_ context.Context, cutoff time.Time) (time.Duration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !pendingUpTo(a.inflight, cutoff) && !pendingUpTo(a.queue, cutoff) {
		return 0, nil
	}
	eta := a.nextFlush.Sub(a.now())
	if eta < MinStep {
		eta = MinStep
	}
	return eta, nil
}

func pendingUpTo(msgs []model.PendingMessage, cutoff time.Time) bool {
	for _, m := range msgs {
		if !m.Time.After(cutoff) {
			return true
		}
	}
	return false
}

// Flush writes every queued message. It stops at the first failed batch, which is requeued.
func (a *Archiver) Flush(ctx context.Context) error {
	for {
		n, err := a.flushBatch(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (a *Archiver) flush(ctx context.Context) {
	if err := a.Flush(ctx); err != nil {
		a.logger.Error("archive flush failed, will retry", zap.Error(err))
	}
}

func (a *Archiver) flushBatch(ctx context.Context) (int, error) {
	a.mu.Lock()
	if len(a.inflight) > 0 || len(a.queue) == 0 {
		a.mu.Unlock()
		return 0, nil
	}
	n := min(len(a.queue), a.batchSize)
	batch := a.queue[:n:n]
	a.queue = a.queue[n:]
	a.inflight = batch
	a.mu.Unlock()

	err := a.writer.StoreBatch(ctx, batch)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.inflight = nil
	if err != nil {
		a.queue = append(append([]model.PendingMessage(nil), batch...), a.queue...)
		metrics.ArchiveFlushErrors.Inc()
		return 0, fmt.Errorf("store batch of %d: %w", len(batch), err)
	}
	metrics.ArchiveFlushed.Add(float64(len(batch)))
	metrics.ArchivePending.Set(float64(len(a.queue)))
	return len(batch), nil
}

// Pending returns the number of messages not yet written.
func (a *Archiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue) + len(a.inflight)
}

// Close stops the flush loop and writes what remains.
func (a *Archiver) Close(ctx context.Context) error {
	a.once.Do(func() { close(a.stop) })
	a.mu.Lock()
	started := !a.nextFlush.IsZero()
	a.mu.Unlock()
	if started {
		select {
		case <-a.stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return a.Flush(ctx)
}
