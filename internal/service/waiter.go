package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/mam-keeper/internal/repository"
)

// Sleeper suspends the caller for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Waiter blocks a worker until archive writes up to a cutoff are readable.
type Waiter struct {
	oracle repository.AvailabilityOracle
	sleep  Sleeper
	logger *zap.Logger
}

// NewWaiter constructs a Waiter polling oracle.
func NewWaiter(oracle repository.AvailabilityOracle, logger *zap.Logger) *Waiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Waiter{oracle: oracle, sleep: SleepContext, logger: logger}
}

// Wait returns once the oracle reports nothing left to wait for. Every reading is fresh: the
// estimate may shrink or grow between polls. A cancelled wait is abandoned with a warning and
// reported as success, so that the query proceeds with possibly incomplete data. Oracle failures
// are returned.
func (w *Waiter) Wait(ctx context.Context, cutoff time.Time) error {
	for {
		eta, err := w.oracle.AvailabilityETA(ctx, cutoff)
		if err != nil {
			if ctx.Err() != nil {
				w.interrupted(ctx.Err())
				return nil
			}
			return fmt.Errorf("availability eta: %w", err)
		}
		if eta <= 0 {
			w.logger.Debug("requested archive data is written")
			return nil
		}
		w.logger.Debug("archive data not yet written, delaying query", zap.Duration("eta", eta))
		if err := w.sleep(ctx, eta); err != nil {
			w.interrupted(err)
			return nil
		}
	}
}

func (w *Waiter) interrupted(err error) {
	w.logger.Warn("interrupted wait for archive availability, data might be incomplete", zap.Error(err))
}
