package worker

import (
	"context"
	"log/slog"
	"time"
)

// LeaseExpirer transitions overdue active leases to expired
type LeaseExpirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

// SweepLocker is the cross-instance leader lock for the sweep
type SweepLocker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

const sweepLockKey = "locks:lease-expiry-sweep"

// ExpiryWorker periodically expires active leases whose end date has passed,
// freeing their units. The sweep itself is idempotent; the Redis lock only
// keeps concurrent instances from doing redundant passes, correctness does
// not depend on it.
type ExpiryWorker struct {
	expirer  LeaseExpirer
	locker   SweepLocker
	logger   *slog.Logger
	interval time.Duration
}

// NewExpiryWorker creates a new expiry worker
func NewExpiryWorker(expirer LeaseExpirer, locker SweepLocker, logger *slog.Logger, interval time.Duration) *ExpiryWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &ExpiryWorker{
		expirer:  expirer,
		locker:   locker,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the sweep loop. It runs until the context is canceled.
func (w *ExpiryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("lease expiry worker started", slog.Duration("interval", w.interval))

	// One pass at startup so a long-down instance catches up immediately.
	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("lease expiry worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ExpiryWorker) sweep(ctx context.Context) {
	if w.locker != nil {
		acquired, err := w.locker.AcquireLock(ctx, sweepLockKey, w.interval)
		if err != nil {
			// Lock service down: sweep anyway, the transition is idempotent.
			w.logger.Warn("sweep lock unavailable, proceeding", slog.String("error", err.Error()))
		} else if !acquired {
			w.logger.Debug("sweep lock held elsewhere, skipping pass")
			return
		} else {
			defer func() {
				if err := w.locker.ReleaseLock(ctx, sweepLockKey); err != nil {
					w.logger.Warn("failed to release sweep lock", slog.String("error", err.Error()))
				}
			}()
		}
	}

	expired, err := w.expirer.ExpireOverdue(ctx)
	if err != nil {
		w.logger.Error("expiry sweep failed", slog.String("error", err.Error()))
		return
	}
	if expired > 0 {
		w.logger.Info("expiry sweep completed", slog.Int("expired", expired))
	}
}
