// Package scheduler delivers scheduled chat messages once their send time has
// passed. A single Loop polls the store on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/syncdrax/relay/internal/chat"
	"github.com/syncdrax/relay/internal/metrics"
)

// DefaultInterval is how often the loop polls for due records.
const DefaultInterval = 20 * time.Second

// Store is the persistence the loop needs. DeliverScheduled must insert the
// message and mark the record sent atomically.
type Store interface {
	FetchDueScheduled(ctx context.Context, now time.Time) ([]chat.ScheduledMessage, error)
	DeliverScheduled(ctx context.Context, s chat.ScheduledMessage) (*chat.Message, error)
}

// Deliverer fans a persisted message out to connected users. *chat.Hub
// satisfies it.
type Deliverer interface {
	Deliver(m *chat.Message)
}

// Loop is the scheduled-delivery worker.
type Loop struct {
	store    Store
	out      Deliverer
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewLoop creates a Loop. A non-positive interval selects DefaultInterval.
func NewLoop(store Store, out Deliverer, interval time.Duration, logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		store:    store,
		out:      out,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled. A failed cycle is logged and the next
// one runs on schedule.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("[scheduler] started", "interval", l.interval)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("[scheduler] stopped")
			return
		case <-ticker.C:
			if _, err := l.RunOnce(ctx); err != nil {
				l.logger.Error("[scheduler] cycle failed", "err", err)
			}
		}
	}
}

// RunOnce performs a single delivery cycle and returns how many records were
// delivered. Records fail independently, a panic included; only a failed or
// panicking fetch fails the cycle.
func (l *Loop) RunOnce(ctx context.Context) (delivered int, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: panic in cycle: %v", r)
		}
		metrics.SchedulerCycleDuration.Observe(time.Since(start).Seconds())
	}()

	due, err := l.store.FetchDueScheduled(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("scheduler: fetch due: %w", err)
	}

	for _, rec := range due {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if l.deliver(ctx, rec) {
			delivered++
		}
	}
	if delivered > 0 {
		l.logger.Info("[scheduler] delivered scheduled messages", "count", delivered, "due", len(due))
	}
	return delivered, nil
}

// deliver persists and fans out one record. A panic in the store or the
// fan-out is contained to this record and counted as failed.
func (l *Loop) deliver(ctx context.Context, rec chat.ScheduledMessage) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ScheduledDelivered.WithLabelValues("failed").Inc()
			l.logger.Error("[scheduler] panic delivering record", "scheduled_id", rec.ID, "panic", r)
			ok = false
		}
	}()

	msg, err := l.store.DeliverScheduled(ctx, rec)
	if errors.Is(err, chat.ErrAlreadySent) {
		l.logger.Debug("[scheduler] record already delivered", "scheduled_id", rec.ID)
		return false
	}
	if err != nil {
		metrics.ScheduledDelivered.WithLabelValues("failed").Inc()
		l.logger.Error("[scheduler] failed to deliver record", "scheduled_id", rec.ID, "err", err)
		return false
	}

	metrics.MessagesPersisted.WithLabelValues("scheduled").Inc()
	l.out.Deliver(msg)
	metrics.ScheduledDelivered.WithLabelValues("delivered").Inc()
	return true
}
