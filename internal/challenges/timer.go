package challenges

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultSettlementInterval is how often the timer sweeps for terminal,
// unsettled challenges.
const DefaultSettlementInterval = 30 * time.Second

const settleBatchSize = 100

// Timer periodically settles completed and cancelled challenges.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new settlement timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultSettlementInterval
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the settlement loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := t.service.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.Chan():
			t.safeSettle(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSettle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in settlement timer", "panic", fmt.Sprint(r))
		}
	}()
	t.settlePending(ctx)
}

func (t *Timer) settlePending(ctx context.Context) {
	pending, err := t.store.ListUnsettled(ctx, settleBatchSize)
	if err != nil {
		t.logger.Warn("failed to list unsettled challenges", "error", err)
		return
	}

	for _, c := range pending {
		if ctx.Err() != nil {
			return
		}
		if _, err := t.service.Settle(ctx, c.ID); err != nil {
			t.logger.Warn("failed to settle challenge",
				"challengeId", c.ID,
				"status", c.Status(),
				"error", err,
			)
		}
	}
}
