package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mbd888/fitpool/internal/challenges"
	"github.com/mbd888/fitpool/internal/circuitbreaker"
	"github.com/mbd888/fitpool/internal/metrics"
	"github.com/mbd888/fitpool/internal/retry"
)

const (
	DefaultQueueSize = 1024

	writeAttempts = 3
	writeBackoff  = 100 * time.Millisecond
)

// Syncer mirrors committed challenge events into a Cache. It implements
// challenges.Observer: Publish never blocks the state machine, and cache
// failures are logged and counted, never returned to the caller.
type Syncer struct {
	cache   Cache
	backend string // circuit breaker key
	queue   chan challenges.Event
	breaker *circuitbreaker.Breaker
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewSyncer creates a syncer writing to cache. backend names the cache in
// logs and breaker state ("redis", "memory").
func NewSyncer(cache Cache, backend string, queueSize int, logger *slog.Logger) *Syncer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	s := &Syncer{
		cache:   cache,
		backend: backend,
		queue:   make(chan challenges.Event, queueSize),
		breaker: circuitbreaker.New(5, 30*time.Second),
		clock:   clockwork.NewRealClock(),
		logger:  logger,
	}
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		if to == circuitbreaker.StateOpen {
			s.logger.Warn("directory circuit opened; writes skipped until probe", "backend", key, "from", from.String())
			return
		}
		s.logger.Info("directory circuit state changed", "backend", key, "from", from.String(), "to", to.String())
	})
	return s
}

// BreakerOpen reports whether cache writes are currently being skipped.
func (s *Syncer) BreakerOpen() bool {
	return s.breaker.State(s.backend) == circuitbreaker.StateOpen
}

// WithClock sets the clock stamped on snapshots and used by the breaker.
func (s *Syncer) WithClock(c clockwork.Clock) *Syncer {
	s.clock = c
	s.breaker.WithClock(c)
	return s
}

// Publish enqueues evt for syncing. A full queue drops the event; the
// periodic resync heals the gap.
func (s *Syncer) Publish(evt challenges.Event) {
	select {
	case s.queue <- evt:
		metrics.DirectoryQueueDepth.Set(float64(len(s.queue)))
	default:
		metrics.DirectorySyncTotal.WithLabelValues("dropped").Inc()
		s.logger.Warn("directory queue full, dropping event",
			"eventId", evt.ID, "type", evt.Type, "challengeId", evt.Challenge.ID)
	}
}

// Pending returns the number of queued events.
func (s *Syncer) Pending() int {
	return len(s.queue)
}

// Run drains the queue until ctx is cancelled. Call in a goroutine.
func (s *Syncer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.queue:
			metrics.DirectoryQueueDepth.Set(float64(len(s.queue)))
			if err := s.Sync(ctx, evt); err != nil {
				s.logger.Warn("directory sync failed",
					"eventId", evt.ID, "type", evt.Type, "challengeId", evt.Challenge.ID, "error", err)
			}
		}
	}
}

// Sync writes the snapshots carried by evt. Snapshots older than what the
// cache holds are skipped.
func (s *Syncer) Sync(ctx context.Context, evt challenges.Event) error {
	c := evt.Challenge
	snap := SnapshotChallenge(&c, s.clock.Now())

	var errs []error
	if err := s.write(ctx, func() (bool, error) { return s.cache.PutChallenge(ctx, snap) }); err != nil {
		errs = append(errs, fmt.Errorf("challenge %s: %w", c.ID, err))
	}
	for i := range evt.Participants {
		m := SnapshotMembership(&evt.Participants[i], c.Version)
		if err := s.write(ctx, func() (bool, error) { return s.cache.PutMembership(ctx, m) }); err != nil {
			errs = append(errs, fmt.Errorf("membership %s/%s: %w", c.ID, m.Address, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Syncer) write(ctx context.Context, put func() (bool, error)) error {
	var applied bool
	policy := retry.Policy{
		Attempts:  writeAttempts,
		BaseDelay: writeBackoff,
		OnRetry: func(attempt int, err error) {
			s.logger.Debug("directory write failed, retrying", "backend", s.backend, "attempt", attempt, "error", err)
		},
	}
	err := policy.Run(ctx, func() error {
		err := s.breaker.Execute(s.backend, func() error {
			var err error
			applied, err = put()
			return err
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})

	switch {
	case err != nil:
		metrics.DirectorySyncTotal.WithLabelValues("failed").Inc()
	case applied:
		metrics.DirectorySyncTotal.WithLabelValues("ok").Inc()
	default:
		metrics.DirectorySyncTotal.WithLabelValues("skipped").Inc()
	}
	return err
}

var _ challenges.Observer = (*Syncer)(nil)
