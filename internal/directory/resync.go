package directory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/mbd888/fitpool/internal/challenges"
)

// DefaultResyncInterval is how often authoritative state is re-mirrored.
const DefaultResyncInterval = 5 * time.Minute

const resyncBatchSize = 200

// Source reads authoritative challenge state. *challenges.Service
// satisfies it.
type Source interface {
	ListAfter(ctx context.Context, afterID string, limit int) ([]*challenges.Challenge, error)
	ListParticipants(ctx context.Context, challengeID string) ([]*challenges.Participant, error)
}

// Resyncer periodically re-writes snapshots of every challenge so that
// dropped or failed directory writes converge.
type Resyncer struct {
	source    Source
	syncer    *Syncer
	interval  time.Duration
	batchSize int
	clock    clockwork.Clock
	logger   *slog.Logger

	sched  gocron.Scheduler
	cancel context.CancelFunc
}

// NewResyncer creates a resyncer; call Start to schedule it.
func NewResyncer(source Source, syncer *Syncer, interval time.Duration, logger *slog.Logger) *Resyncer {
	if interval <= 0 {
		interval = DefaultResyncInterval
	}
	return &Resyncer{
		source:    source,
		syncer:    syncer,
		interval:  interval,
		batchSize: resyncBatchSize,
		clock:     clockwork.NewRealClock(),
		logger:    logger,
	}
}

// WithClock sets the scheduler clock.
func (r *Resyncer) WithClock(c clockwork.Clock) *Resyncer {
	r.clock = c
	return r
}

// Start schedules the resync job. Overlapping runs are skipped.
func (r *Resyncer) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler(gocron.WithClock(r.clock))
	if err != nil {
		return fmt.Errorf("create resync scheduler: %w", err)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	_, err = sched.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() {
			if n, err := r.ResyncOnce(jobCtx); err != nil {
				r.logger.Warn("directory resync incomplete", "synced", n, "error", err)
			} else {
				r.logger.Debug("directory resync complete", "synced", n)
			}
		}),
		gocron.WithName("directory-resync"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		_ = sched.Shutdown()
		return fmt.Errorf("schedule resync job: %w", err)
	}

	sched.Start()
	r.sched, r.cancel = sched, cancel
	r.logger.Info("directory resync scheduled", "interval", r.interval)
	return nil
}

// Stop cancels a running pass and shuts the scheduler down.
func (r *Resyncer) Stop() error {
	if r.sched == nil {
		return nil
	}
	r.cancel()
	return r.sched.Shutdown()
}

// ResyncOnce mirrors every challenge, one id-ordered page at a time, and
// returns how many were written without error.
func (r *Resyncer) ResyncOnce(ctx context.Context) (int, error) {
	synced := 0
	var lastErr error
	after := ""
	for {
		page, err := r.source.ListAfter(ctx, after, r.batchSize)
		if err != nil {
			return synced, fmt.Errorf("list challenges after %q: %w", after, err)
		}
		for _, c := range page {
			if ctx.Err() != nil {
				return synced, ctx.Err()
			}
			if err := r.resyncChallenge(ctx, c); err != nil {
				lastErr = err
				continue
			}
			synced++
		}
		if len(page) == 0 || len(page) < r.batchSize {
			return synced, lastErr
		}
		after = page[len(page)-1].ID
	}
}

func (r *Resyncer) resyncChallenge(ctx context.Context, c *challenges.Challenge) error {
	parts, err := r.source.ListParticipants(ctx, c.ID)
	if err != nil {
		return err
	}
	evt := challenges.Event{
		Type:      challenges.EventResync,
		Challenge: *c,
		At:        r.clock.Now(),
	}
	for _, p := range parts {
		evt.Participants = append(evt.Participants, *p)
	}
	return r.syncer.Sync(ctx, evt)
}
