package challenges

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mbd888/fitpool/internal/idgen"
	"github.com/mbd888/fitpool/internal/metrics"
	"github.com/mbd888/fitpool/internal/retry"
	"github.com/mbd888/fitpool/internal/syncutil"
	"github.com/mbd888/fitpool/internal/traces"
)

const (
	// maxCommitAttempts bounds re-read/re-validate rounds after a version
	// conflict (another process committed first).
	maxCommitAttempts = 5
	commitBackoff     = 5 * time.Millisecond

	// fundRetryAttempts bounds retries of the post-commit fund step.
	fundRetryAttempts = 3
	fundRetryBackoff  = 50 * time.Millisecond

	defaultListLimit = 50
	maxListLimit     = 200
)

// Service is the sole authority over challenge and participant state.
type Service struct {
	store    Store
	ledger   LedgerService
	clock    clockwork.Clock
	observer Observer
	logger   *slog.Logger
	locks    *syncutil.KeyedMutex // per-challenge serialization within this process
}

// NewService creates a new challenge service.
func NewService(store Store, ledger LedgerService) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
		locks:  syncutil.NewKeyedMutex(syncutil.DefaultShards),
	}
}

// WithClock replaces the wall clock used for deadline checks.
func (s *Service) WithClock(c clockwork.Clock) *Service {
	s.clock = c
	return s
}

// WithObserver registers the receiver of committed events.
func (s *Service) WithObserver(o Observer) *Service {
	s.observer = o
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Initialize creates a challenge and moves the creator's seed into the pool.
func (s *Service) Initialize(ctx context.Context, req InitializeRequest, creator Signer) (_ *Challenge, err error) {
	ctx, span := traces.StartSpan(ctx, "challenges.Initialize",
		traces.ChallengeID(req.ChallengeID), traces.Amount(req.PrizePool))
	defer func() { traces.End(span, err); observe("initialize", err) }()

	if creator == nil || normalizeAddr(creator.Address()) == "" {
		return nil, ErrUnauthorized
	}
	req.ChallengeID = strings.TrimSpace(req.ChallengeID)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, req.ChallengeID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	start := time.Now()

	if _, err := s.store.GetChallenge(ctx, req.ChallengeID); err == nil {
		return nil, ErrDuplicateChallenge
	} else if !errors.Is(err, ErrChallengeNotFound) {
		return nil, err
	}

	now := s.clock.Now()
	c := &Challenge{
		ID:              req.ChallengeID,
		Title:           strings.TrimSpace(req.Title),
		Creator:         normalizeAddr(creator.Address()),
		EntryFee:        req.EntryFee,
		PrizePool:       req.PrizePool,
		SeedAmount:      req.PrizePool,
		MaxParticipants: req.MaxParticipants,
		StartTime:       req.StartTime,
		Deadline:        req.Deadline,
		IsActive:        true,
		SeedSettled:     req.PrizePool == 0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	ref := seedReference(c.ID)
	if c.SeedAmount > 0 {
		if err := s.ledger.Hold(ctx, c.Creator, c.SeedAmount, ref); err != nil {
			return nil, fundError("hold creator seed", err)
		}
	}

	if err := s.store.CreateChallenge(ctx, c); err != nil {
		if c.SeedAmount > 0 {
			s.releaseHold(ctx, c.Creator, c.SeedAmount, ref)
		}
		if errors.Is(err, ErrDuplicateChallenge) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create challenge record: %w", err)
	}

	if c.SeedAmount > 0 {
		s.settleHold(ctx, "initialize", c.Creator, c.PoolID(), c.SeedAmount, ref)
	}
	metrics.ChallengeCommitDuration.WithLabelValues("initialize").Observe(time.Since(start).Seconds())

	s.logger.Info("challenge initialized",
		"challengeId", c.ID,
		"creator", c.Creator,
		"entryFee", c.EntryFee,
		"prizePool", c.PrizePool,
		"maxParticipants", c.MaxParticipants,
	)
	s.publish(EventCreated, c, nil)
	return c, nil
}

// Join enrolls the signer in a challenge and moves the entry fee into the
// pool. A second join by the same identity always fails with
// ErrAlreadyJoined.
func (s *Service) Join(ctx context.Context, challengeID string, participant Signer, externalUserRef string) (_ *Participant, err error) {
	ctx, span := traces.StartSpan(ctx, "challenges.Join", traces.ChallengeID(challengeID))
	defer func() { traces.End(span, err); observe("join", err) }()

	if participant == nil || normalizeAddr(participant.Address()) == "" {
		return nil, ErrUnauthorized
	}
	addr := normalizeAddr(participant.Address())
	span.SetAttributes(traces.Signer(addr))

	var (
		joined *Participant
		after  *Challenge
	)
	err = s.withChallengeLock(ctx, "join", challengeID, func() error {
		c, p, err := s.tryJoin(ctx, challengeID, addr, externalUserRef)
		if err != nil {
			return err
		}
		joined, after = p, c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("challenge joined",
		"challengeId", challengeID,
		"participant", addr,
		"currentParticipants", after.CurrentParticipants,
		"prizePool", after.PrizePool,
	)
	s.publish(EventJoined, after, []*Participant{joined})
	return joined, nil
}

// tryJoin runs one read-validate-commit round. Caller holds the challenge lock.
func (s *Service) tryJoin(ctx context.Context, id, addr, externalUserRef string) (*Challenge, *Participant, error) {
	c, err := s.store.GetChallenge(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !c.IsActive || c.IsCancelled {
		return nil, nil, ErrChallengeNotActive
	}
	// A repeat join reports ErrAlreadyJoined even once the challenge is
	// full or past its deadline.
	if _, err := s.store.GetParticipant(ctx, id, addr); err == nil {
		return nil, nil, ErrAlreadyJoined
	} else if !errors.Is(err, ErrParticipantNotFound) {
		return nil, nil, err
	}
	if !s.clock.Now().Before(c.Deadline) {
		return nil, nil, ErrChallengeExpired
	}
	if c.CurrentParticipants >= c.MaxParticipants {
		return nil, nil, ErrChallengeFull
	}

	ref := joinReference(id, addr)
	if c.EntryFee > 0 {
		if err := s.ledger.Hold(ctx, addr, c.EntryFee, ref); err != nil {
			return nil, nil, fundError("hold entry fee", err)
		}
	}

	// The deadline is a hard cutoff at commit time, not submission time.
	now := s.clock.Now()
	if !now.Before(c.Deadline) {
		s.releaseHold(ctx, addr, c.EntryFee, ref)
		return nil, nil, ErrChallengeExpired
	}

	next := *c
	next.CurrentParticipants++
	next.PrizePool += c.EntryFee
	next.UpdatedAt = now
	p := &Participant{
		ChallengeID:     id,
		Address:         addr,
		ExternalUserRef: strings.TrimSpace(externalUserRef),
		HasJoined:       true,
		Contribution:    c.EntryFee,
		JoinedAt:        now,
		UpdatedAt:       now,
	}

	if err := s.store.CommitJoin(ctx, &next, p); err != nil {
		s.releaseHold(ctx, addr, c.EntryFee, ref)
		return nil, nil, err
	}

	s.settleHold(ctx, "join", addr, PoolID(id), c.EntryFee, ref)
	return &next, p, nil
}

// Complete ends the challenge and earmarks the pool for the winners in the
// order given. Only the creator may complete.
func (s *Service) Complete(ctx context.Context, challengeID string, winners []Winner, creator Signer) (_ *Challenge, err error) {
	ctx, span := traces.StartSpan(ctx, "challenges.Complete",
		traces.ChallengeID(challengeID), traces.Winners(len(winners)))
	defer func() { traces.End(span, err); observe("complete", err) }()

	var (
		after   *Challenge
		updated []*Participant
	)
	err = s.withChallengeLock(ctx, "complete", challengeID, func() error {
		c, err := s.store.GetChallenge(ctx, challengeID)
		if err != nil {
			return err
		}
		if err := authorizeCreator(c, creator); err != nil {
			return err
		}
		if !c.IsActive {
			return ErrChallengeNotActive
		}

		earmarks, err := splitPool(c.PrizePool, winners)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		seen := make(map[string]bool, len(winners))
		parts := make([]*Participant, 0, len(winners))
		for i, w := range winners {
			addr := normalizeAddr(w.Address)
			if seen[addr] {
				return fmt.Errorf("%w: duplicate winner %s", ErrInvalidParameters, addr)
			}
			seen[addr] = true

			p, err := s.store.GetParticipant(ctx, challengeID, addr)
			if errors.Is(err, ErrParticipantNotFound) {
				return fmt.Errorf("%w: %s", ErrInvalidWinner, addr)
			}
			if err != nil {
				return err
			}
			if !p.HasJoined {
				return fmt.Errorf("%w: %s", ErrInvalidWinner, addr)
			}
			p.HasCompleted = true
			p.PayoutAmount = earmarks[i]
			p.UpdatedAt = now
			parts = append(parts, p)
		}

		next := *c
		next.IsActive = false
		next.CompletedAt = &now
		next.SeedSettled = true // the seed is part of the winners' pool
		next.UpdatedAt = now
		if err := s.store.CommitTransition(ctx, &next, parts); err != nil {
			return err
		}
		after, updated = &next, parts
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("challenge completed",
		"challengeId", challengeID,
		"winners", len(updated),
		"prizePool", after.PrizePool,
	)
	s.publish(EventCompleted, after, updated)
	return after, nil
}

// Cancel ends the challenge and earmarks every contribution, plus the
// creator's seed, for refund. Only the creator may cancel.
func (s *Service) Cancel(ctx context.Context, challengeID string, creator Signer) (_ *Challenge, err error) {
	ctx, span := traces.StartSpan(ctx, "challenges.Cancel", traces.ChallengeID(challengeID))
	defer func() { traces.End(span, err); observe("cancel", err) }()

	var (
		after   *Challenge
		updated []*Participant
	)
	err = s.withChallengeLock(ctx, "cancel", challengeID, func() error {
		c, err := s.store.GetChallenge(ctx, challengeID)
		if err != nil {
			return err
		}
		if err := authorizeCreator(c, creator); err != nil {
			return err
		}
		if !c.IsActive {
			return ErrChallengeNotActive
		}

		parts, err := s.store.ListParticipants(ctx, challengeID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		for _, p := range parts {
			p.PayoutAmount = p.Contribution
			p.Settled = p.Contribution == 0
			p.UpdatedAt = now
		}

		next := *c
		next.IsActive = false
		next.IsCancelled = true
		next.CancelledAt = &now
		next.UpdatedAt = now
		if err := s.store.CommitTransition(ctx, &next, parts); err != nil {
			return err
		}
		after, updated = &next, parts
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("challenge cancelled",
		"challengeId", challengeID,
		"refunds", len(updated),
		"prizePool", after.PrizePool,
	)
	s.publish(EventCancelled, after, updated)
	return after, nil
}

// Get returns a challenge by id.
func (s *Service) Get(ctx context.Context, id string) (*Challenge, error) {
	return s.store.GetChallenge(ctx, id)
}

// GetParticipant returns one membership record.
func (s *Service) GetParticipant(ctx context.Context, challengeID, addr string) (*Participant, error) {
	return s.store.GetParticipant(ctx, challengeID, normalizeAddr(addr))
}

// ListParticipants returns all members of a challenge.
func (s *Service) ListParticipants(ctx context.Context, challengeID string) ([]*Participant, error) {
	if _, err := s.store.GetChallenge(ctx, challengeID); err != nil {
		return nil, err
	}
	return s.store.ListParticipants(ctx, challengeID)
}

// RefundSet returns the refund-eligible identities of a cancelled
// challenge: every joined participant plus the creator's seed.
func (s *Service) RefundSet(ctx context.Context, challengeID string) ([]Refund, error) {
	c, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !c.IsCancelled {
		return nil, ErrNotCancelled
	}
	parts, err := s.store.ListParticipants(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	refunds := make([]Refund, 0, len(parts)+1)
	if c.SeedAmount > 0 {
		refunds = append(refunds, Refund{Address: c.Creator, Amount: c.SeedAmount, Settled: c.SeedSettled, Creator: true})
	}
	for _, p := range parts {
		if !p.HasJoined {
			continue
		}
		refunds = append(refunds, Refund{Address: p.Address, Amount: p.PayoutAmount, Settled: p.Settled})
	}
	return refunds, nil
}

// ListByCreator returns challenges created by addr.
func (s *Service) ListByCreator(ctx context.Context, addr string, limit int) ([]*Challenge, error) {
	return s.store.ListByCreator(ctx, normalizeAddr(addr), clampLimit(limit))
}

// ListByParticipant returns challenges addr has joined.
func (s *Service) ListByParticipant(ctx context.Context, addr string, limit int) ([]*Challenge, error) {
	return s.store.ListByParticipant(ctx, normalizeAddr(addr), clampLimit(limit))
}

// ListRecent returns the most recently updated challenges.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]*Challenge, error) {
	return s.store.ListRecent(ctx, clampLimit(limit))
}

// ListAfter returns the page of challenges whose ids follow afterID, in id
// order. Passing the last id of each page walks every challenge.
func (s *Service) ListAfter(ctx context.Context, afterID string, limit int) ([]*Challenge, error) {
	return s.store.ListAfter(ctx, afterID, clampLimit(limit))
}

// withChallengeLock serializes fn per challenge within this process and
// re-runs it after optimistic version conflicts from other writers.
func (s *Service) withChallengeLock(ctx context.Context, op, id string, fn func() error) error {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	start := time.Now()
	err = retry.Policy{
		Attempts:  maxCommitAttempts,
		BaseDelay: commitBackoff,
		Retryable: func(err error) bool { return errors.Is(err, ErrVersionConflict) },
		OnRetry: func(attempt int, err error) {
			metrics.ChallengeCommitConflicts.WithLabelValues(op).Inc()
			s.logger.Debug("challenge version conflict, retrying", "op", op, "challengeId", id, "attempt", attempt)
		},
	}.Run(ctx, fn)
	if err == nil {
		metrics.ChallengeCommitDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return err
}

// settleHold moves held funds into the pool after the record committed.
// The commit stands even if this keeps failing: the funds remain pending
// (not spendable) and are flagged for reconciliation.
func (s *Service) settleHold(ctx context.Context, op, addr, poolID string, amount int64, ref string) {
	if amount <= 0 {
		return
	}
	err := retry.Do(ctx, fundRetryAttempts, fundRetryBackoff, func() error {
		return s.ledger.SettleHold(ctx, addr, poolID, amount, ref)
	})
	if err != nil {
		metrics.CriticalInconsistencies.WithLabelValues(op).Inc()
		s.logger.Error("CRITICAL: challenge committed but held funds not moved to pool",
			"op", op, "addr", addr, "pool", poolID, "amount", amount, "reference", ref, "error", err)
		return
	}
	metrics.EscrowedUnits.Add(float64(amount))
}

func (s *Service) releaseHold(ctx context.Context, addr string, amount int64, ref string) {
	if amount <= 0 {
		return
	}
	if err := s.ledger.ReleaseHold(ctx, addr, amount, ref); err != nil {
		s.logger.Error("CRITICAL: failed to release hold after aborted transition",
			"addr", addr, "amount", amount, "reference", ref, "error", err)
		metrics.CriticalInconsistencies.WithLabelValues("release_hold").Inc()
	}
}

func (s *Service) publish(t EventType, c *Challenge, parts []*Participant) {
	if s.observer == nil {
		return
	}
	evt := Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      t,
		Challenge: *c,
		At:        s.clock.Now(),
	}
	for _, p := range parts {
		evt.Participants = append(evt.Participants, *p)
	}
	s.observer.Publish(evt)
}

// fundError wraps a ledger failure; balance shortfalls surface as
// ErrInsufficientFunds.
func fundError(step string, err error) error {
	if errors.Is(err, ErrInsufficientFunds) {
		return err
	}
	return fmt.Errorf("failed to %s: %w", step, err)
}

func observe(op string, err error) {
	metrics.ChallengeOpsTotal.WithLabelValues(op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidParameters):
		return "invalid_parameters"
	case errors.Is(err, ErrDuplicateChallenge):
		return "duplicate"
	case errors.Is(err, ErrChallengeNotFound):
		return "not_found"
	case errors.Is(err, ErrChallengeNotActive):
		return "not_active"
	case errors.Is(err, ErrChallengeExpired):
		return "expired"
	case errors.Is(err, ErrChallengeFull):
		return "full"
	case errors.Is(err, ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidWinner):
		return "invalid_winner"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrVersionConflict):
		return "conflict"
	default:
		return "error"
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
