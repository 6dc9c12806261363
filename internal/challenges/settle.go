package challenges

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/fitpool/internal/metrics"
	"github.com/mbd888/fitpool/internal/traces"
)

// Settle pays out the earmarks of a completed or cancelled challenge from
// its pool. Each payout carries a stable reference, so a partially settled
// challenge can be settled again without paying anyone twice.
func (s *Service) Settle(ctx context.Context, challengeID string) (_ *Challenge, err error) {
	ctx, span := traces.StartSpan(ctx, "challenges.Settle", traces.ChallengeID(challengeID))
	defer func() { traces.End(span, err); observe("settle", err) }()

	var (
		after   *Challenge
		updated []*Participant
		failed  error
	)
	err = s.withChallengeLock(ctx, "settle", challengeID, func() error {
		c, err := s.store.GetChallenge(ctx, challengeID)
		if err != nil {
			return err
		}
		if !c.IsTerminal() {
			return ErrNotTerminal
		}
		if c.SettledAt != nil {
			after, updated = c, nil
			return nil
		}

		parts, err := s.store.ListParticipants(ctx, challengeID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		next := *c
		var changed []*Participant
		var errs []error
		for _, p := range parts {
			if p.Settled || p.PayoutAmount <= 0 {
				continue
			}
			kind := "winner"
			if c.IsCancelled {
				kind = "refund"
			}
			if err := s.ledger.Payout(ctx, c.PoolID(), p.Address, p.PayoutAmount, payoutReference(c.ID, p.Address)); err != nil {
				metrics.SettlementPayoutsTotal.WithLabelValues(kind, "error").Inc()
				errs = append(errs, fmt.Errorf("payout to %s: %w", p.Address, err))
				continue
			}
			metrics.SettlementPayoutsTotal.WithLabelValues(kind, "ok").Inc()
			metrics.EscrowedUnits.Sub(float64(p.PayoutAmount))
			p.Settled = true
			p.UpdatedAt = now
			changed = append(changed, p)
		}

		if c.IsCancelled && !c.SeedSettled && c.SeedAmount > 0 {
			if err := s.ledger.Payout(ctx, c.PoolID(), c.Creator, c.SeedAmount, seedRefundReference(c.ID)); err != nil {
				metrics.SettlementPayoutsTotal.WithLabelValues("seed_refund", "error").Inc()
				errs = append(errs, fmt.Errorf("seed refund to %s: %w", c.Creator, err))
			} else {
				metrics.SettlementPayoutsTotal.WithLabelValues("seed_refund", "ok").Inc()
				metrics.EscrowedUnits.Sub(float64(c.SeedAmount))
				next.SeedSettled = true
			}
		}

		if len(errs) == 0 {
			next.SeedSettled = true
			next.SettledAt = &now
		}
		next.UpdatedAt = now
		if err := s.store.CommitTransition(ctx, &next, changed); err != nil {
			return err
		}
		after, updated, failed = &next, changed, errors.Join(errs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if failed != nil {
		s.logger.Warn("challenge partially settled",
			"challengeId", challengeID, "paid", len(updated), "error", failed)
		return after, failed
	}

	if len(updated) > 0 || after.SettledAt != nil {
		s.logger.Info("challenge settled", "challengeId", challengeID, "paid", len(updated))
		s.publish(EventSettled, after, updated)
	}
	return after, nil
}
