// Package directory maintains the off-chain read replica of challenge state.
//
// The escrow service stays authoritative. Every committed transition is
// published to a Syncer, which writes denormalized snapshots to a Cache
// (Redis in production, memory in development). Writes are guarded by the
// challenge version, so replays and out-of-order deliveries never move a
// snapshot backwards. The directory may lag but never invents state.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/fitpool/internal/challenges"
)

var ErrNotFound = errors.New("directory entry not found")

// ChallengeSnapshot is the cached view of a challenge.
type ChallengeSnapshot struct {
	ID                  string            `json:"id"`
	Title               string            `json:"title"`
	Creator             string            `json:"creator"`
	Status              challenges.Status `json:"status"`
	EntryFee            int64             `json:"entryFee"`
	PrizePool           int64             `json:"prizePool"`
	MaxParticipants     int               `json:"maxParticipants"`
	CurrentParticipants int               `json:"currentParticipants"`
	StartTime           time.Time         `json:"startTime"`
	Deadline            time.Time         `json:"deadline"`
	Settled             bool              `json:"settled"`
	Version             int64             `json:"version"`
	SyncedAt            time.Time         `json:"syncedAt"`
}

// MembershipSnapshot is the cached view of one participant. Version is the
// challenge version the membership was observed at.
type MembershipSnapshot struct {
	ChallengeID     string `json:"challengeId"`
	Address         string `json:"address"`
	ExternalUserRef string `json:"externalUserRef,omitempty"`
	HasJoined       bool   `json:"hasJoined"`
	HasCompleted    bool   `json:"hasCompleted"`
	PayoutAmount    int64  `json:"payoutAmount"`
	Settled         bool   `json:"settled"`
	Version         int64  `json:"version"`
}

// Cache stores snapshots. Put methods report whether the write was applied;
// a snapshot whose version is not newer than the stored one is skipped.
type Cache interface {
	PutChallenge(ctx context.Context, s ChallengeSnapshot) (bool, error)
	PutMembership(ctx context.Context, m MembershipSnapshot) (bool, error)
	GetChallenge(ctx context.Context, id string) (*ChallengeSnapshot, error)
	GetMembership(ctx context.Context, challengeID, addr string) (*MembershipSnapshot, error)
	// MemberChallenges returns the ids of challenges addr belongs to.
	MemberChallenges(ctx context.Context, addr string) ([]string, error)
	Ping(ctx context.Context) error
}

// SnapshotChallenge builds the cached view of c.
func SnapshotChallenge(c *challenges.Challenge, at time.Time) ChallengeSnapshot {
	return ChallengeSnapshot{
		ID:                  c.ID,
		Title:               c.Title,
		Creator:             c.Creator,
		Status:              c.Status(),
		EntryFee:            c.EntryFee,
		PrizePool:           c.PrizePool,
		MaxParticipants:     c.MaxParticipants,
		CurrentParticipants: c.CurrentParticipants,
		StartTime:           c.StartTime,
		Deadline:            c.Deadline,
		Settled:             c.SettledAt != nil,
		Version:             c.Version,
		SyncedAt:            at,
	}
}

// SnapshotMembership builds the cached view of p observed at version.
func SnapshotMembership(p *challenges.Participant, version int64) MembershipSnapshot {
	return MembershipSnapshot{
		ChallengeID:     p.ChallengeID,
		Address:         p.Address,
		ExternalUserRef: p.ExternalUserRef,
		HasJoined:       p.HasJoined,
		HasCompleted:    p.HasCompleted,
		PayoutAmount:    p.PayoutAmount,
		Settled:         p.Settled,
		Version:         version,
	}
}
