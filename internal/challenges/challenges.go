// Package challenges implements the fund-bearing lifecycle of fitness
// challenges: a creator seeds a prize pool, participants pay an entry fee
// to join, and the creator either completes the challenge (winners are
// earmarked the pool) or cancels it (every contribution is earmarked back).
//
// Flow:
//  1. Creator initializes → seed moved: creator available → pool
//  2. Participant joins → entry fee moved: participant available → pending → pool
//  3. Creator completes → pool earmarked to winners, challenge terminal
//  4. Creator cancels → contributions and seed earmarked for refund, challenge terminal
//  5. Settlement → earmarks paid out of the pool
package challenges

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidParameters  = errors.New("invalid challenge parameters")
	ErrDuplicateChallenge = errors.New("challenge already exists")
	ErrChallengeNotFound  = errors.New("challenge not found")
	ErrChallengeNotActive = errors.New("challenge is not active")
	ErrChallengeExpired   = errors.New("challenge deadline has passed")
	ErrChallengeFull      = errors.New("challenge is full")
	ErrAlreadyJoined      = errors.New("already joined this challenge")
	ErrUnauthorized       = errors.New("not authorized for this challenge operation")
	ErrInvalidWinner      = errors.New("winner has not joined this challenge")
	ErrInsufficientFunds  = errors.New("insufficient funds")

	ErrParticipantNotFound = errors.New("participant not found")
	ErrNotCancelled        = errors.New("challenge is not cancelled")
	ErrNotTerminal         = errors.New("challenge has not been completed or cancelled")
	ErrVersionConflict     = errors.New("challenge was modified concurrently")
)

// IsPermanent reports whether err is a failure that retrying with the same
// inputs can never fix.
func IsPermanent(err error) bool {
	for _, target := range []error{
		ErrInvalidParameters, ErrDuplicateChallenge, ErrChallengeNotFound,
		ErrChallengeNotActive, ErrChallengeExpired, ErrChallengeFull,
		ErrAlreadyJoined, ErrUnauthorized, ErrInvalidWinner,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Status is derived from the active/cancelled flags.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Challenge is the authoritative escrow record. Amounts are in the smallest
// USDC unit (1 USDC = 1,000,000).
type Challenge struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title"`
	Creator             string     `json:"creator"`
	EntryFee            int64      `json:"entryFee"`
	PrizePool           int64      `json:"prizePool"`
	SeedAmount          int64      `json:"seedAmount"`
	MaxParticipants     int        `json:"maxParticipants"`
	CurrentParticipants int        `json:"currentParticipants"`
	StartTime           time.Time  `json:"startTime"`
	Deadline            time.Time  `json:"deadline"`
	IsActive            bool       `json:"isActive"`
	IsCancelled         bool       `json:"isCancelled"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	CancelledAt         *time.Time `json:"cancelledAt,omitempty"`
	SeedSettled         bool       `json:"seedSettled"`
	SettledAt           *time.Time `json:"settledAt,omitempty"`
	Version             int64      `json:"version"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Status returns the lifecycle state.
func (c *Challenge) Status() Status {
	switch {
	case c.IsActive:
		return StatusActive
	case c.IsCancelled:
		return StatusCancelled
	default:
		return StatusCompleted
	}
}

// IsTerminal returns true once the challenge is completed or cancelled.
func (c *Challenge) IsTerminal() bool {
	return !c.IsActive
}

// PoolID is the ledger account holding this challenge's escrowed funds.
func (c *Challenge) PoolID() string {
	return PoolID(c.ID)
}

// PoolID returns the ledger account for a challenge id.
func PoolID(challengeID string) string {
	return "pool:" + challengeID
}

// Participant is the membership record for one identity in one challenge.
type Participant struct {
	ChallengeID     string    `json:"challengeId"`
	Address         string    `json:"address"`
	ExternalUserRef string    `json:"externalUserRef,omitempty"`
	HasJoined       bool      `json:"hasJoined"`
	HasCompleted    bool      `json:"hasCompleted"`
	Contribution    int64     `json:"contribution"`
	PayoutAmount    int64     `json:"payoutAmount"`
	Settled         bool      `json:"settled"`
	JoinedAt        time.Time `json:"joinedAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Signer is the caller capability presented with every privileged call.
// The service trusts the reported address; verification happens at the
// boundary that constructs the signer.
type Signer interface {
	Address() string
}

// Store persists challenges and participants. Commits are compare-and-swap
// on Challenge.Version: the passed challenge carries the version it was
// read at, and on success both the stored record and the passed value hold
// Version+1. A stale version yields ErrVersionConflict.
type Store interface {
	CreateChallenge(ctx context.Context, c *Challenge) error
	GetChallenge(ctx context.Context, id string) (*Challenge, error)
	GetParticipant(ctx context.Context, challengeID, addr string) (*Participant, error)
	ListParticipants(ctx context.Context, challengeID string) ([]*Participant, error)

	// CommitJoin stores the incremented challenge and inserts p.
	// Returns ErrAlreadyJoined if p already exists.
	CommitJoin(ctx context.Context, c *Challenge, p *Participant) error
	// CommitTransition stores c and the updated participants.
	CommitTransition(ctx context.Context, c *Challenge, participants []*Participant) error

	ListByCreator(ctx context.Context, creator string, limit int) ([]*Challenge, error)
	ListByParticipant(ctx context.Context, addr string, limit int) ([]*Challenge, error)
	ListUnsettled(ctx context.Context, limit int) ([]*Challenge, error)
	// ListRecent orders by last update, newest first.
	ListRecent(ctx context.Context, limit int) ([]*Challenge, error)
	// ListAfter pages through every challenge in id order, starting after
	// afterID ("" for the first page).
	ListAfter(ctx context.Context, afterID string, limit int) ([]*Challenge, error)
}

// LedgerService abstracts fund movement so challenges doesn't import ledger.
// Hold moves available → pending, SettleHold moves pending → pool,
// ReleaseHold moves pending → available, Payout moves pool → available and
// is idempotent per reference.
type LedgerService interface {
	Hold(ctx context.Context, addr string, amount int64, reference string) error
	SettleHold(ctx context.Context, addr, poolID string, amount int64, reference string) error
	ReleaseHold(ctx context.Context, addr string, amount int64, reference string) error
	Payout(ctx context.Context, poolID, addr string, amount int64, reference string) error
}

// EventType names a committed transition.
type EventType string

const (
	EventCreated   EventType = "challenge.created"
	EventJoined    EventType = "challenge.joined"
	EventCompleted EventType = "challenge.completed"
	EventCancelled EventType = "challenge.cancelled"
	EventSettled   EventType = "challenge.settled"
	EventResync    EventType = "challenge.resync"
)

// Event is emitted after a transition has committed. It carries copies,
// never pointers into the store.
type Event struct {
	ID           string        `json:"id"`
	Type         EventType     `json:"type"`
	Challenge    Challenge     `json:"challenge"`
	Participants []Participant `json:"participants,omitempty"`
	At           time.Time     `json:"at"`
}

// Observer receives committed events. Publish must not block.
type Observer interface {
	Publish(evt Event)
}

// InitializeRequest contains the parameters for creating a challenge.
type InitializeRequest struct {
	ChallengeID     string    `json:"challengeId"`
	Title           string    `json:"title"`
	EntryFee        int64     `json:"entryFee"`
	PrizePool       int64     `json:"prizePool"`
	MaxParticipants int       `json:"maxParticipants"`
	StartTime       time.Time `json:"startTime"`
	Deadline        time.Time `json:"deadline"`
}

// MaxIDLength bounds challenge ids so they fit the store's key columns.
const MaxIDLength = 64

// Validate checks the creation preconditions.
func (r InitializeRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.ChallengeID) == "":
		return fmt.Errorf("%w: challengeId is required", ErrInvalidParameters)
	case len(r.ChallengeID) > MaxIDLength:
		return fmt.Errorf("%w: challengeId exceeds %d characters", ErrInvalidParameters, MaxIDLength)
	case r.MaxParticipants <= 0:
		return fmt.Errorf("%w: maxParticipants must be positive", ErrInvalidParameters)
	case r.EntryFee < 0:
		return fmt.Errorf("%w: entryFee must not be negative", ErrInvalidParameters)
	case r.PrizePool < 0:
		return fmt.Errorf("%w: prizePool must not be negative", ErrInvalidParameters)
	case r.StartTime.IsZero() || r.Deadline.IsZero():
		return fmt.Errorf("%w: startTime and deadline are required", ErrInvalidParameters)
	case r.StartTime.After(r.Deadline):
		return fmt.Errorf("%w: startTime must not be after deadline", ErrInvalidParameters)
	}
	return nil
}

// Winner names one completion winner. ShareBPS is the winner's share of
// the pool in basis points; leave every share at zero for an even split.
type Winner struct {
	Address  string `json:"address"`
	ShareBPS int    `json:"shareBps,omitempty"`
}

// Refund is one entry of a cancelled challenge's refund set.
type Refund struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
	Settled bool   `json:"settled"`
	Creator bool   `json:"creator,omitempty"`
}

func normalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func seedReference(id string) string {
	return "challenge_seed:" + id
}

func joinReference(id, addr string) string {
	return fmt.Sprintf("challenge_join:%s:%s", id, addr)
}

func payoutReference(id, addr string) string {
	return fmt.Sprintf("challenge_payout:%s:%s", id, addr)
}

func seedRefundReference(id string) string {
	return "challenge_seed_refund:" + id
}
