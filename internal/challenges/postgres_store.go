package challenges

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists challenge data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed challenge store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const challengeColumns = `id, title, creator_addr, entry_fee, prize_pool, seed_amount,
		       max_participants, current_participants, start_time, deadline,
		       is_active, is_cancelled, completed_at, cancelled_at,
		       seed_settled, settled_at, version, created_at, updated_at`

const participantColumns = `challenge_id, addr, external_user_ref, has_joined, has_completed,
		       contribution, payout_amount, settled, joined_at, updated_at`

func (p *PostgresStore) CreateChallenge(ctx context.Context, c *Challenge) error {
	c.Version = 1
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO challenges (
			id, title, creator_addr, entry_fee, prize_pool, seed_amount,
			max_participants, current_participants, start_time, deadline,
			is_active, is_cancelled, seed_settled, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16
		)
		ON CONFLICT (id) DO NOTHING`,
		c.ID, c.Title, c.Creator, c.EntryFee, c.PrizePool, c.SeedAmount,
		c.MaxParticipants, c.CurrentParticipants, c.StartTime, c.Deadline,
		c.IsActive, c.IsCancelled, c.SeedSettled, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDuplicateChallenge
	}
	return nil
}

func (p *PostgresStore) GetChallenge(ctx context.Context, id string) (*Challenge, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id)

	c, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChallengeNotFound
	}
	return c, err
}

func (p *PostgresStore) GetParticipant(ctx context.Context, challengeID, addr string) (*Participant, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+participantColumns+`
		FROM challenge_participants
		WHERE challenge_id = $1 AND addr = $2`, challengeID, addr)

	pt, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrParticipantNotFound
	}
	return pt, err
}

func (p *PostgresStore) ListParticipants(ctx context.Context, challengeID string) ([]*Participant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+participantColumns+`
		FROM challenge_participants
		WHERE challenge_id = $1
		ORDER BY joined_at ASC, addr ASC`, challengeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Participant
	for rows.Next() {
		pt, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pt)
	}
	return result, rows.Err()
}

// CommitJoin bumps the challenge and inserts the participant in one
// transaction. The UPDATE re-checks activity and capacity so a stale
// writer in another process cannot over-admit.
func (p *PostgresStore) CommitJoin(ctx context.Context, c *Challenge, pt *Participant) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var joined bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM challenge_participants WHERE challenge_id = $1 AND addr = $2)`,
		pt.ChallengeID, pt.Address,
	).Scan(&joined); err != nil {
		return err
	}
	if joined {
		return ErrAlreadyJoined
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE challenges SET
			current_participants = $1, prize_pool = $2, updated_at = $3,
			version = version + 1
		WHERE id = $4 AND version = $5
		  AND is_active AND NOT is_cancelled
		  AND $1 <= max_participants`,
		c.CurrentParticipants, c.PrizePool, c.UpdatedAt, c.ID, c.Version,
	)
	if err != nil {
		return err
	}
	if err := p.expectOne(ctx, tx, result, c.ID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO challenge_participants (
			challenge_id, addr, external_user_ref, has_joined, has_completed,
			contribution, payout_amount, settled, joined_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pt.ChallengeID, pt.Address, nullString(pt.ExternalUserRef), pt.HasJoined, pt.HasCompleted,
		pt.Contribution, pt.PayoutAmount, pt.Settled, pt.JoinedAt, pt.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyJoined
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	c.Version++
	return nil
}

func (p *PostgresStore) CommitTransition(ctx context.Context, c *Challenge, participants []*Participant) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE challenges SET
			prize_pool = $1, is_active = $2, is_cancelled = $3,
			completed_at = $4, cancelled_at = $5, seed_settled = $6,
			settled_at = $7, updated_at = $8, version = version + 1
		WHERE id = $9 AND version = $10`,
		c.PrizePool, c.IsActive, c.IsCancelled,
		nullTime(c.CompletedAt), nullTime(c.CancelledAt), c.SeedSettled,
		nullTime(c.SettledAt), c.UpdatedAt, c.ID, c.Version,
	)
	if err != nil {
		return err
	}
	if err := p.expectOne(ctx, tx, result, c.ID); err != nil {
		return err
	}

	for _, pt := range participants {
		result, err := tx.ExecContext(ctx, `
			UPDATE challenge_participants SET
				has_completed = $1, payout_amount = $2, settled = $3, updated_at = $4
			WHERE challenge_id = $5 AND addr = $6`,
			pt.HasCompleted, pt.PayoutAmount, pt.Settled, pt.UpdatedAt, c.ID, pt.Address,
		)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrParticipantNotFound
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	c.Version++
	return nil
}

// expectOne maps a zero-row guarded UPDATE to not-found or a version
// conflict.
func (p *PostgresStore) expectOne(ctx context.Context, tx *sql.Tx, result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM challenges WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrChallengeNotFound
	}
	return ErrVersionConflict
}

func (p *PostgresStore) ListByCreator(ctx context.Context, creator string, limit int) ([]*Challenge, error) {
	return p.query(ctx, `
		SELECT `+challengeColumns+`
		FROM challenges
		WHERE creator_addr = $1
		ORDER BY created_at DESC
		LIMIT $2`, creator, limit)
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, addr string, limit int) ([]*Challenge, error) {
	return p.query(ctx, `
		SELECT `+challengeColumns+`
		FROM challenges
		WHERE id IN (SELECT challenge_id FROM challenge_participants WHERE addr = $1)
		ORDER BY created_at DESC
		LIMIT $2`, addr, limit)
}

func (p *PostgresStore) ListUnsettled(ctx context.Context, limit int) ([]*Challenge, error) {
	return p.query(ctx, `
		SELECT `+challengeColumns+`
		FROM challenges
		WHERE NOT is_active AND settled_at IS NULL
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
}

func (p *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Challenge, error) {
	return p.query(ctx, `
		SELECT `+challengeColumns+`
		FROM challenges
		ORDER BY updated_at DESC, id
		LIMIT $1`, limit)
}

func (p *PostgresStore) ListAfter(ctx context.Context, afterID string, limit int) ([]*Challenge, error) {
	return p.query(ctx, `
		SELECT `+challengeColumns+`
		FROM challenges
		WHERE id > $1
		ORDER BY id
		LIMIT $2`, afterID, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Challenge, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanChallenge(s scanner) (*Challenge, error) {
	c := &Challenge{}
	var completedAt, cancelledAt, settledAt sql.NullTime

	err := s.Scan(
		&c.ID, &c.Title, &c.Creator, &c.EntryFee, &c.PrizePool, &c.SeedAmount,
		&c.MaxParticipants, &c.CurrentParticipants, &c.StartTime, &c.Deadline,
		&c.IsActive, &c.IsCancelled, &completedAt, &cancelledAt,
		&c.SeedSettled, &settledAt, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		c.CancelledAt = &cancelledAt.Time
	}
	if settledAt.Valid {
		c.SettledAt = &settledAt.Time
	}
	return c, nil
}

func scanParticipant(s scanner) (*Participant, error) {
	pt := &Participant{}
	var ref sql.NullString
	err := s.Scan(
		&pt.ChallengeID, &pt.Address, &ref, &pt.HasJoined, &pt.HasCompleted,
		&pt.Contribution, &pt.PayoutAmount, &pt.Settled, &pt.JoinedAt, &pt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pt.ExternalUserRef = ref.String
	return pt, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
