package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/fitpool/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Schema lives in
// migrations/002_ledger.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetBalance retrieves an account's balance
func (p *PostgresStore) GetBalance(ctx context.Context, account string) (*Balance, error) {
	bal := &Balance{Account: account}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, pending, total_in, total_out, updated_at
		FROM ledger_balances WHERE account = $1
	`, account).Scan(&bal.Available, &bal.Pending, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{Account: account, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Credit adds funds to an account
func (p *PostgresStore) Credit(ctx context.Context, account string, amount int64, reference, description string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertEntry(ctx, tx, account, EntryDeposit, amount, reference, description); err != nil {
			return err
		}
		return creditAvailable(ctx, tx, account, amount)
	})
}

// Hold moves funds from available to pending. The WHERE guard refuses
// overdraft without relying on the CHECK constraint error.
func (p *PostgresStore) Hold(ctx context.Context, account string, amount int64, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE ledger_balances SET
				available  = available - $2,
				pending    = pending   + $2,
				updated_at = NOW()
			WHERE account = $1 AND available >= $2
		`, account, amount)
		if err != nil {
			return fmt.Errorf("failed to place hold: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrInsufficientBalance
		}
		return insertEntry(ctx, tx, account, EntryHold, amount, reference, "pending_challenge_commit")
	})
}

// SettleHold moves held funds from account's pending into to's available.
func (p *PostgresStore) SettleHold(ctx context.Context, account, to string, amount int64, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE ledger_balances SET
				pending    = pending   - $2,
				total_out  = total_out + $2,
				updated_at = NOW()
			WHERE account = $1 AND pending >= $2
		`, account, amount)
		if err != nil {
			return fmt.Errorf("failed to settle hold: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrInsufficientBalance
		}
		if err := creditAvailable(ctx, tx, to, amount); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, account, EntrySettle, amount, reference, "moved_to_"+to); err != nil {
			return err
		}
		return insertEntry(ctx, tx, to, EntryReceive, amount, reference, "from_"+account)
	})
}

// ReleaseHold returns held funds to available (challenge commit abandoned).
func (p *PostgresStore) ReleaseHold(ctx context.Context, account string, amount int64, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE ledger_balances SET
				available  = available + $2,
				pending    = pending   - $2,
				updated_at = NOW()
			WHERE account = $1 AND pending >= $2
		`, account, amount)
		if err != nil {
			return fmt.Errorf("failed to release hold: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrInsufficientBalance
		}
		return insertEntry(ctx, tx, account, EntryRelease, amount, reference, "hold_released")
	})
}

// Transfer moves available funds between accounts. The payout entry is
// inserted first so a duplicate reference aborts before any balance moves.
func (p *PostgresStore) Transfer(ctx context.Context, from, to string, amount int64, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertEntry(ctx, tx, from, EntryPayout, amount, reference, "to_"+to); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE ledger_balances SET
				available  = available - $2,
				total_out  = total_out + $2,
				updated_at = NOW()
			WHERE account = $1 AND available >= $2
		`, from, amount)
		if err != nil {
			return fmt.Errorf("failed to debit %s: %w", from, err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrInsufficientBalance
		}
		if err := creditAvailable(ctx, tx, to, amount); err != nil {
			return err
		}
		return insertEntry(ctx, tx, to, EntryReceive, amount, reference, "from_"+from)
	})
}

// GetHistory retrieves ledger entries for an account
func (p *PostgresStore) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account, type, amount, reference, description, created_at
		FROM ledger_entries
		WHERE account = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var reference, description sql.NullString
		if err := rows.Scan(&e.ID, &e.Account, &e.Type, &e.Amount, &reference, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		e.Description = description.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func creditAvailable(ctx context.Context, tx *sql.Tx, account string, amount int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (account, available, total_in, updated_at)
		VALUES ($1, $2, $2, NOW())
		ON CONFLICT (account) DO UPDATE SET
			available  = ledger_balances.available + $2,
			total_in   = ledger_balances.total_in  + $2,
			updated_at = NOW()
	`, account, amount)
	if err != nil {
		return fmt.Errorf("failed to credit %s: %w", account, err)
	}
	return nil
}

// insertEntry records an entry. Deposit and payout references are covered
// by a partial unique index; a violation maps to ErrDuplicateReference.
func insertEntry(ctx context.Context, tx *sql.Tx, account, typ string, amount int64, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, idgen.WithPrefix("le_"), account, typ, amount, nullString(reference), nullString(description))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return fmt.Errorf("failed to record %s entry: %w", typ, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
