package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lonmstalker/advert-market-sub000/internal/models"
)

// Store is the persistence the Engine needs. Methods taking a pgx.Tx run inside the caller's transaction.
type Store interface {
	ClaimKey(ctx context.Context, tx pgx.Tx, key string, txRef uuid.UUID) (bool, error)
	LookupTxRef(ctx context.Context, tx pgx.Tx, key string) (uuid.UUID, error)
	ApplyDelta(ctx context.Context, tx pgx.Tx, accountID string, delta int64, allowNegative bool) (Balance, error)
	InsertEntries(ctx context.Context, tx pgx.Tx, entries []models.LedgerEntry) error
	GetBalance(ctx context.Context, accountID string) (Balance, error)
	EntriesByDeal(ctx context.Context, dealID uuid.UUID) ([]models.LedgerEntry, error)
	EntriesByAccount(ctx context.Context, accountID string, after *Cursor, limit int) ([]models.LedgerEntry, error)
}

// Balance is an account balance with the row version it was read at.
// Version 0 means the account has no row yet.
type Balance struct {
	Nano    int64
	Version int64
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// ClaimKey inserts the idempotency key. false means another transfer already owns it.
func (r *Repository) ClaimKey(ctx context.Context, tx pgx.Tx, key string, txRef uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_idempotency_keys (idempotency_key, tx_ref)
		VALUES ($1, $2)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key, txRef)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) LookupTxRef(ctx context.Context, tx pgx.Tx, key string) (uuid.UUID, error) {
	var txRef uuid.UUID
	err := tx.QueryRow(ctx, `
		SELECT tx_ref FROM ledger_idempotency_keys WHERE idempotency_key = $1
	`, key).Scan(&txRef)
	return txRef, err
}

// ApplyDelta adds delta to the account, creating it on first use, and bumps its version.
// Unless allowNegative is set, a debit that would take the balance below zero
// matches no row and yields *InsufficientBalanceError.
func (r *Repository) ApplyDelta(ctx context.Context, tx pgx.Tx, accountID string, delta int64, allowNegative bool) (Balance, error) {
	var b Balance
	if delta >= 0 || allowNegative {
		err := tx.QueryRow(ctx, `
			INSERT INTO account_balances (account_id, balance_nano, version)
			VALUES ($1, $2, 1)
			ON CONFLICT (account_id) DO UPDATE
			SET balance_nano = account_balances.balance_nano + EXCLUDED.balance_nano,
			    version = account_balances.version + 1,
			    updated_at = now()
			RETURNING balance_nano, version
		`, accountID, delta).Scan(&b.Nano, &b.Version)
		return b, err
	}

	err := tx.QueryRow(ctx, `
		UPDATE account_balances
		SET balance_nano = balance_nano + $2, version = version + 1, updated_at = now()
		WHERE account_id = $1 AND balance_nano + $2 >= 0
		RETURNING balance_nano, version
	`, accountID, delta).Scan(&b.Nano, &b.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, &InsufficientBalanceError{AccountID: accountID, Delta: delta}
	}
	return b, err
}

func (r *Repository) InsertEntries(ctx context.Context, tx pgx.Tx, entries []models.LedgerEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO ledger_entries
				(id, tx_ref, idempotency_key, deal_id, account_id, entry_type, debit_nano, credit_nano, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, e.ID, e.TxRef, e.IdempotencyKey, e.DealID, e.AccountID, string(e.EntryType),
			e.DebitNano, e.CreditNano, e.Description, e.CreatedAt)
	}
	br := tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	return br.Close()
}

// GetBalance returns 0 for an account that has never been touched.
func (r *Repository) GetBalance(ctx context.Context, accountID string) (Balance, error) {
	var b Balance
	err := r.pool.QueryRow(ctx, `
		SELECT balance_nano, version FROM account_balances WHERE account_id = $1
	`, accountID).Scan(&b.Nano, &b.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, nil
	}
	return b, err
}

const entryColumns = `id, tx_ref, idempotency_key, deal_id, account_id, entry_type, debit_nano, credit_nano, description, created_at`

func (r *Repository) EntriesByDeal(ctx context.Context, dealID uuid.UUID) ([]models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries WHERE deal_id = $1
		ORDER BY created_at, id
	`, dealID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// EntriesByAccount returns up to limit entries strictly older than after, newest first.
func (r *Repository) EntriesByAccount(ctx context.Context, accountID string, after *Cursor, limit int) ([]models.LedgerEntry, error) {
	var (
		afterTime *time.Time
		afterID   *uuid.UUID
	)
	if after != nil {
		afterTime, afterID = &after.CreatedAt, &after.ID
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1
		  AND ($2::timestamptz IS NULL OR (created_at, id) < ($2::timestamptz, $3::uuid))
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, accountID, afterTime, afterID, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]models.LedgerEntry, error) {
	defer rows.Close()
	var out []models.LedgerEntry
	for rows.Next() {
		var (
			e         models.LedgerEntry
			entryType string
		)
		if err := rows.Scan(&e.ID, &e.TxRef, &e.IdempotencyKey, &e.DealID, &e.AccountID, &entryType,
			&e.DebitNano, &e.CreditNano, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EntryType = models.EntryType(entryType)
		out = append(out, e)
	}
	return out, rows.Err()
}
