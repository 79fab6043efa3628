// Package finance settles a deal's money: incoming deposits, owner payouts
// and advertiser refunds, each mirrored on the ledger.
package finance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Deposit is one incoming payment observed on a deal's deposit address.
type Deposit struct {
	DealID      uuid.UUID `validate:"required"`
	AmountNano  int64     `validate:"gt=0"`
	TxHash      string    `validate:"required,max=128"`
	FromAddress string    `validate:"required,max=128"`
	ReceivedAt  time.Time
}

type DepositStore interface {
	// InsertDeposit stores d once per tx hash; false means it was already known.
	InsertDeposit(ctx context.Context, d Deposit) (bool, error)
	TotalDeposited(ctx context.Context, dealID uuid.UUID) (int64, error)
	FindRefundAddress(ctx context.Context, dealID uuid.UUID) (string, bool, error)
}

type DepositRepository struct {
	pool *pgxpool.Pool
}

func NewDepositRepository(pool *pgxpool.Pool) *DepositRepository {
	return &DepositRepository{pool: pool}
}

var _ DepositStore = (*DepositRepository)(nil)

func (r *DepositRepository) InsertDeposit(ctx context.Context, d Deposit) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO deal_deposits (tx_hash, deal_id, amount_nano, from_address, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tx_hash) DO NOTHING
	`, d.TxHash, d.DealID, d.AmountNano, d.FromAddress, d.ReceivedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *DepositRepository) TotalDeposited(ctx context.Context, dealID uuid.UUID) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_nano), 0) FROM deal_deposits WHERE deal_id = $1`, dealID,
	).Scan(&total)
	return total, err
}

// FindRefundAddress returns the sender of the deal's first deposit.
func (r *DepositRepository) FindRefundAddress(ctx context.Context, dealID uuid.UUID) (string, bool, error) {
	var addr string
	err := r.pool.QueryRow(ctx, `
		SELECT from_address FROM deal_deposits
		WHERE deal_id = $1
		ORDER BY received_at, tx_hash
		LIMIT 1
	`, dealID).Scan(&addr)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return addr, true, nil
}
