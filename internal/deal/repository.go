package deal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lonmstalker/advert-market-sub000/internal/models"
)

// CASUpdate is a status change conditioned on the status and version the caller read.
type CASUpdate struct {
	DealID             uuid.UUID
	From               models.DealStatus
	To                 models.DealStatus
	ExpectedVersion    int
	CancellationReason *string
	PartialRefundNano  *int64
	PartialPayoutNano  *int64
	At                 time.Time
}

// Store persists deals and their event log. Methods taking a pgx.Tx run in the caller's transaction.
// The field patches never touch version, so they cannot invalidate a pending CAS.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Deal, error)
	Insert(ctx context.Context, tx pgx.Tx, d *models.Deal) error
	CompareAndSwapStatus(ctx context.Context, tx pgx.Tx, u CASUpdate) (bool, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, ev *models.DealEvent) error
	ListEvents(ctx context.Context, dealID uuid.UUID) ([]models.DealEvent, error)

	UpdateDeadline(ctx context.Context, tx pgx.Tx, id uuid.UUID, deadline *time.Time) error
	SetDepositAddress(ctx context.Context, id uuid.UUID, address string, subwalletID int64) (bool, error)
	SetCreative(ctx context.Context, id uuid.UUID, c *models.Creative) error
	SetSchedule(ctx context.Context, id uuid.UUID, at time.Time) error
	SetPublication(ctx context.Context, id uuid.UUID, messageID int64, contentHash string, publishedAt time.Time) error
	RecordRefund(ctx context.Context, id uuid.UUID, txHash string, at time.Time) (bool, error)
	RecordPayout(ctx context.Context, id uuid.UUID, txHash string, at time.Time) (bool, error)
	ReassignOwner(ctx context.Context, id uuid.UUID, oldOwnerID, newOwnerID int64) (bool, error)

	ListActiveByChannel(ctx context.Context, channelID int64) ([]models.Deal, error)
	FindExpired(ctx context.Context, now time.Time, limit int) ([]models.Deal, error)
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const dealColumns = `id, channel_id, advertiser_id, owner_id, pricing_rule_id, status, amount_nano,
	commission_rate_bp, commission_nano, deposit_address, subwallet_id, creative, scheduled_at,
	message_id, content_hash, published_at, deadline, cancellation_reason, refund_tx_hash,
	refunded_at, payout_tx_hash, paid_out_at, partial_refund_nano, partial_payout_nano,
	version, created_at, updated_at`

// terminalStatuses must match models.DealStatus.IsTerminal.
const terminalStatuses = `('COMPLETED_RELEASED', 'CANCELLED', 'REFUNDED', 'PARTIALLY_REFUNDED', 'EXPIRED')`

func scanDeal(row pgx.Row) (*models.Deal, error) {
	var (
		d      models.Deal
		status string
	)
	err := row.Scan(&d.ID, &d.ChannelID, &d.AdvertiserID, &d.OwnerID, &d.PricingRuleID, &status, &d.AmountNano,
		&d.CommissionRateBp, &d.CommissionNano, &d.DepositAddress, &d.SubwalletID, &d.Creative, &d.ScheduledAt,
		&d.MessageID, &d.ContentHash, &d.PublishedAt, &d.Deadline, &d.CancellationReason, &d.RefundTxHash,
		&d.RefundedAt, &d.PayoutTxHash, &d.PaidOutAt, &d.PartialRefundNano, &d.PartialPayoutNano,
		&d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = models.DealStatus(status)
	return &d, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	d, err := scanDeal(r.pool.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deal %s: %w", id, err)
	}
	return d, nil
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, d *models.Deal) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO deals (id, channel_id, advertiser_id, owner_id, pricing_rule_id, status, amount_nano,
			commission_rate_bp, commission_nano, creative, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, d.ID, d.ChannelID, d.AdvertiserID, d.OwnerID, d.PricingRuleID, string(d.Status), d.AmountNano,
		d.CommissionRateBp, d.CommissionNano, d.Creative, d.Version, d.CreatedAt)
	return err
}

func (r *Repository) CompareAndSwapStatus(ctx context.Context, tx pgx.Tx, u CASUpdate) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE deals
		SET status = $1,
		    version = version + 1,
		    cancellation_reason = COALESCE($2, cancellation_reason),
		    partial_refund_nano = COALESCE($3, partial_refund_nano),
		    partial_payout_nano = COALESCE($4, partial_payout_nano),
		    updated_at = $5
		WHERE id = $6 AND status = $7 AND version = $8
	`, string(u.To), u.CancellationReason, u.PartialRefundNano, u.PartialPayoutNano, u.At,
		u.DealID, string(u.From), u.ExpectedVersion)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, ev *models.DealEvent) error {
	var from *string
	if ev.FromStatus != nil {
		s := string(*ev.FromStatus)
		from = &s
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO deal_events (id, deal_id, event_type, from_status, to_status, actor_id, actor_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ev.ID, ev.DealID, ev.EventType, from, string(ev.ToStatus), ev.ActorID, string(ev.ActorType),
		nullableJSON(ev.Payload), ev.CreatedAt)
	return err
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (r *Repository) ListEvents(ctx context.Context, dealID uuid.UUID) ([]models.DealEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, deal_id, event_type, from_status, to_status, actor_id, actor_type, payload, created_at
		FROM deal_events WHERE deal_id = $1
		ORDER BY created_at, id
	`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.DealEvent
	for rows.Next() {
		var (
			ev            models.DealEvent
			from          *string
			to, actorType string
		)
		if err := rows.Scan(&ev.ID, &ev.DealID, &ev.EventType, &from, &to, &ev.ActorID, &actorType,
			&ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if from != nil {
			s := models.DealStatus(*from)
			ev.FromStatus = &s
		}
		ev.ToStatus = models.DealStatus(to)
		ev.ActorType = models.ActorType(actorType)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateDeadline(ctx context.Context, tx pgx.Tx, id uuid.UUID, deadline *time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE deals SET deadline = $1, updated_at = now() WHERE id = $2`, deadline, id)
	return err
}

// SetDepositAddress only fills an empty address; false means one was already set.
func (r *Repository) SetDepositAddress(ctx context.Context, id uuid.UUID, address string, subwalletID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE deals SET deposit_address = $1, subwallet_id = $2, updated_at = now()
		WHERE id = $3 AND deposit_address IS NULL
	`, address, subwalletID, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) SetCreative(ctx context.Context, id uuid.UUID, c *models.Creative) error {
	return r.patch(ctx, `UPDATE deals SET creative = $1, updated_at = now() WHERE id = $2`, c, id)
}

func (r *Repository) SetSchedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.patch(ctx, `UPDATE deals SET scheduled_at = $1, updated_at = now() WHERE id = $2`, at, id)
}

func (r *Repository) SetPublication(ctx context.Context, id uuid.UUID, messageID int64, contentHash string, publishedAt time.Time) error {
	return r.patch(ctx, `
		UPDATE deals SET message_id = $1, content_hash = $2, published_at = $3, updated_at = now()
		WHERE id = $4
	`, messageID, contentHash, publishedAt, id)
}

func (r *Repository) patch(ctx context.Context, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRefund stores the refund tx hash once; false means it was already recorded.
func (r *Repository) RecordRefund(ctx context.Context, id uuid.UUID, txHash string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE deals SET refund_tx_hash = $1, refunded_at = $2, updated_at = now()
		WHERE id = $3 AND refund_tx_hash IS NULL
	`, txHash, at, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordPayout stores the payout tx hash once; false means it was already recorded.
func (r *Repository) RecordPayout(ctx context.Context, id uuid.UUID, txHash string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE deals SET payout_tx_hash = $1, paid_out_at = $2, updated_at = now()
		WHERE id = $3 AND payout_tx_hash IS NULL
	`, txHash, at, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReassignOwner moves a live deal from oldOwnerID to newOwnerID.
func (r *Repository) ReassignOwner(ctx context.Context, id uuid.UUID, oldOwnerID, newOwnerID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE deals SET owner_id = $1, updated_at = now()
		WHERE id = $2 AND owner_id = $3 AND status NOT IN `+terminalStatuses,
		newOwnerID, id, oldOwnerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) ListActiveByChannel(ctx context.Context, channelID int64) ([]models.Deal, error) {
	return r.list(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE channel_id = $1 AND status NOT IN `+terminalStatuses+`
		ORDER BY created_at
	`, channelID)
}

// FindExpired returns live deals whose deadline has passed, oldest deadline first.
func (r *Repository) FindExpired(ctx context.Context, now time.Time, limit int) ([]models.Deal, error) {
	return r.list(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE deadline IS NOT NULL AND deadline <= $1 AND status NOT IN `+terminalStatuses+`
		ORDER BY deadline
		LIMIT $2
	`, now, limit)
}

func (r *Repository) list(ctx context.Context, sql string, args ...any) ([]models.Deal, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
