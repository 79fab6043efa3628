// Package outbox stages side-effect messages in the same transaction as the
// business change that produced them, and relays them to River for delivery.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lonmstalker/advert-market-sub000/internal/events"
	"github.com/lonmstalker/advert-market-sub000/internal/models"
)

// Message is one side effect to stage. Zero EventID and CreatedAt are filled in.
type Message struct {
	EventID        uuid.UUID
	EventType      string
	DealID         *uuid.UUID
	PartitionKey   string
	IdempotencyKey string
	Payload        any
	CreatedAt      time.Time
}

// Enqueuer writes a message inside the caller's transaction.
// inserted is false when the idempotency key was already taken; that is not an error.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx pgx.Tx, msg Message) (inserted bool, err error)
}

type Store struct {
	contracts *events.Contracts
	now       func() time.Time
}

func NewStore(contracts *events.Contracts) *Store {
	return &Store{contracts: contracts, now: time.Now}
}

var _ Enqueuer = (*Store)(nil)

// Enqueue validates the payload against its event contract, wraps it in an
// envelope and inserts it as PENDING.
func (s *Store) Enqueue(ctx context.Context, tx pgx.Tx, msg Message) (bool, error) {
	env, err := s.envelope(msg)
	if err != nil {
		return false, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("marshal envelope: %w", err)
	}

	partitionKey := msg.PartitionKey
	if partitionKey == "" && msg.DealID != nil {
		partitionKey = msg.DealID.String()
	}
	var key *string
	if msg.IdempotencyKey != "" {
		key = &msg.IdempotencyKey
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO outbox (id, deal_id, idempotency_key, topic, partition_key, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', $7)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, env.EventID, msg.DealID, key, msg.EventType, partitionKey, body, env.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert outbox %s: %w", msg.EventType, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) envelope(msg Message) (*events.Envelope, error) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.EventType, err)
	}
	if err := s.contracts.Validate(msg.EventType, payload); err != nil {
		return nil, err
	}
	env := &events.Envelope{
		EventID:   msg.EventID,
		EventType: msg.EventType,
		DealID:    msg.DealID,
		Payload:   payload,
		CreatedAt: msg.CreatedAt,
	}
	if env.EventID == uuid.Nil {
		env.EventID = uuid.New()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = s.now().UTC()
	}
	return env, nil
}

// ClaimPending locks up to limit PENDING rows, skipping rows another relay holds.
func (s *Store) ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]models.OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, deal_id, idempotency_key, topic, partition_key, payload, status,
		       retry_count, version, last_error, created_at, delivered_at
		FROM outbox
		WHERE status = 'PENDING'
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.OutboxEntry
	for rows.Next() {
		var e models.OutboxEntry
		if err := rows.Scan(&e.ID, &e.DealID, &e.IdempotencyKey, &e.Topic, &e.PartitionKey, &e.Payload, &e.Status,
			&e.RetryCount, &e.Version, &e.LastError, &e.CreatedAt, &e.DeliveredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) MarkDelivered(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE outbox SET status = 'DELIVERED', delivered_at = now(), version = version + 1
		WHERE id = $1
	`, id)
	return err
}

// MarkAttemptFailed bumps retry_count and moves the row to FAILED once maxRetries is reached.
func (s *Store) MarkAttemptFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string, maxRetries int) (string, error) {
	var status string
	err := tx.QueryRow(ctx, `
		UPDATE outbox
		SET retry_count = retry_count + 1,
		    last_error = $2,
		    version = version + 1,
		    status = CASE WHEN retry_count + 1 >= $3 THEN 'FAILED' ELSE status END
		WHERE id = $1
		RETURNING status
	`, id, reason, maxRetries).Scan(&status)
	return status, err
}
