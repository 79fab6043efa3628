package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/sirupsen/logrus"

	"github.com/lonmstalker/advert-market-sub000/internal/db"
	"github.com/lonmstalker/advert-market-sub000/internal/events"
	"github.com/lonmstalker/advert-market-sub000/internal/models"
)

// DeliveryArgs carries one outbox row to its consumer.
type DeliveryArgs struct {
	OutboxID     uuid.UUID       `json:"outbox_id"`
	Topic        string          `json:"topic"`
	PartitionKey string          `json:"partition_key"`
	Envelope     json.RawMessage `json:"envelope"`
}

func (DeliveryArgs) Kind() string { return "outbox_delivery" }

// RelayArgs triggers one relay pass. Scheduled as a River periodic job.
type RelayArgs struct{}

func (RelayArgs) Kind() string { return "outbox_relay" }

// InsertDeliveryTxFunc enqueues a delivery job within the given transaction.
// Provided by main using river.Client.InsertTx.
type InsertDeliveryTxFunc func(ctx context.Context, tx pgx.Tx, args DeliveryArgs) error

// RelayStore is the part of Store the relay needs.
type RelayStore interface {
	ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]models.OutboxEntry, error)
	MarkDelivered(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	MarkAttemptFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string, maxRetries int) (string, error)
}

type Relay struct {
	db         db.TxBeginner
	store      RelayStore
	insert     InsertDeliveryTxFunc
	batchSize  int
	maxRetries int
	log        logrus.FieldLogger
}

func NewRelay(txb db.TxBeginner, store RelayStore, insert InsertDeliveryTxFunc, batchSize, maxRetries int, log logrus.FieldLogger) *Relay {
	return &Relay{
		db:         txb,
		store:      store,
		insert:     insert,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		log:        log.WithField("component", "outbox_relay"),
	}
}

// RelayResult counts what one pass did.
type RelayResult struct {
	Delivered int
	Retried   int
	Failed    int
}

// RunOnce moves one batch of PENDING rows to River. Each row is handed off
// under its own savepoint, so a bad row is marked for retry without
// rolling back the rows delivered before it.
func (r *Relay) RunOnce(ctx context.Context) (RelayResult, error) {
	var res RelayResult

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin relay: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := r.store.ClaimPending(ctx, tx, r.batchSize)
	if err != nil {
		return res, fmt.Errorf("claim pending: %w", err)
	}
	for _, row := range rows {
		if err := r.deliver(ctx, tx, row); err != nil {
			status, markErr := r.store.MarkAttemptFailed(ctx, tx, row.ID, err.Error(), r.maxRetries)
			if markErr != nil {
				return res, fmt.Errorf("mark attempt failed %s: %w", row.ID, markErr)
			}
			entry := r.log.WithError(err).WithFields(logrus.Fields{
				"outbox_id": row.ID,
				"topic":     row.Topic,
				"attempt":   row.RetryCount + 1,
			})
			if status == models.OutboxStatusFailed {
				res.Failed++
				entry.Error("outbox row gave up after max retries")
			} else {
				res.Retried++
				entry.Warn("outbox delivery failed, will retry")
			}
			continue
		}
		res.Delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return RelayResult{}, fmt.Errorf("commit relay: %w", err)
	}
	if len(rows) > 0 {
		r.log.WithFields(logrus.Fields{
			"delivered": res.Delivered,
			"retried":   res.Retried,
			"failed":    res.Failed,
		}).Debug("relay pass finished")
	}
	return res, nil
}

func (r *Relay) deliver(ctx context.Context, tx pgx.Tx, row models.OutboxEntry) error {
	var env events.Envelope
	if err := json.Unmarshal(row.Payload, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	defer sp.Rollback(ctx)

	if err := r.insert(ctx, sp, DeliveryArgs{
		OutboxID:     row.ID,
		Topic:        row.Topic,
		PartitionKey: row.PartitionKey,
		Envelope:     row.Payload,
	}); err != nil {
		return fmt.Errorf("insert delivery job: %w", err)
	}
	if err := r.store.MarkDelivered(ctx, sp, row.ID); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return sp.Commit(ctx)
}

// RelayWorker runs a relay pass each time the periodic job fires.
type RelayWorker struct {
	river.WorkerDefaults[RelayArgs]
	relay *Relay
}

func NewRelayWorker(relay *Relay) *RelayWorker {
	return &RelayWorker{relay: relay}
}

func (w *RelayWorker) Work(ctx context.Context, job *river.Job[RelayArgs]) error {
	_, err := w.relay.RunOnce(ctx)
	return err
}
