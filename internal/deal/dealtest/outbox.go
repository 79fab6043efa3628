package dealtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lonmstalker/advert-market-sub000/internal/events"
	"github.com/lonmstalker/advert-market-sub000/internal/outbox"
)

// Outbox is an in-memory outbox.Enqueuer. Payloads are checked against the
// real event contracts; rows become visible when the Tx commits.
type Outbox struct {
	mu        sync.Mutex
	contracts *events.Contracts
	rows      []Row
	keys      map[string]struct{}

	// EnqueueErr, when set, fails every Enqueue.
	EnqueueErr error
}

// Row is one committed outbox message.
type Row struct {
	IdempotencyKey string
	PartitionKey   string
	Envelope       events.Envelope
}

func NewOutbox() *Outbox {
	return &Outbox{contracts: events.MustContracts(), keys: make(map[string]struct{})}
}

var _ outbox.Enqueuer = (*Outbox)(nil)

func (o *Outbox) Enqueue(_ context.Context, tx pgx.Tx, msg outbox.Message) (bool, error) {
	if o.EnqueueErr != nil {
		return false, o.EnqueueErr
	}
	t, ok := tx.(*Tx)
	if !ok {
		return false, errors.New("dealtest: outbox needs a dealtest.Tx")
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return false, err
	}
	if err := o.contracts.Validate(msg.EventType, payload); err != nil {
		return false, err
	}
	env := events.Envelope{
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
		env.CreatedAt = time.Now().UTC()
	}
	row := Row{IdempotencyKey: msg.IdempotencyKey, PartitionKey: msg.PartitionKey, Envelope: env}
	if row.PartitionKey == "" && msg.DealID != nil {
		row.PartitionKey = msg.DealID.String()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if msg.IdempotencyKey != "" {
		if _, dup := o.keys[msg.IdempotencyKey]; dup {
			return false, nil
		}
		o.keys[msg.IdempotencyKey] = struct{}{}
	}
	t.OnCommit(func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.rows = append(o.rows, row)
	})
	t.undo = append(t.undo, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.keys, msg.IdempotencyKey)
	})
	return true, nil
}

// Rows returns every committed row in insert order.
func (o *Outbox) Rows() []Row {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Row(nil), o.rows...)
}

// ByType returns the committed rows of one event type.
func (o *Outbox) ByType(eventType string) []Row {
	var out []Row
	for _, r := range o.Rows() {
		if r.Envelope.EventType == eventType {
			out = append(out, r)
		}
	}
	return out
}

// Keys returns the idempotency keys of the committed rows.
func (o *Outbox) Keys() []string {
	var out []string
	for _, r := range o.Rows() {
		out = append(out, r.IdempotencyKey)
	}
	return out
}

// Reset forgets every committed row.
func (o *Outbox) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rows = nil
	o.keys = make(map[string]struct{})
}
