// Package deal owns the deal lifecycle: the transition table, the
// compare-and-swap Transition Engine and the orchestration Service built on it.
package deal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/lonmstalker/advert-market-sub000/internal/db"
	"github.com/lonmstalker/advert-market-sub000/internal/events"
	"github.com/lonmstalker/advert-market-sub000/internal/models"
	"github.com/lonmstalker/advert-market-sub000/internal/money"
	"github.com/lonmstalker/advert-market-sub000/internal/outbox"
)

// Outcome says whether Transition changed the deal or found it already there.
type Outcome string

const (
	OutcomeSuccess              Outcome = "SUCCESS"
	OutcomeAlreadyInTargetState Outcome = "ALREADY_IN_TARGET_STATE"
)

// TransitionRequest names the target status and who is asking. The partial
// amounts are only read for DISPUTED to PARTIALLY_REFUNDED.
type TransitionRequest struct {
	DealID            uuid.UUID
	Target            models.DealStatus
	ActorID           *int64
	ActorType         models.ActorType
	Reason            string
	PartialRefundNano *int64
	PartialPayoutNano *int64
}

// TransitionResult is the deal's status and version after the call.
type TransitionResult struct {
	Outcome Outcome
	Status  models.DealStatus
	Version int
}

// Transitioner is the narrow view other packages take of the engine.
type Transitioner interface {
	Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error)
}

type CreateParams struct {
	ChannelID        int64 `validate:"required"`
	AdvertiserID     int64 `validate:"required"`
	OwnerID          int64 `validate:"required"`
	AmountNano       int64 `validate:"gt=0"`
	CommissionRateBp int   `validate:"gte=0,lte=10000"`
	PricingRuleID    *uuid.UUID
	Creative         *models.Creative
}

// Engine creates deals and moves them between statuses. Every change commits
// together with its deal event and outbox message.
type Engine struct {
	db       db.TxBeginner
	store    Store
	outbox   outbox.Enqueuer
	validate *validator.Validate
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewEngine builds an Engine. enq is used inside the engine's own transactions.
func NewEngine(txb db.TxBeginner, store Store, enq outbox.Enqueuer, log logrus.FieldLogger) *Engine {
	return &Engine{
		db:       txb,
		store:    store,
		outbox:   enq,
		validate: validator.New(),
		log:      log.WithField("component", "deal_engine"),
		now:      time.Now,
	}
}

var _ Transitioner = (*Engine)(nil)

// Create inserts a DRAFT deal at version 0 with its DEAL_CREATED event.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*models.Deal, error) {
	if err := e.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDeal, err)
	}
	commission, err := money.Commission(p.AmountNano, p.CommissionRateBp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDeal, err)
	}
	now := e.now().UTC()
	d := &models.Deal{
		ID:               uuid.New(),
		ChannelID:        p.ChannelID,
		AdvertiserID:     p.AdvertiserID,
		OwnerID:          p.OwnerID,
		PricingRuleID:    p.PricingRuleID,
		Status:           models.DealStatusDraft,
		AmountNano:       p.AmountNano,
		CommissionRateBp: p.CommissionRateBp,
		CommissionNano:   commission,
		Creative:         p.Creative,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := e.store.Insert(ctx, tx, d); err != nil {
		return nil, fmt.Errorf("insert deal: %w", err)
	}
	actor := p.AdvertiserID
	if err := e.store.AppendEvent(ctx, tx, &models.DealEvent{
		ID:        uuid.New(),
		DealID:    d.ID,
		EventType: models.DealEventCreated,
		ToStatus:  models.DealStatusDraft,
		ActorID:   &actor,
		ActorType: models.ActorAdvertiser,
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	e.log.WithFields(logrus.Fields{"deal_id": d.ID, "amount_nano": d.AmountNano}).Info("deal created")
	return d, nil
}

// Transition moves a deal to req.Target.
//
// Requesting the status the deal is already in is a successful no-op. A lost
// compare-and-swap is resolved by re-reading: if the winner reached the same
// target the call is reported as already done, otherwise it is an invalid
// transition from the new state.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	d, err := e.store.GetByID(ctx, req.DealID)
	if err != nil {
		return TransitionResult{}, err
	}
	if d.Status == req.Target {
		return TransitionResult{Outcome: OutcomeAlreadyInTargetState, Status: d.Status, Version: d.Version}, nil
	}
	if err := ValidateTransition(d.Status, req.Target, req.ActorType); err != nil {
		return TransitionResult{}, err
	}
	if req.Target == models.DealStatusPartiallyRefunded {
		if err := checkPartialAmounts(d, req); err != nil {
			return TransitionResult{}, err
		}
	}

	applied, err := e.apply(ctx, d, req)
	if err != nil {
		return TransitionResult{}, err
	}
	if !applied {
		return e.reclassify(ctx, req)
	}

	e.log.WithFields(logrus.Fields{
		"deal_id": d.ID,
		"from":    d.Status,
		"to":      req.Target,
		"actor":   req.ActorType,
	}).Info("deal transitioned")
	return TransitionResult{Outcome: OutcomeSuccess, Status: req.Target, Version: d.Version + 1}, nil
}

func checkPartialAmounts(d *models.Deal, req TransitionRequest) error {
	if req.PartialRefundNano == nil || req.PartialPayoutNano == nil {
		return fmt.Errorf("%w: partial refund and payout amounts", ErrMissingRequiredField)
	}
	refund, payout := *req.PartialRefundNano, *req.PartialPayoutNano
	if refund <= 0 || payout <= 0 || refund > d.AmountNano-payout {
		return fmt.Errorf("%w: refund %d + payout %d exceeds %d", ErrInvalidAmount, refund, payout, d.AmountNano)
	}
	return nil
}

// apply runs the CAS, the event append and the outbox insert in one transaction.
// It returns false, and writes nothing, when the CAS matched no row.
func (e *Engine) apply(ctx context.Context, d *models.Deal, req TransitionRequest) (bool, error) {
	now := e.now().UTC()
	newVersion := d.Version + 1

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	update := CASUpdate{
		DealID:          d.ID,
		From:            d.Status,
		To:              req.Target,
		ExpectedVersion: d.Version,
		At:              now,
	}
	if req.Reason != "" && req.Target == models.DealStatusCancelled {
		update.CancellationReason = &req.Reason
	}
	if req.Target == models.DealStatusPartiallyRefunded {
		update.PartialRefundNano = req.PartialRefundNano
		update.PartialPayoutNano = req.PartialPayoutNano
	}
	ok, err := e.store.CompareAndSwapStatus(ctx, tx, update)
	if err != nil {
		return false, fmt.Errorf("cas deal %s: %w", d.ID, err)
	}
	if !ok {
		return false, nil
	}

	from := d.Status
	ev := &models.DealEvent{
		ID:         uuid.New(),
		DealID:     d.ID,
		EventType:  models.DealEventStatusChanged,
		FromStatus: &from,
		ToStatus:   req.Target,
		ActorID:    req.ActorID,
		ActorType:  req.ActorType,
		Payload:    eventPayload(req),
		CreatedAt:  now,
	}
	if err := e.store.AppendEvent(ctx, tx, ev); err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}

	dealID := d.ID
	if _, err := e.outbox.Enqueue(ctx, tx, outbox.Message{
		EventID:        ev.ID,
		EventType:      events.TypeDealStateChanged,
		DealID:         &dealID,
		PartitionKey:   d.ID.String(),
		IdempotencyKey: fmt.Sprintf("deal:%s:v%d", d.ID, newVersion),
		CreatedAt:      now,
		Payload: events.StateChanged{
			FromStatus:        d.Status,
			ToStatus:          req.Target,
			ActorID:           req.ActorID,
			ActorType:         req.ActorType,
			AmountNano:        d.AmountNano,
			ChannelID:         d.ChannelID,
			PartialRefundNano: update.PartialRefundNano,
			PartialPayoutNano: update.PartialPayoutNano,
		},
	}); err != nil {
		return false, fmt.Errorf("enqueue state change: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func eventPayload(req TransitionRequest) json.RawMessage {
	p := map[string]any{}
	if req.Reason != "" {
		p["reason"] = req.Reason
	}
	if req.PartialRefundNano != nil {
		p["partial_refund_nano"] = *req.PartialRefundNano
	}
	if req.PartialPayoutNano != nil {
		p["partial_payout_nano"] = *req.PartialPayoutNano
	}
	if len(p) == 0 {
		return nil
	}
	b, _ := json.Marshal(p)
	return b
}

// reclassify resolves a lost CAS against the state the winner left behind.
func (e *Engine) reclassify(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	d, err := e.store.GetByID(ctx, req.DealID)
	if err != nil {
		return TransitionResult{}, err
	}
	if d.Status == req.Target {
		return TransitionResult{Outcome: OutcomeAlreadyInTargetState, Status: d.Status, Version: d.Version}, nil
	}
	e.log.WithFields(logrus.Fields{
		"deal_id": d.ID,
		"status":  d.Status,
		"to":      req.Target,
	}).Warn("lost concurrent transition")
	return TransitionResult{}, &TransitionError{From: d.Status, To: req.Target, Actor: req.ActorType, Err: ErrInvalidTransition}
}

// UpdateDeadline sets or clears the deal deadline inside tx.
func (e *Engine) UpdateDeadline(ctx context.Context, tx pgx.Tx, dealID uuid.UUID, deadline *time.Time) error {
	return e.store.UpdateDeadline(ctx, tx, dealID, deadline)
}

// IsNotFound reports whether err means the deal does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
