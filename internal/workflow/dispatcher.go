// Package workflow reacts to deal state changes: it schedules deadlines and
// stages the notifications and commands each new status calls for.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/lonmstalker/advert-market-sub000/internal/db"
	"github.com/lonmstalker/advert-market-sub000/internal/deal"
	"github.com/lonmstalker/advert-market-sub000/internal/escrow"
	"github.com/lonmstalker/advert-market-sub000/internal/events"
	"github.com/lonmstalker/advert-market-sub000/internal/models"
	"github.com/lonmstalker/advert-market-sub000/internal/money"
	"github.com/lonmstalker/advert-market-sub000/internal/outbox"
)

// DealStore is the slice of the deal store the dispatcher reads and patches.
type DealStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Deal, error)
	UpdateDeadline(ctx context.Context, tx pgx.Tx, id uuid.UUID, deadline *time.Time) error
}

// AddressProvisioner makes sure a deal awaiting payment has a deposit address.
type AddressProvisioner interface {
	EnsureDepositAddress(ctx context.Context, dealID uuid.UUID) (*models.Deal, error)
}

// Dispatcher consumes DEAL_STATE_CHANGED envelopes.
type Dispatcher struct {
	DB        db.TxBeginner
	Deals     DealStore
	Outbox    outbox.Enqueuer
	Addresses AddressProvisioner
	Escrow    escrow.Escrow
	Refunds   escrow.RefundAddressResolver
	Engine    deal.Transitioner
	Logger    logrus.FieldLogger
}

func NewDispatcher(
	txb db.TxBeginner,
	deals DealStore,
	enq outbox.Enqueuer,
	addresses AddressProvisioner,
	esc escrow.Escrow,
	refunds escrow.RefundAddressResolver,
	engine deal.Transitioner,
	logger logrus.FieldLogger,
) *Dispatcher {
	return &Dispatcher{
		DB:        txb,
		Deals:     deals,
		Outbox:    enq,
		Addresses: addresses,
		Escrow:    esc,
		Refunds:   refunds,
		Engine:    engine,
		Logger:    logger.WithField("component", "workflow"),
	}
}

var _ outbox.Handler = (*Dispatcher)(nil)

// step carries one state change through its handler.
type step struct {
	env  events.Envelope
	msg  events.StateChanged
	deal *models.Deal
	tx   pgx.Tx

	refundAddress string
	// verifyQueued is set once VERIFY_DELIVERY is on the outbox.
	verifyQueued bool
}

type handlerFunc func(d *Dispatcher, ctx context.Context, s *step) error

// handlers must cover every status; see TestHandlersCoverEveryStatus.
var handlers = map[models.DealStatus]handlerFunc{
	models.DealStatusDraft:             (*Dispatcher).onNothing,
	models.DealStatusOfferPending:      (*Dispatcher).onOfferPending,
	models.DealStatusNegotiating:       (*Dispatcher).onNegotiating,
	models.DealStatusAccepted:          (*Dispatcher).onAccepted,
	models.DealStatusAwaitingPayment:   (*Dispatcher).onAwaitingPayment,
	models.DealStatusFunded:            (*Dispatcher).onFunded,
	models.DealStatusCreativeSubmitted: (*Dispatcher).onCreativeSubmitted,
	models.DealStatusCreativeApproved:  (*Dispatcher).onCreativeApproved,
	models.DealStatusScheduled:         (*Dispatcher).onScheduled,
	models.DealStatusPublished:         (*Dispatcher).onPublished,
	models.DealStatusDeliveryVerifying: (*Dispatcher).onNothing,
	models.DealStatusCompletedReleased: (*Dispatcher).onCompleted,
	models.DealStatusDisputed:          (*Dispatcher).onDisputed,
	models.DealStatusCancelled:         (*Dispatcher).onCancelled,
	models.DealStatusRefunded:          (*Dispatcher).onRefunded,
	models.DealStatusPartiallyRefunded: (*Dispatcher).onPartiallyRefunded,
	models.DealStatusExpired:           (*Dispatcher).onExpired,
}

// Handle processes one state change. Everything it stages is keyed on the
// envelope's event id, so a redelivered envelope writes nothing new.
//
// Calls to collaborators outside the database (deposit addresses, escrow
// release, refund addresses) happen before the transaction opens; a failure
// there is returned so the delivery is retried.
func (d *Dispatcher) Handle(ctx context.Context, env events.Envelope) error {
	log := d.Logger.WithField("event_id", env.EventID)
	if env.DealID == nil {
		log.Warn("state change without deal id, dropping")
		return nil
	}
	var msg events.StateChanged
	if err := env.Decode(&msg); err != nil {
		log.WithError(err).Error("undecodable state change, dropping")
		return nil
	}
	log = log.WithFields(logrus.Fields{"deal_id": *env.DealID, "to": msg.ToStatus})

	handler, ok := handlers[msg.ToStatus]
	if !ok {
		log.Warn("no handler for status, dropping")
		return nil
	}

	dl, err := d.Deals.GetByID(ctx, *env.DealID)
	if errors.Is(err, deal.ErrNotFound) {
		log.Warn("deal not found, dropping state change")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load deal %s: %w", *env.DealID, err)
	}

	s := &step{env: env, msg: msg, deal: dl}
	if err := d.prepare(ctx, s); err != nil {
		return err
	}

	tx, err := d.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	s.tx = tx

	if err := handler(d, ctx, s); err != nil {
		return err
	}
	// A stale redelivery must not overwrite the deadline of a later status.
	if dl.Status == msg.ToStatus {
		if err := d.Deals.UpdateDeadline(ctx, tx, dl.ID, DeadlineFor(msg.ToStatus, env.CreatedAt)); err != nil {
			return fmt.Errorf("update deadline: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	log.Debug("state change handled")

	if s.verifyQueued {
		return d.advanceToVerifying(ctx, dl.ID, log)
	}
	return nil
}

// prepare runs the external calls a status needs before its transaction.
func (d *Dispatcher) prepare(ctx context.Context, s *step) error {
	switch s.msg.ToStatus {
	case models.DealStatusAwaitingPayment:
		if s.deal.Status != models.DealStatusAwaitingPayment {
			return nil
		}
		updated, err := d.Addresses.EnsureDepositAddress(ctx, s.deal.ID)
		if err != nil {
			return fmt.Errorf("%w: deposit address: %v", escrow.ErrServiceUnavailable, err)
		}
		s.deal = updated

	case models.DealStatusCompletedReleased:
		if err := d.Escrow.ReleaseEscrow(ctx, s.deal.ID, s.deal.OwnerID, s.deal.AmountNano, s.deal.CommissionRateBp); err != nil {
			d.Logger.WithError(err).WithField("deal_id", s.deal.ID).Error("escrow release failed")
			return fmt.Errorf("release escrow %s: %w", s.deal.ID, err)
		}

	case models.DealStatusCancelled, models.DealStatusExpired, models.DealStatusRefunded, models.DealStatusPartiallyRefunded:
		if !d.needsRefund(s) {
			return nil
		}
		addr, found, err := d.Refunds.FindRefundAddress(ctx, s.deal.ID)
		if err != nil {
			return fmt.Errorf("%w: refund address: %v", escrow.ErrServiceUnavailable, err)
		}
		if found {
			s.refundAddress = addr
		}
	}
	return nil
}

func (d *Dispatcher) needsRefund(s *step) bool {
	if s.deal.RefundTxHash != nil {
		return false
	}
	switch s.msg.ToStatus {
	case models.DealStatusRefunded, models.DealStatusPartiallyRefunded:
		return true
	case models.DealStatusCancelled, models.DealStatusExpired:
		return s.msg.FromStatus.IsFunded()
	}
	return false
}

func (d *Dispatcher) advanceToVerifying(ctx context.Context, dealID uuid.UUID, log logrus.FieldLogger) error {
	_, err := d.Engine.Transition(ctx, deal.TransitionRequest{
		DealID:    dealID,
		Target:    models.DealStatusDeliveryVerifying,
		ActorType: models.ActorSystem,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, deal.ErrInvalidTransition), errors.Is(err, deal.ErrActorNotAllowed):
		log.WithError(err).Warn("deal moved on before delivery verification")
		return nil
	default:
		return fmt.Errorf("advance to delivery verification: %w", err)
	}
}

func (d *Dispatcher) onNothing(context.Context, *step) error { return nil }

func (d *Dispatcher) onOfferPending(ctx context.Context, s *step) error {
	return d.notifyOwner(ctx, s, events.TemplateNewOffer)
}

func (d *Dispatcher) onNegotiating(ctx context.Context, s *step) error {
	return d.notifyBoth(ctx, s, events.TemplateNegotiationStarted)
}

func (d *Dispatcher) onAccepted(ctx context.Context, s *step) error {
	return d.notifyAdvertiser(ctx, s, events.TemplateOfferAccepted)
}

func (d *Dispatcher) onAwaitingPayment(ctx context.Context, s *step) error {
	if s.deal.DepositAddress == nil {
		d.Logger.WithField("deal_id", s.deal.ID).Warn("no deposit address, skipping deposit watch")
	} else {
		if err := d.emit(ctx, s, "watch_deposit", events.TypeWatchDeposit, events.WatchDeposit{
			DepositAddress: *s.deal.DepositAddress,
			SubwalletID:    s.deal.SubwalletID,
			ExpectedNano:   s.deal.AmountNano,
		}); err != nil {
			return err
		}
	}
	return d.notifyAdvertiser(ctx, s, events.TemplatePaymentRequired)
}

func (d *Dispatcher) onFunded(ctx context.Context, s *step) error {
	return d.notifyBoth(ctx, s, events.TemplateEscrowFunded)
}

func (d *Dispatcher) onCreativeSubmitted(ctx context.Context, s *step) error {
	return d.notifyAdvertiser(ctx, s, events.TemplateCreativeSubmitted)
}

func (d *Dispatcher) onCreativeApproved(ctx context.Context, s *step) error {
	return d.notifyOwner(ctx, s, events.TemplateCreativeApproved)
}

func (d *Dispatcher) onScheduled(ctx context.Context, s *step) error {
	if s.deal.Creative == nil || s.deal.Creative.Text == "" {
		d.Logger.WithField("deal_id", s.deal.ID).Warn("no creative, skipping publish command")
	} else {
		if err := d.emit(ctx, s, "publish_post", events.TypePublishPost, events.PublishPost{
			ChannelID:   s.deal.ChannelID,
			Creative:    s.deal.Creative,
			ScheduledAt: s.deal.ScheduledAt,
		}); err != nil {
			return err
		}
	}
	return d.notifyBoth(ctx, s, events.TemplatePostScheduled)
}

func (d *Dispatcher) onPublished(ctx context.Context, s *step) error {
	if s.deal.MessageID == nil || s.deal.ContentHash == nil {
		d.Logger.WithField("deal_id", s.deal.ID).Warn("publication metadata missing, deal stays published")
	} else {
		if err := d.emit(ctx, s, "verify_delivery", events.TypeVerifyDelivery, events.VerifyDelivery{
			ChannelID:   s.deal.ChannelID,
			MessageID:   *s.deal.MessageID,
			ContentHash: *s.deal.ContentHash,
			PublishedAt: s.deal.PublishedAt,
		}); err != nil {
			return err
		}
		s.verifyQueued = true
	}
	return d.notifyAdvertiser(ctx, s, events.TemplatePostPublished)
}

func (d *Dispatcher) onCompleted(ctx context.Context, s *step) error {
	if payout := s.deal.OwnerPayoutNano(); payout > 0 {
		if err := d.emit(ctx, s, "execute_payout", events.TypeExecutePayout, events.Payout{
			RecipientID:    s.deal.OwnerID,
			AmountNano:     payout,
			CommissionNano: s.deal.CommissionNano,
			SubwalletID:    s.deal.SubwalletID,
		}); err != nil {
			return err
		}
	}
	return d.notifyBoth(ctx, s, events.TemplateDealCompleted)
}

func (d *Dispatcher) onDisputed(ctx context.Context, s *step) error {
	return d.notifyBoth(ctx, s, events.TemplateDisputeOpened)
}

func (d *Dispatcher) onCancelled(ctx context.Context, s *step) error {
	if err := d.fullRefund(ctx, s); err != nil {
		return err
	}
	return d.notifyBoth(ctx, s, events.TemplateDealCancelled)
}

func (d *Dispatcher) onExpired(ctx context.Context, s *step) error {
	if err := d.fullRefund(ctx, s); err != nil {
		return err
	}
	return d.notifyBoth(ctx, s, events.TemplateDealExpired)
}

func (d *Dispatcher) onRefunded(ctx context.Context, s *step) error {
	if err := d.fullRefund(ctx, s); err != nil {
		return err
	}
	return d.notifyBoth(ctx, s, events.TemplateDealRefunded)
}

func (d *Dispatcher) onPartiallyRefunded(ctx context.Context, s *step) error {
	if s.msg.PartialRefundNano == nil || s.msg.PartialPayoutNano == nil {
		d.Logger.WithField("deal_id", s.deal.ID).Error("partial settlement without amounts, skipping commands")
		return nil
	}
	refund, payout := *s.msg.PartialRefundNano, *s.msg.PartialPayoutNano

	if d.needsRefund(s) {
		if s.refundAddress == "" {
			d.Logger.WithField("deal_id", s.deal.ID).Warn("no refund address, skipping partial refund")
		} else if err := d.emit(ctx, s, "execute_refund", events.TypeExecuteRefund, events.Refund{
			RecipientAddress: s.refundAddress,
			AmountNano:       refund,
			RemainderNano:    s.deal.AmountNano - refund - payout,
			SubwalletID:      s.deal.SubwalletID,
			Partial:          true,
		}); err != nil {
			return err
		}
	}
	if s.deal.PayoutTxHash == nil {
		if err := d.emit(ctx, s, "execute_payout", events.TypeExecutePayout, events.Payout{
			RecipientID: s.deal.OwnerID,
			AmountNano:  payout,
			SubwalletID: s.deal.SubwalletID,
			Partial:     true,
		}); err != nil {
			return err
		}
	}
	return d.notifyBoth(ctx, s, events.TemplateDisputeSettled)
}

func (d *Dispatcher) fullRefund(ctx context.Context, s *step) error {
	if !d.needsRefund(s) {
		return nil
	}
	if s.refundAddress == "" {
		d.Logger.WithField("deal_id", s.deal.ID).Warn("no refund address, skipping refund")
		return nil
	}
	return d.emit(ctx, s, "execute_refund", events.TypeExecuteRefund, events.Refund{
		RecipientAddress: s.refundAddress,
		AmountNano:       s.deal.AmountNano,
		SubwalletID:      s.deal.SubwalletID,
	})
}

// emit stages one derived message keyed {sourceEventId}:{action}.
func (d *Dispatcher) emit(ctx context.Context, s *step, action, eventType string, payload any) error {
	dealID := s.deal.ID
	key := s.env.EventID.String() + ":" + action
	inserted, err := d.Outbox.Enqueue(ctx, s.tx, outbox.Message{
		EventType:      eventType,
		DealID:         &dealID,
		PartitionKey:   dealID.String(),
		IdempotencyKey: key,
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", action, err)
	}
	if !inserted {
		d.Logger.WithField("idempotency_key", key).Debug("already staged")
	}
	return nil
}

func (d *Dispatcher) notify(ctx context.Context, s *step, role string, recipientID int64, template string) error {
	return d.emit(ctx, s, "notify:"+role, events.TypeNotification, events.Notification{
		RecipientID: recipientID,
		Template:    template,
		Params: map[string]string{
			"dealId":    s.deal.ID.String(),
			"channelId": strconv.FormatInt(s.deal.ChannelID, 10),
			"amount":    money.FormatTON(s.deal.AmountNano),
			"status":    string(s.msg.ToStatus),
		},
	})
}

func (d *Dispatcher) notifyOwner(ctx context.Context, s *step, template string) error {
	return d.notify(ctx, s, "owner", s.deal.OwnerID, template)
}

func (d *Dispatcher) notifyAdvertiser(ctx context.Context, s *step, template string) error {
	return d.notify(ctx, s, "advertiser", s.deal.AdvertiserID, template)
}

func (d *Dispatcher) notifyBoth(ctx context.Context, s *step, template string) error {
	if err := d.notifyAdvertiser(ctx, s, template); err != nil {
		return err
	}
	return d.notifyOwner(ctx, s, template)
}
