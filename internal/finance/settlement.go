package finance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lonmstalker/advert-market-sub000/internal/deal"
	"github.com/lonmstalker/advert-market-sub000/internal/escrow"
	"github.com/lonmstalker/advert-market-sub000/internal/events"
	"github.com/lonmstalker/advert-market-sub000/internal/ledger"
	"github.com/lonmstalker/advert-market-sub000/internal/models"
	"github.com/lonmstalker/advert-market-sub000/internal/money"
)

// Deals is the slice of deal storage settlement needs.
type Deals interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Deal, error)
	RecordPayout(ctx context.Context, id uuid.UUID, txHash string, at time.Time) (bool, error)
	RecordRefund(ctx context.Context, id uuid.UUID, txHash string, at time.Time) (bool, error)
}

func DepositKey(txHash string) string   { return "deposit:" + txHash }
func PayoutKey(dealID uuid.UUID) string { return "payout:" + dealID.String() }
func RefundKey(dealID uuid.UUID) string { return "refund:" + dealID.String() }

// Settlement records money movements for deals. Every step is keyed, so a
// handler that crashed halfway can simply run again.
type Settlement struct {
	deals    Deals
	deposits DepositStore
	ledger   escrow.Transferer
	engine   deal.Transitioner
	sender   Sender
	validate *validator.Validate
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewSettlement(deals Deals, deposits DepositStore, l escrow.Transferer, engine deal.Transitioner, sender Sender, log logrus.FieldLogger) *Settlement {
	return &Settlement{
		deals:    deals,
		deposits: deposits,
		ledger:   l,
		engine:   engine,
		sender:   sender,
		validate: validator.New(),
		log:      log.WithField("component", "settlement"),
		now:      time.Now,
	}
}

// RecordDeposit books an incoming payment into escrow and funds the deal
// once the deposits cover its amount.
func (s *Settlement) RecordDeposit(ctx context.Context, dep Deposit) error {
	if err := s.validate.Struct(dep); err != nil {
		return fmt.Errorf("invalid deposit: %w", err)
	}
	if dep.ReceivedAt.IsZero() {
		dep.ReceivedAt = s.now().UTC()
	}
	log := s.log.WithFields(logrus.Fields{"deal_id": dep.DealID, "tx_hash": dep.TxHash})

	d, err := s.deals.GetByID(ctx, dep.DealID)
	if err != nil {
		return err
	}
	inserted, err := s.deposits.InsertDeposit(ctx, dep)
	if err != nil {
		return fmt.Errorf("store deposit: %w", err)
	}
	if !inserted {
		log.Debug("deposit already stored, resuming")
	}
	if _, err := s.ledger.Transfer(ctx, ledger.TransferRequest{
		DealID:         &dep.DealID,
		IdempotencyKey: DepositKey(dep.TxHash),
		Legs:           ledger.DepositLegs(dep.DealID, dep.AmountNano),
		Description:    "deposit from " + dep.FromAddress,
	}); err != nil {
		return fmt.Errorf("book deposit: %w", err)
	}

	total, err := s.deposits.TotalDeposited(ctx, dep.DealID)
	if err != nil {
		return err
	}
	if total < d.AmountNano {
		log.WithFields(logrus.Fields{
			"received": money.FormatTON(total),
			"expected": money.FormatTON(d.AmountNano),
		}).Warn("deal underpaid, waiting for more")
		return nil
	}

	_, err = s.engine.Transition(ctx, deal.TransitionRequest{
		DealID:    dep.DealID,
		Target:    models.DealStatusFunded,
		ActorType: models.ActorSystem,
	})
	if errors.Is(err, deal.ErrInvalidTransition) {
		// Money arrived after the deal left AWAITING_PAYMENT. It stays in
		// escrow for an operator to return.
		log.WithField("status", d.Status).Warn("deposit for deal not awaiting payment")
		return nil
	}
	return err
}

// RecordPayout books a sent payout and stores its tx hash on the deal.
func (s *Settlement) RecordPayout(ctx context.Context, dealID uuid.UUID, p events.Payout, txHash string) error {
	legs := ledger.PayoutLegs(p.RecipientID, p.AmountNano)
	if p.Partial {
		legs = ledger.PartialPayoutLegs(dealID, p.AmountNano)
	}
	if _, err := s.ledger.Transfer(ctx, ledger.TransferRequest{
		DealID:         &dealID,
		IdempotencyKey: PayoutKey(dealID),
		Legs:           legs,
		Description:    "payout " + txHash,
	}); err != nil {
		return fmt.Errorf("book payout: %w", err)
	}
	if _, err := s.deals.RecordPayout(ctx, dealID, txHash, s.now().UTC()); err != nil {
		return fmt.Errorf("store payout hash: %w", err)
	}
	return nil
}

// RecordRefund books a sent refund and stores its tx hash on the deal.
func (s *Settlement) RecordRefund(ctx context.Context, dealID uuid.UUID, r events.Refund, txHash string) error {
	legs := ledger.RefundLegs(dealID, r.AmountNano)
	if r.Partial {
		legs = ledger.PartialRefundLegs(dealID, r.AmountNano, r.RemainderNano)
	}
	if _, err := s.ledger.Transfer(ctx, ledger.TransferRequest{
		DealID:         &dealID,
		IdempotencyKey: RefundKey(dealID),
		Legs:           legs,
		Description:    "refund " + txHash,
	}); err != nil {
		return fmt.Errorf("book refund: %w", err)
	}
	if _, err := s.deals.RecordRefund(ctx, dealID, txHash, s.now().UTC()); err != nil {
		return fmt.Errorf("store refund hash: %w", err)
	}
	return nil
}

// HandlePayout executes an EXECUTE_PAYOUT command.
func (s *Settlement) HandlePayout(ctx context.Context, env events.Envelope) error {
	d, ok, err := s.load(ctx, env)
	if err != nil || !ok {
		return err
	}
	if d.PayoutTxHash != nil {
		s.log.WithField("deal_id", d.ID).Info("payout already recorded, skipping")
		return nil
	}
	var p events.Payout
	if err := env.Decode(&p); err != nil {
		s.log.WithError(err).WithField("event_id", env.EventID).Error("undecodable payout, dropping")
		return nil
	}
	hash, err := s.sender.Send(ctx, Outgoing{
		IdempotencyKey: PayoutKey(d.ID),
		RecipientID:    p.RecipientID,
		AmountNano:     p.AmountNano,
		SubwalletID:    p.SubwalletID,
	})
	if err != nil {
		return fmt.Errorf("send payout: %w", err)
	}
	return s.RecordPayout(ctx, d.ID, p, hash)
}

// HandleRefund executes an EXECUTE_REFUND command.
func (s *Settlement) HandleRefund(ctx context.Context, env events.Envelope) error {
	d, ok, err := s.load(ctx, env)
	if err != nil || !ok {
		return err
	}
	if d.RefundTxHash != nil {
		s.log.WithField("deal_id", d.ID).Info("refund already recorded, skipping")
		return nil
	}
	var r events.Refund
	if err := env.Decode(&r); err != nil {
		s.log.WithError(err).WithField("event_id", env.EventID).Error("undecodable refund, dropping")
		return nil
	}
	hash, err := s.sender.Send(ctx, Outgoing{
		IdempotencyKey:   RefundKey(d.ID),
		RecipientAddress: r.RecipientAddress,
		AmountNano:       r.AmountNano,
		SubwalletID:      r.SubwalletID,
	})
	if err != nil {
		return fmt.Errorf("send refund: %w", err)
	}
	return s.RecordRefund(ctx, d.ID, r, hash)
}

// SimulateDeposit answers a WATCH_DEPOSIT command by paying the expected
// amount at once. Development only.
func (s *Settlement) SimulateDeposit(ctx context.Context, env events.Envelope) error {
	if env.DealID == nil {
		return nil
	}
	var w events.WatchDeposit
	if err := env.Decode(&w); err != nil {
		s.log.WithError(err).WithField("event_id", env.EventID).Error("undecodable deposit watch, dropping")
		return nil
	}
	return s.RecordDeposit(ctx, Deposit{
		DealID:      *env.DealID,
		AmountNano:  w.ExpectedNano,
		TxHash:      dryRunHash(DepositKey(w.DepositAddress)),
		FromAddress: "EQ_DRYRUN_ADVERTISER",
	})
}

func (s *Settlement) load(ctx context.Context, env events.Envelope) (*models.Deal, bool, error) {
	if env.DealID == nil {
		s.log.WithField("event_id", env.EventID).Warn("settlement command without deal id, dropping")
		return nil, false, nil
	}
	d, err := s.deals.GetByID(ctx, *env.DealID)
	if deal.IsNotFound(err) {
		s.log.WithField("deal_id", *env.DealID).Warn("deal not found, dropping settlement command")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}
