// Package escrow moves a deal's escrowed funds on the ledger and hands out
// deposit addresses.
package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lonmstalker/advert-market-sub000/internal/ledger"
	"github.com/lonmstalker/advert-market-sub000/internal/money"
)

// ErrServiceUnavailable marks a collaborator failure that is worth retrying.
var ErrServiceUnavailable = errors.New("escrow service unavailable")

// Escrow releases a completed deal's funds.
type Escrow interface {
	ReleaseEscrow(ctx context.Context, dealID uuid.UUID, ownerID int64, amountNano int64, commissionRateBp int) error
}

// RefundAddressResolver finds where an advertiser's money should be returned.
// found is false when no address is known.
type RefundAddressResolver interface {
	FindRefundAddress(ctx context.Context, dealID uuid.UUID) (address string, found bool, err error)
}

// Transferer is the part of the ledger escrow needs.
type Transferer interface {
	Transfer(ctx context.Context, req ledger.TransferRequest) (uuid.UUID, error)
}

// LedgerEscrow implements Escrow as a ledger transfer keyed by deal, so a
// repeated release is a no-op.
type LedgerEscrow struct {
	ledger Transferer
	log    logrus.FieldLogger
}

func NewLedgerEscrow(l Transferer, log logrus.FieldLogger) *LedgerEscrow {
	return &LedgerEscrow{ledger: l, log: log.WithField("component", "escrow")}
}

var _ Escrow = (*LedgerEscrow)(nil)

// ReleaseKey is the ledger idempotency key of a deal's escrow release.
func ReleaseKey(dealID uuid.UUID) string { return "release:" + dealID.String() }

func (e *LedgerEscrow) ReleaseEscrow(ctx context.Context, dealID uuid.UUID, ownerID int64, amountNano int64, commissionRateBp int) error {
	commission, err := money.Commission(amountNano, commissionRateBp)
	if err != nil {
		return err
	}
	txRef, err := e.ledger.Transfer(ctx, ledger.TransferRequest{
		DealID:         &dealID,
		IdempotencyKey: ReleaseKey(dealID),
		Legs:           ledger.ReleaseLegs(dealID, ownerID, amountNano, commission),
		Description:    fmt.Sprintf("release escrow, commission %s TON", money.FormatTON(commission)),
	})
	if err != nil {
		return classify(err)
	}
	e.log.WithFields(logrus.Fields{
		"deal_id":         dealID,
		"owner_id":        ownerID,
		"commission_nano": commission,
		"tx_ref":          txRef,
	}).Info("escrow released")
	return nil
}

// classify passes ledger rule violations through and marks anything else retryable.
func classify(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrUnbalanced),
		errors.Is(err, ledger.ErrInvalidTransfer):
		return err
	case errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
}
