package models

import (
	"time"

	"github.com/google/uuid"
)

// EntryType is the business reason a ledger leg was written.
type EntryType string

const (
	EntryEscrowDeposit      EntryType = "ESCROW_DEPOSIT"
	EntryEscrowRelease      EntryType = "ESCROW_RELEASE"
	EntryPlatformCommission EntryType = "PLATFORM_COMMISSION"
	EntryOwnerPayout        EntryType = "OWNER_PAYOUT"
	EntryEscrowRefund       EntryType = "ESCROW_REFUND"
	EntryPartialRefund      EntryType = "PARTIAL_REFUND"
	EntryPartialPayout      EntryType = "PARTIAL_PAYOUT"
)

// Side is the column a leg lands in.
type Side string

const (
	SideDebit  Side = "DEBIT"
	SideCredit Side = "CREDIT"
)

// LedgerEntry is immutable once written.
type LedgerEntry struct {
	ID             uuid.UUID  `json:"id"`
	TxRef          uuid.UUID  `json:"tx_ref"`
	IdempotencyKey string     `json:"idempotency_key"`
	DealID         *uuid.UUID `json:"deal_id,omitempty"`
	AccountID      string     `json:"account_id"`
	EntryType      EntryType  `json:"entry_type"`
	DebitNano      int64      `json:"debit_nano"`
	CreditNano     int64      `json:"credit_nano"`
	Description    string     `json:"description,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Delta is the signed effect of the entry on its account's balance.
func (e *LedgerEntry) Delta() int64 {
	return e.CreditNano - e.DebitNano
}

// AccountBalance mirrors sum(credit) - sum(debit) for one account.
type AccountBalance struct {
	AccountID   string    `json:"account_id"`
	BalanceNano int64     `json:"balance_nano"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}
