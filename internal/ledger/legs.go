package ledger

import (
	"github.com/google/uuid"

	"github.com/lonmstalker/advert-market-sub000/internal/models"
)

// Leg is one side of a transfer.
type Leg struct {
	AccountID  string           `validate:"required,max=128"`
	EntryType  models.EntryType `validate:"required,oneof=ESCROW_DEPOSIT ESCROW_RELEASE PLATFORM_COMMISSION OWNER_PAYOUT ESCROW_REFUND PARTIAL_REFUND PARTIAL_PAYOUT"`
	AmountNano int64            `validate:"gt=0"`
	Side       models.Side      `validate:"required,oneof=DEBIT CREDIT"`
}

func Debit(accountID string, t models.EntryType, amount int64) Leg {
	return Leg{AccountID: accountID, EntryType: t, AmountNano: amount, Side: models.SideDebit}
}

func Credit(accountID string, t models.EntryType, amount int64) Leg {
	return Leg{AccountID: accountID, EntryType: t, AmountNano: amount, Side: models.SideCredit}
}

// delta is the signed balance effect of the leg.
func (l Leg) delta() int64 {
	if l.Side == models.SideDebit {
		return -l.AmountNano
	}
	return l.AmountNano
}

// DepositLegs moves an incoming payment from the settlement rail into the deal's escrow.
func DepositLegs(dealID uuid.UUID, amountNano int64) []Leg {
	return []Leg{
		Debit(AccountExternalTON, models.EntryEscrowDeposit, amountNano),
		Credit(EscrowAccount(dealID), models.EntryEscrowDeposit, amountNano),
	}
}

// ReleaseLegs empties escrow into the owner's pending account and the treasury.
// A zero commission or a zero owner share yields a two-leg transfer.
func ReleaseLegs(dealID uuid.UUID, ownerID int64, amountNano, commissionNano int64) []Leg {
	legs := []Leg{Debit(EscrowAccount(dealID), models.EntryEscrowRelease, amountNano)}
	if share := amountNano - commissionNano; share > 0 {
		legs = append(legs, Credit(OwnerPendingAccount(ownerID), models.EntryEscrowRelease, share))
	}
	if commissionNano > 0 {
		legs = append(legs, Credit(AccountPlatformTreasury, models.EntryPlatformCommission, commissionNano))
	}
	return legs
}

// PayoutLegs sends an owner's pending funds out through the settlement rail.
func PayoutLegs(ownerID int64, amountNano int64) []Leg {
	return []Leg{
		Debit(OwnerPendingAccount(ownerID), models.EntryOwnerPayout, amountNano),
		Credit(AccountExternalTON, models.EntryOwnerPayout, amountNano),
	}
}

// RefundLegs returns escrowed funds to the advertiser through the settlement rail.
func RefundLegs(dealID uuid.UUID, amountNano int64) []Leg {
	return []Leg{
		Debit(EscrowAccount(dealID), models.EntryEscrowRefund, amountNano),
		Credit(AccountExternalTON, models.EntryEscrowRefund, amountNano),
	}
}

// PartialRefundLegs refunds part of the escrow and sweeps whatever neither
// party receives to the treasury.
func PartialRefundLegs(dealID uuid.UUID, refundNano, remainderNano int64) []Leg {
	legs := []Leg{
		Debit(EscrowAccount(dealID), models.EntryPartialRefund, refundNano+remainderNano),
		Credit(AccountExternalTON, models.EntryPartialRefund, refundNano),
	}
	if remainderNano > 0 {
		legs = append(legs, Credit(AccountPlatformTreasury, models.EntryPlatformCommission, remainderNano))
	}
	return legs
}

// PartialPayoutLegs pays the owner's share of a split settlement straight from escrow.
func PartialPayoutLegs(dealID uuid.UUID, payoutNano int64) []Leg {
	return []Leg{
		Debit(EscrowAccount(dealID), models.EntryPartialPayout, payoutNano),
		Credit(AccountExternalTON, models.EntryPartialPayout, payoutNano),
	}
}
