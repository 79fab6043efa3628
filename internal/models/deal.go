package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DealStatus is the lifecycle state of a deal.
type DealStatus string

const (
	DealStatusDraft             DealStatus = "DRAFT"
	DealStatusOfferPending      DealStatus = "OFFER_PENDING"
	DealStatusNegotiating       DealStatus = "NEGOTIATING"
	DealStatusAccepted          DealStatus = "ACCEPTED"
	DealStatusAwaitingPayment   DealStatus = "AWAITING_PAYMENT"
	DealStatusFunded            DealStatus = "FUNDED"
	DealStatusCreativeSubmitted DealStatus = "CREATIVE_SUBMITTED"
	DealStatusCreativeApproved  DealStatus = "CREATIVE_APPROVED"
	DealStatusScheduled         DealStatus = "SCHEDULED"
	DealStatusPublished         DealStatus = "PUBLISHED"
	DealStatusDeliveryVerifying DealStatus = "DELIVERY_VERIFYING"
	DealStatusCompletedReleased DealStatus = "COMPLETED_RELEASED"
	DealStatusDisputed          DealStatus = "DISPUTED"
	DealStatusCancelled         DealStatus = "CANCELLED"
	DealStatusRefunded          DealStatus = "REFUNDED"
	DealStatusPartiallyRefunded DealStatus = "PARTIALLY_REFUNDED"
	DealStatusExpired           DealStatus = "EXPIRED"
)

// AllDealStatuses lists every status in lifecycle order.
var AllDealStatuses = []DealStatus{
	DealStatusDraft,
	DealStatusOfferPending,
	DealStatusNegotiating,
	DealStatusAccepted,
	DealStatusAwaitingPayment,
	DealStatusFunded,
	DealStatusCreativeSubmitted,
	DealStatusCreativeApproved,
	DealStatusScheduled,
	DealStatusPublished,
	DealStatusDeliveryVerifying,
	DealStatusCompletedReleased,
	DealStatusDisputed,
	DealStatusCancelled,
	DealStatusRefunded,
	DealStatusPartiallyRefunded,
	DealStatusExpired,
}

// IsTerminal reports whether no transition can leave s.
func (s DealStatus) IsTerminal() bool {
	switch s {
	case DealStatusCompletedReleased, DealStatusCancelled, DealStatusRefunded,
		DealStatusPartiallyRefunded, DealStatusExpired:
		return true
	}
	return false
}

// IsFunded reports whether escrow holds the advertiser's money in s.
func (s DealStatus) IsFunded() bool {
	switch s {
	case DealStatusFunded, DealStatusCreativeSubmitted, DealStatusCreativeApproved,
		DealStatusScheduled, DealStatusPublished, DealStatusDeliveryVerifying, DealStatusDisputed:
		return true
	}
	return false
}

// ActorType identifies who requested a transition.
type ActorType string

const (
	ActorAdvertiser       ActorType = "ADVERTISER"
	ActorChannelOwner     ActorType = "CHANNEL_OWNER"
	ActorPlatformOperator ActorType = "PLATFORM_OPERATOR"
	ActorSystem           ActorType = "SYSTEM"
)

// Creative is the ad content the owner submits for approval.
type Creative struct {
	Text     string   `json:"text"`
	MediaIDs []string `json:"media_ids,omitempty"`
	Buttons  []string `json:"buttons,omitempty"`
}

type Deal struct {
	ID                 uuid.UUID  `json:"id"`
	ChannelID          int64      `json:"channel_id"`
	AdvertiserID       int64      `json:"advertiser_id"`
	OwnerID            int64      `json:"owner_id"`
	PricingRuleID      *uuid.UUID `json:"pricing_rule_id,omitempty"`
	Status             DealStatus `json:"status"`
	AmountNano         int64      `json:"amount_nano"`
	CommissionRateBp   int        `json:"commission_rate_bp"`
	CommissionNano     int64      `json:"commission_nano"`
	DepositAddress     *string    `json:"deposit_address,omitempty"`
	SubwalletID        *int64     `json:"subwallet_id,omitempty"`
	Creative           *Creative  `json:"creative,omitempty"`
	ScheduledAt        *time.Time `json:"scheduled_at,omitempty"`
	MessageID          *int64     `json:"message_id,omitempty"`
	ContentHash        *string    `json:"content_hash,omitempty"`
	PublishedAt        *time.Time `json:"published_at,omitempty"`
	Deadline           *time.Time `json:"deadline,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	RefundTxHash       *string    `json:"refund_tx_hash,omitempty"`
	RefundedAt         *time.Time `json:"refunded_at,omitempty"`
	PayoutTxHash       *string    `json:"payout_tx_hash,omitempty"`
	PaidOutAt          *time.Time `json:"paid_out_at,omitempty"`
	PartialRefundNano  *int64     `json:"partial_refund_nano,omitempty"`
	PartialPayoutNano  *int64     `json:"partial_payout_nano,omitempty"`
	Version            int        `json:"version"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// OwnerPayoutNano is what the owner receives on a full release.
func (d *Deal) OwnerPayoutNano() int64 {
	return d.AmountNano - d.CommissionNano
}

// Deal event types.
const (
	DealEventCreated       = "DEAL_CREATED"
	DealEventStatusChanged = "STATUS_CHANGED"
)

// DealEvent is one row of the append-only per-deal audit trail.
type DealEvent struct {
	ID         uuid.UUID       `json:"id"`
	DealID     uuid.UUID       `json:"deal_id"`
	EventType  string          `json:"event_type"`
	FromStatus *DealStatus     `json:"from_status,omitempty"`
	ToStatus   DealStatus      `json:"to_status"`
	ActorID    *int64          `json:"actor_id,omitempty"`
	ActorType  ActorType       `json:"actor_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
