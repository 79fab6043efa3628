// Package events defines the messages the core places on the outbox.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lonmstalker/advert-market-sub000/internal/models"
)

// Event types. Each one is also the outbox topic it is published on.
const (
	TypeDealStateChanged = "DEAL_STATE_CHANGED"
	TypeNotification     = "NOTIFICATION"
	TypeWatchDeposit     = "WATCH_DEPOSIT"
	TypeExecutePayout    = "EXECUTE_PAYOUT"
	TypeExecuteRefund    = "EXECUTE_REFUND"
	TypePublishPost      = "PUBLISH_POST"
	TypeVerifyDelivery   = "VERIFY_DELIVERY"
)

// AllTypes lists every event type with a payload contract.
var AllTypes = []string{
	TypeDealStateChanged,
	TypeNotification,
	TypeWatchDeposit,
	TypeExecutePayout,
	TypeExecuteRefund,
	TypePublishPost,
	TypeVerifyDelivery,
}

// Envelope is the JSON document stored in outbox.payload.
type Envelope struct {
	EventID   uuid.UUID       `json:"eventId"`
	EventType string          `json:"eventType"`
	DealID    *uuid.UUID      `json:"dealId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// StateChanged is the DEAL_STATE_CHANGED payload, written with every transition.
type StateChanged struct {
	FromStatus        models.DealStatus `json:"fromStatus"`
	ToStatus          models.DealStatus `json:"toStatus"`
	ActorID           *int64            `json:"actorId,omitempty"`
	ActorType         models.ActorType  `json:"actorType"`
	AmountNano        int64             `json:"amountNano"`
	ChannelID         int64             `json:"channelId"`
	PartialRefundNano *int64            `json:"partialRefundNano,omitempty"`
	PartialPayoutNano *int64            `json:"partialPayoutNano,omitempty"`
}

// Notification templates.
const (
	TemplateNewOffer           = "NEW_OFFER"
	TemplateNegotiationStarted = "NEGOTIATION_STARTED"
	TemplateOfferAccepted      = "OFFER_ACCEPTED"
	TemplatePaymentRequired    = "PAYMENT_REQUIRED"
	TemplateEscrowFunded       = "ESCROW_FUNDED"
	TemplateCreativeSubmitted  = "CREATIVE_SUBMITTED"
	TemplateCreativeApproved   = "CREATIVE_APPROVED"
	TemplatePostScheduled      = "POST_SCHEDULED"
	TemplatePostPublished      = "POST_PUBLISHED"
	TemplateDealCompleted      = "DEAL_COMPLETED"
	TemplateDisputeOpened      = "DISPUTE_OPENED"
	TemplateDealCancelled      = "DEAL_CANCELLED"
	TemplateDealExpired        = "DEAL_EXPIRED"
	TemplateDealRefunded       = "DEAL_REFUNDED"
	TemplateDisputeSettled     = "DISPUTE_SETTLED"
)

// Notification asks the notifier to send template to one user.
type Notification struct {
	RecipientID int64             `json:"recipientId"`
	Template    string            `json:"template"`
	Params      map[string]string `json:"params,omitempty"`
}

// WatchDeposit asks the chain watcher to look for the deal's deposit.
type WatchDeposit struct {
	DepositAddress string `json:"depositAddress"`
	SubwalletID    *int64 `json:"subwalletId,omitempty"`
	ExpectedNano   int64  `json:"expectedNano"`
}

// Payout is the EXECUTE_PAYOUT command paying the channel owner.
type Payout struct {
	RecipientID    int64  `json:"recipientId"`
	AmountNano     int64  `json:"amountNano"`
	CommissionNano int64  `json:"commissionNano"`
	SubwalletID    *int64 `json:"subwalletId,omitempty"`
	Partial        bool   `json:"partial,omitempty"`
}

// Refund is the EXECUTE_REFUND command. RemainderNano is set on a partial settlement.
type Refund struct {
	RecipientAddress string `json:"recipientAddress"`
	AmountNano       int64  `json:"amountNano"`
	RemainderNano    int64  `json:"remainderNano,omitempty"`
	SubwalletID      *int64 `json:"subwalletId,omitempty"`
	Partial          bool   `json:"partial,omitempty"`
}

// PublishPost asks the channel bot to post the approved creative.
type PublishPost struct {
	ChannelID   int64            `json:"channelId"`
	Creative    *models.Creative `json:"creative"`
	ScheduledAt *time.Time       `json:"scheduledAt,omitempty"`
}

// VerifyDelivery asks the checker to confirm the post is still live and unchanged.
type VerifyDelivery struct {
	ChannelID   int64      `json:"channelId"`
	MessageID   int64      `json:"messageId"`
	ContentHash string     `json:"contentHash"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}
