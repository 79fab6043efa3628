package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outbox delivery status.
const (
	OutboxStatusPending   = "PENDING"
	OutboxStatusDelivered = "DELIVERED"
	OutboxStatusFailed    = "FAILED"
)

type OutboxEntry struct {
	ID             uuid.UUID       `json:"id"`
	DealID         *uuid.UUID      `json:"deal_id,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Topic          string          `json:"topic"`
	PartitionKey   string          `json:"partition_key"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	Version        int             `json:"version"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
}
