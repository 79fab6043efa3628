package finance

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lonmstalker/advert-market-sub000/internal/money"
)

// Outgoing is one transfer on the settlement rail. Exactly one of
// RecipientID and RecipientAddress is set.
type Outgoing struct {
	IdempotencyKey   string
	RecipientID      int64
	RecipientAddress string
	AmountNano       int64
	SubwalletID      *int64
}

// Sender submits outgoing transfers and returns the rail's tx hash. A repeated
// key must return the hash of the first submission.
type Sender interface {
	Send(ctx context.Context, out Outgoing) (txHash string, err error)
}

// DryRunSender moves nothing and derives a stable hash from the key.
type DryRunSender struct {
	log logrus.FieldLogger
}

func NewDryRunSender(log logrus.FieldLogger) *DryRunSender {
	return &DryRunSender{log: log.WithField("component", "dry_run_sender")}
}

var _ Sender = (*DryRunSender)(nil)

func (s *DryRunSender) Send(_ context.Context, out Outgoing) (string, error) {
	hash := dryRunHash(out.IdempotencyKey)
	s.log.WithFields(logrus.Fields{
		"key":          out.IdempotencyKey,
		"recipient_id": out.RecipientID,
		"address":      out.RecipientAddress,
		"amount":       money.FormatTON(out.AmountNano),
		"tx_hash":      hash,
	}).Info("dry run transfer")
	return hash, nil
}

func dryRunHash(key string) string {
	return "dryrun-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}
