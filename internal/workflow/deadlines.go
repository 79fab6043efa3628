package workflow

import (
	"time"

	"github.com/lonmstalker/advert-market-sub000/internal/models"
)

const day = 24 * time.Hour

// deadlines is how long a deal may sit in a status before the timeout
// scanner expires it. Statuses not listed carry no deadline.
var deadlines = map[models.DealStatus]time.Duration{
	models.DealStatusOfferPending:      48 * time.Hour,
	models.DealStatusNegotiating:       72 * time.Hour,
	models.DealStatusAccepted:          24 * time.Hour,
	models.DealStatusAwaitingPayment:   24 * time.Hour,
	models.DealStatusFunded:            72 * time.Hour,
	models.DealStatusCreativeSubmitted: 48 * time.Hour,
	models.DealStatusCreativeApproved:  72 * time.Hour,
	models.DealStatusScheduled:         7 * day,
	models.DealStatusDisputed:          7 * day,
}

// DeadlineFor returns when a deal that entered status at enteredAt times out,
// or nil if status has no deadline.
func DeadlineFor(status models.DealStatus, enteredAt time.Time) *time.Time {
	d, ok := deadlines[status]
	if !ok {
		return nil
	}
	t := enteredAt.Add(d).UTC()
	return &t
}
