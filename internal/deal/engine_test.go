package deal_test

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lonmstalker/advert-market-sub000/internal/deal"
	"github.com/lonmstalker/advert-market-sub000/internal/deal/dealtest"
	"github.com/lonmstalker/advert-market-sub000/internal/events"
	"github.com/lonmstalker/advert-market-sub000/internal/models"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	store  *dealtest.Store
	outbox *dealtest.Outbox
	engine *deal.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := dealtest.NewStore()
	ob := dealtest.NewOutbox()
	return &fixture{
		store:  store,
		outbox: ob,
		engine: deal.NewEngine(store, store, ob, quietLogger()),
	}
}

func (f *fixture) seed(status models.DealStatus, version int) models.Deal {
	d := models.Deal{
		ID:               uuid.New(),
		ChannelID:        -100123,
		AdvertiserID:     11,
		OwnerID:          22,
		Status:           status,
		AmountNano:       1_000_000_000,
		CommissionRateBp: 200,
		CommissionNano:   20_000_000,
		Version:          version,
		CreatedAt:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.store.Put(d)
	return d
}

func ptr[T any](v T) *T { return &v }

// ---------------------------------------------------------------------------
// Transition table
// ---------------------------------------------------------------------------

var allActors = []models.ActorType{
	models.ActorAdvertiser, models.ActorChannelOwner, models.ActorPlatformOperator, models.ActorSystem,
}

func TestValidateTransition_NonEdgesAlwaysInvalid(t *testing.T) {
	for _, from := range models.AllDealStatuses {
		for _, to := range models.AllDealStatuses {
			if deal.CanTransition(from, to) {
				continue
			}
			for _, actor := range allActors {
				err := deal.ValidateTransition(from, to, actor)
				assert.ErrorIs(t, err, deal.ErrInvalidTransition, "%s -> %s by %s", from, to, actor)
			}
		}
	}
}

func TestValidateTransition_EdgesCheckActor(t *testing.T) {
	for _, from := range models.AllDealStatuses {
		for _, to := range deal.Targets(from) {
			allowed := deal.AllowedActors(from, to)
			require.NotEmpty(t, allowed, "%s -> %s", from, to)
			for _, actor := range allActors {
				err := deal.ValidateTransition(from, to, actor)
				if contains(allowed, actor) {
					assert.NoError(t, err, "%s -> %s by %s", from, to, actor)
				} else {
					assert.ErrorIs(t, err, deal.ErrActorNotAllowed, "%s -> %s by %s", from, to, actor)
				}
			}
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range models.AllDealStatuses {
		if s.IsTerminal() {
			assert.Empty(t, deal.Targets(s), "terminal %s", s)
		} else {
			assert.NotEmpty(t, deal.Targets(s), "live %s", s)
		}
	}
}

func TestAllowedActorsReturnsCopy(t *testing.T) {
	a := deal.AllowedActors(models.DealStatusFunded, models.DealStatusCancelled)
	require.Len(t, a, 3)
	a[0] = "MALLORY"
	assert.NotContains(t, deal.AllowedActors(models.DealStatusFunded, models.DealStatusCancelled), models.ActorType("MALLORY"))
}

func TestTransitionError_Message(t *testing.T) {
	err := deal.ValidateTransition(models.DealStatusDraft, models.DealStatusFunded, models.ActorSystem)
	var te *deal.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, models.DealStatusDraft, te.From)
	assert.Equal(t, models.DealStatusFunded, te.To)
	assert.Contains(t, err.Error(), "DRAFT -> FUNDED by SYSTEM")
}

func contains(actors []models.ActorType, a models.ActorType) bool {
	for _, x := range actors {
		if x == a {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Engine.Transition
// ---------------------------------------------------------------------------

func TestTransition_Success(t *testing.T) {
	f := newFixture(t)
	d := f.seed(models.DealStatusOfferPending, 4)
	owner := int64(22)

	res, err := f.engine.Transition(context.Background(), deal.TransitionRequest{
		DealID:    d.ID,
		Target:    models.DealStatusAccepted,
		ActorID:   &owner,
		ActorType: models.ActorChannelOwner,
	})
	require.NoError(t, err)
	assert.Equal(t, deal.OutcomeSuccess, res.Outcome)
	assert.Equal(t, models.DealStatusAccepted, res.Status)
	assert.Equal(t, 5, res.Version)

	stored, _ := f.store.Deal(d.ID)
	assert.Equal(t, models.DealStatusAccepted, stored.Status)
	assert.Equal(t, 5, stored.Version)

	evs := f.store.Events(d.ID)
	require.Len(t, evs, 1)
	assert.Equal(t, models.DealEventStatusChanged, evs[0].EventType)
	require.NotNil(t, evs[0].FromStatus)
	assert.Equal(t, models.DealStatusOfferPending, *evs[0].FromStatus)
	assert.Equal(t, models.DealStatusAccepted, evs[0].ToStatus)
	assert.Equal(t, &owner, evs[0].ActorID)

	rows := f.outbox.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "deal:"+d.ID.String()+":v5", rows[0].IdempotencyKey)
	assert.Equal(t, d.ID.String(), rows[0].PartitionKey)
	assert.Equal(t, evs[0].ID, rows[0].Envelope.EventID)
	assert.Equal(t, events.TypeDealStateChanged, rows[0].Envelope.EventType)

	var sc events.StateChanged
	require.NoError(t, rows[0].Envelope.Decode(&sc))
	assert.Equal(t, models.DealStatusOfferPending, sc.FromStatus)
	assert.Equal(t, models.DealStatusAccepted, sc.ToStatus)
	assert.Equal(t, models.ActorChannelOwner, sc.ActorType)
	assert.Equal(t, d.AmountNano, sc.AmountNano)
	assert.Equal(t, d.ChannelID, sc.ChannelID)
}

func TestTransition_VersionIncrementsByOnePerStep(t *testing.T) {
	f := newFixture(t)
	d := f.seed(models.DealStatusDraft, 0)
	ctx := context.Background()

	steps := []struct {
		to    models.DealStatus
		actor models.ActorType
	}{
		{models.DealStatusOfferPending, models.ActorAdvertiser},
		{models.DealStatusNegotiating, models.ActorChannelOwner},
		{models.DealStatusAccepted, models.ActorAdvertiser},
		{models.DealStatusAwaitingPayment, models.ActorSystem},
		{models.DealStatusFunded, models.ActorSystem},
		{models.DealStatusCreativeSubmitted, models.ActorChannelOwner},
		{models.DealStatusFunded, models.ActorAdvertiser},
		{models.DealStatusCreativeSubmitted, models.ActorChannelOwner},
		{models.DealStatusCreativeApproved, models.ActorAdvertiser},
		{models.DealStatusScheduled, models.ActorChannelOwner},
		{models.DealStatusPublished, models.ActorSystem},
		{models.DealStatusDeliveryVerifying, models.ActorSystem},
		{models.DealStatusCompletedReleased, models.ActorSystem},
	}
	for i, s := range steps {
		res, err := f.engine.Transition(ctx, deal.TransitionRequest{DealID: d.ID, Target: s.to, ActorType: s.actor})
		require.NoError(t, err, "step %d to %s", i, s.to)
		assert.Equal(t, i+1, res.Version)
	}
	assert.Len(t, f.store.Events(d.ID), len(steps))
	assert.Len(t, f.outbox.Rows(), len(steps))
}

func TestTransition_AlreadyInTargetState(t *testing.T) {
	f := newFixture(t)
	d := f.seed(models.DealStatusFunded, 6)

	res, err := f.engine.Transition(context.Background(), deal.TransitionRequest{
		DealID:    d.ID,
		Target:    models.DealStatusFunded,
		ActorType: models.ActorSystem,
	})
	require.NoError(t, err)
	assert.Equal(t, deal.OutcomeAlreadyInTargetState, res.Outcome)
	assert.Equal(t, 6, res.Version)
	assert.Empty(t, f.store.Events(d.ID))
	assert.Empty(t, f.outbox.Rows())
	assert.Zero(t, f.store.Commits())
}

func TestTransition_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		from    models.DealStatus
		to      models.DealStatus
		actor   models.ActorType
		wantErr error
	}{
		{"skip ahead", models.DealStatusOfferPending, models.DealStatusFunded, models.ActorSystem, deal.ErrInvalidTransition},
		{"leave terminal", models.DealStatusCancelled, models.DealStatusOfferPending, models.ActorAdvertiser, deal.ErrInvalidTransition},
		{"owner cannot fund", models.DealStatusAwaitingPayment, models.DealStatusFunded, models.ActorChannelOwner, deal.ErrActorNotAllowed},
		{"advertiser cannot expire", models.DealStatusOfferPending, models.DealStatusExpired, models.ActorAdvertiser, deal.ErrActorNotAllowed},
		{"owner cannot settle dispute", models.DealStatusDisputed, models.DealStatusRefunded, models.ActorChannelOwner, deal.ErrActorNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			d := f.seed(tt.from, 2)
			_, err := f.engine.Transition(context.Background(), deal.TransitionRequest{
				DealID: d.ID, Target: tt.to, ActorType: tt.actor,
			})
			assert.ErrorIs(t, err, tt.wantErr)
			stored, _ := f.store.Deal(d.ID)
			assert.Equal(t, tt.from, stored.Status)
			assert.Equal(t, 2, stored.Version)
			assert.Empty(t, f.outbox.Rows())
		})
	}
}

func TestTransition_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Transition(context.Background(), deal.TransitionRequest{
		DealID: uuid.New(), Target: models.DealStatusCancelled, ActorType: models.ActorAdvertiser,
	})
	assert.ErrorIs(t, err, deal.ErrNotFound)
	assert.True(t, deal.IsNotFound(err))
}

func TestTransition_SameEdgeDifferentActors(t *testing.T) {
	f := newFixture(t)
	d := f.seed(models.DealStatusAwaitingPayment, 3)
	ctx := context.Background()

	_, err := f.engine.Transition(ctx, deal.TransitionRequest{DealID: d.ID, Target: models.DealStatusFunded, ActorType: models.ActorAdvertiser})
	assert.ErrorIs(t, err, deal.ErrActorNotAllowed)

	res, err := f.engine.Transition(ctx, deal.TransitionRequest{DealID: d.ID, Target: models.DealStatusFunded, ActorType: models.ActorSystem})
	require.NoError(t, err)
	assert.Equal(t, deal.OutcomeSuccess, res.Outcome)
}

func TestTransition_CancellationReasonStored(t *testing.T) {
	f := newFixture(t)
	d := f.seed(models.DealStatusFunded, 1)

	_, err := f.engine.Transition(context.Background(), deal.TransitionRequest{
		DealID: d.ID, Target: models.DealStatusCancelled, ActorType: models.ActorPlatformOperator, Reason: "channel banned",
	})
	require.NoError(t, err)
	stored, _ := f.store.Deal(d.ID)
	require.NotNil(t, stored.CancellationReason)
	assert.Equal(t, "channel banned", *stored.CancellationReason)
	assert.JSONEq(t, `{"reason":"channel banned"}`, string(f.store.Events(d.ID)[0].Payload))
}

func TestTransition_PartialRefund(t *testing.T) {
	ctx := context.Background()

	t.Run("missing amounts", func(t *testing.T) {
		f := newFixture(t)
		d := f.seed(models.DealStatusDisputed, 9)
		_, err := f.engine.Transition(ctx, deal.TransitionRequest{
			DealID: d.ID, Target: models.DealStatusPartiallyRefunded, ActorType: models.ActorPlatformOperator,
			PartialRefundNano: ptr(int64(400_000_000)),
		})
		assert.ErrorIs(t, err, deal.ErrMissingRequiredField)
		stored, _ := f.store.Deal(d.ID)
		assert.Equal(t, models.DealStatusDisputed, stored.Status)
	})

	t.Run("amounts exceed deal", func(t *testing.T) {
		f := newFixture(t)
		d := f.seed(models.DealStatusDisputed, 9)
		_, err := f.engine.Transition(ctx, deal.TransitionRequest{
			DealID: d.ID, Target: models.DealStatusPartiallyRefunded, ActorType: models.ActorPlatformOperator,
			PartialRefundNano: ptr(int64(700_000_000)), PartialPayoutNano: ptr(int64(400_000_000)),
		})
		assert.ErrorIs(t, err, deal.ErrInvalidAmount)
	})

	t.Run("sum past max int is rejected", func(t *testing.T) {
		f := newFixture(t)
		d := f.seed(models.DealStatusDisputed, 9)
		_, err := f.engine.Transition(ctx, deal.TransitionRequest{
			DealID: d.ID, Target: models.DealStatusPartiallyRefunded, ActorType: models.ActorPlatformOperator,
			PartialRefundNano: ptr(int64(math.MaxInt64)), PartialPayoutNano: ptr(int64(1)),
		})
		assert.ErrorIs(t, err, deal.ErrInvalidAmount)
		stored, _ := f.store.Deal(d.ID)
		assert.Equal(t, models.DealStatusDisputed, stored.Status)
		assert.Equal(t, 9, stored.Version)
		assert.Empty(t, f.outbox.Rows())
	})

	t.Run("stored and published", func(t *testing.T) {
		f := newFixture(t)
		d := f.seed(models.DealStatusDisputed, 9)
		_, err := f.engine.Transition(ctx, deal.TransitionRequest{
			DealID: d.ID, Target: models.DealStatusPartiallyRefunded, ActorType: models.ActorPlatformOperator,
			PartialRefundNano: ptr(int64(400_000_000)), PartialPayoutNano: ptr(int64(500_000_000)),
		})
		require.NoError(t, err)
		stored, _ := f.store.Deal(d.ID)
		assert.Equal(t, int64(400_000_000), *stored.PartialRefundNano)
		assert.Equal(t, int64(500_000_000), *stored.PartialPayoutNano)

		var sc events.StateChanged
		require.NoError(t, f.outbox.Rows()[0].Envelope.Decode(&sc))
		assert.Equal(t, int64(400_000_000), *sc.PartialRefundNano)
		assert.Equal(t, int64(500_000_000), *sc.PartialPayoutNano)
	})
}

func TestTransition_CommitFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	d := f.seed(models.DealStatusOfferPending, 1)
	f.store.CommitErr = errors.New("connection reset")

	_, err := f.engine.Transition(context.Background(), deal.TransitionRequest{
		DealID: d.ID, Target: models.DealStatusAccepted, ActorType: models.ActorChannelOwner,
	})
	require.Error(t, err)
	stored, _ := f.store.Deal(d.ID)
	assert.Equal(t, models.DealStatusOfferPending, stored.Status)
	assert.Equal(t, 1, stored.Version)
	assert.Empty(t, f.store.Events(d.ID))
	assert.Empty(t, f.outbox.Rows())
}

func TestTransition_OutboxFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	d := f.seed(models.DealStatusOfferPending, 1)
	f.outbox.EnqueueErr = errors.New("outbox unavailable")

	_, err := f.engine.Transition(context.Background(), deal.TransitionRequest{
		DealID: d.ID, Target: models.DealStatusAccepted, ActorType: models.ActorChannelOwner,
	})
	require.Error(t, err)
	stored, _ := f.store.Deal(d.ID)
	assert.Equal(t, models.DealStatusOfferPending, stored.Status)
	assert.Equal(t, 1, f.store.Rollbacks())
}

// ---------------------------------------------------------------------------
// Lost compare-and-swap
// ---------------------------------------------------------------------------

func TestTransition_LostRaceToSameTarget(t *testing.T) {
	f := newFixture(t)
	d := f.seed(models.DealStatusFunded, 3)
	ctx := context.Background()

	f.store.BeforeCAS = func(deal.CASUpdate) {
		f.store.BeforeCAS = nil
		_, err := f.engine.Transition(ctx, deal.TransitionRequest{
			DealID: d.ID, Target: models.DealStatusCancelled, ActorType: models.ActorChannelOwner,
		})
		require.NoError(t, err)
	}

	res, err := f.engine.Transition(ctx, deal.TransitionRequest{
		DealID: d.ID, Target: models.DealStatusCancelled, ActorType: models.ActorAdvertiser,
	})
	require.NoError(t, err)
	assert.Equal(t, deal.OutcomeAlreadyInTargetState, res.Outcome)
	assert.Len(t, f.store.Events(d.ID), 1)
	assert.Len(t, f.outbox.Rows(), 1)
}

func TestTransition_LostRaceToOtherTarget(t *testing.T) {
	f := newFixture(t)
	d := f.seed(models.DealStatusFunded, 3)
	ctx := context.Background()

	f.store.BeforeCAS = func(deal.CASUpdate) {
		f.store.BeforeCAS = nil
		_, err := f.engine.Transition(ctx, deal.TransitionRequest{
			DealID: d.ID, Target: models.DealStatusCreativeSubmitted, ActorType: models.ActorChannelOwner,
		})
		require.NoError(t, err)
	}

	_, err := f.engine.Transition(ctx, deal.TransitionRequest{
		DealID: d.ID, Target: models.DealStatusExpired, ActorType: models.ActorSystem,
	})
	assert.ErrorIs(t, err, deal.ErrInvalidTransition)
	var te *deal.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, models.DealStatusCreativeSubmitted, te.From)

	stored, _ := f.store.Deal(d.ID)
	assert.Equal(t, models.DealStatusCreativeSubmitted, stored.Status)
	assert.Equal(t, 4, stored.Version)
}

func TestTransition_ConcurrentCallersOneWinner(t *testing.T) {
	f := newFixture(t)
	d := f.seed(models.DealStatusFunded, 0)
	ctx := context.Background()

	targets := []deal.TransitionRequest{
		{DealID: d.ID, Target: models.DealStatusCancelled, ActorType: models.ActorAdvertiser},
		{DealID: d.ID, Target: models.DealStatusCancelled, ActorType: models.ActorPlatformOperator},
		{DealID: d.ID, Target: models.DealStatusExpired, ActorType: models.ActorSystem},
	}

	const perTarget = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for _, req := range targets {
		for i := 0; i < perTarget; i++ {
			wg.Add(1)
			go func(req deal.TransitionRequest) {
				defer wg.Done()
				res, err := f.engine.Transition(ctx, req)
				if err != nil {
					assert.ErrorIs(t, err, deal.ErrInvalidTransition)
					return
				}
				if res.Outcome == deal.OutcomeSuccess {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}(req)
		}
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	stored, _ := f.store.Deal(d.ID)
	assert.Equal(t, 1, stored.Version)
	assert.Len(t, f.store.Events(d.ID), 1)
	assert.Len(t, f.outbox.Rows(), 1)
}

// ---------------------------------------------------------------------------
// Engine.Create
// ---------------------------------------------------------------------------

func TestCreate_ComputesCommission(t *testing.T) {
	f := newFixture(t)
	d, err := f.engine.Create(context.Background(), deal.CreateParams{
		ChannelID:        -1001,
		AdvertiserID:     11,
		OwnerID:          22,
		AmountNano:       1_000_000_000,
		CommissionRateBp: 200,
	})
	require.NoError(t, err)
	assert.Equal(t, models.DealStatusDraft, d.Status)
	assert.Equal(t, 0, d.Version)
	assert.Equal(t, int64(20_000_000), d.CommissionNano)
	assert.Equal(t, int64(980_000_000), d.OwnerPayoutNano())

	evs := f.store.Events(d.ID)
	require.Len(t, evs, 1)
	assert.Equal(t, models.DealEventCreated, evs[0].EventType)
	assert.Nil(t, evs[0].FromStatus)
	assert.Empty(t, f.outbox.Rows())
}

func TestCreate_CommissionFloors(t *testing.T) {
	f := newFixture(t)
	d, err := f.engine.Create(context.Background(), deal.CreateParams{
		ChannelID: 1, AdvertiserID: 2, OwnerID: 3, AmountNano: 999, CommissionRateBp: 250,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(24), d.CommissionNano)
}

func TestCreate_Invalid(t *testing.T) {
	tests := []struct {
		name string
		p    deal.CreateParams
	}{
		{"zero amount", deal.CreateParams{ChannelID: 1, AdvertiserID: 2, OwnerID: 3}},
		{"negative amount", deal.CreateParams{ChannelID: 1, AdvertiserID: 2, OwnerID: 3, AmountNano: -5}},
		{"rate above 100%", deal.CreateParams{ChannelID: 1, AdvertiserID: 2, OwnerID: 3, AmountNano: 10, CommissionRateBp: 10_001}},
		{"missing owner", deal.CreateParams{ChannelID: 1, AdvertiserID: 2, AmountNano: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.engine.Create(context.Background(), tt.p)
			assert.ErrorIs(t, err, deal.ErrInvalidDeal)
			assert.Zero(t, f.store.Commits())
		})
	}
}
