package deal_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lonmstalker/advert-market-sub000/internal/deal"
	"github.com/lonmstalker/advert-market-sub000/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type fakeWallet struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (w *fakeWallet) GenerateDepositAddress(_ context.Context, dealID uuid.UUID, _ int64) (string, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.err != nil {
		return "", 0, w.err
	}
	return "EQ-deposit-" + dealID.String()[:8], int64(w.calls), nil
}

type fakeDirectory struct {
	owners map[int64]int64
}

func (d fakeDirectory) ChannelOwner(_ context.Context, channelID int64) (int64, error) {
	owner, ok := d.owners[channelID]
	if !ok {
		return 0, errors.New("unknown channel")
	}
	return owner, nil
}

func newService(f *fixture, wallet *fakeWallet, dir fakeDirectory) *deal.Service {
	return deal.NewService(f.engine, f.store, wallet, dir, quietLogger())
}

// ---------------------------------------------------------------------------
// Accept
// ---------------------------------------------------------------------------

func TestAccept_ChainsToAwaitingPaymentWithAddress(t *testing.T) {
	f := newFixture(t)
	wallet := &fakeWallet{}
	svc := newService(f, wallet, fakeDirectory{})
	d := f.seed(models.DealStatusOfferPending, 1)

	got, err := svc.Accept(context.Background(), d.ID, d.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, models.DealStatusAwaitingPayment, got.Status)
	require.NotNil(t, got.DepositAddress)
	assert.Equal(t, 1, wallet.calls)

	evs := f.store.Events(d.ID)
	require.Len(t, evs, 2)
	assert.Equal(t, models.DealStatusAccepted, evs[0].ToStatus)
	assert.Equal(t, models.ActorChannelOwner, evs[0].ActorType)
	assert.Equal(t, models.DealStatusAwaitingPayment, evs[1].ToStatus)
	assert.Equal(t, models.ActorSystem, evs[1].ActorType)
}

func TestAccept_RetryResumes(t *testing.T) {
	f := newFixture(t)
	wallet := &fakeWallet{err: errors.New("wallet down")}
	svc := newService(f, wallet, fakeDirectory{})
	d := f.seed(models.DealStatusNegotiating, 1)
	ctx := context.Background()

	_, err := svc.Accept(ctx, d.ID, d.OwnerID)
	require.Error(t, err)
	stored, _ := f.store.Deal(d.ID)
	assert.Equal(t, models.DealStatusAwaitingPayment, stored.Status)
	assert.Nil(t, stored.DepositAddress)

	wallet.err = nil
	got, err := svc.Accept(ctx, d.ID, d.OwnerID)
	require.NoError(t, err)
	require.NotNil(t, got.DepositAddress)
	assert.Len(t, f.store.Events(d.ID), 2)
}

func TestAccept_WrongOwner(t *testing.T) {
	f := newFixture(t)
	svc := newService(f, &fakeWallet{}, fakeDirectory{})
	d := f.seed(models.DealStatusOfferPending, 1)

	_, err := svc.Accept(context.Background(), d.ID, 999)
	assert.ErrorIs(t, err, deal.ErrActorNotAllowed)
	stored, _ := f.store.Deal(d.ID)
	assert.Equal(t, models.DealStatusOfferPending, stored.Status)
}

// ---------------------------------------------------------------------------
// EnsureDepositAddress
// ---------------------------------------------------------------------------

func TestEnsureDepositAddress_GeneratesOnce(t *testing.T) {
	f := newFixture(t)
	wallet := &fakeWallet{}
	svc := newService(f, wallet, fakeDirectory{})
	d := f.seed(models.DealStatusAwaitingPayment, 4)
	ctx := context.Background()

	first, err := svc.EnsureDepositAddress(ctx, d.ID)
	require.NoError(t, err)
	second, err := svc.EnsureDepositAddress(ctx, d.ID)
	require.NoError(t, err)

	assert.Equal(t, *first.DepositAddress, *second.DepositAddress)
	assert.Equal(t, *first.SubwalletID, *second.SubwalletID)
	assert.Equal(t, 1, wallet.calls)
	stored, _ := f.store.Deal(d.ID)
	assert.Equal(t, 4, stored.Version, "address patch must not bump version")
}

func TestEnsureDepositAddress_SkipsOtherStatuses(t *testing.T) {
	f := newFixture(t)
	wallet := &fakeWallet{}
	svc := newService(f, wallet, fakeDirectory{})
	d := f.seed(models.DealStatusFunded, 4)

	got, err := svc.EnsureDepositAddress(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DepositAddress)
	assert.Zero(t, wallet.calls)
}

// ---------------------------------------------------------------------------
// Owner reassignment
// ---------------------------------------------------------------------------

func TestSyncOwner(t *testing.T) {
	f := newFixture(t)
	d := f.seed(models.DealStatusCreativeApproved, 5)
	svc := newService(f, &fakeWallet{}, fakeDirectory{owners: map[int64]int64{d.ChannelID: 77}})

	moved, err := svc.SyncOwner(context.Background(), d.ID)
	require.NoError(t, err)
	assert.True(t, moved)
	stored, _ := f.store.Deal(d.ID)
	assert.Equal(t, int64(77), stored.OwnerID)
	assert.Equal(t, 5, stored.Version)

	moved, err = svc.SyncOwner(context.Background(), d.ID)
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestSyncOwner_TerminalUntouched(t *testing.T) {
	f := newFixture(t)
	d := f.seed(models.DealStatusCompletedReleased, 12)
	svc := newService(f, &fakeWallet{}, fakeDirectory{owners: map[int64]int64{d.ChannelID: 77}})

	moved, err := svc.SyncOwner(context.Background(), d.ID)
	require.NoError(t, err)
	assert.False(t, moved)
	stored, _ := f.store.Deal(d.ID)
	assert.Equal(t, int64(22), stored.OwnerID)
}

func TestSyncChannelOwner(t *testing.T) {
	f := newFixture(t)
	live1 := f.seed(models.DealStatusOfferPending, 1)
	live2 := f.seed(models.DealStatusScheduled, 7)
	done := f.seed(models.DealStatusRefunded, 9)
	svc := newService(f, &fakeWallet{}, fakeDirectory{})

	moved, err := svc.SyncChannelOwner(context.Background(), live1.ChannelID, 55)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	for _, id := range []uuid.UUID{live1.ID, live2.ID} {
		stored, _ := f.store.Deal(id)
		assert.Equal(t, int64(55), stored.OwnerID)
	}
	stored, _ := f.store.Deal(done.ID)
	assert.Equal(t, int64(22), stored.OwnerID)
}

// ---------------------------------------------------------------------------
// Pass-throughs
// ---------------------------------------------------------------------------

func TestSubmitCreative(t *testing.T) {
	f := newFixture(t)
	svc := newService(f, &fakeWallet{}, fakeDirectory{})
	d := f.seed(models.DealStatusFunded, 5)

	_, err := svc.SubmitCreative(context.Background(), d.ID, d.OwnerID, &models.Creative{})
	assert.ErrorIs(t, err, deal.ErrMissingRequiredField)

	res, err := svc.SubmitCreative(context.Background(), d.ID, d.OwnerID, &models.Creative{Text: "Buy now"})
	require.NoError(t, err)
	assert.Equal(t, models.DealStatusCreativeSubmitted, res.Status)
	stored, _ := f.store.Deal(d.ID)
	assert.Equal(t, "Buy now", stored.Creative.Text)
}

func TestSchedule(t *testing.T) {
	f := newFixture(t)
	svc := newService(f, &fakeWallet{}, fakeDirectory{})
	d := f.seed(models.DealStatusCreativeApproved, 8)
	at := time.Date(2026, 4, 2, 18, 0, 0, 0, time.UTC)

	res, err := svc.Schedule(context.Background(), d.ID, d.OwnerID, at)
	require.NoError(t, err)
	assert.Equal(t, models.DealStatusScheduled, res.Status)
	stored, _ := f.store.Deal(d.ID)
	assert.True(t, stored.ScheduledAt.Equal(at))
}

func TestMarkPublished(t *testing.T) {
	f := newFixture(t)
	svc := newService(f, &fakeWallet{}, fakeDirectory{})
	d := f.seed(models.DealStatusScheduled, 9)
	at := time.Date(2026, 4, 2, 18, 0, 5, 0, time.UTC)

	_, err := svc.MarkPublished(context.Background(), d.ID, 0, "", at)
	assert.ErrorIs(t, err, deal.ErrMissingRequiredField)

	res, err := svc.MarkPublished(context.Background(), d.ID, 4242, "sha256:abc", at)
	require.NoError(t, err)
	assert.Equal(t, models.DealStatusPublished, res.Status)
	stored, _ := f.store.Deal(d.ID)
	assert.Equal(t, int64(4242), *stored.MessageID)
	assert.Equal(t, "sha256:abc", *stored.ContentHash)
}
