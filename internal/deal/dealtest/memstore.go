// Package dealtest provides in-memory stand-ins for the deal store and the
// outbox, for tests of the engine and of the packages built on it.
package dealtest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lonmstalker/advert-market-sub000/internal/deal"
	"github.com/lonmstalker/advert-market-sub000/internal/models"
)

// Store is an in-memory deal.Store and db.TxBeginner.
//
// Status swaps take effect immediately, as a row lock would serialize them,
// and are undone on rollback. Events and anything registered with OnCommit
// become visible on commit.
type Store struct {
	mu     sync.Mutex
	deals  map[uuid.UUID]*models.Deal
	events []models.DealEvent

	// BeforeCAS, when set, runs before every status swap with the lock released.
	BeforeCAS func(u deal.CASUpdate)
	// CommitErr, when set, fails every commit.
	CommitErr error

	commits   int
	rollbacks int
}

func NewStore() *Store {
	return &Store{deals: make(map[uuid.UUID]*models.Deal)}
}

var _ deal.Store = (*Store)(nil)

// Put stores a copy of d as is.
func (s *Store) Put(d models.Deal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := d
	s.deals[d.ID] = &cp
}

// Deal returns a copy of the stored deal.
func (s *Store) Deal(id uuid.UUID) (models.Deal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[id]
	if !ok {
		return models.Deal{}, false
	}
	return *d, true
}

// Events returns every committed event for the deal.
func (s *Store) Events(id uuid.UUID) []models.DealEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DealEvent
	for _, ev := range s.events {
		if ev.DealID == id {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *Store) Rollbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbacks
}

func (s *Store) Begin(context.Context) (pgx.Tx, error) {
	return &Tx{store: s}, nil
}

func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[id]
	if !ok {
		return nil, deal.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) Insert(_ context.Context, tx pgx.Tx, d *models.Deal) error {
	cp := *d
	t := tx.(*Tx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deals[cp.ID]; ok {
		return errors.New("duplicate deal id")
	}
	s.deals[cp.ID] = &cp
	t.undo = append(t.undo, func() { delete(s.deals, cp.ID) })
	return nil
}

func (s *Store) CompareAndSwapStatus(_ context.Context, tx pgx.Tx, u deal.CASUpdate) (bool, error) {
	if s.BeforeCAS != nil {
		s.BeforeCAS(u)
	}
	t := tx.(*Tx)
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[u.DealID]
	if !ok || d.Status != u.From || d.Version != u.ExpectedVersion {
		return false, nil
	}
	prev := *d
	d.Status = u.To
	d.Version++
	d.UpdatedAt = u.At
	if u.CancellationReason != nil {
		d.CancellationReason = u.CancellationReason
	}
	if u.PartialRefundNano != nil {
		d.PartialRefundNano = u.PartialRefundNano
	}
	if u.PartialPayoutNano != nil {
		d.PartialPayoutNano = u.PartialPayoutNano
	}
	t.undo = append(t.undo, func() { *s.deals[u.DealID] = prev })
	return true, nil
}

func (s *Store) AppendEvent(_ context.Context, tx pgx.Tx, ev *models.DealEvent) error {
	cp := *ev
	tx.(*Tx).OnCommit(func() { s.events = append(s.events, cp) })
	return nil
}

func (s *Store) ListEvents(_ context.Context, dealID uuid.UUID) ([]models.DealEvent, error) {
	return s.Events(dealID), nil
}

func (s *Store) UpdateDeadline(_ context.Context, tx pgx.Tx, id uuid.UUID, deadline *time.Time) error {
	tx.(*Tx).OnCommit(func() {
		if d, ok := s.deals[id]; ok {
			d.Deadline = deadline
		}
	})
	return nil
}

func (s *Store) SetDepositAddress(_ context.Context, id uuid.UUID, address string, subwalletID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[id]
	if !ok || d.DepositAddress != nil {
		return false, nil
	}
	d.DepositAddress = &address
	d.SubwalletID = &subwalletID
	return true, nil
}

func (s *Store) SetCreative(_ context.Context, id uuid.UUID, c *models.Creative) error {
	return s.patch(id, func(d *models.Deal) { d.Creative = c })
}

func (s *Store) SetSchedule(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.patch(id, func(d *models.Deal) { d.ScheduledAt = &at })
}

func (s *Store) SetPublication(_ context.Context, id uuid.UUID, messageID int64, contentHash string, publishedAt time.Time) error {
	return s.patch(id, func(d *models.Deal) {
		d.MessageID = &messageID
		d.ContentHash = &contentHash
		d.PublishedAt = &publishedAt
	})
}

func (s *Store) patch(id uuid.UUID, fn func(*models.Deal)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[id]
	if !ok {
		return deal.ErrNotFound
	}
	fn(d)
	return nil
}

func (s *Store) RecordRefund(_ context.Context, id uuid.UUID, txHash string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[id]
	if !ok || d.RefundTxHash != nil {
		return false, nil
	}
	d.RefundTxHash = &txHash
	d.RefundedAt = &at
	return true, nil
}

func (s *Store) RecordPayout(_ context.Context, id uuid.UUID, txHash string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[id]
	if !ok || d.PayoutTxHash != nil {
		return false, nil
	}
	d.PayoutTxHash = &txHash
	d.PaidOutAt = &at
	return true, nil
}

func (s *Store) ReassignOwner(_ context.Context, id uuid.UUID, oldOwnerID, newOwnerID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[id]
	if !ok || d.OwnerID != oldOwnerID || d.Status.IsTerminal() {
		return false, nil
	}
	d.OwnerID = newOwnerID
	return true, nil
}

func (s *Store) ListActiveByChannel(_ context.Context, channelID int64) ([]models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Deal
	for _, d := range s.deals {
		if d.ChannelID == channelID && !d.Status.IsTerminal() {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *Store) FindExpired(_ context.Context, now time.Time, limit int) ([]models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Deal
	for _, d := range s.deals {
		if d.Deadline != nil && !d.Deadline.After(now) && !d.Status.IsTerminal() {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(*out[j].Deadline) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Tx satisfies pgx.Tx. Savepoints share the parent transaction.
type Tx struct {
	store    *Store
	undo     []func()
	onCommit []func()
	done     bool
}

// OnCommit registers fn to run, under the store lock, when the transaction commits.
func (t *Tx) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	if t.store.CommitErr != nil {
		t.rollback()
		return t.store.CommitErr
	}
	t.done = true
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fn := range t.onCommit {
		fn()
	}
	s.commits++
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.rollback()
	return nil
}

func (t *Tx) rollback() {
	t.done = true
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	s.rollbacks++
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }
