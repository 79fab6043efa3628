// Package ledger is the double-entry book of record for escrowed funds.
//
// Every transfer is a balanced set of legs written under one tx_ref. Account
// balances are updated in the same transaction, in ascending account-id order,
// so overlapping transfers serialize on row locks without deadlocking.
package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lonmstalker/advert-market-sub000/internal/db"
	"github.com/lonmstalker/advert-market-sub000/internal/models"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Service is the ledger API other packages depend on.
type Service interface {
	Transfer(ctx context.Context, req TransferRequest) (uuid.UUID, error)
	GetBalance(ctx context.Context, accountID string) (int64, error)
	GetEntriesByDeal(ctx context.Context, dealID uuid.UUID) ([]models.LedgerEntry, error)
	GetEntriesByAccount(ctx context.Context, accountID, cursor string, limit int) (*Page, error)
}

type TransferRequest struct {
	DealID         *uuid.UUID
	IdempotencyKey string `validate:"required,max=255"`
	Legs           []Leg  `validate:"min=2,dive"`
	Description    string `validate:"max=1024"`
}

type Page struct {
	Entries    []models.LedgerEntry
	NextCursor string
	HasMore    bool
}

type Engine struct {
	db       db.TxBeginner
	store    Store
	cache    BalanceCache
	validate *validator.Validate
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewEngine(txb db.TxBeginner, store Store, cache BalanceCache, log logrus.FieldLogger) *Engine {
	return &Engine{
		db:       txb,
		store:    store,
		cache:    cache,
		validate: validator.New(),
		log:      log.WithField("component", "ledger"),
		now:      time.Now,
	}
}

var _ Service = (*Engine)(nil)

// Transfer records a balanced multi-leg transfer and returns its tx_ref.
// Repeating a call with the same idempotency key returns the original tx_ref
// and writes nothing.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (uuid.UUID, error) {
	if err := e.validate.Struct(req); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidTransfer, err)
	}
	if err := checkBalanced(req.Legs); err != nil {
		return uuid.Nil, err
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin transfer: %w", err)
	}
	defer tx.Rollback(ctx)

	txRef := uuid.New()
	claimed, err := e.store.ClaimKey(ctx, tx, req.IdempotencyKey, txRef)
	if err != nil {
		return uuid.Nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if !claimed {
		existing, err := e.store.LookupTxRef(ctx, tx, req.IdempotencyKey)
		if err != nil {
			return uuid.Nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
		e.log.WithFields(logrus.Fields{
			"idempotency_key": req.IdempotencyKey,
			"tx_ref":          existing,
		}).Debug("transfer already recorded")
		return existing, nil
	}

	accounts, deltas := aggregate(req.Legs)
	committed := make(map[string]int64, len(accounts))
	for _, acc := range accounts {
		b, err := e.store.ApplyDelta(ctx, tx, acc, deltas[acc], IsContra(acc))
		if err != nil {
			return uuid.Nil, fmt.Errorf("apply delta to %s: %w", acc, err)
		}
		committed[acc] = b.Version
	}

	createdAt := e.now().UTC()
	entries := make([]models.LedgerEntry, len(req.Legs))
	for i, leg := range req.Legs {
		entry := models.LedgerEntry{
			ID:             uuid.New(),
			TxRef:          txRef,
			IdempotencyKey: req.IdempotencyKey,
			DealID:         req.DealID,
			AccountID:      leg.AccountID,
			EntryType:      leg.EntryType,
			Description:    req.Description,
			CreatedAt:      createdAt,
		}
		if leg.Side == models.SideDebit {
			entry.DebitNano = leg.AmountNano
		} else {
			entry.CreditNano = leg.AmountNano
		}
		entries[i] = entry
	}
	if err := e.store.InsertEntries(ctx, tx, entries); err != nil {
		return uuid.Nil, fmt.Errorf("insert entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("commit transfer: %w", err)
	}

	// Evict only after commit. The eviction leaves the committed versions
	// behind, so a reader still holding an older balance cannot cache it.
	if err := e.cache.Evict(ctx, committed); err != nil {
		e.log.WithError(err).WithField("accounts", accounts).Warn("balance cache eviction failed")
	}

	e.log.WithFields(logrus.Fields{
		"tx_ref":          txRef,
		"idempotency_key": req.IdempotencyKey,
		"legs":            len(req.Legs),
	}).Info("transfer recorded")
	return txRef, nil
}

// GetBalance reads through the cache. Cache failures fall back to the store.
func (e *Engine) GetBalance(ctx context.Context, accountID string) (int64, error) {
	if v, ok, err := e.cache.Get(ctx, accountID); err != nil {
		e.log.WithError(err).WithField("account_id", accountID).Warn("balance cache read failed")
	} else if ok {
		return v, nil
	}

	b, err := e.store.GetBalance(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", accountID, err)
	}
	if err := e.cache.Set(ctx, accountID, b); err != nil {
		e.log.WithError(err).WithField("account_id", accountID).Warn("balance cache write failed")
	}
	return b.Nano, nil
}

func (e *Engine) GetEntriesByDeal(ctx context.Context, dealID uuid.UUID) ([]models.LedgerEntry, error) {
	return e.store.EntriesByDeal(ctx, dealID)
}

// GetEntriesByAccount pages newest-first. limit is clamped to [1, MaxPageSize]; 0 means DefaultPageSize.
func (e *Engine) GetEntriesByAccount(ctx context.Context, accountID, cursor string, limit int) (*Page, error) {
	after, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}

	entries, err := e.store.EntriesByAccount(ctx, accountID, after, limit+1)
	if err != nil {
		return nil, err
	}
	page := &Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.HasMore = true
		last := page.Entries[limit-1]
		page.NextCursor = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	return page, nil
}

// checkBalanced compares the two sides' totals. Leg amounts are positive, so
// a sum that would pass MaxInt64 is rejected rather than wrapped.
func checkBalanced(legs []Leg) error {
	var debit, credit int64
	for _, l := range legs {
		side := &credit
		if l.Side == models.SideDebit {
			side = &debit
		}
		if l.AmountNano > math.MaxInt64-*side {
			return fmt.Errorf("%w: %s total overflows", ErrInvalidTransfer, l.Side)
		}
		*side += l.AmountNano
	}
	if debit != credit {
		return fmt.Errorf("%w: debit %d != credit %d", ErrUnbalanced, debit, credit)
	}
	return nil
}

// aggregate nets legs per account and returns the accounts in lock order.
func aggregate(legs []Leg) ([]string, map[string]int64) {
	deltas := make(map[string]int64, len(legs))
	for _, l := range legs {
		deltas[l.AccountID] += l.delta()
	}
	accounts := make([]string, 0, len(deltas))
	for acc := range deltas {
		accounts = append(accounts, acc)
	}
	sort.Strings(accounts)
	return accounts, deltas
}
