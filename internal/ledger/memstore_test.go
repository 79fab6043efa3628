package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lonmstalker/advert-market-sub000/internal/models"
)

// ---------------------------------------------------------------------------
// memStore is an in-memory Store with row-lock semantics: an account or key
// touched by an open transaction stays locked until Commit or Rollback, the
// way Postgres holds row locks taken by UPDATE / INSERT ... ON CONFLICT.
// ---------------------------------------------------------------------------

type memStore struct {
	mu       sync.Mutex
	rowLocks map[string]*sync.Mutex
	keys     map[string]uuid.UUID
	balances map[string]int64
	versions map[string]int64
	entries  []models.LedgerEntry
	journal  []string
}

func newMemStore() *memStore {
	return &memStore{
		rowLocks: make(map[string]*sync.Mutex),
		keys:     make(map[string]uuid.UUID),
		balances: make(map[string]int64),
		versions: make(map[string]int64),
	}
}

func (m *memStore) lockRow(tx *memTx, name string) {
	if _, held := tx.held[name]; held {
		return
	}
	m.mu.Lock()
	l, ok := m.rowLocks[name]
	if !ok {
		l = &sync.Mutex{}
		m.rowLocks[name] = l
	}
	m.mu.Unlock()
	l.Lock()
	tx.held[name] = l
}

func (m *memStore) Begin(context.Context) (pgx.Tx, error) {
	return &memTx{
		store:  m,
		held:   make(map[string]*sync.Mutex),
		keys:   make(map[string]uuid.UUID),
		deltas: make(map[string]int64),
	}, nil
}

func (m *memStore) ClaimKey(_ context.Context, tx pgx.Tx, key string, txRef uuid.UUID) (bool, error) {
	t := tx.(*memTx)
	m.lockRow(t, "key:"+key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	t.keys[key] = txRef
	return true, nil
}

func (m *memStore) LookupTxRef(_ context.Context, _ pgx.Tx, key string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.keys[key]
	if !ok {
		return uuid.Nil, pgx.ErrNoRows
	}
	return ref, nil
}

func (m *memStore) ApplyDelta(_ context.Context, tx pgx.Tx, accountID string, delta int64, allowNegative bool) (Balance, error) {
	t := tx.(*memTx)
	m.lockRow(t, "acct:"+accountID)
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.balances[accountID] + t.deltas[accountID] + delta
	if delta < 0 && !allowNegative && next < 0 {
		return Balance{}, &InsufficientBalanceError{AccountID: accountID, Delta: delta}
	}
	t.deltas[accountID] += delta
	t.touched = append(t.touched, accountID)
	return Balance{Nano: next, Version: m.versions[accountID] + 1}, nil
}

func (m *memStore) InsertEntries(_ context.Context, tx pgx.Tx, entries []models.LedgerEntry) error {
	t := tx.(*memTx)
	t.entries = append(t.entries, entries...)
	return nil
}

func (m *memStore) GetBalance(_ context.Context, accountID string) (Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Balance{Nano: m.balances[accountID], Version: m.versions[accountID]}, nil
}

func (m *memStore) EntriesByDeal(_ context.Context, dealID uuid.UUID) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range m.entries {
		if e.DealID != nil && *e.DealID == dealID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) EntriesByAccount(_ context.Context, accountID string, after *Cursor, limit int) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	var matched []models.LedgerEntry
	for _, e := range m.entries {
		if e.AccountID == accountID {
			matched = append(matched, e)
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return entryAfter(matched[i], matched[j]) })
	var out []models.LedgerEntry
	for _, e := range matched {
		if after != nil && !entryAfter(models.LedgerEntry{CreatedAt: after.CreatedAt, ID: after.ID}, e) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// entryAfter orders by (created_at, id) descending.
func entryAfter(a, b models.LedgerEntry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID.String() > b.ID.String()
}

func (m *memStore) balance(accountID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[accountID]
}

func (m *memStore) version(accountID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[accountID]
}

func (m *memStore) allEntries() []models.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.LedgerEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *memStore) record(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = append(m.journal, event)
}

func (m *memStore) events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.journal...)
}

// --- memTx satisfies pgx.Tx; staged writes become visible on Commit. ---

type memTx struct {
	store   *memStore
	held    map[string]*sync.Mutex
	keys    map[string]uuid.UUID
	deltas  map[string]int64
	touched []string
	entries []models.LedgerEntry
	done    bool
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	m := t.store
	m.mu.Lock()
	for k, ref := range t.keys {
		m.keys[k] = ref
	}
	for acc, d := range t.deltas {
		m.balances[acc] += d
	}
	for _, acc := range t.touched {
		m.versions[acc]++
	}
	m.entries = append(m.entries, t.entries...)
	m.journal = append(m.journal, "commit")
	m.mu.Unlock()
	t.release()
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.release()
	return nil
}

func (t *memTx) release() {
	t.done = true
	for _, l := range t.held {
		l.Unlock()
	}
	t.held = nil
}

func (t *memTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *memTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *memTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *memTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *memTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *memTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *memTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *memTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *memTx) Conn() *pgx.Conn { return nil }

// --- memCache is a versioned BalanceCache that journals evictions into the store. ---

type memCache struct {
	mu       sync.Mutex
	store    *memStore
	values   map[string]int64
	versions map[string]int64
	getErr   error
	getHits  int
}

func newMemCache(store *memStore) *memCache {
	return &memCache{store: store, values: make(map[string]int64), versions: make(map[string]int64)}
}

func (c *memCache) Get(_ context.Context, accountID string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return 0, false, c.getErr
	}
	v, ok := c.values[accountID]
	if ok {
		c.getHits++
	}
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, accountID string, b Balance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seen, ok := c.versions[accountID]; ok && b.Version < seen {
		return nil
	}
	c.values[accountID] = b.Nano
	c.versions[accountID] = b.Version
	return nil
}

func (c *memCache) Evict(_ context.Context, versions map[string]int64) error {
	c.mu.Lock()
	for id, v := range versions {
		if seen, ok := c.versions[id]; !ok || v >= seen {
			delete(c.values, id)
			c.versions[id] = v
		}
	}
	c.mu.Unlock()
	for id := range versions {
		c.store.record("evict:" + id)
	}
	return nil
}

func (c *memCache) hits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getHits
}

// fixedClock returns successive instants one millisecond apart.
func fixedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(time.Millisecond)
		return t
	}
}
