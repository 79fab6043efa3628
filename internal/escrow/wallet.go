package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SubwalletAllocator hands out subwallet ids. Ids are never reused.
type SubwalletAllocator interface {
	NextSubwalletID(ctx context.Context) (int64, error)
}

// SequenceAllocator draws subwallet ids from deal_subwallet_seq.
type SequenceAllocator struct {
	pool *pgxpool.Pool
}

func NewSequenceAllocator(pool *pgxpool.Pool) *SequenceAllocator {
	return &SequenceAllocator{pool: pool}
}

func (a *SequenceAllocator) NextSubwalletID(ctx context.Context) (int64, error) {
	var id int64
	if err := a.pool.QueryRow(ctx, `SELECT nextval('deal_subwallet_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("allocate subwallet: %w", err)
	}
	return id, nil
}

// DerivedWallet issues one deposit address per deal as a subwallet of a single
// base wallet. Each call takes a fresh subwallet id, so two deals never share
// an address; the deal store keeps whichever address was assigned first.
type DerivedWallet struct {
	base string
	ids  SubwalletAllocator
}

func NewDerivedWallet(baseAddress string, ids SubwalletAllocator) (*DerivedWallet, error) {
	if baseAddress == "" {
		return nil, errors.New("escrow: base wallet address is required")
	}
	if ids == nil {
		return nil, errors.New("escrow: subwallet allocator is required")
	}
	return &DerivedWallet{base: baseAddress, ids: ids}, nil
}

func (w *DerivedWallet) GenerateDepositAddress(ctx context.Context, _ uuid.UUID, _ int64) (string, int64, error) {
	sub, err := w.ids.NextSubwalletID(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return SubwalletAddress(w.base, sub), sub, nil
}

// SubwalletAddress is the address of subwallet sub under base.
func SubwalletAddress(base string, sub int64) string {
	buf := make([]byte, 0, len(base)+8)
	buf = append(buf, base...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(sub))
	sum := sha256.Sum256(buf)
	return "EQ" + base64.RawURLEncoding.EncodeToString(sum[:])
}
