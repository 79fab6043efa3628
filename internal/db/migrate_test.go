package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations_OrderedAndComplete(t *testing.T) {
	ms, err := Migrations()
	require.NoError(t, err)
	require.Len(t, ms, 5)

	for i, m := range ms {
		assert.Equal(t, i+1, m.Version, m.Name)
		assert.NotEmpty(t, strings.TrimSpace(m.SQL), m.Name)
	}
}

func TestMigrations_LedgerIsAppendOnly(t *testing.T) {
	ms, err := Migrations()
	require.NoError(t, err)

	var ledger string
	for _, m := range ms {
		if strings.Contains(m.Name, "ledger") {
			ledger = m.SQL
		}
	}
	require.NotEmpty(t, ledger)
	assert.Contains(t, ledger, "BEFORE UPDATE OR DELETE ON ledger_entries")
	assert.Contains(t, ledger, "ledger_entries_one_side")
	assert.Contains(t, ledger, "ledger_idempotency_keys")
}

func TestMigrations_DepositAddressesAreUnique(t *testing.T) {
	ms, err := Migrations()
	require.NoError(t, err)

	var all strings.Builder
	for _, m := range ms {
		all.WriteString(m.SQL)
	}
	assert.Contains(t, all.String(), "CREATE SEQUENCE IF NOT EXISTS deal_subwallet_seq")
	assert.Contains(t, all.String(), "ON deals (subwallet_id)")
	assert.Contains(t, all.String(), "ON deals (deposit_address)")
}
