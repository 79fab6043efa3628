package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Well-known accounts.
const (
	// AccountExternalTON is the contra account for the on-chain settlement rail.
	AccountExternalTON = "EXTERNAL_TON"
	// AccountPlatformTreasury collects commission.
	AccountPlatformTreasury = "PLATFORM_TREASURY"

	externalPrefix     = "EXTERNAL:"
	escrowPrefix       = "ESCROW:"
	ownerPendingPrefix = "OWNER_PENDING:"
)

// EscrowAccount holds a single deal's funds.
func EscrowAccount(dealID uuid.UUID) string {
	return escrowPrefix + dealID.String()
}

// OwnerPendingAccount accrues an owner's released but not yet paid out funds.
func OwnerPendingAccount(ownerID int64) string {
	return fmt.Sprintf("%s%d", ownerPendingPrefix, ownerID)
}

// IsContra reports whether the account may carry a negative balance.
func IsContra(accountID string) bool {
	return accountID == AccountExternalTON || strings.HasPrefix(accountID, externalPrefix)
}
