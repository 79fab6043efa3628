package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransfer     = errors.New("invalid transfer")
	ErrUnbalanced          = errors.New("transfer legs are unbalanced")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidCursor       = errors.New("invalid cursor")
)

// InsufficientBalanceError names the account that would have gone negative.
type InsufficientBalanceError struct {
	AccountID string
	Delta     int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s for delta %d", e.AccountID, e.Delta)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }
