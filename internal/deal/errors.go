package deal

import (
	"errors"
	"fmt"

	"github.com/lonmstalker/advert-market-sub000/internal/models"
)

var (
	ErrNotFound             = errors.New("deal not found")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrActorNotAllowed      = errors.New("actor not allowed for transition")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidDeal          = errors.New("invalid deal")
)

// TransitionError carries the edge that was rejected.
type TransitionError struct {
	From  models.DealStatus
	To    models.DealStatus
	Actor models.ActorType
	Err   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s -> %s by %s: %v", e.From, e.To, e.Actor, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }
