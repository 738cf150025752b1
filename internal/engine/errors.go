package engine

import (
	"errors"
	"fmt"

	"rerouteline/internal/domain"
	"rerouteline/internal/engine/auth"
	"rerouteline/internal/repo"
)

var (
	ErrNotFound          = repo.ErrNotFound
	ErrUnauthorized      = auth.ErrUnauthorized
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidQuantity   = errors.New("quantity must be a positive integer")
	ErrSameWarehouse     = errors.New("source and destination warehouse must differ")
	ErrUnknownWarehouse  = errors.New("unknown warehouse")
	ErrInvalidInput      = errors.New("invalid input")
)

// TransitionError reports a move the state machine does not allow.
type TransitionError struct {
	ID     string
	From   domain.Status
	Action auth.Action
}

func (e TransitionError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid reroute transition: %s from %s", e.Action, e.From)
	}
	return fmt.Sprintf("invalid reroute transition for %s: %s from %s", e.ID, e.Action, e.From)
}

func (e TransitionError) Unwrap() error { return ErrInvalidTransition }

// IsRetryable reports errors that may clear once replication catches up.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotFound)
}
