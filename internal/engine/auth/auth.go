package auth

import (
	"errors"
	"fmt"

	"rerouteline/internal/domain"
)

type Action string

const (
	ActionCreate       Action = "create"
	ActionApprove      Action = "approve"
	ActionReject       Action = "reject"
	ActionPrepare      Action = "prepare"
	ActionStartTransit Action = "start_transit"
	ActionDeliver      Action = "deliver"
	ActionConfirm      Action = "confirm_delivery"
)

// System is the acting identity of automatic transitions.
const System = "system"

var ErrUnauthorized = errors.New("unauthorized")

// UnauthorizedError indicates the acting warehouse may not perform the action.
type UnauthorizedError struct {
	Action   Action
	Acting   string
	Required string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("%s requires warehouse %s, got %s", e.Action, e.Required, e.Acting)
}

func (e UnauthorizedError) Unwrap() error { return ErrUnauthorized }

// RequiredActor returns who may perform action on r: a warehouse id or System.
func RequiredActor(action Action, r domain.Reroute) string {
	switch action {
	case ActionCreate, ActionStartTransit:
		return r.From
	case ActionApprove, ActionReject, ActionConfirm:
		return r.To
	default:
		return System
	}
}

// Owner returns the node that executes action for r. Automatic transitions run
// on the source node, which holds the in-transit record.
func Owner(action Action, r domain.Reroute) string {
	if actor := RequiredActor(action, r); actor != System {
		return actor
	}
	return r.From
}

// Authorize checks acting against the transition's authorized actor and the
// node executing it.
func Authorize(action Action, r domain.Reroute, acting, node string) error {
	required := RequiredActor(action, r)
	if acting != required {
		return UnauthorizedError{Action: action, Acting: acting, Required: required}
	}
	if owner := Owner(action, r); node != owner {
		return UnauthorizedError{Action: action, Acting: node, Required: owner}
	}
	return nil
}
