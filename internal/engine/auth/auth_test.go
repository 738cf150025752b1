package auth

import (
	"errors"
	"testing"

	"rerouteline/internal/domain"
)

func TestAuthorize(t *testing.T) {
	r := domain.Reroute{ID: "r1", From: "south", To: "east"}
	cases := []struct {
		action Action
		acting string
		node   string
		ok     bool
	}{
		{ActionCreate, "south", "south", true},
		{ActionCreate, "east", "east", false},
		{ActionApprove, "east", "east", true},
		{ActionApprove, "south", "south", false},
		{ActionReject, "east", "east", true},
		{ActionStartTransit, "south", "south", true},
		{ActionStartTransit, "east", "east", false},
		{ActionConfirm, "east", "east", true},
		{ActionConfirm, "south", "south", false},
		{ActionDeliver, System, "south", true},
		{ActionDeliver, System, "east", false},
		{ActionDeliver, "south", "south", false},
		// claimed identity is right but the request reached the wrong node
		{ActionApprove, "east", "south", false},
	}
	for _, tc := range cases {
		err := Authorize(tc.action, r, tc.acting, tc.node)
		if tc.ok && err != nil {
			t.Fatalf("%s by %s on %s: %v", tc.action, tc.acting, tc.node, err)
		}
		if !tc.ok && !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%s by %s on %s: expected unauthorized, got %v", tc.action, tc.acting, tc.node, err)
		}
	}
}
