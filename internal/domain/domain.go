package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformed marks a record that can never become valid.
var ErrMalformed = errors.New("malformed record")

type Status string

const (
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusTransitPrep Status = "transit_prep"
	StatusInTransit   Status = "in_transit"
	StatusDelivered   Status = "delivered"
	StatusCompleted   Status = "completed"
)

// rank orders statuses along the lifecycle. approved and rejected share a rank
// because they are mutually exclusive exits of pending.
var rank = map[Status]int{
	StatusPending:     0,
	StatusApproved:    1,
	StatusRejected:    1,
	StatusTransitPrep: 2,
	StatusInTransit:   3,
	StatusDelivered:   4,
	StatusCompleted:   5,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Rank returns the lifecycle position of s, -1 when unknown.
func (s Status) Rank() int {
	r, ok := rank[s]
	if !ok {
		return -1
	}
	return r
}

// Terminal reports whether no further transition is accepted.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusCompleted
}

type Kind string

const (
	KindRequested Kind = "reroute.requested"
	KindApproved  Kind = "reroute.approved"
	KindRejected  Kind = "reroute.rejected"
	KindInTransit Kind = "reroute.in_transit"
	KindDelivered Kind = "reroute.delivered"
	KindCompleted Kind = "reroute.completed"
)

var kindStatus = map[Kind]Status{
	KindRequested: StatusPending,
	KindApproved:  StatusTransitPrep,
	KindRejected:  StatusRejected,
	KindInTransit: StatusInTransit,
	KindDelivered: StatusDelivered,
	KindCompleted: StatusCompleted,
}

// Status returns the reroute status a notification of this kind announces.
func (k Kind) Status() (Status, bool) {
	s, ok := kindStatus[k]
	return s, ok
}

type Reroute struct {
	ID               string     `json:"id"`
	ProductID        string     `json:"product_id"`
	ProductName      string     `json:"product_name"`
	From             string     `json:"from"`
	To               string     `json:"to"`
	Quantity         int        `json:"quantity" minimum:"1"`
	Reason           string     `json:"reason,omitempty"`
	Status           Status     `json:"status" enum:"pending,approved,rejected,transit_prep,in_transit,delivered,completed"`
	Progress         int        `json:"progress" minimum:"0" maximum:"100"`
	RequestedAt      time.Time  `json:"requested_at" format:"date-time"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty" format:"date-time"`
	TransitStartedAt *time.Time `json:"transit_started_at,omitempty" format:"date-time"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty" format:"date-time"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" format:"date-time"`
	UpdatedAt        time.Time  `json:"updated_at" format:"date-time"`
}

// Counterpart returns the other warehouse of the reroute.
func (r Reroute) Counterpart(warehouse string) string {
	if warehouse == r.From {
		return r.To
	}
	return r.From
}

// Involves reports whether the warehouse is the source or the destination.
func (r Reroute) Involves(warehouse string) bool {
	return r.From == warehouse || r.To == warehouse
}

// Ahead reports whether r is further along its lifecycle than other.
func (r Reroute) Ahead(other Reroute) bool {
	if r.Status.Rank() != other.Status.Rank() {
		return r.Status.Rank() > other.Status.Rank()
	}
	return r.Progress > other.Progress
}

// Validate checks the structural invariants of a reroute record.
func (r Reroute) Validate() error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return fmt.Errorf("%w: reroute id required", ErrMalformed)
	case r.From == "" || r.To == "":
		return fmt.Errorf("%w: reroute %s: warehouses required", ErrMalformed, r.ID)
	case r.From == r.To:
		return fmt.Errorf("%w: reroute %s: source equals destination", ErrMalformed, r.ID)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: reroute %s: quantity must be positive", ErrMalformed, r.ID)
	case !r.Status.Valid():
		return fmt.Errorf("%w: reroute %s: unknown status %q", ErrMalformed, r.ID, r.Status)
	case r.Progress < 0 || r.Progress > 100:
		return fmt.Errorf("%w: reroute %s: progress %d out of range", ErrMalformed, r.ID, r.Progress)
	}
	switch r.Status {
	case StatusInTransit:
		if r.TransitStartedAt == nil {
			return fmt.Errorf("%w: reroute %s: in transit without start time", ErrMalformed, r.ID)
		}
	case StatusDelivered, StatusCompleted:
		if r.Progress != 100 {
			return fmt.Errorf("%w: reroute %s: %s with progress %d", ErrMalformed, r.ID, r.Status, r.Progress)
		}
	default:
		if r.Progress != 0 {
			return fmt.Errorf("%w: reroute %s: progress set while %s", ErrMalformed, r.ID, r.Status)
		}
	}
	stamps := []*time.Time{&r.RequestedAt, r.ApprovedAt, r.TransitStartedAt, r.DeliveredAt, r.CompletedAt}
	var last time.Time
	for _, ts := range stamps {
		if ts == nil {
			continue
		}
		if ts.Before(last) {
			return fmt.Errorf("%w: reroute %s: timestamps out of order", ErrMalformed, r.ID)
		}
		last = *ts
	}
	return nil
}

type Notification struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind" enum:"reroute.requested,reroute.approved,reroute.rejected,reroute.in_transit,reroute.delivered,reroute.completed"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	RerouteID string    `json:"reroute_id"`
	Target    string    `json:"target"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

func (n Notification) Validate() error {
	switch {
	case strings.TrimSpace(n.ID) == "":
		return fmt.Errorf("%w: notification id required", ErrMalformed)
	case n.RerouteID == "":
		return fmt.Errorf("%w: notification %s: reroute id required", ErrMalformed, n.ID)
	case n.Target == "":
		return fmt.Errorf("%w: notification %s: target required", ErrMalformed, n.ID)
	}
	if _, ok := n.Kind.Status(); !ok {
		return fmt.Errorf("%w: notification %s: unknown kind %q", ErrMalformed, n.ID, n.Kind)
	}
	return nil
}

type Warehouse struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}
