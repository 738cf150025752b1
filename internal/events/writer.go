package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rerouteline/internal/domain"
	"rerouteline/internal/eventlog"
)

// Writer turns reroute transitions into notifications on the shared log.
type Writer struct {
	Log    eventlog.Log
	Origin string
	NewID  func() string
}

func (w Writer) newID() string {
	if w.NewID != nil {
		return w.NewID()
	}
	return uuid.Must(uuid.NewV7()).String()
}

// Append builds the notification for kind and appends it to the log.
func (w Writer) Append(ctx context.Context, kind domain.Kind, r domain.Reroute, target string, at time.Time) (domain.Notification, error) {
	n := Build(w.newID(), kind, r, target, at)
	if w.Log == nil {
		return n, fmt.Errorf("event log not configured")
	}
	if err := w.Log.Append(ctx, eventlog.Entry{Origin: w.Origin, Notification: n}); err != nil {
		return n, fmt.Errorf("append %s for reroute %s: %w", kind, r.ID, err)
	}
	return n, nil
}

// Build renders the notification text for a transition.
func Build(id string, kind domain.Kind, r domain.Reroute, target string, at time.Time) domain.Notification {
	title, msg := text(kind, r)
	return domain.Notification{
		ID:        id,
		Kind:      kind,
		Title:     title,
		Message:   msg,
		RerouteID: r.ID,
		Target:    target,
		CreatedAt: at.UTC(),
	}
}

func text(kind domain.Kind, r domain.Reroute) (string, string) {
	goods := fmt.Sprintf("%d x %s", r.Quantity, productLabel(r))
	switch kind {
	case domain.KindRequested:
		msg := fmt.Sprintf("%s requests %s", r.From, goods)
		if r.Reason != "" {
			msg += " (" + r.Reason + ")"
		}
		return "Reroute requested", msg
	case domain.KindApproved:
		return "Reroute approved", fmt.Sprintf("%s approved %s; ready for transit", r.To, goods)
	case domain.KindRejected:
		return "Reroute rejected", fmt.Sprintf("%s rejected %s", r.To, goods)
	case domain.KindInTransit:
		return "Reroute in transit", fmt.Sprintf("%s left %s for %s", goods, r.From, r.To)
	case domain.KindDelivered:
		return "Reroute delivered", fmt.Sprintf("%s arrived at %s; confirm receipt", goods, r.To)
	case domain.KindCompleted:
		return "Reroute completed", fmt.Sprintf("%s confirmed receipt of %s", r.To, goods)
	default:
		return string(kind), goods
	}
}

func productLabel(r domain.Reroute) string {
	if r.ProductName != "" {
		return r.ProductName
	}
	return r.ProductID
}
