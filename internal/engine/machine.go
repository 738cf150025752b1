package engine

import (
	"time"

	"rerouteline/internal/domain"
	"rerouteline/internal/engine/auth"
)

var transitions = map[domain.Status]map[auth.Action]domain.Status{
	domain.StatusPending: {
		auth.ActionApprove: domain.StatusApproved,
		auth.ActionReject:  domain.StatusRejected,
	},
	domain.StatusApproved: {
		auth.ActionPrepare: domain.StatusTransitPrep,
	},
	domain.StatusTransitPrep: {
		auth.ActionStartTransit: domain.StatusInTransit,
	},
	domain.StatusInTransit: {
		auth.ActionDeliver: domain.StatusDelivered,
	},
	domain.StatusDelivered: {
		auth.ActionConfirm: domain.StatusCompleted,
	},
}

// Next returns the status action leads to from s.
func Next(s domain.Status, action auth.Action) (domain.Status, error) {
	next, ok := transitions[s][action]
	if !ok {
		return "", TransitionError{From: s, Action: action}
	}
	return next, nil
}

// Apply returns a copy of r advanced by action at now. r is not modified.
// Timestamps never go backwards: now is clamped to the latest stamp on r.
func Apply(r domain.Reroute, action auth.Action, now time.Time) (domain.Reroute, error) {
	next, err := Next(r.Status, action)
	if err != nil {
		return r, TransitionError{ID: r.ID, From: r.Status, Action: action}
	}
	at := now.UTC()
	if latest := latestStamp(r); at.Before(latest) {
		at = latest
	}
	out := r
	out.Status = next
	out.UpdatedAt = at
	switch action {
	case auth.ActionApprove:
		out.ApprovedAt = &at
	case auth.ActionStartTransit:
		out.TransitStartedAt = &at
		out.Progress = 0
	case auth.ActionDeliver:
		out.DeliveredAt = &at
		out.Progress = 100
	case auth.ActionConfirm:
		out.CompletedAt = &at
	}
	return out, nil
}

func latestStamp(r domain.Reroute) time.Time {
	latest := r.RequestedAt
	for _, ts := range []*time.Time{r.ApprovedAt, r.TransitStartedAt, r.DeliveredAt, r.CompletedAt} {
		if ts != nil && ts.After(latest) {
			latest = *ts
		}
	}
	return latest
}

// Progress is the transit completion percentage at now, floor(min(100, elapsed/total*100)).
func Progress(startedAt, now time.Time, total time.Duration) int {
	if total <= 0 {
		return 100
	}
	elapsed := now.Sub(startedAt)
	if elapsed <= 0 {
		return 0
	}
	if elapsed >= total {
		return 100
	}
	return int(elapsed * 100 / total)
}
