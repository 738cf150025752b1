package events

import (
	"context"
	"testing"
	"time"

	"rerouteline/internal/domain"
	"rerouteline/internal/eventlog"
)

func TestAppendPublishesNotification(t *testing.T) {
	log := eventlog.NewMemory()
	w := Writer{Log: log, Origin: "south", NewID: func() string { return "n-1" }}
	r := domain.Reroute{ID: "r-1", ProductID: "sku-9", ProductName: "Pallet jack", From: "south", To: "east", Quantity: 50, Reason: "rebalancing"}
	at := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	n, err := w.Append(context.Background(), domain.KindRequested, r, "east", at)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if n.Message != "south requests 50 x Pallet jack (rebalancing)" {
		t.Fatalf("message %q", n.Message)
	}
	entries := log.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries %d", len(entries))
	}
	if entries[0].Origin != "south" || entries[0].Target() != "east" || entries[0].Notification.ID != "n-1" {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
	if n.Read {
		t.Fatalf("new notifications are unread")
	}
}

func TestBuildTitles(t *testing.T) {
	r := domain.Reroute{ID: "r-1", ProductID: "sku-9", From: "south", To: "east", Quantity: 3}
	at := time.Now()
	for kind, title := range map[domain.Kind]string{
		domain.KindApproved:  "Reroute approved",
		domain.KindRejected:  "Reroute rejected",
		domain.KindInTransit: "Reroute in transit",
		domain.KindDelivered: "Reroute delivered",
		domain.KindCompleted: "Reroute completed",
	} {
		n := Build("id", kind, r, "south", at)
		if n.Title != title {
			t.Fatalf("%s title %q", kind, n.Title)
		}
		if err := n.Validate(); err != nil {
			t.Fatalf("%s invalid: %v", kind, err)
		}
	}
}

func TestAppendWithoutLog(t *testing.T) {
	w := Writer{Origin: "south"}
	if _, err := w.Append(context.Background(), domain.KindRequested, domain.Reroute{ID: "r"}, "east", time.Now()); err == nil {
		t.Fatalf("expected error without log")
	}
}
