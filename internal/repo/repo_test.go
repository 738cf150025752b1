package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"rerouteline/internal/db"
	"rerouteline/internal/domain"
	"rerouteline/internal/migrate"
	"rerouteline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Name: "south"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

var base = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func reroute(id, from, to string, offset time.Duration) domain.Reroute {
	return domain.Reroute{
		ID:          id,
		ProductID:   "sku-" + id,
		ProductName: "Forklift battery",
		From:        from,
		To:          to,
		Quantity:    5,
		Status:      domain.StatusPending,
		RequestedAt: base.Add(offset),
		UpdatedAt:   base.Add(offset),
	}
}

func TestRerouteRoundTripAndUpsert(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	rec := reroute("r1", "south", "east", 0)
	if err := r.UpsertReroute(ctx, nil, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetReroute(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.RequestedAt.Equal(rec.RequestedAt) || got.ApprovedAt != nil || got.Status != domain.StatusPending {
		t.Fatalf("unexpected record %+v", got)
	}

	approved := base.Add(time.Minute)
	rec.Status = domain.StatusTransitPrep
	rec.ApprovedAt = &approved
	rec.UpdatedAt = approved
	if err := r.UpsertReroute(ctx, nil, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = r.GetReroute(ctx, "r1")
	if got.Status != domain.StatusTransitPrep || got.ApprovedAt == nil || !got.ApprovedAt.Equal(approved) {
		t.Fatalf("upsert did not replace: %+v", got)
	}

	if _, err := r.GetReroute(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListReroutesFiltersByWarehouse(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for _, rec := range []domain.Reroute{
		reroute("a", "south", "east", 0),
		reroute("b", "east", "south", time.Minute),
		reroute("c", "east", "north", 2*time.Minute),
	} {
		if err := r.UpsertReroute(ctx, nil, rec); err != nil {
			t.Fatalf("insert %s: %v", rec.ID, err)
		}
	}
	south, err := r.ListReroutes(ctx, "south")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(south) != 2 || south[0].ID != "b" || south[1].ID != "a" {
		t.Fatalf("south list wrong: %+v", south)
	}
	all, _ := r.ListReroutes(ctx, "")
	if len(all) != 3 {
		t.Fatalf("expected 3, got %d", len(all))
	}

	started := base.Add(3 * time.Minute)
	moving := reroute("d", "south", "east", 3*time.Minute)
	moving.Status = domain.StatusInTransit
	moving.TransitStartedAt = &started
	_ = r.UpsertReroute(ctx, nil, moving)
	inTransit, err := r.ListByStatus(ctx, "south", domain.StatusInTransit)
	if err != nil || len(inTransit) != 1 || inTransit[0].ID != "d" {
		t.Fatalf("in transit list: %v %+v", err, inTransit)
	}
	if err := r.UpdateProgress(ctx, nil, "d", domain.StatusInTransit, 40, started.Add(time.Second)); err != nil {
		t.Fatalf("progress: %v", err)
	}
	got, _ := r.GetReroute(ctx, "d")
	if got.Progress != 40 {
		t.Fatalf("progress %d", got.Progress)
	}
	// status guard: no update once the record has moved on
	if err := r.UpdateProgress(ctx, nil, "d", domain.StatusPending, 90, started); err != nil {
		t.Fatalf("guarded update: %v", err)
	}
	got, _ = r.GetReroute(ctx, "d")
	if got.Progress != 40 {
		t.Fatalf("guarded progress changed to %d", got.Progress)
	}
}

func TestNotificationsReadState(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for i, id := range []string{"n1", "n2", "n3"} {
		n := domain.Notification{
			ID: id, Kind: domain.KindRequested, Title: "t", Message: "m",
			RerouteID: "r1", Target: "east", CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		inserted, err := r.InsertNotification(ctx, nil, n)
		if err != nil || !inserted {
			t.Fatalf("insert %s: %v %v", id, inserted, err)
		}
	}
	dup, err := r.InsertNotification(ctx, nil, domain.Notification{ID: "n1", Kind: domain.KindRequested, RerouteID: "r1", Target: "east", CreatedAt: base})
	if err != nil || dup {
		t.Fatalf("duplicate insert should be ignored: %v %v", dup, err)
	}
	list, _ := r.ListNotifications(ctx, "east")
	if len(list) != 3 || list[0].ID != "n3" {
		t.Fatalf("newest first expected: %+v", list)
	}
	if err := r.MarkRead(ctx, "n2"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := r.MarkRead(ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if c, _ := r.UnreadCount(ctx, "east"); c != 2 {
		t.Fatalf("unread %d", c)
	}
	changed, err := r.MarkAllRead(ctx, "east")
	if err != nil || changed != 2 {
		t.Fatalf("mark all: %d %v", changed, err)
	}
	if c, _ := r.UnreadCount(ctx, "east"); c != 0 {
		t.Fatalf("unread after mark all %d", c)
	}
	ids, _ := r.NotificationIDs(ctx, "east")
	if len(ids) != 3 {
		t.Fatalf("ids %v", ids)
	}
}
