package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rerouteline/internal/config"
	"rerouteline/internal/db"
	"rerouteline/internal/domain"
	"rerouteline/internal/engine"
	"rerouteline/internal/eventlog"
	"rerouteline/internal/migrate"
	"rerouteline/internal/replica"
)

type fixture struct {
	ctx   context.Context
	log   *eventlog.Memory
	dir   *replica.Directory
	south engine.Engine
	east  engine.Engine
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ws := t.TempDir()
	cfg := config.Default()
	log := eventlog.NewMemory()
	dir := replica.NewDirectory()
	open := func(name string) engine.Engine {
		conn, err := db.Open(db.Config{Workspace: ws, Name: name})
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		require.NoError(t, migrate.Migrate(conn))
		e := engine.New(name, conn, log, cfg)
		e.Peers = dir
		dir.Register(name, e)
		return e
	}
	return fixture{ctx: context.Background(), log: log, dir: dir, south: open("south"), east: open("east")}
}

func (f fixture) create(t *testing.T) domain.Reroute {
	t.Helper()
	r, err := f.south.CreateReroute(f.ctx, engine.CreateOptions{ProductID: "sku-1", From: "south", To: "east", Quantity: 3})
	require.NoError(t, err)
	return r
}

func lastEntry(t *testing.T, log *eventlog.Memory) eventlog.Entry {
	t.Helper()
	entries := log.Entries()
	require.NotEmpty(t, entries)
	return entries[len(entries)-1]
}

func TestHandleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	b := New(f.east, f.log, f.dir, zerolog.Nop())
	r := f.create(t)
	entry := lastEntry(t, f.log)

	require.NoError(t, b.Handle(f.ctx, entry))
	before, err := f.east.GetReroute(f.ctx, r.ID)
	require.NoError(t, err)
	require.NoError(t, b.Handle(f.ctx, entry))
	after, err := f.east.GetReroute(f.ctx, r.ID)
	require.NoError(t, err)

	list, err := f.east.ListNotifications(f.ctx, "east")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, before, after)
	assert.True(t, b.Seen(entry.Notification.ID))
}

func TestHandleIgnoresOtherTargets(t *testing.T) {
	f := newFixture(t)
	b := New(f.south, f.log, f.dir, zerolog.Nop())
	f.create(t)
	require.NoError(t, b.Handle(f.ctx, lastEntry(t, f.log)))
	count, err := f.south.UnreadCount(f.ctx, "south")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHandleDropsMalformed(t *testing.T) {
	f := newFixture(t)
	b := New(f.east, f.log, f.dir, zerolog.Nop())
	bad := eventlog.Entry{Seq: 9, Origin: "south", Notification: domain.Notification{ID: "n-x", Target: "east", Kind: "reroute.exploded"}}
	require.NoError(t, b.Handle(f.ctx, bad))
	assert.True(t, b.Seen("n-x"), "malformed entries count as delivered")
	require.NoError(t, b.Handle(f.ctx, bad))
	count, err := f.east.UnreadCount(f.ctx, "east")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHandlePullsMissingRecord(t *testing.T) {
	f := newFixture(t)
	// the write-through to east never happened
	f.south.Peers = nil
	r := f.create(t)
	_, err := f.east.GetReroute(f.ctx, r.ID)
	require.ErrorIs(t, err, engine.ErrNotFound)

	b := New(f.east, f.log, f.dir, zerolog.Nop())
	require.NoError(t, b.Handle(f.ctx, lastEntry(t, f.log)))
	got, err := f.east.GetReroute(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestStartRebuildsDedupAndFollowsLog(t *testing.T) {
	f := newFixture(t)
	r := f.create(t)
	first := lastEntry(t, f.log)
	_, err := f.east.ReceiveNotification(f.ctx, first.Notification)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	b := New(f.east, f.log, f.dir, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- b.Start(ctx) }()

	assert.Eventually(t, func() bool { return b.Seen(first.Notification.ID) }, 2*time.Second, 10*time.Millisecond)

	_, err = f.east.Approve(f.ctx, r.ID, "east")
	require.NoError(t, err)
	_, err = f.south.StartTransit(f.ctx, r.ID, "south")
	require.NoError(t, err)
	transit := lastEntry(t, f.log)
	assert.Eventually(t, func() bool {
		list, err := f.east.ListNotifications(f.ctx, "east")
		return err == nil && len(list) == 2 && b.Seen(transit.Notification.ID)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

func TestReconcilePullsNewerCounterpart(t *testing.T) {
	f := newFixture(t)
	r := f.create(t)
	// east misses the approve write-back to south
	f.east.Peers = nil
	_, err := f.east.Approve(f.ctx, r.ID, "east")
	require.NoError(t, err)
	stale, err := f.south.GetReroute(f.ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, stale.Status)

	New(f.south, f.log, f.dir, zerolog.Nop()).Reconcile(f.ctx)
	got, err := f.south.GetReroute(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTransitPrep, got.Status)
}

func TestHandleSkipsAlreadyStoredNotification(t *testing.T) {
	f := newFixture(t)
	f.south.Peers = nil
	r := f.create(t)
	entry := lastEntry(t, f.log)
	// stored by a previous process whose dedup set is gone
	inserted, err := f.east.ReceiveNotification(f.ctx, entry.Notification)
	require.NoError(t, err)
	require.True(t, inserted)

	b := New(f.east, f.log, f.dir, zerolog.Nop())
	fired := 0
	b.OnStored = func(context.Context, domain.Notification) { fired++ }
	require.NoError(t, b.Handle(f.ctx, entry))

	assert.Zero(t, fired)
	assert.True(t, b.Seen(entry.Notification.ID))
	_, err = f.east.GetReroute(f.ctx, r.ID)
	assert.ErrorIs(t, err, engine.ErrNotFound, "no catch-up pull for a notification that was already stored")
}

func TestRunResubscribesAfterFailure(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyLog{Log: f.log, failures: 2}
	b := New(f.east, flaky, f.dir, zerolog.Nop())
	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan struct{})
	go func() {
		b.Run(ctx, time.Millisecond)
		close(done)
	}()

	f.create(t)
	entry := lastEntry(t, f.log)
	assert.Eventually(t, func() bool { return b.Seen(entry.Notification.ID) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, flaky.attempts())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

type flakyLog struct {
	eventlog.Log
	mu       sync.Mutex
	failures int
	calls    int
}

func (l *flakyLog) Subscribe(ctx context.Context, target string, h eventlog.Handler) error {
	l.mu.Lock()
	l.calls++
	fail := l.calls <= l.failures
	l.mu.Unlock()
	if fail {
		return errors.New("broker unavailable")
	}
	return l.Log.Subscribe(ctx, target, h)
}

func (l *flakyLog) attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}
