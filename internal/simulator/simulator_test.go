package simulator

import (
	"context"
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
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T, ws string, log eventlog.Log, c *clock) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: ws, Name: "south"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	cfg.Transit.Duration = 10 * time.Second
	e := engine.New("south", conn, log, cfg)
	e.Now = c.Now
	return e
}

func inTransit(t *testing.T, e engine.Engine, c *clock) domain.Reroute {
	t.Helper()
	ctx := context.Background()
	r, err := e.CreateReroute(ctx, engine.CreateOptions{ProductID: "sku", From: "south", To: "east", Quantity: 2})
	require.NoError(t, err)
	// the destination's approval arrives as a replica
	c.Advance(time.Second)
	approved := r
	at := c.Now()
	approved.Status = domain.StatusTransitPrep
	approved.ApprovedAt = &at
	approved.UpdatedAt = at
	_, err = e.ApplyReplica(ctx, approved)
	require.NoError(t, err)
	r, err = e.StartTransit(ctx, r.ID, "south")
	require.NoError(t, err)
	return r
}

func countKind(log *eventlog.Memory, kind domain.Kind) int {
	n := 0
	for _, e := range log.Entries() {
		if e.Notification.Kind == kind {
			n++
		}
	}
	return n
}

func TestTickDeliversExactlyOnce(t *testing.T) {
	c := &clock{t: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)}
	log := eventlog.NewMemory()
	e := setup(t, t.TempDir(), log, c)
	r := inTransit(t, e, c)
	sim := New(e, time.Second, zerolog.Nop())
	ctx := context.Background()

	last := 0
	for i := 0; i < 15; i++ {
		c.Advance(time.Second)
		require.NoError(t, sim.Tick(ctx))
		got, err := e.GetReroute(ctx, r.ID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got.Progress, last)
		last = got.Progress
	}
	got, err := e.GetReroute(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 1, countKind(log, domain.KindDelivered))
}

func TestRestartResumesFromStartTime(t *testing.T) {
	c := &clock{t: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)}
	ws := t.TempDir()
	log := eventlog.NewMemory()
	e := setup(t, ws, log, c)
	r := inTransit(t, e, c)
	ctx := context.Background()

	c.Advance(4 * time.Second)
	require.NoError(t, New(e, time.Second, zerolog.Nop()).Tick(ctx))
	got, _ := e.GetReroute(ctx, r.ID)
	assert.Equal(t, 40, got.Progress)

	// a fresh simulator after downtime picks up from the clock, not from zero
	c.Advance(3 * time.Second)
	require.NoError(t, New(e, time.Second, zerolog.Nop()).Tick(ctx))
	got, _ = e.GetReroute(ctx, r.ID)
	assert.Equal(t, 70, got.Progress)

	c.Advance(time.Minute)
	require.NoError(t, New(e, time.Second, zerolog.Nop()).Tick(ctx))
	require.NoError(t, New(e, time.Second, zerolog.Nop()).Tick(ctx))
	assert.Equal(t, 1, countKind(log, domain.KindDelivered))
}

func TestStartStop(t *testing.T) {
	c := &clock{t: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)}
	log := eventlog.NewMemory()
	e := setup(t, t.TempDir(), log, c)
	r := inTransit(t, e, c)
	c.Advance(time.Hour)

	sim := New(e, 20*time.Millisecond, zerolog.Nop())
	require.NoError(t, sim.Start(context.Background()))
	assert.Error(t, sim.Start(context.Background()))
	assert.Eventually(t, func() bool {
		got, err := e.GetReroute(context.Background(), r.ID)
		return err == nil && got.Status == domain.StatusDelivered
	}, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, sim.Stop())
	require.NoError(t, sim.Stop())
	assert.Equal(t, 1, countKind(log, domain.KindDelivered))
}
