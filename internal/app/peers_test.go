package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rerouteline/internal/config"
	"rerouteline/internal/domain"
	"rerouteline/internal/engine"
	"rerouteline/internal/eventlog"
	"rerouteline/internal/server"
)

// lateHandler lets a test server start before the handler it fronts exists.
type lateHandler struct {
	mu sync.Mutex
	h  http.Handler
}

func (l *lateHandler) set(h http.Handler) {
	l.mu.Lock()
	l.h = h
	l.mu.Unlock()
}

func (l *lateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	h := l.h
	l.mu.Unlock()
	if h == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	h.ServeHTTP(w, r)
}

func threeWarehouses(nodes []string, peers map[string]string) *config.Config {
	cfg := config.Default()
	cfg.Warehouses = append(cfg.Warehouses, domain.Warehouse{ID: "north", Name: "North Warehouse"})
	cfg.Nodes = nodes
	cfg.Peers = peers
	cfg.Transit.Duration = 10 * time.Second
	return cfg
}

// openServed opens a cluster and serves its nodes behind front.
func openServed(t *testing.T, cfg *config.Config, log eventlog.Log, front *lateHandler) *Cluster {
	t.Helper()
	cluster, err := Open(cfg, Options{Workspace: t.TempDir(), Log: log, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, cluster.Start(context.Background(), true))
	t.Cleanup(func() {
		// the log is shared between both processes
		cluster.Log = nil
		_ = cluster.Close()
	})
	handler, err := server.New(server.Config{
		Nodes:    cluster.Engines(),
		Registry: cfg,
		BasePath: cfg.Server.BasePath,
		Auth:     server.AuthConfig{AllowWarehouseHeader: true},
	})
	require.NoError(t, err)
	front.set(handler)
	return cluster
}

func TestRemotePullActsAsPullingWarehouse(t *testing.T) {
	log := eventlog.NewMemory()
	t.Cleanup(func() { _ = log.Close() })
	frontA, frontB := &lateHandler{}, &lateHandler{}
	srvA, srvB := httptest.NewServer(frontA), httptest.NewServer(frontB)
	t.Cleanup(srvA.Close)
	t.Cleanup(srvB.Close)

	// north is listed first, so it would be the fallback identity for remote calls
	a := openServed(t, threeWarehouses([]string{"north", "south"}, map[string]string{"east": srvB.URL}), log, frontA)
	b := openServed(t, threeWarehouses([]string{"east"}, map[string]string{"north": srvA.URL, "south": srvA.URL}), log, frontB)
	ctx := context.Background()
	south, east := engineFor(t, a, "south"), engineFor(t, b, "east")

	r, err := south.CreateReroute(ctx, engine.CreateOptions{ProductID: "sku-4", From: "south", To: "east", Quantity: 6})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return statusAt(east, r.ID) == domain.StatusPending }, 2*time.Second, 10*time.Millisecond)

	got, err := a.Peers.Pull(ctx, "south", "east", r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, "south", got.From)

	// north is not a party and the remote node refuses it
	_, err = a.Peers.Pull(ctx, "north", "east", r.ID)
	assert.Error(t, err)

	_, err = east.Approve(ctx, r.ID, "east")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return statusAt(south, r.ID) == domain.StatusTransitPrep }, 2*time.Second, 10*time.Millisecond)
}
