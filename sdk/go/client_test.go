package reroutelinesdk_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rerouteline/internal/app"
	"rerouteline/internal/config"
	"rerouteline/internal/eventlog"
	"rerouteline/internal/server"
	reroutelinesdk "rerouteline/sdk/go"
)

func newAPI(t *testing.T) string {
	t.Helper()
	return newAPIAt(t, "")
}

func newAPIAt(t *testing.T, basePath string) string {
	t.Helper()
	cfg := config.Default()
	cfg.Transit.Duration = time.Second
	cluster, err := app.Open(cfg, app.Options{Workspace: t.TempDir(), Log: eventlog.NewMemory(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, cluster.Start(context.Background(), true))
	t.Cleanup(func() { _ = cluster.Close() })
	handler, err := server.New(server.Config{
		Nodes:    cluster.Engines(),
		Registry: cfg,
		BasePath: basePath,
		Auth:     server.AuthConfig{AllowWarehouseHeader: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestClientLifecycle(t *testing.T) {
	url := newAPI(t)
	ctx := context.Background()
	south := reroutelinesdk.New(url, "south")
	east := reroutelinesdk.New(url, "east")

	require.NoError(t, south.Health(ctx))

	r, err := south.CreateReroute(ctx, reroutelinesdk.CreateReroute{ProductID: "sku-9", ProductName: "Crates", To: "east", Quantity: 12})
	require.NoError(t, err)
	assert.Equal(t, "pending", r.Status)

	_, err = south.Approve(ctx, r.ID)
	var apiErr *reroutelinesdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "unauthorized_warehouse", apiErr.Code)

	approved, err := east.Approve(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "transit_prep", approved.Status)

	moving, err := south.StartTransit(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "in_transit", moving.Status)

	got, err := east.GetReroute(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "in_transit", got.Status)

	items, err := south.ListReroutes(ctx, "east")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = south.GetReroute(ctx, "missing")
	assert.True(t, reroutelinesdk.IsNotFound(err))
}

func TestClientInbox(t *testing.T) {
	url := newAPI(t)
	ctx := context.Background()
	south := reroutelinesdk.New(url, "south")
	east := reroutelinesdk.New(url, "east")

	for i := 1; i <= 2; i++ {
		_, err := south.CreateReroute(ctx, reroutelinesdk.CreateReroute{ProductID: "sku", To: "east", Quantity: i})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		n, err := east.UnreadCount(ctx)
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)

	inbox, err := east.Notifications(ctx)
	require.NoError(t, err)
	require.Len(t, inbox.Items, 2)
	assert.Equal(t, "reroute.requested", inbox.Items[0].Kind)

	require.NoError(t, east.MarkRead(ctx, inbox.Items[0].ID))
	n, err := east.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	updated, err := east.MarkAllRead(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated)

	n, err = south.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClientReplica(t *testing.T) {
	url := newAPI(t)
	ctx := context.Background()
	south := reroutelinesdk.New(url, "south")

	r, err := south.CreateReroute(ctx, reroutelinesdk.CreateReroute{ProductID: "sku", To: "east", Quantity: 3})
	require.NoError(t, err)

	east := reroutelinesdk.New(url, "east")
	east.As = "south"
	copyAtEast, err := east.GetReplica(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, copyAtEast.ID)

	applied, err := east.PutReplica(ctx, r)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestClientCustomBasePath(t *testing.T) {
	url := newAPIAt(t, "/api/rl")
	ctx := context.Background()

	south := reroutelinesdk.New(url, "south")
	err := south.Health(ctx)
	assert.True(t, reroutelinesdk.IsNotFound(err), "default prefix must not resolve: %v", err)

	south.BasePath = "/api/rl"
	require.NoError(t, south.Health(ctx))
	r, err := south.CreateReroute(ctx, reroutelinesdk.CreateReroute{ProductID: "sku", To: "east", Quantity: 2})
	require.NoError(t, err)

	east := reroutelinesdk.New(url, "east")
	east.BasePath = "api/rl/"
	got, err := east.GetReroute(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status)
}
