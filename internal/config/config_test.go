package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"south", "east"}, cfg.WarehouseIDs())
	assert.Equal(t, []string{"south", "east"}, cfg.Nodes)
	assert.Equal(t, 2*time.Minute, cfg.Transit.Duration)
	assert.Equal(t, time.Second, cfg.Transit.Tick)
	assert.Equal(t, "sql", cfg.EventLog.Driver)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.True(t, cfg.Known("east"))
	assert.False(t, cfg.Known("north"))
}

func TestFromYAMLOpenRegistry(t *testing.T) {
	cfg, err := FromYAML([]byte(`
warehouses:
  - id: south
  - id: east
  - id: north
nodes: [north]
peers:
  south: http://10.0.0.1:8080
  east: http://10.0.0.2:8080
transit:
  duration: 30s
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"north"}, cfg.Nodes)
	assert.Equal(t, 30*time.Second, cfg.Transit.Duration)
	assert.Equal(t, time.Second, cfg.Transit.Tick)
	assert.Len(t, cfg.Peers, 2)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"single warehouse": "warehouses: [{id: south}]",
		"duplicate":        "warehouses: [{id: south}, {id: south}]",
		"unknown node":     "warehouses: [{id: south}, {id: east}]\nnodes: [west]",
		"unknown peer":     "warehouses: [{id: south}, {id: east}]\npeers: {west: http://x}",
		"bad driver":       "warehouses: [{id: south}, {id: east}]\nevent_log: {driver: carrier-pigeon}",
		"redis addr":       "warehouses: [{id: south}, {id: east}]\nevent_log: {driver: redis}",
		"postgres dsn":     "warehouses: [{id: south}, {id: east}]\nstore: {driver: postgres, dsn: postgres://db/reroutes}",
		"tick too long":    "warehouses: [{id: south}, {id: east}]\ntransit: {duration: 1s, tick: 5s}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Len(t, cfg.Warehouses, 2)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "rerouteline.yml"), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
}
