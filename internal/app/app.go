package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"rerouteline/internal/bridge"
	"rerouteline/internal/config"
	"rerouteline/internal/db"
	"rerouteline/internal/engine"
	"rerouteline/internal/eventlog"
	"rerouteline/internal/migrate"
	"rerouteline/internal/replica"
	"rerouteline/internal/server"
	"rerouteline/internal/simulator"
	reroutelinesdk "rerouteline/sdk/go"
)

// Node is one warehouse served by this process.
type Node struct {
	Warehouse string
	DB        *db.DB
	Engine    engine.Engine
	Bridge    *bridge.Bridge
	Simulator *simulator.Simulator
}

// Options tune how a cluster is assembled.
type Options struct {
	Workspace string
	// Log overrides the configured event log backend.
	Log       eventlog.Log
	Now       func() time.Time
	Logger    zerolog.Logger

	// RetryBackoff is the first wait before a failed bridge resubscribes.
	RetryBackoff time.Duration
}

// Cluster wires the warehouse nodes hosted by this process to one shared log
// and to each other.
type Cluster struct {
	Config   *config.Config
	Log      eventlog.Log
	Peers    *replica.Directory
	Webhooks *server.WebhookDispatcher
	Logger   zerolog.Logger

	nodes        map[string]*Node
	order        []string
	retryBackoff time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Open builds every configured node: store, migrations, engine, bridge and
// simulator. Nothing runs until Start.
func Open(cfg *config.Config, opts Options) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	log := opts.Log
	if log == nil {
		var err error
		if log, err = eventlog.Open(cfg, opts.Workspace, cfg.Nodes, logger); err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
	}
	c := &Cluster{
		Config:   cfg,
		Log:      log,
		Peers:    replica.NewDirectory(),
		Webhooks: server.NewWebhookDispatcher(cfg.Webhooks, logger),
		Logger:   logger,
		nodes:    make(map[string]*Node),

		retryBackoff: opts.RetryBackoff,
	}
	for _, w := range cfg.Nodes {
		n, err := c.openNode(w, opts)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("node %s: %w", w, err)
		}
		c.nodes[w] = n
		c.order = append(c.order, w)
		c.Peers.Register(w, n.Engine)
	}
	c.registerRemotePeers()
	return c, nil
}

func (c *Cluster) openNode(warehouse string, opts Options) (*Node, error) {
	conn, err := db.Open(db.Config{
		Driver:    c.Config.Store.Driver,
		Workspace: opts.Workspace,
		Name:      warehouse,
		DSN:       c.Config.Store.DSN,
	})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger := c.Logger.With().Str("warehouse", warehouse).Logger()
	e := engine.New(warehouse, conn, c.Log, c.Config)
	e.Peers = c.Peers
	e.Logger = logger
	if opts.Now != nil {
		e.Now = opts.Now
	}
	b := bridge.New(e, c.Log, c.Peers, c.Logger)
	if c.Webhooks != nil {
		b.OnStored = c.Webhooks.Notify
	}
	return &Node{
		Warehouse: warehouse,
		DB:        conn,
		Engine:    e,
		Bridge:    b,
		Simulator: simulator.New(e, c.Config.Transit.Tick, c.Logger),
	}, nil
}

// registerRemotePeers routes replica traffic for warehouses served elsewhere
// through their HTTP replica endpoints. Pushes act as the record's counterpart
// and pulls as the warehouse asking; the first hosted node is the fallback.
func (c *Cluster) registerRemotePeers() {
	for warehouse, url := range c.Config.Peers {
		if _, local := c.nodes[warehouse]; local {
			continue
		}
		client := reroutelinesdk.New(url, warehouse)
		client.BasePath = c.Config.Server.BasePath
		if len(c.order) > 0 {
			client.As = c.order[0]
		}
		remote := replica.Remote{Client: client}
		if secret := c.Config.Server.JWTSecret; secret != "" {
			remote.Token = func(acting string) (string, error) {
				return server.IssueToken(secret, acting, time.Hour)
			}
		}
		c.Peers.Register(warehouse, remote)
	}
}

// Node returns the hosted node for warehouse.
func (c *Cluster) Node(warehouse string) (*Node, bool) {
	n, ok := c.nodes[warehouse]
	return n, ok
}

// Nodes returns hosted nodes in configuration order.
func (c *Cluster) Nodes() []*Node {
	out := make([]*Node, 0, len(c.order))
	for _, w := range c.order {
		out = append(out, c.nodes[w])
	}
	return out
}

// Engines maps hosted warehouse ids to their engines.
func (c *Cluster) Engines() map[string]engine.Engine {
	out := make(map[string]engine.Engine, len(c.nodes))
	for w, n := range c.nodes {
		out[w] = n.Engine
	}
	return out
}

// Start launches every bridge, the webhook dispatcher and, unless
// manualTransit is set, the transit simulators. A failing bridge is
// resubscribed on its own and never stops the other nodes.
func (c *Cluster) Start(ctx context.Context, manualTransit bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("cluster already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range c.Nodes() {
		b := n.Bridge
		g.Go(func() error {
			b.Run(gctx, c.retryBackoff)
			return nil
		})
	}
	if c.Webhooks != nil {
		g.Go(func() error { return c.Webhooks.Run(gctx) })
	}
	if !manualTransit {
		for _, n := range c.Nodes() {
			if err := n.Simulator.Start(ctx); err != nil {
				cancel()
				_ = g.Wait()
				return err
			}
		}
	}
	c.cancel = cancel
	c.group = g
	c.Logger.Info().Strs("nodes", c.order).Msg("cluster started")
	return nil
}

// Wait blocks until the background work started by Start has stopped.
func (c *Cluster) Wait() error {
	c.mu.Lock()
	g := c.group
	c.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Tick advances transit on every hosted node once.
func (c *Cluster) Tick(ctx context.Context) error {
	var errs []error
	for _, n := range c.Nodes() {
		if err := n.Simulator.Tick(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Warehouse, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops background work and releases stores and the log.
func (c *Cluster) Close() error {
	c.mu.Lock()
	cancel, g := c.cancel, c.group
	c.cancel, c.group = nil, nil
	c.mu.Unlock()

	var errs []error
	for _, n := range c.Nodes() {
		if err := n.Simulator.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if cancel != nil {
		cancel()
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if c.Log != nil {
		if err := c.Log.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, n := range c.Nodes() {
		if err := n.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
