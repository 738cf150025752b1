package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rerouteline/internal/domain"
	"rerouteline/internal/engine"
	"rerouteline/internal/eventlog"
)

// Bridge feeds one node from the shared log: it stores notifications
// targeted at the node exactly once and pulls the record they announce
// when the local copy is missing or behind.
type Bridge struct {
	Warehouse string
	Engine    engine.Engine
	Log       eventlog.Log
	Peers     engine.Replicator
	Logger    zerolog.Logger
	// OnStored runs after a notification is stored for the first time.
	OnStored  func(ctx context.Context, n domain.Notification)

	mu   sync.Mutex
	seen map[string]struct{}
}

func New(e engine.Engine, log eventlog.Log, peers engine.Replicator, logger zerolog.Logger) *Bridge {
	return &Bridge{
		Warehouse: e.Warehouse,
		Engine:    e,
		Log:       log,
		Peers:     peers,
		Logger:    logger.With().Str("component", "bridge").Str("warehouse", e.Warehouse).Logger(),
		seen:      make(map[string]struct{}),
	}
}

// Start rebuilds the dedup set from the local store, reconciles open
// records with their counterparts and then follows the log until ctx ends.
func (b *Bridge) Start(ctx context.Context) error {
	ids, err := b.Engine.Repo.NotificationIDs(ctx, b.Warehouse)
	if err != nil {
		return fmt.Errorf("load notification ids: %w", err)
	}
	b.mu.Lock()
	for _, id := range ids {
		b.seen[id] = struct{}{}
	}
	b.mu.Unlock()
	b.Reconcile(ctx)
	b.Logger.Info().Int("known", len(ids)).Msg("bridge subscribed")
	return b.Log.Subscribe(ctx, b.Warehouse, b.Handle)
}

const maxRetryBackoff = 30 * time.Second

// Run keeps the bridge following the log until ctx ends. A failed
// subscription is retried with exponential backoff starting at backoff.
func (b *Bridge) Run(ctx context.Context, backoff time.Duration) {
	if backoff <= 0 {
		backoff = time.Second
	}
	wait := backoff
	for {
		err := b.Start(ctx)
		if ctx.Err() != nil || err == nil {
			return
		}
		b.Logger.Error().Err(err).Dur("retry_in", wait).Msg("bridge stopped, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait = min(wait*2, maxRetryBackoff)
	}
}

// Handle processes one log entry. Only store failures are returned, so the
// log redelivers the entry; malformed entries count as delivered and failed
// pulls are logged.
func (b *Bridge) Handle(ctx context.Context, e eventlog.Entry) error {
	n := e.Notification
	if n.Target != b.Warehouse {
		return nil
	}
	if err := n.Validate(); err != nil {
		// malformed ids stay claimed so the entry is not evaluated again
		if n.ID != "" {
			b.claim(n.ID)
		}
		b.Logger.Warn().Err(err).Int64("seq", e.Seq).Str("notification_id", n.ID).Msg("dropping malformed entry")
		return nil
	}
	if !b.claim(n.ID) {
		return nil
	}
	inserted, err := b.Engine.ReceiveNotification(ctx, n)
	if err != nil {
		if errors.Is(err, domain.ErrMalformed) {
			b.Logger.Warn().Err(err).Str("notification_id", n.ID).Msg("dropping notification")
			return nil
		}
		b.release(n.ID)
		return err
	}
	if !inserted {
		// already in the store, stored by an earlier run
		return nil
	}
	b.Logger.Debug().Str("notification_id", n.ID).Str("kind", string(n.Kind)).Str("reroute_id", n.RerouteID).Msg("notification stored")
	b.catchUp(ctx, e.Origin, n)
	if b.OnStored != nil {
		b.OnStored(ctx, n)
	}
	return nil
}

func (b *Bridge) claim(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[id]; ok {
		return false
	}
	b.seen[id] = struct{}{}
	return true
}

func (b *Bridge) release(id string) {
	b.mu.Lock()
	delete(b.seen, id)
	b.mu.Unlock()
}

// Seen reports whether notification id has been stored by this bridge.
func (b *Bridge) Seen(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.seen[id]
	return ok
}

func (b *Bridge) catchUp(ctx context.Context, origin string, n domain.Notification) {
	want, _ := n.Kind.Status()
	cur, err := b.Engine.GetReroute(ctx, n.RerouteID)
	switch {
	case errors.Is(err, engine.ErrNotFound):
	case err != nil:
		b.Logger.Error().Err(err).Str("reroute_id", n.RerouteID).Msg("read local reroute")
		return
	case cur.Status.Rank() >= want.Rank():
		return
	}
	if b.Peers == nil || origin == "" || origin == b.Warehouse {
		return
	}
	b.pull(ctx, origin, n.RerouteID)
}

func (b *Bridge) pull(ctx context.Context, warehouse, id string) {
	rec, err := b.Peers.Pull(ctx, b.Warehouse, warehouse, id)
	if err != nil {
		b.Logger.Warn().Err(err).Str("reroute_id", id).Str("peer", warehouse).Msg("pull failed")
		return
	}
	if _, err := b.Engine.ApplyReplica(ctx, rec); err != nil {
		b.Logger.Warn().Err(err).Str("reroute_id", id).Msg("apply pulled reroute")
	}
}

// Reconcile pulls the counterpart copy of every open local reroute so a
// node that was down catches up on transitions it missed.
func (b *Bridge) Reconcile(ctx context.Context) {
	open, err := b.Engine.ListOpen(ctx)
	if err != nil {
		b.Logger.Error().Err(err).Msg("list open reroutes")
		return
	}
	if b.Peers == nil {
		return
	}
	for _, r := range open {
		if !r.Involves(b.Warehouse) {
			continue
		}
		b.pull(ctx, r.Counterpart(b.Warehouse), r.ID)
	}
}
