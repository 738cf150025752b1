package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rerouteline/internal/config"
	"rerouteline/internal/db"
	"rerouteline/internal/domain"
	"rerouteline/internal/engine/auth"
	"rerouteline/internal/eventlog"
	"rerouteline/internal/events"
	"rerouteline/internal/repo"
)

// Replicator reaches other nodes' local stores through the write-through path.
type Replicator interface {
	Push(ctx context.Context, warehouse string, r domain.Reroute) error
	// Pull reads warehouse's copy of reroute id on behalf of the pulling warehouse.
	Pull(ctx context.Context, from, warehouse, id string) (domain.Reroute, error)
}

// Engine is one warehouse node: its local store, its view of the shared log
// and the reroute state machine.
type Engine struct {
	Warehouse string
	DB        *db.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Peers     Replicator
	Locks     *Locks
	Logger    zerolog.Logger
	Now       func() time.Time
	NewID     func() string
}

func New(warehouse string, conn *db.DB, log eventlog.Log, cfg *config.Config) Engine {
	return Engine{
		Warehouse: warehouse,
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Events:    events.Writer{Log: log, Origin: warehouse},
		Config:    cfg,
		Locks:     NewLocks(),
		Logger:    zerolog.Nop(),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.Must(uuid.NewV7()).String()
}

// TransitDuration is the configured end-to-end transit time.
func (e Engine) TransitDuration() time.Duration {
	if e.Config != nil && e.Config.Transit.Duration > 0 {
		return e.Config.Transit.Duration
	}
	return config.DefaultTransitDuration
}

func (e Engine) knownWarehouse(id string) bool {
	if e.Config == nil {
		return id != ""
	}
	return e.Config.Known(id)
}

// CreateOptions are parameters for proposing a reroute.
type CreateOptions struct {
	ProductID   string
	ProductName string
	From        string
	To          string
	Quantity    int
	Reason      string
}

// CreateReroute records a pending reroute at the source node and notifies the destination.
func (e Engine) CreateReroute(ctx context.Context, opts CreateOptions) (domain.Reroute, error) {
	if opts.Quantity <= 0 {
		return domain.Reroute{}, fmt.Errorf("%w: got %d", ErrInvalidQuantity, opts.Quantity)
	}
	if opts.From == opts.To {
		return domain.Reroute{}, fmt.Errorf("%w: %s", ErrSameWarehouse, opts.From)
	}
	if strings.TrimSpace(opts.ProductID) == "" {
		return domain.Reroute{}, fmt.Errorf("%w: product id is required", ErrInvalidInput)
	}
	for _, w := range []string{opts.From, opts.To} {
		if !e.knownWarehouse(w) {
			return domain.Reroute{}, fmt.Errorf("%w: %q", ErrUnknownWarehouse, w)
		}
	}
	now := e.now()
	rec := domain.Reroute{
		ID:          e.newID(),
		ProductID:   strings.TrimSpace(opts.ProductID),
		ProductName: strings.TrimSpace(opts.ProductName),
		From:        opts.From,
		To:          opts.To,
		Quantity:    opts.Quantity,
		Reason:      strings.TrimSpace(opts.Reason),
		Status:      domain.StatusPending,
		RequestedAt: now,
		UpdatedAt:   now,
	}
	if err := auth.Authorize(auth.ActionCreate, rec, opts.From, e.Warehouse); err != nil {
		return domain.Reroute{}, err
	}
	unlock := e.Locks.Lock(rec.ID)
	err := e.commit(ctx, rec, domain.KindRequested, rec.To)
	unlock()
	if err != nil {
		return domain.Reroute{}, err
	}
	e.writeThrough(ctx, rec.To, rec)
	return rec, nil
}

// Approve accepts a pending reroute. The record moves through approved and
// lands in transit_prep within the same step.
func (e Engine) Approve(ctx context.Context, id, acting string) (domain.Reroute, error) {
	return e.transition(ctx, id, acting, auth.ActionApprove, domain.KindApproved)
}

func (e Engine) Reject(ctx context.Context, id, acting string) (domain.Reroute, error) {
	return e.transition(ctx, id, acting, auth.ActionReject, domain.KindRejected)
}

func (e Engine) StartTransit(ctx context.Context, id, acting string) (domain.Reroute, error) {
	return e.transition(ctx, id, acting, auth.ActionStartTransit, domain.KindInTransit)
}

func (e Engine) ConfirmDelivery(ctx context.Context, id, acting string) (domain.Reroute, error) {
	return e.transition(ctx, id, acting, auth.ActionConfirm, domain.KindCompleted)
}

func (e Engine) transition(ctx context.Context, id, acting string, action auth.Action, kind domain.Kind) (domain.Reroute, error) {
	next, target, err := e.step(ctx, id, acting, action, kind)
	if err != nil {
		return domain.Reroute{}, err
	}
	e.writeThrough(ctx, target, next)
	return next, nil
}

func (e Engine) step(ctx context.Context, id, acting string, action auth.Action, kind domain.Kind) (domain.Reroute, string, error) {
	unlock := e.Locks.Lock(id)
	defer unlock()
	cur, err := e.Repo.GetReroute(ctx, id)
	if err != nil {
		return domain.Reroute{}, "", fmt.Errorf("reroute %s: %w", id, err)
	}
	if err := auth.Authorize(action, cur, acting, e.Warehouse); err != nil {
		return domain.Reroute{}, "", err
	}
	now := e.now()
	next, err := Apply(cur, action, now)
	if err != nil {
		return domain.Reroute{}, "", err
	}
	if action == auth.ActionApprove {
		if next, err = Apply(next, auth.ActionPrepare, now); err != nil {
			return domain.Reroute{}, "", err
		}
	}
	target := cur.Counterpart(acting)
	if err := e.commit(ctx, next, kind, target); err != nil {
		return domain.Reroute{}, "", err
	}
	return next, target, nil
}

// AdvanceTransit recomputes progress of an in-transit reroute owned by this
// node and fires the delivered transition once progress reaches 100.
// The caller must not hold the id lock.
func (e Engine) AdvanceTransit(ctx context.Context, id string) (domain.Reroute, bool, error) {
	rec, delivered, err := e.advance(ctx, id)
	if delivered {
		e.writeThrough(ctx, rec.To, rec)
	}
	return rec, delivered, err
}

func (e Engine) advance(ctx context.Context, id string) (domain.Reroute, bool, error) {
	unlock := e.Locks.Lock(id)
	defer unlock()
	cur, err := e.Repo.GetReroute(ctx, id)
	if err != nil {
		return domain.Reroute{}, false, fmt.Errorf("reroute %s: %w", id, err)
	}
	if cur.Status != domain.StatusInTransit || cur.TransitStartedAt == nil {
		return cur, false, nil
	}
	if auth.Owner(auth.ActionDeliver, cur) != e.Warehouse {
		return cur, false, nil
	}
	now := e.now()
	progress := Progress(*cur.TransitStartedAt, now, e.TransitDuration())
	if progress < 100 {
		if progress != cur.Progress {
			if err := e.Repo.UpdateProgress(ctx, nil, cur.ID, cur.Status, progress, now); err != nil {
				return cur, false, fmt.Errorf("update progress %s: %w", cur.ID, err)
			}
			cur.Progress = progress
			cur.UpdatedAt = now
		}
		return cur, false, nil
	}
	if err := auth.Authorize(auth.ActionDeliver, cur, auth.System, e.Warehouse); err != nil {
		return cur, false, err
	}
	next, err := Apply(cur, auth.ActionDeliver, now)
	if err != nil {
		return cur, false, err
	}
	if err := e.commit(ctx, next, domain.KindDelivered, next.To); err != nil {
		return cur, false, err
	}
	return next, true, nil
}

// commit writes rec locally and appends its notification inside one store
// transaction. Callers hold the id lock and push rec to the target after releasing it.
func (e Engine) commit(ctx context.Context, rec domain.Reroute, kind domain.Kind, target string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertReroute(ctx, tx, rec); err != nil {
		return err
	}
	n, err := e.Events.Append(ctx, kind, rec, target, rec.UpdatedAt)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		e.Logger.Error().Err(err).Str("reroute_id", rec.ID).Str("notification_id", n.ID).
			Msg("notification published but local commit failed")
		return fmt.Errorf("commit reroute %s: %w", rec.ID, err)
	}
	e.Logger.Info().Str("reroute_id", rec.ID).Str("status", string(rec.Status)).
		Str("notification_id", n.ID).Str("target", target).Msg("reroute transition")
	return nil
}

func (e Engine) writeThrough(ctx context.Context, target string, rec domain.Reroute) {
	if e.Peers == nil || target == e.Warehouse {
		return
	}
	if err := e.Peers.Push(ctx, target, rec); err != nil {
		e.Logger.Warn().Err(err).Str("reroute_id", rec.ID).Str("peer", target).Msg("write-through failed; peer will pull on notification")
	}
}

// ApplyReplica upserts a record authored elsewhere, keeping whichever copy is
// furthest along. It reports whether the local copy changed.
func (e Engine) ApplyReplica(ctx context.Context, rec domain.Reroute) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	if !rec.Involves(e.Warehouse) {
		return false, fmt.Errorf("%w: reroute %s does not involve %s", domain.ErrMalformed, rec.ID, e.Warehouse)
	}
	unlock := e.Locks.Lock(rec.ID)
	defer unlock()
	cur, err := e.Repo.GetReroute(ctx, rec.ID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return false, err
	case !rec.Ahead(cur):
		return false, nil
	}
	if err := e.Repo.UpsertReroute(ctx, nil, rec); err != nil {
		return false, err
	}
	return true, nil
}

// ReceiveNotification stores a notification targeted at this node, unread.
// Duplicates are ignored and reported as not inserted.
func (e Engine) ReceiveNotification(ctx context.Context, n domain.Notification) (bool, error) {
	if err := n.Validate(); err != nil {
		return false, err
	}
	if n.Target != e.Warehouse {
		return false, fmt.Errorf("%w: notification %s targets %s, not %s", domain.ErrMalformed, n.ID, n.Target, e.Warehouse)
	}
	n.Read = false
	return e.Repo.InsertNotification(ctx, nil, n)
}

func (e Engine) GetReroute(ctx context.Context, id string) (domain.Reroute, error) {
	return e.Repo.GetReroute(ctx, id)
}

// ListReroutes returns records where warehouse is source or destination.
// An empty warehouse means this node's own.
func (e Engine) ListReroutes(ctx context.Context, warehouse string) ([]domain.Reroute, error) {
	if warehouse == "" {
		warehouse = e.Warehouse
	}
	return e.Repo.ListReroutes(ctx, warehouse)
}

// ListInTransit returns in-transit reroutes this node is the source of.
func (e Engine) ListInTransit(ctx context.Context) ([]domain.Reroute, error) {
	return e.Repo.ListByStatus(ctx, e.Warehouse, domain.StatusInTransit)
}

// ListOpen returns every local reroute that has not reached a terminal status.
func (e Engine) ListOpen(ctx context.Context) ([]domain.Reroute, error) {
	return e.Repo.ListByStatus(ctx, "",
		domain.StatusPending, domain.StatusApproved, domain.StatusTransitPrep, domain.StatusInTransit, domain.StatusDelivered)
}

func (e Engine) ListNotifications(ctx context.Context, warehouse string) ([]domain.Notification, error) {
	if warehouse == "" {
		warehouse = e.Warehouse
	}
	return e.Repo.ListNotifications(ctx, warehouse)
}

func (e Engine) UnreadCount(ctx context.Context, warehouse string) (int, error) {
	if warehouse == "" {
		warehouse = e.Warehouse
	}
	return e.Repo.UnreadCount(ctx, warehouse)
}

// MarkRead flags one local notification as read. Read state never leaves this node.
func (e Engine) MarkRead(ctx context.Context, id string) error {
	if err := e.Repo.MarkRead(ctx, id); err != nil {
		return fmt.Errorf("notification %s: %w", id, err)
	}
	return nil
}

func (e Engine) MarkAllRead(ctx context.Context, warehouse string) (int64, error) {
	if warehouse == "" {
		warehouse = e.Warehouse
	}
	return e.Repo.MarkAllRead(ctx, warehouse)
}
