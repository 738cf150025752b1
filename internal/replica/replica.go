package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"rerouteline/internal/domain"
	"rerouteline/internal/engine"
	reroutelinesdk "rerouteline/sdk/go"
)

// ErrUnknownPeer is returned for a warehouse with no registered store.
var ErrUnknownPeer = errors.New("unknown peer")

// Target is a warehouse store reachable for write-through and pulls.
type Target interface {
	ApplyReplica(ctx context.Context, r domain.Reroute) (bool, error)
	GetReroute(ctx context.Context, id string) (domain.Reroute, error)
}

// Directory routes replica traffic to each warehouse's store, in-process or remote.
type Directory struct {
	mu      sync.RWMutex
	targets map[string]Target
}

func NewDirectory() *Directory {
	return &Directory{targets: make(map[string]Target)}
}

func (d *Directory) Register(warehouse string, t Target) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets[warehouse] = t
}

func (d *Directory) Lookup(warehouse string) (Target, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.targets[warehouse]
	return t, ok
}

// Warehouses lists registered warehouse ids, sorted.
func (d *Directory) Warehouses() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.targets))
	for id := range d.targets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Push writes r into warehouse's store.
func (d *Directory) Push(ctx context.Context, warehouse string, r domain.Reroute) error {
	t, ok := d.Lookup(warehouse)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, warehouse)
	}
	if _, err := t.ApplyReplica(ctx, r); err != nil {
		return fmt.Errorf("push reroute %s to %s: %w", r.ID, warehouse, err)
	}
	return nil
}

// actingTarget is a Target that authorizes reads by the calling warehouse.
type actingTarget interface {
	GetRerouteAs(ctx context.Context, acting, id string) (domain.Reroute, error)
}

// Pull reads warehouse's copy of reroute id. Remote stores are read acting
// as from, the warehouse that asked.
func (d *Directory) Pull(ctx context.Context, from, warehouse, id string) (domain.Reroute, error) {
	t, ok := d.Lookup(warehouse)
	if !ok {
		return domain.Reroute{}, fmt.Errorf("%w: %s", ErrUnknownPeer, warehouse)
	}
	var (
		r   domain.Reroute
		err error
	)
	if at, ok := t.(actingTarget); ok {
		r, err = at.GetRerouteAs(ctx, from, id)
	} else {
		r, err = t.GetReroute(ctx, id)
	}
	if err != nil {
		return domain.Reroute{}, fmt.Errorf("pull reroute %s from %s: %w", id, warehouse, err)
	}
	return r, nil
}

// Remote reaches a node served by another process through its replica endpoints.
type Remote struct {
	Client *reroutelinesdk.Client
	// Token mints a bearer token for the acting warehouse. Nil sends the warehouse header.
	Token func(warehouse string) (string, error)
}

// as returns a client acting as warehouse, or as the configured identity when empty.
func (r Remote) as(warehouse string) (*reroutelinesdk.Client, error) {
	c := *r.Client
	if warehouse != "" {
		c.As = warehouse
	}
	if r.Token != nil {
		token, err := r.Token(c.As)
		if err != nil {
			return nil, err
		}
		c.BearerToken = token
	}
	return &c, nil
}

func (r Remote) ApplyReplica(ctx context.Context, rec domain.Reroute) (bool, error) {
	var out reroutelinesdk.Reroute
	if err := convert(rec, &out); err != nil {
		return false, err
	}
	c, err := r.as(rec.Counterpart(r.Client.Warehouse))
	if err != nil {
		return false, err
	}
	return c.PutReplica(ctx, out)
}

func (r Remote) GetReroute(ctx context.Context, id string) (domain.Reroute, error) {
	return r.GetRerouteAs(ctx, "", id)
}

// GetRerouteAs reads the remote copy acting as warehouse acting, which must
// be a party to the reroute.
func (r Remote) GetRerouteAs(ctx context.Context, acting, id string) (domain.Reroute, error) {
	c, err := r.as(acting)
	if err != nil {
		return domain.Reroute{}, err
	}
	got, err := c.GetReplica(ctx, id)
	if reroutelinesdk.IsNotFound(err) {
		return domain.Reroute{}, fmt.Errorf("%w: %s", engine.ErrNotFound, id)
	}
	if err != nil {
		return domain.Reroute{}, err
	}
	var out domain.Reroute
	if err := convert(got, &out); err != nil {
		return domain.Reroute{}, err
	}
	return out, nil
}

func convert(in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

var (
	_ engine.Replicator = (*Directory)(nil)
	_ Target            = engine.Engine{}
	_ Target            = Remote{}
	_ actingTarget      = Remote{}
)
