// Package eventlog is the shared append-only channel carrying notifications
// between warehouse nodes. Backends deliver at least once; consumers dedup by
// notification id.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rerouteline/internal/domain"
)

const wireVersion = 1

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("event log closed")

// Entry is one log record: a notification plus the warehouse that authored it.
type Entry struct {
	Seq          int64               `json:"seq,omitempty"`
	Origin       string              `json:"origin"`
	Notification domain.Notification `json:"notification"`
}

func (e Entry) Target() string { return e.Notification.Target }

// Handler consumes one entry. A returned error asks the backend to redeliver.
type Handler func(ctx context.Context, e Entry) error

type Log interface {
	Append(ctx context.Context, e Entry) error
	// Subscribe blocks delivering entries targeted at target until ctx is done.
	Subscribe(ctx context.Context, target string, h Handler) error
	Close() error
}

type envelope struct {
	V            int                 `json:"v"`
	Origin       string              `json:"origin"`
	Notification domain.Notification `json:"notification"`
}

// Encode renders the wire form shared by every backend.
func Encode(e Entry) ([]byte, error) {
	return json.Marshal(envelope{V: wireVersion, Origin: e.Origin, Notification: e.Notification})
}

// Decode parses the wire form. Entries that fail here are malformed and never retried.
func Decode(data []byte) (Entry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Entry{}, fmt.Errorf("%w: decode entry: %v", domain.ErrMalformed, err)
	}
	if env.V != wireVersion {
		return Entry{}, fmt.Errorf("%w: entry version %d", domain.ErrMalformed, env.V)
	}
	return Entry{Origin: env.Origin, Notification: env.Notification}, nil
}

// deliver runs h until it succeeds or ctx ends.
func deliver(ctx context.Context, h Handler, e Entry, backoff time.Duration) error {
	for {
		err := h(ctx, e)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}
