package eventlog

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process log. Subscribers replay history from the start.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	signal  chan struct{}
	closed  bool
	// Backoff between redeliveries of a failing entry.
	Backoff time.Duration
}

func NewMemory() *Memory {
	return &Memory{signal: make(chan struct{}), Backoff: 50 * time.Millisecond}
}

func (m *Memory) Append(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	e.Seq = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	close(m.signal)
	m.signal = make(chan struct{})
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, target string, h Handler) error {
	cursor := 0
	for {
		m.mu.Lock()
		batch := append([]Entry(nil), m.entries[cursor:]...)
		wait := m.signal
		closed := m.closed
		m.mu.Unlock()

		for _, e := range batch {
			cursor++
			if e.Target() != target {
				continue
			}
			if err := deliver(ctx, h, e, m.Backoff); err != nil {
				return nil
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-wait:
		}
	}
}

// Entries returns a copy of everything appended so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.signal)
		m.signal = make(chan struct{})
	}
	return nil
}
