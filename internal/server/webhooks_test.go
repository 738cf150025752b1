package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"rerouteline/internal/config"
	"rerouteline/internal/domain"
)

type hookRecorder struct {
	mu       sync.Mutex
	events   []webhookEvent
	headers  []http.Header
	failures int
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures > 0 {
		h.failures--
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}
	var evt webhookEvent
	_ = json.NewDecoder(r.Body).Decode(&evt)
	h.events = append(h.events, evt)
	h.headers = append(h.headers, r.Header.Clone())
	w.WriteHeader(http.StatusNoContent)
}

func (h *hookRecorder) received() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewWebhookDispatcherSkipsDisabled(t *testing.T) {
	off := false
	d := NewWebhookDispatcher([]config.WebhookConfig{{URL: "http://x", Enabled: &off}, {URL: " "}}, zerolog.Nop())
	if d != nil {
		t.Fatalf("expected nil dispatcher when no hook is enabled")
	}
	// a nil dispatcher is safe to use
	d.Notify(context.Background(), domain.Notification{ID: "n-1"})
}

func TestWebhookDeliveryFiltersAndRetries(t *testing.T) {
	rec := &hookRecorder{failures: 1}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := NewWebhookDispatcher([]config.WebhookConfig{{
		URL:    srv.URL,
		Events: []string{string(domain.KindApproved)},
		Secret: "s3cret",
	}}, zerolog.Nop())
	d.backoff = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Notify(ctx, domain.Notification{ID: "n-1", Kind: domain.KindRequested, Target: "east", RerouteID: "r-1"})
	d.Notify(ctx, domain.Notification{ID: "n-2", Kind: domain.KindApproved, Target: "south", RerouteID: "r-1"})
	waitFor(t, func() bool { return rec.received() == 1 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if got := rec.events[0].Notification.ID; got != "n-2" {
		t.Fatalf("expected only the approved notification, got %s", got)
	}
	h := rec.headers[0]
	if h.Get("X-Rerouteline-Event") != string(domain.KindApproved) || h.Get("X-Rerouteline-Warehouse") != "south" {
		t.Fatalf("unexpected headers %v", h)
	}
	if h.Get("X-Rerouteline-Secret") != "s3cret" || h.Get("X-Rerouteline-Delivery") != "n-2" {
		t.Fatalf("missing secret or delivery id: %v", h)
	}
}
