package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"rerouteline/internal/config"
	"rerouteline/internal/domain"
)

const (
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookQueue    = 256
	defaultWebhookAttempts = 3
	defaultWebhookBackoff  = 500 * time.Millisecond
)

// WebhookDispatcher posts every newly stored notification to the configured hooks.
type WebhookDispatcher struct {
	webhooks []config.WebhookConfig
	client   *http.Client
	queue    chan webhookEvent
	logger   zerolog.Logger
	backoff  time.Duration
}

// NewWebhookDispatcher returns nil when no hook is enabled.
func NewWebhookDispatcher(hooks []config.WebhookConfig, logger zerolog.Logger) *WebhookDispatcher {
	var enabled []config.WebhookConfig
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		enabled = append(enabled, hook)
	}
	if len(enabled) == 0 {
		return nil
	}
	return &WebhookDispatcher{
		webhooks: enabled,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		queue:    make(chan webhookEvent, defaultWebhookQueue),
		logger:   logger.With().Str("component", "webhooks").Logger(),
		backoff:  defaultWebhookBackoff,
	}
}

type webhookEvent struct {
	Warehouse    string              `json:"warehouse"`
	Notification domain.Notification `json:"notification"`
}

// Notify queues n for delivery. It never blocks; a full queue drops the event.
func (d *WebhookDispatcher) Notify(_ context.Context, n domain.Notification) {
	if d == nil {
		return
	}
	select {
	case d.queue <- webhookEvent{Warehouse: n.Target, Notification: n}:
	default:
		d.logger.Warn().Str("notification_id", n.ID).Msg("webhook queue full; dropping event")
	}
}

// Run delivers queued events until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	if d == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-d.queue:
			d.dispatchAll(ctx, evt)
		}
	}
}

func (d *WebhookDispatcher) dispatchAll(ctx context.Context, evt webhookEvent) {
	for _, hook := range d.webhooks {
		if !newEventFilter(hook.Events).match(string(evt.Notification.Kind)) {
			continue
		}
		var err error
		for attempt := 1; attempt <= defaultWebhookAttempts; attempt++ {
			if err = d.postEvent(ctx, hook, evt); err == nil {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.backoff * time.Duration(attempt)):
			}
		}
		if err != nil {
			d.logger.Error().Err(err).Str("url", hook.URL).Str("notification_id", evt.Notification.ID).Msg("webhook delivery failed")
		}
	}
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt webhookEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Rerouteline-Event", string(evt.Notification.Kind))
	req.Header.Set("X-Rerouteline-Delivery", evt.Notification.ID)
	req.Header.Set("X-Rerouteline-Warehouse", evt.Warehouse)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Rerouteline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
