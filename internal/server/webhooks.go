package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"coachline/internal/config"
	"coachline/internal/domain"
	"coachline/internal/repo"
)

// WebhookDispatcher tails the event log and posts matching events to
// configured endpoints. Delivery is at-least-once and best-effort: a failed
// delivery is logged and retried on the next poll.
type WebhookDispatcher struct {
	Repo     repo.Repo
	Hooks    []config.WebhookConfig
	Log      *zap.Logger
	Interval time.Duration
	HTTP     *http.Client

	cursor int64
}

func NewWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, log *zap.Logger) *WebhookDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookDispatcher{
		Repo:     r,
		Hooks:    hooks,
		Log:      log,
		Interval: 2 * time.Second,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Run polls until the context is canceled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.Hooks) == 0 {
		return
	}
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Dispatch(ctx)
		}
	}
}

// Dispatch delivers one batch of undelivered events. Exposed for tests.
func (d *WebhookDispatcher) Dispatch(ctx context.Context) {
	evts, err := d.Repo.ListEvents(ctx, "", d.cursor, 100)
	if err != nil {
		d.Log.Error("webhook poll failed", zap.Error(err))
		return
	}
	for _, e := range evts {
		delivered := true
		for _, hook := range d.Hooks {
			if !matches(hook.Events, e.Type) {
				continue
			}
			if err := d.deliver(ctx, hook.URL, e); err != nil {
				d.Log.Warn("webhook delivery failed", zap.String("url", hook.URL), zap.String("type", e.Type), zap.Error(err))
				delivered = false
			}
		}
		if !delivered {
			return
		}
		d.cursor = e.ID
	}
}

func (d *WebhookDispatcher) deliver(ctx context.Context, url string, e domain.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &httpStatusError{status: resp.StatusCode}
	}
	return nil
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string {
	return http.StatusText(e.status)
}

// matches checks an event type against hook patterns. Empty means all; a
// trailing dot matches a prefix, e.g. "game." matches "game.completed".
func matches(patterns []string, evtType string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == evtType {
			return true
		}
		if len(p) > 0 && p[len(p)-1] == '.' && len(evtType) >= len(p) && evtType[:len(p)] == p {
			return true
		}
	}
	return false
}
