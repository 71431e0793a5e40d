package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookSink posts every event as JSON to a single URL. Publishing never
// blocks the engines: events go through a bounded buffer and are dropped
// (and logged) when the receiver falls behind.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
	log    *zap.Logger
	queue  chan Event
}

func NewWebhookSink(url, secret string, log *zap.Logger) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.Named("webhook"),
		queue:  make(chan Event, 256),
	}
}

func (w *WebhookSink) Publish(_ context.Context, e Event) {
	select {
	case w.queue <- e:
	default:
		w.log.Warn("event dropped, buffer full", zap.String("type", string(e.Type)), zap.String("subject", e.Subject))
	}
}

// Run delivers queued events until ctx is done.
func (w *WebhookSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-w.queue:
			if err := w.send(ctx, e); err != nil {
				w.log.Error("event delivery failed", zap.String("type", string(e.Type)), zap.Error(err))
			}
		}
	}
}

func (w *WebhookSink) send(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set("X-Webhook-Secret", w.secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook %s: %s body=%s", w.url, resp.Status, body)
	}
	return nil
}
