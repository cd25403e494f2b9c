package events

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/resilience"
)

// RoutingKeyHeader carries the {file_id}.{event} routing key.
const RoutingKeyHeader = "X-Routing-Key"

// Webhook posts events as JSON to a URL.
type Webhook struct {
	url    string
	client *http.Client
	retry  resilience.RetryConfig
}

// NewWebhook creates a webhook publisher for url.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			JitterFraction: 0.2,
		},
	}
}

// Name implements Named.
func (w *Webhook) Name() string { return "webhook" }

// Publish implements Publisher.
func (w *Webhook) Publish(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "events: marshal event")
	}
	return resilience.Do(ctx, w.retry, func(ctx context.Context) error {
		return w.post(ctx, ev.RoutingKey(), payload)
	})
}

func (w *Webhook) post(ctx context.Context, routingKey string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "events: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RoutingKeyHeader, routingKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "events: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return resilience.ForStatus(eris.Errorf("events: webhook returned status %d", resp.StatusCode), resp.StatusCode)
	}
	return nil
}
