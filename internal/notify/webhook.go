package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tenantkit/automation/pkg/schema"
)

const (
	defaultWebhookTimeout  = 30 * time.Second
	defaultMaxResponseBody = 1 * 1024 * 1024 // 1MB
)

// EndpointResolver returns the webhook endpoint URLs configured for a
// tenant. An empty slice means the tenant has no endpoints; delivery is
// then a no-op.
type EndpointResolver func(ctx context.Context, tenantID string) ([]string, error)

// HTTPWebhookNotifier posts event payloads to tenant-configured
// endpoints. Each delivery is best-effort: a non-2xx response or
// transport error is reported to the caller for logging, and remaining
// endpoints are still attempted.
type HTTPWebhookNotifier struct {
	client   *http.Client
	resolver EndpointResolver
	maxBody  int64
}

// NewHTTPWebhookNotifier creates a notifier with a 30s request timeout.
func NewHTTPWebhookNotifier(resolver EndpointResolver) *HTTPWebhookNotifier {
	return &HTTPWebhookNotifier{
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		resolver: resolver,
		maxBody:  defaultMaxResponseBody,
	}
}

// Dispatch posts the payload to every endpoint configured for the
// tenant. The event name travels in the body and the
// X-Automation-Event header.
func (n *HTTPWebhookNotifier) Dispatch(ctx context.Context, tenantID, eventName string, payload map[string]any) error {
	endpoints, err := n.resolver(ctx, tenantID)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeDelivery, "resolve webhook endpoints: %s", err.Error()).WithCause(err)
	}
	if len(endpoints) == 0 {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"event":     eventName,
		"tenant_id": tenantID,
		"payload":   payload,
		"sent_at":   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeDelivery, "marshal webhook payload: %s", err.Error()).WithCause(err)
	}

	var firstErr error
	for _, endpoint := range endpoints {
		if err := n.post(ctx, endpoint, eventName, body); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *HTTPWebhookNotifier) post(ctx context.Context, endpoint, eventName string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeDelivery, "build webhook request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Automation-Event", eventName)

	resp, err := n.client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeDelivery, "webhook %s: %s", endpoint, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	// Drain (capped) so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, n.maxBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return schema.NewErrorf(schema.ErrCodeDelivery,
			"webhook %s: %s", endpoint, fmt.Sprintf("status %d", resp.StatusCode))
	}
	return nil
}

var _ WebhookNotifier = (*HTTPWebhookNotifier)(nil)
