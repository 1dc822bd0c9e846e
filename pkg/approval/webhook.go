package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/AppLetico/clasper/pkg/contracts"
)

// WebhookNotifier posts queue transitions to per-tenant webhook URLs.
// Delivery is fire-and-forget with exponential backoff; it never blocks
// the decision path.
type WebhookNotifier struct {
	urls       func(tenantID string) string // empty string disables
	client     *http.Client
	maxRetries int
	logger     *slog.Logger
}

// NewWebhookNotifier creates a notifier. urls resolves a tenant to its
// webhook URL, returning "" for tenants without one.
func NewWebhookNotifier(urls func(tenantID string) string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		urls:       urls,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		logger:     logger,
	}
}

type webhookEvent struct {
	Event      string              `json:"event"`
	TenantID   string              `json:"tenant_id"`
	DecisionID string              `json:"decision_id"`
	State      string              `json:"state"`
	OccurredAt time.Time           `json:"occurred_at"`
	Decision   *contracts.Decision `json:"decision"`
}

func (n *WebhookNotifier) DecisionPending(tenantID string, d *contracts.Decision) {
	n.dispatch("decision.pending", tenantID, d)
}

func (n *WebhookNotifier) DecisionResolved(tenantID string, d *contracts.Decision) {
	n.dispatch("decision.resolved", tenantID, d)
}

func (n *WebhookNotifier) dispatch(event, tenantID string, d *contracts.Decision) {
	url := n.urls(tenantID)
	if url == "" {
		return
	}
	payload := &webhookEvent{
		Event:      event,
		TenantID:   tenantID,
		DecisionID: d.DecisionID,
		State:      string(d.State),
		OccurredAt: time.Now().UTC(),
		Decision:   d,
	}
	go n.deliver(url, payload)
}

func (n *WebhookNotifier) deliver(url string, payload *webhookEvent) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("webhook payload marshal failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			n.logger.Error("webhook request build failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode < 500 {
				return
			}
		}
		if attempt == n.maxRetries {
			break
		}

		backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
	n.logger.Warn("webhook delivery gave up", "url", url, "event", payload.Event, "decision_id", payload.DecisionID)
}
