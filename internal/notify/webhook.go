package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/context-exchange/cex/internal/metrics"
	"github.com/context-exchange/cex/internal/models"
)

const webhookTimeout = 5 * time.Second

var ErrForbiddenWebhookTarget = errors.New("webhook URL targets a private or local address")

// WebhookPusher POSTs a notification to an agent's webhook URL when a
// message arrives. Delivery is best effort: failures are logged and
// dropped, the message stays in the inbox either way.
type WebhookPusher struct {
	client *http.Client
	log    zerolog.Logger
}

func NewWebhookPusher(log zerolog.Logger) *WebhookPusher {
	return &WebhookPusher{
		client: &http.Client{
			Timeout: webhookTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log.With().Str("component", "webhook").Logger(),
	}
}

type webhookPayload struct {
	Event     string    `json:"event"`
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	FromAgent string    `json:"from_agent_id"`
	Kind      string    `json:"message_type"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Push notifies the recipient's webhook about a new message. Safe to
// call with an empty URL; runs in the caller's goroutine, so callers
// should invoke it with `go`.
func (w *WebhookPusher) Push(ctx context.Context, webhookURL string, msg *models.Message) {
	if webhookURL == "" {
		return
	}
	if err := ValidateWebhookURL(webhookURL); err != nil {
		w.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Skipping webhook push")
		metrics.WebhookPushes.WithLabelValues("skipped").Inc()
		return
	}

	body, err := json.Marshal(webhookPayload{
		Event:     "message.sent",
		MessageID: msg.ID,
		ThreadID:  msg.ThreadID,
		FromAgent: msg.FromAgentID,
		Kind:      msg.Kind,
		Category:  msg.Category,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to marshal webhook payload")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Webhook push failed")
		metrics.WebhookPushes.WithLabelValues("failed").Inc()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		w.log.Warn().Int("status", resp.StatusCode).Str("message_id", msg.ID).Msg("Webhook push rejected")
		metrics.WebhookPushes.WithLabelValues("failed").Inc()
		return
	}
	metrics.WebhookPushes.WithLabelValues("ok").Inc()
}

// lookupIP is swapped out in tests.
var lookupIP = net.LookupIP

// ValidateWebhookURL rejects URLs that are not plain http(s) or that
// resolve to loopback, private, or link-local addresses.
func ValidateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook URL must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("webhook URL has no host")
	}
	if host == "localhost" {
		return ErrForbiddenWebhookTarget
	}

	ips, err := lookupIP(host)
	if err != nil {
		return fmt.Errorf("cannot resolve webhook host: %w", err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return ErrForbiddenWebhookTarget
		}
	}
	return nil
}
