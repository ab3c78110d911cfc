package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/poyrazK/cloudLicense/internal/core/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-CloudLicense-Signature"

// RedeemedEvent is the webhook body sent after a successful redemption.
type RedeemedEvent struct {
	Event        string                     `json:"event"`
	UserID       string                     `json:"user_id"`
	Subscription domain.SubscriptionSummary `json:"subscription"`
	SentAt       time.Time                  `json:"sent_at"`
}

// WebhookNotifier posts redemption notices to a single HTTP endpoint.
type WebhookNotifier struct {
	client *retryablehttp.Client
	url    string
	secret []byte
}

// NewWebhookNotifier creates a notifier for url. When secret is set every body
// is signed. retries bounds the in-process retries; the task queue retries on top.
func NewWebhookNotifier(url, secret string, retries int, timeout time.Duration) *WebhookNotifier {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retries
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.HTTPClient.Timeout = timeout
	retryClient.Logger = nil

	n := &WebhookNotifier{client: retryClient, url: url}
	if secret != "" {
		n.secret = []byte(secret)
	}
	return n
}

func (n *WebhookNotifier) NotifyRedeemed(ctx context.Context, userID string, summary domain.SubscriptionSummary) error {
	body, err := json.Marshal(RedeemedEvent{
		Event:        "license.redeemed",
		UserID:       userID,
		Subscription: summary,
		SentAt:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook body: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != nil {
		req.Header.Set(SignatureHeader, Sign(n.secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected with status: %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// LogNotifier only logs; used when no webhook is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyRedeemed(_ context.Context, userID string, summary domain.SubscriptionSummary) error {
	n.logger.Info("subscription activated", "user_id", userID, "subscription_id", summary.SubscriptionID,
		"expires_at", summary.ExpiresAt, "lifetime", summary.Lifetime)
	return nil
}
