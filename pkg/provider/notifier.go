package provider

import (
	"context"
	"log/slog"
	"time"
)

// LogNotifier writes lifecycle notifications to the structured log. Used when
// no downstream notification service is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the event.
func (n *LogNotifier) Notify(_ context.Context, transactionID string, kind EventKind) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("transaction notification", "transaction_id", transactionID, "event", string(kind))
	return nil
}

// HTTPNotifier delivers lifecycle notifications to a downstream webhook
// (SMS/receipt service, refund processor).
type HTTPNotifier struct {
	doer *httpDoer
}

// NewHTTPNotifier creates a notifier posting to baseURL.
func NewHTTPNotifier(baseURL, apiKey string, timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{doer: newHTTPDoer("notifier", baseURL, apiKey, timeout)}
}

// Notify posts the event. Notification failure never rolls back a recorded
// state transition; callers log and continue.
func (n *HTTPNotifier) Notify(ctx context.Context, transactionID string, kind EventKind) error {
	body := map[string]string{
		"transaction_id": transactionID,
		"event":          string(kind),
	}
	return n.doer.postJSON(ctx, "/v1/notifications", nil, body, nil)
}
