package provider

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

// Notification template keys.
const (
	TemplateReviewRequested = "review_requested"
	TemplateRequestApproved = "request_approved"
	TemplateRequestRejected = "request_rejected"
	TemplateRequestFailed   = "request_failed"
)

// Notifier delivers at-least-once notifications. Delivery failures are
// reported to the caller but never block lifecycle progress.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, templateKey string, data map[string]any) error
}

// HTTPNotifier posts notifications to an external notification service.
type HTTPNotifier struct {
	baseURL string
	client  *http.Client
}

// NewHTTPNotifier creates a notifier client.
func NewHTTPNotifier(baseURL string, timeout time.Duration) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Notify implements Notifier.
func (n *HTTPNotifier) Notify(ctx context.Context, recipients []string, templateKey string, data map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"recipients": recipients,
		"template":   templateKey,
		"data":       data,
	})
	if err != nil {
		return fmt.Errorf("provider: marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/v1/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("provider: build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider: notification request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider: notification service status %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier logs notifications instead of delivering them. It is the
// default when no notification service is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a logging notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, recipients []string, templateKey string, data map[string]any) error {
	n.logger.Info("notification",
		zap.Strings("recipients", recipients),
		zap.String("template", templateKey),
		zap.Any("data", data),
	)
	return nil
}
