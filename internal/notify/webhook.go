package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// webhookPayload is the JSON body POSTed for each message.
type webhookPayload struct {
	Message
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

// WebhookTransport POSTs messages as JSON to a URL.
type WebhookTransport struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// NewWebhookTransport returns a webhook transport. A non-positive timeout
// uses 5s.
func NewWebhookTransport(url string, timeout time.Duration) *WebhookTransport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookTransport{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

func (w *WebhookTransport) Name() string { return "webhook" }

func (w *WebhookTransport) Send(ctx context.Context, m Message) error {
	body, err := json.Marshal(webhookPayload{Message: m, Source: "conductor", Timestamp: w.now().Unix()})
	if err != nil {
		return fmt.Errorf("notify: webhook: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: webhook: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook: %v", ErrOffline, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 400:
		return fmt.Errorf("notify: webhook: status %d", resp.StatusCode)
	}
	return nil
}

// Probe treats any HTTP response as reachable; only a transport error
// counts as offline.
func (w *WebhookTransport) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.url, nil)
	if err != nil {
		return fmt.Errorf("notify: webhook probe: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook probe: %v", ErrOffline, err)
	}
	resp.Body.Close()
	return nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
