package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// Subscription is a browser push subscription.
type Subscription struct {
	Endpoint string           `json:"endpoint"`
	Keys     SubscriptionKeys `json:"keys"`
	AddedAt  time.Time        `json:"addedAt,omitempty"`
}

type SubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s Subscription) normalize() Subscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

// Validate checks the fields a push gateway needs.
func (s Subscription) Validate() error {
	s = s.normalize()
	switch {
	case s.Endpoint == "":
		return errors.New("endpoint is required")
	case s.Keys.P256DH == "":
		return errors.New("keys.p256dh is required")
	case s.Keys.Auth == "":
		return errors.New("keys.auth is required")
	}
	return nil
}

type subscriptionFile struct {
	UpdatedAt     time.Time      `json:"updatedAt"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// SubscriptionStore persists push subscriptions in a JSON file, keyed by
// endpoint.
type SubscriptionStore struct {
	path string
	mu   sync.Mutex
}

func NewSubscriptionStore(path string) *SubscriptionStore {
	return &SubscriptionStore{path: path}
}

func (s *SubscriptionStore) List() ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	return data.Subscriptions, nil
}

// Upsert adds sub or replaces the entry with the same endpoint.
func (s *SubscriptionStore) Upsert(sub Subscription) error {
	sub = sub.normalize()
	if err := sub.Validate(); err != nil {
		return err
	}
	if sub.AddedAt.IsZero() {
		sub.AddedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return err
	}
	replaced := false
	for i := range data.Subscriptions {
		if data.Subscriptions[i].Endpoint == sub.Endpoint {
			data.Subscriptions[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		data.Subscriptions = append(data.Subscriptions, sub)
	}
	return s.writeLocked(data)
}

// Remove deletes the subscription for endpoint. Unknown endpoints are a
// no-op.
func (s *SubscriptionStore) Remove(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return err
	}
	kept := data.Subscriptions[:0]
	for _, sub := range data.Subscriptions {
		if sub.Endpoint != endpoint {
			kept = append(kept, sub)
		}
	}
	data.Subscriptions = kept
	return s.writeLocked(data)
}

func (s *SubscriptionStore) readLocked() (*subscriptionFile, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &subscriptionFile{Subscriptions: []Subscription{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("notify: read push subscriptions: %w", err)
	}
	var data subscriptionFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("notify: parse push subscriptions: %w", err)
	}
	if data.Subscriptions == nil {
		data.Subscriptions = []Subscription{}
	}
	return &data, nil
}

func (s *SubscriptionStore) writeLocked(data *subscriptionFile) error {
	data.UpdatedAt = time.Now().UTC()
	return writeJSONAtomic(s.path, data)
}

// writeJSONAtomic writes v through a temp file and rename, owner-only.
func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", filepath.Dir(path), err)
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("notify: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("notify: rename %s: %w", path, err)
	}
	return nil
}

// pushSender posts one encrypted payload to one subscription and returns
// the gateway's HTTP status.
type pushSender interface {
	Send(payload []byte, sub Subscription) (int, error)
}

type vapidSender struct {
	subject    string
	publicKey  string
	privateKey string
}

func (v *vapidSender) Send(payload []byte, sub Subscription) (int, error) {
	sub = sub.normalize()
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256DH, Auth: sub.Keys.Auth},
	}, &webpush.Options{
		Subscriber:      v.subject,
		VAPIDPublicKey:  v.publicKey,
		VAPIDPrivateKey: v.privateKey,
		TTL:             3600,
	})
	status := 0
	if resp != nil {
		status = resp.StatusCode
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

// pushPayload is what the service worker receives.
type pushPayload struct {
	Title              string    `json:"title"`
	Body               string    `json:"body"`
	Tag                string    `json:"tag,omitempty"`
	SessionID          string    `json:"sessionId,omitempty"`
	Actions            []Control `json:"actions,omitempty"`
	Timestamp          string    `json:"timestamp"`
	RequireInteraction bool      `json:"requireInteraction,omitempty"`
	Silent             bool      `json:"silent,omitempty"`
}

// PushTransport fans a message out to every stored browser subscription.
type PushTransport struct {
	store     *SubscriptionStore
	sender    pushSender
	publicKey string
	subject   string
}

// NewPushTransport signs pushes with the given VAPID keys.
func NewPushTransport(store *SubscriptionStore, publicKey, privateKey, subject string) *PushTransport {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "mailto:conductor@localhost"
	}
	return &PushTransport{
		store:     store,
		sender:    &vapidSender{subject: subject, publicKey: publicKey, privateKey: privateKey},
		publicKey: publicKey,
		subject:   subject,
	}
}

func (p *PushTransport) Name() string { return "push" }

// PublicKey is the application server key browsers subscribe with.
func (p *PushTransport) PublicKey() string { return p.publicKey }

// Subject is the VAPID contact claim.
func (p *PushTransport) Subject() string { return p.subject }

// Store exposes the subscription store to the HTTP handlers.
func (p *PushTransport) Store() *SubscriptionStore { return p.store }

// Send succeeds when at least one subscriber accepted the push, or when
// there are no subscribers. Gone subscriptions are pruned.
func (p *PushTransport) Send(_ context.Context, m Message) error {
	subs, err := p.store.List()
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	title := m.Title
	if title == "" {
		title = "Conductor"
	}
	now := time.Now().UTC()
	payload, err := json.Marshal(pushPayload{
		Title:              title,
		Body:               m.Text,
		Tag:                pushTag(m, now),
		SessionID:          m.SessionID,
		Actions:            m.Controls,
		Timestamp:          now.Format(time.RFC3339),
		RequireInteraction: m.Urgent || m.HasControls(),
		Silent:             m.Silent,
	})
	if err != nil {
		return fmt.Errorf("notify: push: marshal: %w", err)
	}

	delivered := 0
	var lastErr error
	for _, sub := range subs {
		status, err := p.sender.Send(payload, sub)
		if err == nil {
			delivered++
			continue
		}
		notifyLog.Warn("push_send_failed",
			slog.String("endpoint", endpointForLog(sub.Endpoint)),
			slog.Int("http_status", status),
			slog.String("error", err.Error()))
		switch status {
		case http.StatusGone, http.StatusNotFound:
			_ = p.store.Remove(sub.Endpoint)
		case http.StatusTooManyRequests:
			lastErr = &RateLimitError{}
		default:
			lastErr = err
		}
	}
	if delivered == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// Probe always succeeds; gateways are checked per send.
func (p *PushTransport) Probe(context.Context) error { return nil }

func pushTag(m Message, now time.Time) string {
	if m.SessionID != "" {
		return "conductor-" + m.SessionID
	}
	return fmt.Sprintf("conductor-%d", now.UnixNano())
}

func endpointForLog(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	if len(endpoint) > 48 {
		return endpoint[:48] + "..."
	}
	return endpoint
}

type vapidKeysFile struct {
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey"`
	CreatedAt  time.Time `json:"createdAt"`
}

// EnsureVAPIDKeys loads the keypair at path, generating and saving a new
// one when the file does not exist.
func EnsureVAPIDKeys(path string) (publicKey, privateKey string, generated bool, err error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var f vapidKeysFile
		if err := json.Unmarshal(raw, &f); err != nil {
			return "", "", false, fmt.Errorf("notify: parse vapid keys: %w", err)
		}
		f.PublicKey, f.PrivateKey = strings.TrimSpace(f.PublicKey), strings.TrimSpace(f.PrivateKey)
		if f.PublicKey == "" || f.PrivateKey == "" {
			return "", "", false, errors.New("notify: vapid keys file is missing keys")
		}
		return f.PublicKey, f.PrivateKey, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", "", false, fmt.Errorf("notify: read vapid keys: %w", err)
	}

	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", false, fmt.Errorf("notify: generate vapid keys: %w", err)
	}
	f := vapidKeysFile{PublicKey: publicKey, PrivateKey: privateKey, CreatedAt: time.Now().UTC()}
	if err := writeJSONAtomic(path, f); err != nil {
		return "", "", false, err
	}
	return publicKey, privateKey, true, nil
}
