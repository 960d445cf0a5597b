// Package notify delivers operator notifications with batching, offline
// queueing and rate-limit backoff over pluggable transports.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrOffline is returned by transports that cannot reach their target.
	ErrOffline = errors.New("notify: transport offline")
	// ErrRateLimited marks a send refused for rate limiting.
	ErrRateLimited = errors.New("notify: rate limited")
)

// RateLimitError carries the server's retry hint. It matches ErrRateLimited
// under errors.Is.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("notify: rate limited (retry after %s)", e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// Control is an interactive action attached to a message, such as an
// approve button. Action is an opaque command string for the receiver.
type Control struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Message is one outbound notification.
type Message struct {
	Title     string    `json:"title,omitempty"`
	Text      string    `json:"text"`
	SessionID string    `json:"session_id,omitempty"`
	Controls  []Control `json:"controls,omitempty"`
	Silent    bool      `json:"silent,omitempty"`
	Urgent    bool      `json:"urgent,omitempty"`
}

// HasControls reports whether the message carries interactive controls.
func (m Message) HasControls() bool { return len(m.Controls) > 0 }

func (m Message) redacted() Message {
	m.Title = Redact(m.Title)
	m.Text = Redact(m.Text)
	return m
}

// Transport delivers messages to one destination.
type Transport interface {
	Name() string
	Send(ctx context.Context, m Message) error
	// Probe is a cheap reachability check used while offline.
	Probe(ctx context.Context) error
}

// combine merges plain messages into one digest.
func combine(items []Message) Message {
	texts := make([]string, len(items))
	silent := true
	for i, m := range items {
		texts[i] = m.Text
		silent = silent && m.Silent
	}
	return Message{
		Title:  items[0].Title,
		Text:   fmt.Sprintf("📬 %d updates:\n\n%s", len(items), strings.Join(texts, "\n\n")),
		Silent: silent,
	}
}
