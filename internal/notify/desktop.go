package notify

import (
	"context"
	"fmt"

	"github.com/gen2brain/beeep"
)

const maxDesktopBody = 800

// DesktopTransport raises a native desktop notification.
type DesktopTransport struct {
	notify func(title, body string) error
	alert  func(title, body string) error
}

// NewDesktopTransport returns a transport backed by the host notifier.
// Urgent messages use an alert, which also plays a sound.
func NewDesktopTransport() *DesktopTransport {
	return &DesktopTransport{
		notify: func(title, body string) error { return beeep.Notify(title, body, "") },
		alert:  func(title, body string) error { return beeep.Alert(title, body, "") },
	}
}

func (d *DesktopTransport) Name() string { return "desktop" }

func (d *DesktopTransport) Send(_ context.Context, m Message) error {
	title := m.Title
	if title == "" {
		title = "Conductor"
	}
	body := m.Text
	if r := []rune(body); len(r) > maxDesktopBody {
		body = string(r[:maxDesktopBody]) + "..."
	}
	send := d.notify
	if m.Urgent {
		send = d.alert
	}
	if err := send(title, body); err != nil {
		return fmt.Errorf("notify: desktop: %w", err)
	}
	return nil
}

// Probe always succeeds; the desktop notifier has no remote end.
func (d *DesktopTransport) Probe(context.Context) error { return nil }
