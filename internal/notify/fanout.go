package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Fanout delivers each message to every child transport. A send counts as
// delivered when any child accepts it.
type Fanout struct {
	children []Transport
}

func NewFanout(children ...Transport) *Fanout {
	kept := make([]Transport, 0, len(children))
	for _, c := range children {
		if c != nil {
			kept = append(kept, c)
		}
	}
	return &Fanout{children: kept}
}

func (f *Fanout) Name() string {
	names := make([]string, len(f.children))
	for i, c := range f.children {
		names[i] = c.Name()
	}
	return "fanout(" + strings.Join(names, ",") + ")"
}

// Len is the number of child transports.
func (f *Fanout) Len() int { return len(f.children) }

func (f *Fanout) Send(ctx context.Context, m Message) error {
	if len(f.children) == 0 {
		return nil
	}
	var errs []error
	delivered := false
	for _, c := range f.children {
		if err := c.Send(ctx, m); err != nil {
			notifyLog.Debug("fanout_child_failed",
				slog.String("transport", c.Name()),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		delivered = true
	}
	if delivered {
		return nil
	}
	return errors.Join(errs...)
}

func (f *Fanout) Probe(ctx context.Context) error {
	if len(f.children) == 0 {
		return nil
	}
	var errs []error
	for _, c := range f.children {
		err := c.Probe(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
	}
	return errors.Join(errs...)
}
