package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/conductor/internal/config"
	"github.com/asheshgoplani/conductor/internal/logging"
)

var notifyLog = logging.ForComponent(logging.CompNotify)

const (
	DefaultMaxRetries    = 5
	DefaultDrainDelay    = 100 * time.Millisecond
	DefaultProbeInterval = 30 * time.Second

	sendAttempts   = 4
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Options configure a Notifier.
type Options struct {
	// BatchWindow is the flush interval. Zero disables batching.
	BatchWindow   time.Duration
	MaxRetries    int
	DrainDelay    time.Duration
	ProbeInterval time.Duration
}

// OptionsFromConfig maps the [notifications] section onto Options.
func OptionsFromConfig(c config.NotificationsConfig) Options {
	return Options{
		BatchWindow:   c.BatchWindow(),
		MaxRetries:    c.MaxRetries,
		DrainDelay:    c.DrainDelay(),
		ProbeInterval: c.ProbeInterval(),
	}
}

// Queued is a message waiting in the offline queue.
type Queued struct {
	Message Message
	Retries int
}

// Notifier is the single outbound path for operator notifications. Every
// message is redacted before it reaches a transport.
type Notifier struct {
	transport Transport
	opts      Options
	limiter   *rate.Limiter
	sleep     func(ctx context.Context, d time.Duration) error

	nextID atomic.Int64

	mu     sync.Mutex
	batch  []Message
	queue  []Queued
	online bool

	drainMu sync.Mutex
}

// New returns an online notifier.
func New(t Transport, opts Options) *Notifier {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.DrainDelay < 0 {
		opts.DrainDelay = 0
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	limit := rate.Inf
	if opts.DrainDelay > 0 {
		limit = rate.Every(opts.DrainDelay)
	}
	return &Notifier{
		transport: t,
		opts:      opts,
		limiter:   rate.NewLimiter(limit, 1),
		sleep:     sleepCtx,
		online:    true,
	}
}

// Online reports whether the last delivery attempt succeeded.
func (n *Notifier) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

// Send delivers m, or buffers it for the next flush when batching is on.
// It returns the delivery id and true only when m went out immediately.
func (n *Notifier) Send(ctx context.Context, m Message) (int64, bool) {
	m = m.redacted()
	if n.opts.BatchWindow <= 0 {
		return n.deliver(ctx, m)
	}
	n.mu.Lock()
	n.batch = append(n.batch, m)
	n.mu.Unlock()
	return 0, false
}

// SendImmediate bypasses batching.
func (n *Notifier) SendImmediate(ctx context.Context, m Message) (int64, bool) {
	return n.deliver(ctx, m.redacted())
}

// Flush sends everything buffered. Messages with controls always go out
// on their own; two or more plain messages are merged into one digest.
func (n *Notifier) Flush(ctx context.Context) {
	n.mu.Lock()
	items := n.batch
	n.batch = nil
	n.mu.Unlock()

	switch len(items) {
	case 0:
		return
	case 1:
		n.deliver(ctx, items[0])
		return
	}

	var plain, interactive []Message
	for _, m := range items {
		if m.HasControls() {
			interactive = append(interactive, m)
		} else {
			plain = append(plain, m)
		}
	}
	switch len(plain) {
	case 0:
	case 1:
		n.deliver(ctx, plain[0])
	default:
		n.deliver(ctx, combine(plain))
	}
	for _, m := range interactive {
		n.deliver(ctx, m)
	}
}

// Pending returns the number of buffered, unflushed messages.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.batch)
}

// Queued returns a copy of the offline queue, oldest first.
func (n *Notifier) Queued() []Queued {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Queued(nil), n.queue...)
}

// deliver tries the transport, backing off on rate limits. Any other
// failure marks the notifier offline and queues the message.
func (n *Notifier) deliver(ctx context.Context, m Message) (int64, bool) {
	backoff := initialBackoff
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		err := n.transport.Send(ctx, m)
		if err == nil {
			n.setOnline(true)
			n.Drain(ctx)
			return n.nextID.Add(1), true
		}

		var rl *RateLimitError
		if errors.Is(err, ErrRateLimited) {
			wait := backoff
			if errors.As(err, &rl) && rl.RetryAfter > wait {
				wait = min(rl.RetryAfter, maxBackoff)
			}
			notifyLog.Warn("send_rate_limited",
				slog.String("transport", n.transport.Name()),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", wait))
			if attempt == sendAttempts {
				break
			}
			if n.sleep(ctx, wait) != nil {
				break
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		n.setOnline(false)
		n.enqueue(m, 1)
		notifyLog.Warn("send_failed_queued",
			slog.String("transport", n.transport.Name()),
			slog.Int("text_len", len(m.Text)),
			slog.Int("queue_len", n.queueLen()),
			slog.String("error", err.Error()))
		return 0, false
	}

	n.enqueue(m, 1)
	return 0, false
}

// Drain sends the offline queue in order, one message at a time, paced by
// the drain delay. The first failure ends this pass: the failed message
// goes back to the head of the queue with its retry count bumped, or is
// dropped once it has used up its retries.
func (n *Notifier) Drain(ctx context.Context) {
	if !n.drainMu.TryLock() {
		return
	}
	defer n.drainMu.Unlock()

	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		q := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()

		if err := n.limiter.Wait(ctx); err != nil {
			n.requeueFront(q)
			return
		}
		if err := n.transport.Send(ctx, q.Message); err != nil {
			if q.Retries < n.opts.MaxRetries {
				q.Retries++
				n.requeueFront(q)
			} else {
				notifyLog.Warn("queued_message_dropped",
					slog.Int("retries", q.Retries),
					slog.Int("text_len", len(q.Message.Text)))
			}
			n.setOnline(false)
			return
		}
	}
}

// Run flushes the batch buffer every BatchWindow and once more on exit.
func (n *Notifier) Run(ctx context.Context) error {
	if n.opts.BatchWindow <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(n.opts.BatchWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			n.Flush(final)
			cancel()
			return nil
		case <-ticker.C:
			n.Flush(ctx)
		}
	}
}

// RunProbe checks connectivity every ProbeInterval while offline and
// drains the queue once the transport answers.
func (n *Notifier) RunProbe(ctx context.Context) error {
	ticker := time.NewTicker(n.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.probeOnce(ctx)
		}
	}
}

func (n *Notifier) probeOnce(ctx context.Context) {
	if n.Online() {
		return
	}
	if err := n.transport.Probe(ctx); err != nil {
		notifyLog.Debug("probe_failed", slog.String("error", err.Error()))
		return
	}
	notifyLog.Info("transport_online", slog.Int("queue_len", n.queueLen()))
	n.setOnline(true)
	n.Drain(ctx)
}

func (n *Notifier) setOnline(on bool) {
	n.mu.Lock()
	n.online = on
	n.mu.Unlock()
}

func (n *Notifier) enqueue(m Message, retries int) {
	n.mu.Lock()
	n.queue = append(n.queue, Queued{Message: m, Retries: retries})
	n.mu.Unlock()
}

func (n *Notifier) requeueFront(q Queued) {
	n.mu.Lock()
	n.queue = append([]Queued{q}, n.queue...)
	n.mu.Unlock()
}

func (n *Notifier) queueLen() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
