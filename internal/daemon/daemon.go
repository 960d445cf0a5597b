// Package daemon wires the supervisor together: it owns the session
// manager, one monitor per live session, the notifier and the periodic
// housekeeping loops, and reacts to classified output.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/conductor/internal/ai"
	"github.com/asheshgoplani/conductor/internal/autorespond"
	"github.com/asheshgoplani/conductor/internal/config"
	"github.com/asheshgoplani/conductor/internal/confirm"
	"github.com/asheshgoplani/conductor/internal/logging"
	"github.com/asheshgoplani/conductor/internal/monitor"
	"github.com/asheshgoplani/conductor/internal/notify"
	"github.com/asheshgoplani/conductor/internal/platform"
	"github.com/asheshgoplani/conductor/internal/session"
	"github.com/asheshgoplani/conductor/internal/statedb"
	"github.com/asheshgoplani/conductor/internal/tmux"
	"github.com/asheshgoplani/conductor/internal/tokens"
	"github.com/asheshgoplani/conductor/internal/wake"
	"github.com/asheshgoplani/conductor/internal/web"
)

var daemonLog = logging.ForComponent(logging.CompDaemon)

const (
	primaryTimeout    = 30 * time.Second
	heartbeatInterval = 10 * time.Second
	pruneInterval     = 24 * time.Hour
)

// ErrNotPrimary means another daemon holds the primary role.
var ErrNotPrimary = errors.New("daemon: another conductor daemon is already running")

// Options carries collaborators that replace the defaults built from config.
type Options struct {
	// ConfigPath enables live reload when set.
	ConfigPath string
	Mux        tmux.Multiplexer
	DB         *statedb.StateDB
	// Transport replaces the transports configured under [notifications].
	Transport notify.Transport
	Brain     ai.Brain
}

// Daemon is one running supervisor.
type Daemon struct {
	db         *statedb.StateDB
	ownsDB     bool
	configPath string
	crashDir   string

	sessions  *session.Manager
	pool      *monitor.Pool
	responder *autorespond.Responder
	confirms  *confirm.Manager
	notifier  *notify.Notifier
	escalator *notify.Escalator
	brain     ai.Brain
	tokens    *tokens.Estimator
	wake      *wake.Detector
	web       *web.Server

	mu  sync.RWMutex
	cfg *config.Config

	now func() time.Time
}

// New builds a daemon from cfg. Monitors started later run under ctx.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	d := &Daemon{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		crashDir:   cfg.CrashDir(),
		now:        time.Now,
	}

	d.db = opts.DB
	if d.db == nil {
		db, err := statedb.Open(cfg.DBPath())
		if err != nil {
			return nil, fmt.Errorf("daemon: open state: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("daemon: migrate state: %w", err)
		}
		d.db = db
		d.ownsDB = true
	}

	mux := opts.Mux
	if mux == nil {
		mux = tmux.New()
	}

	d.tokens = tokens.NewFromConfig(cfg.Tokens)
	d.sessions = session.NewManager(mux, d.db, session.OptionsFromConfig(cfg.Sessions, d.tokens.Limit()))

	d.responder = autorespond.NewResponder(d.db, nil)
	d.responder.SetEnabled(cfg.AutoResponder.Enabled)
	if n, err := d.responder.SeedDefaults(cfg.AutoResponder.DefaultRules); err != nil {
		daemonLog.Warn("rule_seed_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		daemonLog.Info("rules_seeded", slog.Int("count", n))
	}

	d.confirms = confirm.New(cfg.Security.ConfirmTTL())

	transport, push, feed := opts.Transport, (*notify.PushTransport)(nil), (*notify.FeedTransport)(nil)
	if transport == nil {
		var err error
		transport, push, feed, err = buildTransport(cfg)
		if err != nil {
			d.Close()
			return nil, err
		}
	}
	d.notifier = notify.New(transport, notify.OptionsFromConfig(cfg.Notifications))
	d.escalator = notify.NewEscalator(cfg.Errors.EscalationThreshold, cfg.Errors.ResetWindow(), d.onEscalate)

	d.brain = opts.Brain
	if d.brain == nil {
		d.brain = ai.New(cfg.AnthropicAPIKey, ai.OptionsFromConfig(cfg.AI))
	}

	d.pool = monitor.NewPool(ctx, d.sessions, monitor.SettingsFromConfig(cfg.Monitor), d.onEvent)
	d.sessions.SetHooks(d.pool.Attach, d.onDetach)

	d.wake = wake.New(cfg.Maintenance.WakeCheck(), cfg.Maintenance.WakeThreshold(), d.onWake)

	if cfg.Web.Enabled {
		d.web = web.NewServer(web.Config{
			ListenAddr: cfg.Web.Listen,
			Token:      cfg.Web.Token,
			Sessions:   d.sessions,
			Actions:    d,
			Push:       push,
			Feed:       feed,
		})
	}
	return d, nil
}

// buildTransport assembles the configured destinations behind one fanout.
func buildTransport(cfg *config.Config) (notify.Transport, *notify.PushTransport, *notify.FeedTransport, error) {
	nc := cfg.Notifications
	var children []notify.Transport

	if nc.Webhook.URL != "" {
		children = append(children, notify.NewWebhookTransport(nc.Webhook.URL, time.Duration(nc.Webhook.TimeoutS)*time.Second))
	}
	if nc.Desktop.Enabled {
		if platform.IsWSL() {
			daemonLog.Warn("desktop_notify_unreliable", slog.String("platform", platform.Detect().String()))
		}
		children = append(children, notify.NewDesktopTransport())
	}

	var push *notify.PushTransport
	if nc.Push.Enabled {
		pub, priv, generated, err := notify.EnsureVAPIDKeys(cfg.VAPIDKeysPath())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("daemon: vapid keys: %w", err)
		}
		if generated {
			daemonLog.Info("vapid_keys_generated", slog.String("path", cfg.VAPIDKeysPath()))
		}
		push = notify.NewPushTransport(notify.NewSubscriptionStore(cfg.PushStorePath()), pub, priv, nc.Push.Subject)
		children = append(children, push)
	}

	var feed *notify.FeedTransport
	if nc.Feed.Enabled && cfg.Web.Enabled {
		feed = notify.NewFeedTransport()
		children = append(children, feed)
	}

	fan := notify.NewFanout(children...)
	if fan.Len() == 0 {
		daemonLog.Warn("no_transports_configured")
	} else {
		daemonLog.Info("transports_ready", slog.String("transport", fan.Name()))
	}
	return fan, push, feed, nil
}

// Sessions exposes the manager for read-only callers.
func (d *Daemon) Sessions() *session.Manager { return d.sessions }

// Notifier exposes the outbound path.
func (d *Daemon) Notifier() *notify.Notifier { return d.notifier }

func (d *Daemon) config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Run claims the primary role, adopts existing sessions and blocks running
// the background loops until ctx is cancelled or a loop fails.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.db.RegisterDaemon(); err != nil {
		return fmt.Errorf("daemon: register: %w", err)
	}
	defer func() { _ = d.db.UnregisterDaemon() }()

	primary, err := d.db.ElectPrimary(primaryTimeout)
	if err != nil {
		return fmt.Errorf("daemon: elect primary: %w", err)
	}
	if !primary {
		return ErrNotPrimary
	}
	defer func() { _ = d.db.ResignPrimary() }()

	loaded, err := d.sessions.LoadFromStore(ctx)
	if err != nil {
		daemonLog.Warn("load_sessions_failed", slog.String("error", err.Error()))
	}
	recovered, err := d.sessions.Recover(ctx)
	if err != nil {
		daemonLog.Warn("recover_sessions_failed", slog.String("error", err.Error()))
	}
	daemonLog.Info("daemon_started",
		slog.Int("loaded", len(loaded)),
		slog.Int("recovered", len(recovered)),
		slog.Bool("ai", d.aiEnabled()),
		slog.String("platform", platform.Detect().String()))
	d.logEvent("", statedb.EventSystem, fmt.Sprintf("daemon started with %d sessions", d.sessions.Count()))

	g, gctx := errgroup.WithContext(ctx)
	d.spawn(g, gctx, "notifier", d.notifier.Run)
	d.spawn(g, gctx, "probe", d.notifier.RunProbe)
	d.spawn(g, gctx, "confirm_sweep", func(ctx context.Context) error {
		return d.confirms.Run(ctx, d.config().Maintenance.ConfirmSweep(), d.onConfirmExpired)
	})
	d.spawn(g, gctx, "wake", d.wake.Run)
	d.spawn(g, gctx, "health", func(ctx context.Context) error {
		return d.every(ctx, "health", d.config().Maintenance.HealthInterval(), d.healthPass)
	})
	d.spawn(g, gctx, "heartbeat", func(ctx context.Context) error {
		return d.every(ctx, "heartbeat", heartbeatInterval, d.heartbeat)
	})
	d.spawn(g, gctx, "prune", func(ctx context.Context) error {
		d.prune(ctx)
		return d.every(ctx, "prune", pruneInterval, d.prune)
	})
	if d.configPath != "" {
		w, err := config.NewWatcher(d.configPath, d.applyConfig)
		if err != nil {
			daemonLog.Warn("config_watch_failed", slog.String("error", err.Error()))
		} else {
			d.spawn(g, gctx, "config_watch", w.Run)
		}
	}
	if d.web != nil {
		d.spawn(g, gctx, "web", d.web.Run)
	}

	err = g.Wait()
	d.pool.StopAll()
	daemonLog.Info("daemon_stopped")
	return err
}

// Close releases resources Run does not own.
func (d *Daemon) Close() error {
	if d.pool != nil {
		d.pool.StopAll()
	}
	if d.ownsDB && d.db != nil {
		return d.db.Close()
	}
	return nil
}

func (d *Daemon) aiEnabled() bool {
	c, ok := d.brain.(*ai.Client)
	return ok && c.Enabled()
}

// spawn runs fn in the group. A panic is logged, dumped and turned into
// an error so the daemon shuts down instead of limping on.
func (d *Daemon) spawn(g *errgroup.Group, ctx context.Context, name string, fn func(context.Context) error) {
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				daemonLog.Error("loop_panic",
					slog.String("loop", name),
					slog.String("panic", fmt.Sprint(r)),
					slog.String("stack", string(debug.Stack())))
				d.dumpCrash()
				err = fmt.Errorf("daemon: %s panicked: %v", name, r)
			}
		}()
		if err := fn(ctx); err != nil {
			return fmt.Errorf("daemon: %s: %w", name, err)
		}
		return nil
	})
}

// every calls fn each interval until ctx is done. A panicking tick is
// logged and the loop continues.
func (d *Daemon) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.safeTick(ctx, name, fn)
		}
	}
}

func (d *Daemon) safeTick(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			daemonLog.Error("tick_panic",
				slog.String("loop", name),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
			d.dumpCrash()
		}
	}()
	fn(ctx)
}

func (d *Daemon) dumpCrash() {
	if d.crashDir == "" {
		return
	}
	if path, err := logging.DumpCrash(d.crashDir); err != nil {
		daemonLog.Warn("crash_dump_failed", slog.String("error", err.Error()))
	} else {
		daemonLog.Info("crash_dumped", slog.String("path", path))
	}
}

func (d *Daemon) heartbeat(context.Context) {
	if err := d.db.Heartbeat(); err != nil {
		daemonLog.Warn("heartbeat_failed", slog.String("error", err.Error()))
	}
}

func (d *Daemon) prune(context.Context) {
	age := d.config().Maintenance.PruneAge()
	if age <= 0 {
		return
	}
	res, err := d.db.Prune(d.now().Add(-age))
	if err != nil {
		daemonLog.Warn("prune_failed", slog.String("error", err.Error()))
		return
	}
	if res.Events > 0 || res.Commands > 0 {
		daemonLog.Info("pruned", slog.Int64("events", res.Events), slog.Int64("commands", res.Commands))
	}
}

func (d *Daemon) onConfirmExpired(expired []confirm.Pending) {
	for _, p := range expired {
		daemonLog.Info("confirmation_expired",
			slog.String("action", p.Action),
			slog.String("session_id", p.Session))
	}
}

// applyConfig installs the settings that can change without a restart.
func (d *Daemon) applyConfig(c *config.Config) {
	prev := d.config()
	c.Home = prev.Home
	if c.AnthropicAPIKey == "" {
		c.AnthropicAPIKey = prev.AnthropicAPIKey
	}

	d.sessions.SetAliases(c.Sessions.Aliases)
	d.sessions.SetMaxConcurrent(c.Sessions.MaxConcurrent)
	d.pool.SetExtras(monitor.SettingsFromConfig(c.Monitor).Extras)
	d.escalator.SetLimits(c.Errors.EscalationThreshold, c.Errors.ResetWindow())
	d.responder.SetEnabled(c.AutoResponder.Enabled)

	d.mu.Lock()
	d.cfg = c
	d.mu.Unlock()
	daemonLog.Info("config_applied")
}
