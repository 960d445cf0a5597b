// Package config loads conductor's TOML configuration and keeps it fresh
// while the daemon runs.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// FileName is the config file inside the conductor home directory.
	FileName = "config.toml"

	// HomeEnv overrides the conductor home directory (default ~/.conductor).
	HomeEnv = "CONDUCTOR_HOME"

	// APIKeyEnv supplies the Anthropic key; it is never read from the file.
	APIKeyEnv = "ANTHROPIC_API_KEY"

	// WebTokenEnv overrides [web].token.
	WebTokenEnv = "CONDUCTOR_WEB_TOKEN"
)

// Config is the full conductor configuration.
type Config struct {
	Sessions      SessionsConfig      `toml:"sessions"`
	Monitor       MonitorConfig       `toml:"monitor"`
	Notifications NotificationsConfig `toml:"notifications"`
	AutoResponder AutoResponderConfig `toml:"auto_responder"`
	AI            AIConfig            `toml:"ai"`
	Tokens        TokensConfig        `toml:"tokens"`
	Errors        ErrorsConfig        `toml:"errors"`
	Maintenance   MaintenanceConfig   `toml:"maintenance"`
	Security      SecurityConfig      `toml:"security"`
	Web           WebConfig           `toml:"web"`
	Logging       LoggingConfig       `toml:"logging"`

	// Home is the directory holding the config, database, and logs.
	Home string `toml:"-"`

	// AnthropicAPIKey comes from the environment only.
	AnthropicAPIKey string `toml:"-"`
}

// SessionsConfig controls session creation.
type SessionsConfig struct {
	MaxConcurrent int    `toml:"max_concurrent"`
	DefaultKind   string `toml:"default_kind"`
	DefaultDir    string `toml:"default_dir"`
	NamePrefix    string `toml:"name_prefix"`

	// LaunchCommand is typed into assistant panes after creation.
	LaunchCommand string `toml:"launch_command"`

	// Aliases maps working directories to display names.
	Aliases map[string]string `toml:"aliases"`
}

// MonitorConfig controls polling and classification.
type MonitorConfig struct {
	PollDefaultMs   int `toml:"poll_default_ms"`
	PollActiveMs    int `toml:"poll_active_ms"`
	PollIdleMs      int `toml:"poll_idle_ms"`
	PollPausedS     int `toml:"poll_paused_s"`
	CompletionIdleS int `toml:"completion_idle_s"`
	SlowIdleS       int `toml:"slow_idle_s"`
	CaptureLines    int `toml:"capture_lines"`
	DebounceS       int `toml:"debounce_s"`

	ExtraPatterns ExtraPatterns `toml:"extra_patterns"`
}

// ExtraPatterns are user additions to the built-in detection groups.
// Entries prefixed with "re:" are regular expressions; anything else is
// matched literally.
type ExtraPatterns struct {
	Permission  []string `toml:"permission"`
	Input       []string `toml:"input"`
	RateLimit   []string `toml:"rate_limit"`
	Error       []string `toml:"error"`
	Completion  []string `toml:"completion"`
	Destructive []string `toml:"destructive"`
}

// NotificationsConfig controls outbound delivery.
type NotificationsConfig struct {
	BatchWindowS   int `toml:"batch_window_s"`
	MaxRetries     int `toml:"max_retries"`
	DrainDelayMs   int `toml:"drain_delay_ms"`
	ProbeIntervalS int `toml:"probe_interval_s"`

	Webhook WebhookConfig `toml:"webhook"`
	Desktop DesktopConfig `toml:"desktop"`
	Push    PushConfig    `toml:"push"`
	Feed    FeedConfig    `toml:"feed"`
}

// WebhookConfig posts notifications as JSON to URL.
type WebhookConfig struct {
	URL      string `toml:"url"`
	TimeoutS int    `toml:"timeout_s"`
}

// DesktopConfig shows notifications through the OS notification center.
type DesktopConfig struct {
	Enabled bool `toml:"enabled"`
}

// PushConfig delivers Web Push notifications to registered browsers.
type PushConfig struct {
	Enabled bool   `toml:"enabled"`
	Subject string `toml:"subject"`
}

// FeedConfig broadcasts notifications to websocket clients of the web surface.
type FeedConfig struct {
	Enabled bool `toml:"enabled"`
}

// AutoResponderConfig seeds and gates automatic replies.
type AutoResponderConfig struct {
	Enabled      bool          `toml:"enabled"`
	DefaultRules []DefaultRule `toml:"default_rules"`
}

// DefaultRule is a rule shipped in config and seeded into an empty rule table.
type DefaultRule struct {
	Pattern   string `toml:"pattern"`
	Response  string `toml:"response"`
	MatchType string `toml:"match_type"`
}

// AIConfig controls the summarization/suggestion client.
type AIConfig struct {
	Model            string `toml:"model"`
	TimeoutS         int    `toml:"timeout_s"`
	FallbackLines    int    `toml:"fallback_lines"`
	SummaryMaxTokens int    `toml:"summary_max_tokens"`
	SuggestMaxTokens int    `toml:"suggest_max_tokens"`
}

// TokensConfig controls usage estimation.
type TokensConfig struct {
	Plan     string  `toml:"plan"`
	Warning  float64 `toml:"warning"`
	Danger   float64 `toml:"danger"`
	Critical float64 `toml:"critical"`
}

// ErrorsConfig controls repeated-failure escalation.
type ErrorsConfig struct {
	EscalationThreshold int `toml:"escalation_threshold"`
	ResetWindowS        int `toml:"reset_window_s"`
}

// MaintenanceConfig controls periodic housekeeping loops.
type MaintenanceConfig struct {
	HealthIntervalS int `toml:"health_interval_s"`
	ConfirmSweepS   int `toml:"confirm_sweep_s"`
	PruneDays       int `toml:"prune_days"`
	WakeCheckS      int `toml:"wake_check_s"`
	WakeThresholdS  int `toml:"wake_threshold_s"`
}

// SecurityConfig restricts who may drive destructive actions.
type SecurityConfig struct {
	AuthorizedUser string `toml:"authorized_user"`
	ConfirmTTLS    int    `toml:"confirm_ttl_s"`
}

// WebConfig controls the local HTTP surface.
type WebConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
	Token   string `toml:"token"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Sessions: SessionsConfig{
			MaxConcurrent: 5,
			DefaultKind:   "assistant",
			DefaultDir:    "~/projects",
			NamePrefix:    "conductor-",
			LaunchCommand: "claude",
			Aliases:       map[string]string{},
		},
		Monitor: MonitorConfig{
			PollDefaultMs:   500,
			PollActiveMs:    300,
			PollIdleMs:      2000,
			PollPausedS:     5,
			CompletionIdleS: 30,
			SlowIdleS:       300,
			CaptureLines:    1000,
			DebounceS:       10,
		},
		Notifications: NotificationsConfig{
			BatchWindowS:   5,
			MaxRetries:     5,
			DrainDelayMs:   100,
			ProbeIntervalS: 30,
			Webhook:        WebhookConfig{TimeoutS: 10},
			Desktop:        DesktopConfig{Enabled: true},
			Feed:           FeedConfig{Enabled: true},
		},
		AutoResponder: AutoResponderConfig{
			Enabled: true,
			DefaultRules: []DefaultRule{
				{Pattern: "Do you trust the files in this folder?", Response: "1", MatchType: "contains"},
				{Pattern: `(?i)continue\? \(y/n\)`, Response: "y", MatchType: "regex"},
			},
		},
		AI: AIConfig{
			Model:            "claude-haiku-4-5-20251001",
			TimeoutS:         10,
			FallbackLines:    20,
			SummaryMaxTokens: 200,
			SuggestMaxTokens: 300,
		},
		Tokens: TokensConfig{Plan: "pro", Warning: 0.80, Danger: 0.90, Critical: 0.95},
		Errors: ErrorsConfig{EscalationThreshold: 5, ResetWindowS: 300},
		Maintenance: MaintenanceConfig{
			HealthIntervalS: 60,
			ConfirmSweepS:   30,
			PruneDays:       30,
			WakeCheckS:      5,
			WakeThresholdS:  15,
		},
		Security: SecurityConfig{ConfirmTTLS: 30},
		Web:      WebConfig{Enabled: true, Listen: "127.0.0.1:8421"},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
}

// HomeDir resolves the conductor home directory.
func HomeDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(HomeEnv)); dir != "" {
		return ExpandHome(dir), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: home dir: %w", err)
	}
	return filepath.Join(home, ".conductor"), nil
}

// DefaultPath returns the config file path inside HomeDir.
func DefaultPath() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads path on top of Default. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.Home = filepath.Dir(path)

	if _, err := os.Stat(path); err == nil {
		// Replace the seeded default rules only when the file lists its own.
		cfg.AutoResponder.DefaultRules = nil
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if !md.IsDefined("auto_responder", "default_rules") {
			cfg.AutoResponder.DefaultRules = Default().AutoResponder.DefaultRules
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.AnthropicAPIKey = strings.TrimSpace(os.Getenv(APIKeyEnv))
	if tok := strings.TrimSpace(os.Getenv(WebTokenEnv)); tok != "" {
		c.Web.Token = tok
	}
}

// normalize replaces zero or negative values with defaults and expands "~".
func (c *Config) normalize() {
	d := Default()

	positive := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	positive(&c.Sessions.MaxConcurrent, d.Sessions.MaxConcurrent)
	positive(&c.Monitor.PollDefaultMs, d.Monitor.PollDefaultMs)
	positive(&c.Monitor.PollActiveMs, d.Monitor.PollActiveMs)
	positive(&c.Monitor.PollIdleMs, d.Monitor.PollIdleMs)
	positive(&c.Monitor.PollPausedS, d.Monitor.PollPausedS)
	positive(&c.Monitor.CompletionIdleS, d.Monitor.CompletionIdleS)
	positive(&c.Monitor.SlowIdleS, d.Monitor.SlowIdleS)
	positive(&c.Monitor.CaptureLines, d.Monitor.CaptureLines)
	positive(&c.Monitor.DebounceS, d.Monitor.DebounceS)
	positive(&c.Notifications.MaxRetries, d.Notifications.MaxRetries)
	positive(&c.Notifications.ProbeIntervalS, d.Notifications.ProbeIntervalS)
	positive(&c.Notifications.Webhook.TimeoutS, d.Notifications.Webhook.TimeoutS)
	positive(&c.AI.TimeoutS, d.AI.TimeoutS)
	positive(&c.AI.FallbackLines, d.AI.FallbackLines)
	positive(&c.AI.SummaryMaxTokens, d.AI.SummaryMaxTokens)
	positive(&c.AI.SuggestMaxTokens, d.AI.SuggestMaxTokens)
	positive(&c.Errors.EscalationThreshold, d.Errors.EscalationThreshold)
	positive(&c.Errors.ResetWindowS, d.Errors.ResetWindowS)
	positive(&c.Maintenance.HealthIntervalS, d.Maintenance.HealthIntervalS)
	positive(&c.Maintenance.ConfirmSweepS, d.Maintenance.ConfirmSweepS)
	positive(&c.Maintenance.PruneDays, d.Maintenance.PruneDays)
	positive(&c.Maintenance.WakeCheckS, d.Maintenance.WakeCheckS)
	positive(&c.Maintenance.WakeThresholdS, d.Maintenance.WakeThresholdS)
	positive(&c.Security.ConfirmTTLS, d.Security.ConfirmTTLS)

	// batch_window_s = 0 is meaningful (no batching); only negatives reset.
	if c.Notifications.BatchWindowS < 0 {
		c.Notifications.BatchWindowS = d.Notifications.BatchWindowS
	}
	if c.Notifications.DrainDelayMs < 0 {
		c.Notifications.DrainDelayMs = d.Notifications.DrainDelayMs
	}

	if c.Sessions.NamePrefix == "" {
		c.Sessions.NamePrefix = d.Sessions.NamePrefix
	}
	if c.Sessions.DefaultKind == "" {
		c.Sessions.DefaultKind = d.Sessions.DefaultKind
	}
	if c.AI.Model == "" {
		c.AI.Model = d.AI.Model
	}
	if c.Tokens.Plan == "" {
		c.Tokens.Plan = d.Tokens.Plan
	}
	if c.Web.Listen == "" {
		c.Web.Listen = d.Web.Listen
	}

	c.Sessions.DefaultDir = ExpandHome(c.Sessions.DefaultDir)
	aliases := make(map[string]string, len(c.Sessions.Aliases))
	for dir, alias := range c.Sessions.Aliases {
		aliases[filepath.Clean(ExpandHome(dir))] = alias
	}
	c.Sessions.Aliases = aliases
}

// Validate rejects values that cannot be normalized into something sensible.
func (c *Config) Validate() error {
	switch c.Sessions.DefaultKind {
	case "assistant", "shell", "one-off":
	default:
		return fmt.Errorf("config: sessions.default_kind %q must be assistant, shell, or one-off", c.Sessions.DefaultKind)
	}
	switch c.Tokens.Plan {
	case "pro", "max_5x", "max_20x":
	default:
		return fmt.Errorf("config: tokens.plan %q must be pro, max_5x, or max_20x", c.Tokens.Plan)
	}
	if !(c.Tokens.Warning < c.Tokens.Danger && c.Tokens.Danger < c.Tokens.Critical && c.Tokens.Critical <= 1) {
		return fmt.Errorf("config: token thresholds must satisfy warning < danger < critical <= 1")
	}
	for i, r := range c.AutoResponder.DefaultRules {
		switch r.MatchType {
		case "contains", "regex", "exact":
		default:
			return fmt.Errorf("config: auto_responder.default_rules[%d]: match_type %q", i, r.MatchType)
		}
	}
	return nil
}

// Save writes cfg to path atomically (temp file + rename).
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# conductor configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Paths derived from Home.

func (c *Config) DBPath() string       { return filepath.Join(c.Home, "state.db") }
func (c *Config) LogDir() string       { return c.Home }
func (c *Config) CrashDir() string     { return filepath.Join(c.Home, "crash") }
func (c *Config) PushStorePath() string { return filepath.Join(c.Home, "push_subscriptions.json") }
func (c *Config) VAPIDKeysPath() string { return filepath.Join(c.Home, "push_vapid_keys.json") }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }

// Durations used by the monitor.

func (m MonitorConfig) DefaultInterval() time.Duration { return millis(m.PollDefaultMs) }
func (m MonitorConfig) ActiveInterval() time.Duration  { return millis(m.PollActiveMs) }
func (m MonitorConfig) IdleInterval() time.Duration    { return millis(m.PollIdleMs) }
func (m MonitorConfig) PausedInterval() time.Duration  { return seconds(m.PollPausedS) }
func (m MonitorConfig) CompletionIdle() time.Duration  { return seconds(m.CompletionIdleS) }
func (m MonitorConfig) SlowIdle() time.Duration        { return seconds(m.SlowIdleS) }
func (m MonitorConfig) Debounce() time.Duration        { return seconds(m.DebounceS) }

func (n NotificationsConfig) BatchWindow() time.Duration   { return seconds(n.BatchWindowS) }
func (n NotificationsConfig) DrainDelay() time.Duration    { return millis(n.DrainDelayMs) }
func (n NotificationsConfig) ProbeInterval() time.Duration { return seconds(n.ProbeIntervalS) }

func (a AIConfig) Timeout() time.Duration { return seconds(a.TimeoutS) }

func (e ErrorsConfig) ResetWindow() time.Duration { return seconds(e.ResetWindowS) }

func (s SecurityConfig) ConfirmTTL() time.Duration { return seconds(s.ConfirmTTLS) }

func (m MaintenanceConfig) HealthInterval() time.Duration { return seconds(m.HealthIntervalS) }
func (m MaintenanceConfig) ConfirmSweep() time.Duration   { return seconds(m.ConfirmSweepS) }
func (m MaintenanceConfig) PruneAge() time.Duration       { return time.Duration(m.PruneDays) * 24 * time.Hour }
func (m MaintenanceConfig) WakeCheck() time.Duration      { return seconds(m.WakeCheckS) }
func (m MaintenanceConfig) WakeThreshold() time.Duration  { return seconds(m.WakeThresholdS) }
