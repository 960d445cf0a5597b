// Package ai summarizes session output and suggests next actions through
// the Anthropic API, degrading to raw output when the API is unavailable.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/asheshgoplani/conductor/internal/config"
	"github.com/asheshgoplani/conductor/internal/logging"
)

var aiLog = logging.ForComponent(logging.CompAI)

const maxSuggestions = 3

// Suggestion is a proposed next action for a session.
type Suggestion struct {
	Label   string `json:"label"`
	Command string `json:"command"`
}

// Brain produces summaries and suggestions. Implementations never fail:
// they fall back to raw output and no suggestions.
type Brain interface {
	Summarize(ctx context.Context, output string) string
	Suggest(ctx context.Context, output string, info SessionInfo) []Suggestion
}

// Options configure a Client.
type Options struct {
	Model            string
	Timeout          time.Duration
	FallbackLines    int
	SummaryMaxTokens int
	SuggestMaxTokens int
}

func OptionsFromConfig(c config.AIConfig) Options {
	return Options{
		Model:            c.Model,
		Timeout:          c.Timeout(),
		FallbackLines:    c.FallbackLines,
		SummaryMaxTokens: c.SummaryMaxTokens,
		SuggestMaxTokens: c.SuggestMaxTokens,
	}
}

func (o Options) withDefaults() Options {
	if o.Model == "" {
		o.Model = "claude-haiku-4-5-20251001"
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.FallbackLines <= 0 {
		o.FallbackLines = DefaultFallbackLines
	}
	if o.SummaryMaxTokens <= 0 {
		o.SummaryMaxTokens = 200
	}
	if o.SuggestMaxTokens <= 0 {
		o.SuggestMaxTokens = 300
	}
	return o
}

// completer sends one system+user prompt and returns the text reply.
type completer interface {
	complete(ctx context.Context, system, user string, maxTokens int) (string, error)
}

type anthropicCompleter struct {
	api   *anthropic.Client
	model anthropic.Model
}

func (a *anthropicCompleter) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	msg, err := a.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: int64(maxTokens),
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("ai: anthropic API call: %w", err)
	}
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", errors.New("ai: no text content in API response")
}

// Client is the Anthropic-backed Brain.
type Client struct {
	llm  completer
	opts Options
}

var _ Brain = (*Client)(nil)

// New returns a Client. Without an API key every call uses the fallback.
func New(apiKey string, opts Options) *Client {
	opts = opts.withDefaults()
	c := &Client{opts: opts}
	if strings.TrimSpace(apiKey) == "" {
		aiLog.Info("ai_disabled", slog.String("reason", "no api key"))
		return c
	}
	api := anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(1))
	c.llm = &anthropicCompleter{api: &api, model: anthropic.Model(opts.Model)}
	return c
}

// Enabled reports whether an API client is configured.
func (c *Client) Enabled() bool { return c.llm != nil }

func (c *Client) call(ctx context.Context, op, system, user string, maxTokens int) (string, error) {
	if c.llm == nil {
		return "", errors.New("ai: disabled")
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	start := time.Now()
	text, err := c.llm.complete(ctx, system, user, maxTokens)
	if err != nil {
		aiLog.Warn("ai_call_failed",
			slog.String("op", op),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()))
		return "", err
	}
	aiLog.Debug("ai_call", slog.String("op", op), slog.Duration("elapsed", time.Since(start)))
	return text, nil
}

// Summarize returns a short summary of output, or its last lines when the
// API cannot be reached.
func (c *Client) Summarize(ctx context.Context, output string) string {
	system, user := buildSummarizePrompt(output)
	text, err := c.call(ctx, "summarize", system, user, c.opts.SummaryMaxTokens)
	if err != nil || strings.TrimSpace(text) == "" {
		return Fallback(output, c.opts.FallbackLines)
	}
	return strings.TrimSpace(text)
}

// Suggest returns up to three next actions. Any failure yields none.
func (c *Client) Suggest(ctx context.Context, output string, info SessionInfo) []Suggestion {
	if c.llm == nil {
		return nil
	}
	system, user := buildSuggestPrompt(output, info)
	text, err := c.call(ctx, "suggest", system, user, c.opts.SuggestMaxTokens)
	if err != nil {
		return nil
	}
	out, err := parseSuggestions(text)
	if err != nil {
		aiLog.Warn("suggestion_parse_failed", slog.String("error", err.Error()))
		return nil
	}
	return out
}

func parseSuggestions(text string) ([]Suggestion, error) {
	var raw []Suggestion
	if err := json.Unmarshal([]byte(stripFence(text)), &raw); err != nil {
		return nil, fmt.Errorf("ai: parse suggestions: %w", err)
	}
	out := make([]Suggestion, 0, maxSuggestions)
	for _, s := range raw {
		s.Label = strings.TrimSpace(s.Label)
		s.Command = strings.TrimSpace(s.Command)
		if s.Label == "" || s.Command == "" {
			continue
		}
		out = append(out, s)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out, nil
}
