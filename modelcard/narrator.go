package modelcard

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrMissingAPIKey is returned when a hosted narrator is configured without
// an API key.
var ErrMissingAPIKey = errors.New("narrator API key is required")

// ErrUnknownProvider is returned by NewNarrator for an unsupported provider.
var ErrUnknownProvider = errors.New("unknown narrator provider")

// Narrator writes a short prose summary of a trained model.
//
// Implementations must honour context cancellation. Errors should be
// *NarratorError so the pipeline can tell transient failures (rate limits,
// timeouts) from permanent ones (bad key, quota).
type Narrator interface {
	Narrate(ctx context.Context, summary Summary) (string, error)
	Name() string
}

// Provider names accepted by NewNarrator.
const (
	ProviderNone      = "none"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

// Default models per provider.
const (
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
	DefaultGoogleModel    = "gemini-1.5-flash"
)

// NarratorConfig selects and configures a narrator.
type NarratorConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
	Model    string `mapstructure:"model" yaml:"model"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key,omitempty"`
}

// NewNarrator builds the narrator for cfg. Provider "none" (or empty)
// returns a nil Narrator and no error.
//
// The returned close function releases provider resources and is never nil.
func NewNarrator(ctx context.Context, cfg NarratorConfig) (Narrator, func() error, error) {
	noop := func() error { return nil }

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" || provider == ProviderNone {
		return nil, noop, nil
	}
	if cfg.APIKey == "" {
		return nil, noop, fmt.Errorf("%s: %w", provider, ErrMissingAPIKey)
	}

	switch provider {
	case ProviderOpenAI:
		return NewOpenAINarrator(cfg.APIKey, cfg.Model), noop, nil
	case ProviderAnthropic:
		return NewAnthropicNarrator(cfg.APIKey, cfg.Model), noop, nil
	case ProviderGoogle:
		n, err := NewGoogleNarrator(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, noop, err
		}
		return n, n.Close, nil
	default:
		return nil, noop, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// NarratorError is a classified provider failure.
type NarratorError struct {
	Provider  string
	Code      string
	Message   string
	Retryable bool
	Cause     error
}

func (e *NarratorError) Error() string {
	return fmt.Sprintf("%s narrator: %s: %s", e.Provider, e.Code, e.Message)
}

// Unwrap returns the provider SDK error.
func (e *NarratorError) Unwrap() error {
	return e.Cause
}

// IsTransient reports whether err is worth retrying. It is suitable as a
// pipeline RetryPolicy.Retryable predicate.
func IsTransient(err error) bool {
	var ne *NarratorError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return false
}

// classifyError maps an SDK error onto a NarratorError. The SDKs expose
// status codes only in their error text, so classification is by message.
func classifyError(provider string, err error) error {
	if err == nil {
		return nil
	}

	ne := &NarratorError{Provider: provider, Cause: err, Message: err.Error()}
	msg := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		ne.Code, ne.Retryable = "timeout", true
	case containsAny(msg, "401", "403", "authentication", "api_key", "api key", "permission"):
		ne.Code = "invalid_api_key"
	case containsAny(msg, "quota", "billing", "insufficient_quota"):
		ne.Code = "quota_exceeded"
	case containsAny(msg, "429", "rate_limit", "rate limit", "too many requests", "resource_exhausted"):
		ne.Code, ne.Retryable = "rate_limited", true
	case containsAny(msg, "500", "502", "503", "504", "529", "overloaded", "unavailable", "internal error"):
		ne.Code, ne.Retryable = "server_error", true
	case containsAny(msg, "timeout", "deadline exceeded", "connection reset", "connection refused"):
		ne.Code, ne.Retryable = "timeout", true
	default:
		ne.Code = "api_error"
	}
	return ne
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// buildPrompt asks for a short, plain-text summary of the model.
func buildPrompt(s Summary) string {
	var sb strings.Builder

	sb.WriteString("You are writing the summary section of a machine learning model card.\n")
	sb.WriteString("Write two short paragraphs of plain text (no markdown, no HTML) describing ")
	sb.WriteString("what the model predicts, how well it performs on held-out data, and one ")
	sb.WriteString("caveat a user should keep in mind. Do not invent numbers.\n\n")

	fmt.Fprintf(&sb, "Task: %s\n", s.Task)
	fmt.Fprintf(&sb, "Target column: %s\n", s.Target)
	fmt.Fprintf(&sb, "Model: %s\n", s.ModelType)
	if len(s.Classes) > 0 {
		fmt.Fprintf(&sb, "Classes: %s\n", strings.Join(s.Classes, ", "))
	}
	fmt.Fprintf(&sb, "Features (%d encoded): %s\n", len(s.Features), strings.Join(s.Features, ", "))
	fmt.Fprintf(&sb, "Training rows: %d, test rows: %d\n", s.TrainRows, s.TestRows)
	for _, m := range s.Metrics {
		fmt.Fprintf(&sb, "%s: %s\n", m.Name, m.Value)
	}

	return sb.String()
}
