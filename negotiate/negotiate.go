// Package negotiate sends the rendered prompt to the language model and turns
// its reply into a validated action.
package negotiate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Model generates a text reply for a single prompt.
type Model interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Options configures a Negotiator.
type Options struct {
	// Timeout bounds each model call. Zero means DefaultTimeout.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts after a ModelUnavailable failure.
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries.
	RetryDelay time.Duration
	// Strict requires the reply to be a well-formed action.
	Strict bool
}

const (
	DefaultTimeout    = 30 * time.Second
	defaultRetryDelay = 500 * time.Millisecond
)

// Negotiator issues model calls and validates the replies.
// It holds no per-request state and is safe for concurrent use.
type Negotiator struct {
	model Model
	opts  Options
}

// New creates a Negotiator around model.
func New(model Model, opts Options) *Negotiator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	return &Negotiator{model: model, opts: opts}
}

// Negotiate sends prompt to the model and returns the parsed JSON reply.
// Failures are *Error values; nothing partial is ever returned.
func (n *Negotiator) Negotiate(ctx context.Context, prompt string) (json.RawMessage, error) {
	if n == nil || n.model == nil {
		return nil, NewError(ConfigurationError, "model not initialized", nil)
	}

	raw, err := n.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	slog.Debug("model reply", "raw", raw)

	return n.parse(raw)
}

// generate calls the model, retrying ModelUnavailable failures up to MaxRetries times.
func (n *Negotiator) generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= n.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying model call", "attempt", attempt, "error", lastErr)
			timer := time.NewTimer(time.Duration(attempt) * n.opts.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", NewError(ModelUnavailable, "model request cancelled", ctx.Err())
			case <-timer.C:
			}
		}

		raw, err := n.call(ctx, prompt)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", NewError(ModelUnavailable, "model request failed", lastErr)
}

func (n *Negotiator) call(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
	defer cancel()

	raw, err := n.model.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	// A model that ignores cancellation must not turn a timeout into success.
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return raw, nil
}

func (n *Negotiator) parse(raw string) (json.RawMessage, error) {
	cleaned := Clean(raw)

	if !json.Valid([]byte(cleaned)) {
		slog.Warn("model returned invalid JSON", "raw", raw)
		return nil, &Error{Kind: MalformedModelOutput, Msg: "reply is not valid JSON", Raw: raw}
	}

	if n.opts.Strict {
		if _, err := decodeAction([]byte(cleaned)); err != nil {
			slog.Warn("model returned an invalid action", "error", err, "raw", raw)
			return nil, &Error{Kind: MalformedModelOutput, Msg: "reply is not a valid action", Raw: raw, Err: err}
		}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(cleaned)); err != nil {
		return nil, &Error{Kind: UnexpectedError, Msg: "failed to compact reply", Raw: raw, Err: err}
	}
	return json.RawMessage(buf.Bytes()), nil
}

// Clean strips Markdown code fences and surrounding whitespace from a model reply.
// Only a leading ``` (optionally tagged json or JSON) and a trailing ``` are removed.
func Clean(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = s[len("```"):]
		if len(s) >= 4 && strings.EqualFold(s[:4], "json") {
			s = s[4:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// IsCancellation reports whether err came from a cancelled or expired context.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
