// Package oracle talks to the text-classification model.
//
// A Caller performs exactly one network attempt. Client wraps a Caller with a
// fixed-delay retry loop and turns the first structured tool answer into a
// types.OracleResponse.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ChuLiYu/phrase-mapper/internal/logging"
	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

var (
	// ErrExhausted is returned when every attempt failed.
	ErrExhausted = errors.New("oracle retries exhausted")
	// ErrNoStructuredOutput means the model answered without calling the tool.
	ErrNoStructuredOutput = errors.New("no tool use response found in oracle output")
)

const (
	defaultMaxRetries = 5
	defaultRetryDelay = 2 * time.Second
)

// Caller performs one oracle request.
type Caller interface {
	Name() string
	Call(ctx context.Context, prompt string) (*types.OracleResponse, error)
}

// Request is one classification question.
type Request struct {
	ObjectiveID  string
	Row          int
	Substandards []string
	KeyPhrases   []string

	// OnRetry is called after a failed attempt when another one will follow.
	OnRetry func(attempt int, err error)
}

// Client adds retry and logging around a Caller.
type Client struct {
	caller     Caller
	maxRetries int
	delay      time.Duration
	timeout    time.Duration
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithMaxRetries sets the total number of attempts.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelay sets the fixed wait between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithAttemptTimeout bounds a single attempt. Zero means no per-attempt bound.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient wraps caller with the default retry policy (5 attempts, 2s apart).
func NewClient(caller Caller, opts ...Option) *Client {
	c := &Client{
		caller:     caller,
		maxRetries: defaultMaxRetries,
		delay:      defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Component(c.logger, "oracle").With(slog.String("provider", caller.Name()))
	return c
}

// MaxRetries returns the configured number of attempts.
func (c *Client) MaxRetries() int {
	return c.maxRetries
}

// Classify asks the oracle to map req's key phrases onto its substandards.
//
// Every failed attempt is retried until MaxRetries attempts were made,
// whatever the cause. The returned count is the number of attempts made.
func (c *Client) Classify(ctx context.Context, req Request) (*types.OracleResponse, int, error) {
	prompt, err := BuildPrompt(req.Substandards, req.KeyPhrases)
	if err != nil {
		return nil, 0, fmt.Errorf("build prompt: %w", err)
	}

	logger := c.logger.With(slog.String("objective", req.ObjectiveID), slog.Int("row", req.Row))

	// max_retries 是總嘗試次數，go-retry 的 WithMaxRetries 計的是重試次數
	backoff := retry.WithMaxRetries(uint64(c.maxRetries-1), retry.NewConstant(c.delay))

	var (
		attempts int
		result   *types.OracleResponse
		lastErr  error
	)
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		resp, err := c.attempt(ctx, prompt)
		if err == nil {
			result = resp
			return nil
		}

		lastErr = err
		logger.Error("oracle attempt failed",
			slog.Int("attempt", attempts),
			slog.Int("max_retries", c.maxRetries),
			slog.Any("error", err))
		if attempts < c.maxRetries {
			logger.Info("retrying after a short delay", slog.Duration("delay", c.delay))
			if req.OnRetry != nil {
				req.OnRetry(attempts, err)
			}
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		logger.Error("failed to process objective",
			slog.Int("attempts", attempts),
			slog.Any("error", lastErr))
		return nil, attempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
	}

	logger.Info("got mapping result from oracle", slog.Int("attempt", attempts))
	logger.Debug("raw oracle result",
		slog.String("scratchpad", result.Scratchpad),
		slog.String("substandards", string(result.Mapping)))
	return result, attempts, nil
}

func (c *Client) attempt(ctx context.Context, prompt string) (*types.OracleResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.caller.Call(ctx, prompt)
}

// decodeToolInput turns a tool's input object into an OracleResponse.
// The mapping is kept raw; its shape is checked by the validator.
func decodeToolInput(input []byte) (*types.OracleResponse, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return nil, fmt.Errorf("decode tool input: %w", err)
	}

	resp := &types.OracleResponse{}
	if raw, ok := fields["scratchpad"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			resp.Scratchpad = s
		} else {
			resp.Scratchpad = string(bytes.TrimSpace(raw))
		}
	}
	if raw, ok := fields["substandards"]; ok {
		resp.Mapping = raw
	}
	return resp, nil
}
