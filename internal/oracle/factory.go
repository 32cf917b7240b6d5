package oracle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/phrase-mapper/internal/config"
)

// New builds a Client for the provider named in cfg.
func New(ctx context.Context, cfg config.OracleConfig, logger *slog.Logger) (*Client, error) {
	var caller Caller
	switch cfg.Provider {
	case config.ProviderAnthropic, "":
		caller = NewAnthropicCaller(AnthropicConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
	case config.ProviderGemini:
		gc, err := NewGeminiCaller(ctx, GeminiConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		caller = gc
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
	}

	return NewClient(caller,
		WithMaxRetries(cfg.MaxRetries),
		WithRetryDelay(cfg.RetryDelay),
		WithAttemptTimeout(cfg.Timeout),
		WithLogger(logger),
	), nil
}
