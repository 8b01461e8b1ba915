package llm

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	llmclient "cmdforge/internal/llmClient"
)

// Config selects and tunes a provider.
type Config struct {
	Provider string // fake | gemini | groq
	Model    string
	APIKey   string
	BaseURL  string
	RPS      float64
	Burst    int
	// Retries > 0 adds the Retry middleware. The reasoning client is built
	// with zero so a layer is never retried.
	Retries int
}

// New builds a provider client wrapped in the standard middleware chain:
// logging, hooks, rate-limit signals (groq only), token bucket, retry.
func New(ctx context.Context, cfg Config, logger *log.Logger) (LLMClient, error) {
	var (
		base LLMClient
		mws  = []Middleware{WithLogging(logger), WithHooks()}
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "fake":
		base = NewFakeClient()
	case "gemini":
		c, err := llmclient.NewGeminiClient(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		base = c
	case "groq":
		c, err := llmclient.NewGroqClient(cfg.APIKey, cfg.Model, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		base = c
		mws = append(mws, RespectRateLimitSignals(c, nil))
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	mws = append(mws, RateLimit(cfg.RPS, cfg.Burst))
	if cfg.Retries > 0 {
		mws = append(mws, Retry(cfg.Retries, 500*time.Millisecond))
	}
	return Wrap(base, mws...), nil
}
