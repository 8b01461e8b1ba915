package llm

import (
	"context"
	"errors"
	"log"
	"time"

	llmclient "cmdforge/internal/llmClient"
)

type LLMClient = llmclient.LLMClient

// Middleware decorates an LLMClient to inject cross-cutting concerns
// (rate limiting, retries, logging, hooks).
type Middleware func(LLMClient) LLMClient

// Wrap applies middlewares in left-to-right order.
// Example: Wrap(inner, A, B) => A(B(inner))
func Wrap(inner LLMClient, mws ...Middleware) LLMClient {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

// -------- Rate Limiting --------

// RateLimit limits request rate with a token bucket.
// If rps <= 0, the limiter is disabled.
func RateLimit(rps float64, burst int) Middleware {
	return func(next LLMClient) LLMClient {
		return &rateLimited{next: next, rl: newRPSLimiter(rps, burst)}
	}
}

type rateLimited struct {
	next LLMClient
	rl   *rpsLimiter
}

func (c *rateLimited) Name() string { return c.next.Name() }
func (c *rateLimited) Close() error {
	c.rl.Stop()
	return c.next.Close()
}
func (c *rateLimited) GenerateText(ctx context.Context, prompt string, input any) (string, error) {
	if err := c.rl.Acquire(ctx); err != nil {
		return "", err
	}
	return c.next.GenerateText(ctx, prompt, input)
}

// RespectRateLimitSignals waits before each call for as long as the adapter
// derives from the source's last rate-limit headers.
func RespectRateLimitSignals(source llmclient.RateLimitHeaderAwareClient, adapter llmclient.RateLimitControlAdapter) Middleware {
	if adapter == nil {
		adapter = llmclient.HeaderRateLimitControlAdapter{}
	}
	return func(next LLMClient) LLMClient {
		return &signalled{next: next, source: source, adapter: adapter}
	}
}

type signalled struct {
	next    LLMClient
	source  llmclient.RateLimitHeaderAwareClient
	adapter llmclient.RateLimitControlAdapter
}

func (s *signalled) Name() string { return s.next.Name() }
func (s *signalled) Close() error { return s.next.Close() }
func (s *signalled) GenerateText(ctx context.Context, prompt string, input any) (string, error) {
	if s.source != nil {
		if h, ok := s.source.LastRateLimitHeaders(); ok {
			if err := sleepCtx(ctx, s.adapter.NextWait(h)); err != nil {
				return "", err
			}
		}
	}
	return s.next.GenerateText(ctx, prompt, input)
}

// -------- Retry with exponential backoff --------

// Retry retries GenerateText up to maxAttempts with exponential backoff
// starting at baseDelay. Permanent errors and context cancellation stop it.
func Retry(maxAttempts int, baseDelay time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return func(next LLMClient) LLMClient {
		return &retrying{next: next, max: maxAttempts, base: baseDelay}
	}
}

type retrying struct {
	next LLMClient
	max  int
	base time.Duration
}

func (r *retrying) Name() string { return r.next.Name() }
func (r *retrying) Close() error { return r.next.Close() }
func (r *retrying) GenerateText(ctx context.Context, prompt string, input any) (string, error) {
	var last error
	for i := 0; i < r.max; i++ {
		out, err := r.next.GenerateText(ctx, prompt, input)
		if err == nil {
			return out, nil
		}
		var pErr *llmclient.PermanentError
		if errors.As(err, &pErr) {
			return "", err
		}
		last = err
		if i == r.max-1 {
			break
		}
		if err := sleepCtx(ctx, r.base*time.Duration(1<<i)); err != nil {
			return "", err
		}
	}
	return "", last
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// -------- Logging & Hooks --------

// WithLogging logs request size and errors. Provide a custom logger or nil
// to use log.Default().
func WithLogging(logger *log.Logger) Middleware {
	if logger == nil {
		logger = log.Default()
	}
	return func(next LLMClient) LLMClient {
		return &logging{next: next, log: logger}
	}
}

type logging struct {
	next LLMClient
	log  *log.Logger
}

func (l *logging) Name() string { return l.next.Name() }
func (l *logging) Close() error { return l.next.Close() }
func (l *logging) GenerateText(ctx context.Context, prompt string, input any) (string, error) {
	in := llmclient.RenderInput(input)
	l.log.Printf("LLM request (%s, %s): %d bytes", l.next.Name(), PhaseFrom(ctx), len(prompt)+len(in))
	out, err := l.next.GenerateText(ctx, prompt, input)
	if err != nil {
		l.log.Printf("LLM error (%s, %s): %v", l.next.Name(), PhaseFrom(ctx), err)
	}
	return out, err
}

// WithHooks calls HookFrom(ctx).Before/After around GenerateText.
// If no hook is present in the context, it is a no-op.
func WithHooks() Middleware {
	return func(next LLMClient) LLMClient {
		return &hooked{next: next}
	}
}

type hooked struct{ next LLMClient }

func (h *hooked) Name() string { return h.next.Name() }
func (h *hooked) Close() error { return h.next.Close() }
func (h *hooked) GenerateText(ctx context.Context, prompt string, input any) (string, error) {
	hook := HookFrom(ctx)
	if hook != nil {
		hook.Before(ctx, PhaseFrom(ctx), prompt, input)
	}
	out, err := h.next.GenerateText(ctx, prompt, input)
	if hook != nil {
		hook.After(ctx, PhaseFrom(ctx), out, err)
	}
	return out, err
}
