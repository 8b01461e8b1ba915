package llmclient

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimitHeaders are the provider rate-limit signals of the last response.
type RateLimitHeaders struct {
	RetryAfterSeconds int

	LimitRequests     int
	LimitTokens       int
	RemainingRequests int
	RemainingTokens   int

	ResetRequests time.Duration
	ResetTokens   time.Duration
}

type RateLimitHeaderHandler func(headers RateLimitHeaders)

// RateLimitHeaderAwareClient is implemented by clients that expose the
// rate-limit headers of their last response.
type RateLimitHeaderAwareClient interface {
	SetRateLimitHeaderHandler(handler RateLimitHeaderHandler)
	LastRateLimitHeaders() (RateLimitHeaders, bool)
}

// RateLimitControlAdapter converts rate-limit signals to a wait duration.
type RateLimitControlAdapter interface {
	NextWait(headers RateLimitHeaders) time.Duration
}

// HeaderRateLimitControlAdapter waits for retry-after, then for whichever
// budget is exhausted.
type HeaderRateLimitControlAdapter struct{}

func (HeaderRateLimitControlAdapter) NextWait(h RateLimitHeaders) time.Duration {
	switch {
	case h.RetryAfterSeconds > 0:
		return time.Duration(h.RetryAfterSeconds) * time.Second
	case h.RemainingTokens == 0 && h.ResetTokens > 0:
		return h.ResetTokens
	case h.RemainingRequests == 0 && h.ResetRequests > 0:
		return h.ResetRequests
	}
	return 0
}

// parseRateLimitHeaders reads the OpenAI-style x-ratelimit-* headers Groq
// sends. Reset values use Go duration syntax ("7.66s", "2m59.56s").
func parseRateLimitHeaders(h http.Header) (RateLimitHeaders, bool) {
	var out RateLimitHeaders
	found := false
	ints := []struct {
		key string
		dst *int
	}{
		{"retry-after", &out.RetryAfterSeconds},
		{"x-ratelimit-limit-requests", &out.LimitRequests},
		{"x-ratelimit-limit-tokens", &out.LimitTokens},
		{"x-ratelimit-remaining-requests", &out.RemainingRequests},
		{"x-ratelimit-remaining-tokens", &out.RemainingTokens},
	}
	for _, f := range ints {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Get(f.key))); err == nil {
			*f.dst = n
			found = true
		}
	}
	durs := []struct {
		key string
		dst *time.Duration
	}{
		{"x-ratelimit-reset-requests", &out.ResetRequests},
		{"x-ratelimit-reset-tokens", &out.ResetTokens},
	}
	for _, f := range durs {
		if d, err := time.ParseDuration(strings.TrimSpace(h.Get(f.key))); err == nil {
			*f.dst = d
			found = true
		}
	}
	return out, found
}
