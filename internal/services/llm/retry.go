package llm

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
)

// RetryConfig defines retry behaviour for provider rate limits
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// NewDefaultRetryConfig returns the retry settings used by all providers
func NewDefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    10 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 1.5,
	}
}

// IsRateLimitError reports whether err looks like a 429 / quota error
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota")
}

// retryDelayRegex matches "Please retry in Xs" or "retryDelay:Xs"
var retryDelayRegex = regexp.MustCompile(`(?i)(?:Please retry in |retryDelay[:\s]+)(\d+(?:\.\d+)?)\s*s`)

// ExtractRetryDelay parses a provider-suggested retry delay; zero when absent.
//
// Example: "Error 429 ... Please retry in 45.387061394s., Status: RESOURCE_EXHAUSTED"
func ExtractRetryDelay(err error) time.Duration {
	if err == nil {
		return 0
	}
	matches := retryDelayRegex.FindStringSubmatch(err.Error())
	if len(matches) < 2 {
		return 0
	}
	seconds, parseErr := strconv.ParseFloat(matches[1], 64)
	if parseErr != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// CalculateBackoff returns the wait before retry attempt (0-based), capped at MaxBackoff.
// A provider-suggested delay replaces InitialBackoff as the base.
func (c *RetryConfig) CalculateBackoff(attempt int, apiDelay time.Duration) time.Duration {
	base := c.InitialBackoff
	if apiDelay > 0 {
		base = apiDelay + time.Second
	}

	multiplier := 1.0
	for i := 0; i < attempt; i++ {
		multiplier *= c.BackoffMultiplier
	}

	backoff := time.Duration(float64(base) * multiplier)
	if backoff > c.MaxBackoff {
		backoff = c.MaxBackoff
	}
	return backoff
}

// withRetry runs call, retrying rate-limit failures with backoff
func withRetry(ctx context.Context, cfg *RetryConfig, logger arbor.ILogger, provider string, call func(context.Context) (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		text, err := call(ctx)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !IsRateLimitError(err) || attempt == cfg.MaxRetries {
			break
		}

		backoff := cfg.CalculateBackoff(attempt, ExtractRetryDelay(err))
		logger.Warn().
			Str("provider", provider).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Rate limited, backing off")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return "", lastErr
}
