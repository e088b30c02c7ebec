package config

import (
	"math"
	"time"
)

// RetryConfig controls the worker runtime's bounded exponential backoff.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns the built-in retry schedule: 2s initial delay
// doubling up to 60s, five attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
	}
}

// LoadRetry reads the RETRY_* environment over the defaults.
func LoadRetry() RetryConfig {
	def := DefaultRetryConfig()
	return RetryConfig{
		MaxRetries:   getEnvInt("RETRY_MAX_RETRIES", def.MaxRetries),
		InitialDelay: getEnvMillis("RETRY_INITIAL_DELAY_MS", def.InitialDelay),
		MaxDelay:     getEnvMillis("RETRY_MAX_DELAY_MS", def.MaxDelay),
		Multiplier:   getEnvFloat("RETRY_BACKOFF_MULTIPLIER", def.Multiplier),
	}
}

// Delay returns the backoff before attempt n (1-based):
// min(maxDelay, initial * mult^(n-1)).
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}
