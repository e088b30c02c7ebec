package config

import (
	"fmt"
	"strings"
	"time"
)

// Rate-limit classes. Auth and OTP endpoints carry stricter budgets than the
// per-role request budgets.
const (
	LimitAuth    = "auth"
	LimitOTP     = "otp"
	LimitStudent = "student"
	LimitTrainer = "trainer"
	LimitAdmin   = "admin"
)

// Budget is one rate-limit window: at most MaxAttempts requests per Window.
type Budget struct {
	Window      time.Duration
	MaxAttempts int
}

// RateLimitConfig maps each class to its budget. Budgets live in the shared
// KV so limits are global across gateway instances.
type RateLimitConfig struct {
	Budgets map[string]Budget
}

// DefaultRateLimitConfig returns the built-in budgets.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Budgets: map[string]Budget{
		LimitAuth:    {Window: 15 * time.Minute, MaxAttempts: 10},
		LimitOTP:     {Window: 10 * time.Minute, MaxAttempts: 5},
		LimitStudent: {Window: time.Minute, MaxAttempts: 120},
		LimitTrainer: {Window: time.Minute, MaxAttempts: 120},
		LimitAdmin:   {Window: time.Minute, MaxAttempts: 300},
	}}
}

// LoadRateLimit reads RATE_LIMIT_{CLASS}_{WINDOW_MS,MAX_ATTEMPTS} over the
// defaults.
func LoadRateLimit() RateLimitConfig {
	cfg := DefaultRateLimitConfig()
	for class, budget := range cfg.Budgets {
		upper := strings.ToUpper(class)
		budget.Window = getEnvMillis(fmt.Sprintf("RATE_LIMIT_%s_WINDOW_MS", upper), budget.Window)
		budget.MaxAttempts = getEnvInt(fmt.Sprintf("RATE_LIMIT_%s_MAX_ATTEMPTS", upper), budget.MaxAttempts)
		cfg.Budgets[class] = budget
	}
	return cfg
}

// BudgetFor returns the budget for a class, falling back to the student
// budget for unknown classes.
func (c RateLimitConfig) BudgetFor(class string) Budget {
	if b, ok := c.Budgets[class]; ok {
		return b
	}
	return c.Budgets[LimitStudent]
}
