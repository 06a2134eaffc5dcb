package core

import "time"

// Category names a rate limit tier
type Category string

const (
	CategoryAuth          Category = "auth"
	CategoryAPI           Category = "api"
	CategoryPortfolio     Category = "portfolio"
	CategoryAI            Category = "ai"
	CategoryVault         Category = "vault"
	CategoryAnalytics     Category = "analytics"
	CategoryWalletConnect Category = "wallet-connect"
)

// Categories lists every built-in tier.
func Categories() []Category {
	return []Category{
		CategoryAuth,
		CategoryAPI,
		CategoryPortfolio,
		CategoryAI,
		CategoryVault,
		CategoryAnalytics,
		CategoryWalletConnect,
	}
}

// RateLimitRule is the budget of a tier: MaxAttempts per Window. Policy
// decides what the tier does when its counter store is unreachable.
type RateLimitRule struct {
	MaxAttempts int
	Window      time.Duration
	Policy      FailurePolicy
}

// DefaultRateLimitRules returns the built-in tier budgets.
func DefaultRateLimitRules() map[Category]RateLimitRule {
	return map[Category]RateLimitRule{
		CategoryAuth:          {MaxAttempts: 5, Window: 300 * time.Second},
		CategoryAPI:           {MaxAttempts: 100, Window: 60 * time.Second},
		CategoryPortfolio:     {MaxAttempts: 50, Window: 60 * time.Second},
		CategoryAI:            {MaxAttempts: 20, Window: 300 * time.Second},
		CategoryVault:         {MaxAttempts: 10, Window: 60 * time.Second},
		CategoryAnalytics:     {MaxAttempts: 30, Window: 60 * time.Second},
		CategoryWalletConnect: {MaxAttempts: 5, Window: 300 * time.Second},
	}
}

// RateLimitResult is the outcome of a limiter check
type RateLimitResult struct {
	Category   Category
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}
