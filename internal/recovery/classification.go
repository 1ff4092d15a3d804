package recovery

import (
	"strings"
	"time"

	rerrors "resilink/internal/errors"
	"resilink/internal/types"
)

// Strategy represents how the engine responds to a classified failure
type Strategy string

const (
	StrategyRetry        Strategy = "retry"
	StrategyFallback     Strategy = "fallback"
	StrategyQueue        Strategy = "queue"
	StrategyIgnore       Strategy = "ignore"
	StrategyEscalate     Strategy = "escalate"
	StrategyCircuitBreak Strategy = "circuit_break"
)

// Classification is the per-category recovery policy
type Classification struct {
	Severity             types.Severity `yaml:"severity" json:"severity"`
	Strategy             Strategy       `yaml:"strategy" json:"strategy"`
	Retryable            bool           `yaml:"retryable" json:"retryable"`
	RequiresNotification bool           `yaml:"requires_notification" json:"requires_notification"`
	MaxRetries           int            `yaml:"max_retries" json:"max_retries"`
	RetryDelay           time.Duration  `yaml:"retry_delay" json:"retry_delay"`
	FallbackAction       string         `yaml:"fallback_action" json:"fallback_action"`
}

// ClassificationPatch is a partial classification update; nil fields keep
// the current value.
type ClassificationPatch struct {
	Severity             *types.Severity
	Strategy             *Strategy
	Retryable            *bool
	RequiresNotification *bool
	MaxRetries           *int
	RetryDelay           *time.Duration
	FallbackAction       *string
}

// apply merges the patch into c.
func (p ClassificationPatch) apply(c *Classification) {
	if p.Severity != nil {
		c.Severity = *p.Severity
	}
	if p.Strategy != nil {
		c.Strategy = *p.Strategy
	}
	if p.Retryable != nil {
		c.Retryable = *p.Retryable
	}
	if p.RequiresNotification != nil {
		c.RequiresNotification = *p.RequiresNotification
	}
	if p.MaxRetries != nil {
		c.MaxRetries = *p.MaxRetries
	}
	if p.RetryDelay != nil {
		c.RetryDelay = *p.RetryDelay
	}
	if p.FallbackAction != nil {
		c.FallbackAction = *p.FallbackAction
	}
}

// DefaultClassifications returns the default per-category policy table
func DefaultClassifications() map[types.ErrorCategory]Classification {
	return map[types.ErrorCategory]Classification{
		types.CategoryConnection: {
			Severity:   types.SeverityHigh,
			Strategy:   StrategyRetry,
			Retryable:  true,
			MaxRetries: 5,
			RetryDelay: time.Second,
		},
		types.CategoryAuthentication: {
			Severity:             types.SeverityCritical,
			Strategy:             StrategyEscalate,
			Retryable:            false,
			RequiresNotification: true,
		},
		types.CategoryRateLimit: {
			Severity:             types.SeverityMedium,
			Strategy:             StrategyQueue,
			Retryable:            true,
			RequiresNotification: true,
			MaxRetries:           3,
			RetryDelay:           5 * time.Second,
		},
		types.CategoryServerError: {
			Severity:             types.SeverityHigh,
			Strategy:             StrategyRetry,
			Retryable:            true,
			RequiresNotification: true,
			MaxRetries:           3,
			RetryDelay:           2 * time.Second,
		},
		types.CategoryClientError: {
			Severity:  types.SeverityLow,
			Strategy:  StrategyIgnore,
			Retryable: false,
		},
		types.CategoryNetwork: {
			Severity:   types.SeverityHigh,
			Strategy:   StrategyRetry,
			Retryable:  true,
			MaxRetries: 5,
			RetryDelay: time.Second,
		},
		types.CategoryTimeout: {
			Severity:   types.SeverityMedium,
			Strategy:   StrategyRetry,
			Retryable:  true,
			MaxRetries: 3,
			RetryDelay: 2 * time.Second,
		},
		types.CategoryUnknown: {
			Severity:   types.SeverityMedium,
			Strategy:   StrategyRetry,
			Retryable:  true,
			MaxRetries: 2,
			RetryDelay: time.Second,
		},
	}
}

// keywordRule maps message substrings to a category. Rules are checked in
// order and the first match wins; a message containing both "timeout" and
// "network" lands wherever the earlier rule says. This is a heuristic for
// unstructured errors; callers holding a structured error code are
// categorized exactly.
type keywordRule struct {
	keywords []string
	category types.ErrorCategory
}

var keywordRules = []keywordRule{
	{[]string{"connection refused", "connection reset", "connection closed", "disconnect", "socket", "connection"}, types.CategoryConnection},
	{[]string{"network", "unreachable", "no route", "dns", "offline"}, types.CategoryNetwork},
	{[]string{"timeout", "timed out", "deadline exceeded"}, types.CategoryTimeout},
	{[]string{"auth", "token", "unauthorized", "sign in", "credential"}, types.CategoryAuthentication},
	{[]string{"rate limit", "too many requests", "429"}, types.CategoryRateLimit},
	{[]string{"500", "502", "503", "504", "internal server", "bad gateway", "service unavailable", "server error"}, types.CategoryServerError},
	{[]string{"400", "403", "404", "bad request", "not found", "forbidden", "client error"}, types.CategoryClientError},
}

// Categorize derives an error category, preferring a structured code over
// keyword matching.
func Categorize(err error) types.ErrorCategory {
	if err == nil {
		return types.CategoryUnknown
	}

	if category, ok := rerrors.CategoryOf(err); ok {
		return category
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.category
			}
		}
	}
	return types.CategoryUnknown
}
