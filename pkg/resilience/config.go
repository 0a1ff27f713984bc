package resilience

import (
	"time"
)

// ResilientConfig configures timeout, circuit breaker and retry behaviour for
// calls to a dependency.
type ResilientConfig struct {
	// Timeout for a single attempt
	Timeout time.Duration

	// CircuitBreakerConfig configures the circuit breaker behavior
	CircuitBreakerConfig CircuitBreakerConfig

	// Retry configures ExecuteWithRetry. A zero value means one attempt.
	Retry RetryConfig
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the CircuitBreaker is half-open. Default: 1
	MaxRequests uint32

	// Interval is the cyclic period of the closed state for the CircuitBreaker
	// to clear the internal counts. If Interval is 0, it never clears.
	Interval time.Duration

	// Timeout is the period of the open state after which the state becomes half-open.
	Timeout time.Duration

	// ReadyToTrip is called with a copy of Counts whenever a request fails.
	// If nil, the breaker trips after 5 consecutive failures.
	ReadyToTrip func(counts Counts) bool

	// IsSuccessful decides whether an error counts against the breaker.
	// Business rejections (insufficient funds, unknown account) should not.
	// If nil, only a nil error is a success.
	IsSuccessful func(err error) bool
}

// RetryConfig bounds retries of a failed attempt.
type RetryConfig struct {
	// MaxAttempts includes the first attempt
	MaxAttempts int

	// BaseDelay is doubled on every attempt, with full jitter
	BaseDelay time.Duration

	// MaxDelay caps a single wait
	MaxDelay time.Duration

	// Retryable decides whether an error is worth another attempt.
	// If nil, timeouts and open circuits are retried.
	Retryable func(err error) bool
}

// Counts holds the numbers of requests and their successes/failures.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// DefaultResilientConfig returns sensible defaults for a remote dependency.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Timeout: 5 * time.Second,
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxRequests: 5,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts Counts) bool {
				// Require at least 20 requests before considering error rate
				if counts.Requests < 20 {
					return counts.ConsecutiveFailures >= 5
				}
				failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRate >= 0.15
			},
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
	}
}

// WithTimeout returns a copy of the config with the specified timeout.
func (c ResilientConfig) WithTimeout(timeout time.Duration) ResilientConfig {
	c.Timeout = timeout
	return c
}

// WithRetry returns a copy of the config with the specified retry policy.
func (c ResilientConfig) WithRetry(retry RetryConfig) ResilientConfig {
	c.Retry = retry
	return c
}

// WithoutRetry returns a copy of the config that performs a single attempt.
func (c ResilientConfig) WithoutRetry() ResilientConfig {
	c.Retry = RetryConfig{MaxAttempts: 1}
	return c
}
