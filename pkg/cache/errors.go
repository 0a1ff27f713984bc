package cache

import (
	"errors"
	"fmt"
	"strings"
)

// Common cache operation errors.
var (
	// ErrKeyNotFound is returned when a requested key does not exist in the cache
	ErrKeyNotFound = errors.New("cache: key not found")

	// ErrCacheMiss is an alias for ErrKeyNotFound
	ErrCacheMiss = ErrKeyNotFound

	// ErrInvalidKey is returned when a cache key is empty, too long or contains control characters
	ErrInvalidKey = errors.New("cache: invalid key")

	// ErrInvalidValue is returned when a value cannot be cached
	ErrInvalidValue = errors.New("cache: invalid value")

	// ErrLayerUnavailable is returned when a cache layer is temporarily unavailable
	ErrLayerUnavailable = errors.New("cache: layer unavailable")

	// ErrTimeout is returned when a cache operation times out
	ErrTimeout = errors.New("cache: operation timeout")

	// ErrCircuitOpen is returned when the circuit breaker is in open state
	ErrCircuitOpen = errors.New("cache: circuit breaker open")
)

// IsNotFound checks if the given error indicates that a key was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// IsTimeout checks if the given error indicates a timeout occurred.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnavailable checks if the given error indicates a layer is unavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrLayerUnavailable)
}

// IsCircuitOpen checks if the given error indicates the circuit breaker is open.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// ClassifyError returns a short label for the error, for logs and dashboards.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_breaker_open"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, ErrLayerUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, ErrInvalidValue):
		return "invalid_value"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection", "connect", "dial"):
		return "connection"
	case containsAny(msg, "serialize", "marshal", "unmarshal", "encode", "decode"):
		return "serialization"
	case containsAny(msg, "redis"):
		return "backend"
	default:
		return "other"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// WrapError wraps an error with the layer and operation it came from.
func WrapError(err error, layer string, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("cache layer %s %s: %w", layer, operation, err)
}
