package cache

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxKeyLength bounds the length of a cache key.
const MaxKeyLength = 250

// ValidateKey checks that a key is non-empty, at most MaxKeyLength bytes,
// free of control characters and not padded with whitespace.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key too long (max %d characters)", ErrInvalidKey, MaxKeyLength)
	}

	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: key contains control character", ErrInvalidKey)
		}
	}

	if strings.TrimSpace(key) != key {
		return fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}

	return nil
}

// KeyPattern builds namespaced keys, e.g. "txn:<id>".
type KeyPattern struct {
	prefix    string
	separator string
}

// NewKeyPattern creates a new key pattern with the given prefix and separator.
func NewKeyPattern(prefix, separator string) *KeyPattern {
	if separator == "" {
		separator = ":"
	}
	return &KeyPattern{
		prefix:    prefix,
		separator: separator,
	}
}

// Build joins the prefix and parts with the separator.
// Example: pattern.Build("123") -> "txn:123"
func (kp *KeyPattern) Build(parts ...string) string {
	if len(parts) == 0 {
		return kp.prefix
	}
	return kp.prefix + kp.separator + strings.Join(parts, kp.separator)
}

// Strip removes the pattern prefix from a built key.
func (kp *KeyPattern) Strip(key string) string {
	return strings.TrimPrefix(key, kp.prefix+kp.separator)
}
