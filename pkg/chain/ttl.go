package chain

import (
	"time"
)

// TTLStrategy determines TTL for each layer in the chain.
type TTLStrategy interface {
	// GetTTL returns the TTL for a specific layer index
	GetTTL(layerIndex int, baseTTL time.Duration) time.Duration
}

// UniformTTLStrategy uses the same TTL for all layers.
type UniformTTLStrategy struct{}

// GetTTL returns the base TTL for all layers.
func (s *UniformTTLStrategy) GetTTL(layerIndex int, baseTTL time.Duration) time.Duration {
	return baseTTL
}

// CustomTTLStrategy uses explicit TTL values for each layer, e.g. a short
// L1 TTL to bound process memory and a long shared Redis TTL.
type CustomTTLStrategy struct {
	TTLs []time.Duration
}

// GetTTL returns the custom TTL for a layer, or baseTTL if not specified.
func (s *CustomTTLStrategy) GetTTL(layerIndex int, baseTTL time.Duration) time.Duration {
	if layerIndex < len(s.TTLs) && s.TTLs[layerIndex] > 0 {
		return s.TTLs[layerIndex]
	}
	return baseTTL
}
