package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

// entry wraps a cached BackendResponse with its expiration time. otter's
// own writing-expiry policy evicts entries opportunistically, but Get
// double-checks expiresAt so a value is never returned once it is stale,
// even if eviction has not yet run.
type entry struct {
	value     gateway.BackendResponse
	expiresAt time.Time
}

// Memory is the default in-process response cache: a W-TinyLFU cache
// with a fixed default TTL.
type Memory struct {
	cache *otter.Cache[string, entry]
	ttl   time.Duration
}

// NewMemory creates an in-memory cache bounded to maxSize entries, each
// expiring ttl after being written.
func NewMemory(maxSize int, ttl time.Duration) (*Memory, error) {
	c, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry](ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}
	return &Memory{cache: c, ttl: ttl}, nil
}

// Get returns the cached BackendResponse iff present and not expired.
func (m *Memory) Get(_ context.Context, key string) (gateway.BackendResponse, bool) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		return gateway.BackendResponse{}, false
	}
	if time.Now().After(e.expiresAt) {
		m.cache.Invalidate(key)
		return gateway.BackendResponse{}, false
	}
	return e.value, true
}

// Set stores value under key with the cache's default TTL.
func (m *Memory) Set(_ context.Context, key string, value gateway.BackendResponse) {
	m.cache.Set(key, entry{
		value:     value,
		expiresAt: time.Now().Add(m.ttl),
	})
}
