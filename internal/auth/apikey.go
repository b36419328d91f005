// Package auth authenticates requests against a static, in-process API key
// registry. There is no persistence layer: the registry is built once at
// startup from configuration and never mutated afterward.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

const headerName = "x-api-key"

// Registry is an immutable set of valid API keys sharing one RatePolicy.
type Registry struct {
	keys   map[string]struct{}
	policy gateway.RatePolicy
}

// NewRegistry builds a Registry from the given keys and policy. A registry
// with no keys still rejects every request (it never falls back to an
// implicit default); callers wire GATEWAY_API_KEYS' own default upstream.
func NewRegistry(keys []string, policy gateway.RatePolicy) *Registry {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k != "" {
			set[k] = struct{}{}
		}
	}
	return &Registry{keys: set, policy: policy}
}

// Authenticate reads and validates the x-api-key header.
func (r *Registry) Authenticate(h http.Header) (gateway.Identity, error) {
	key := strings.TrimSpace(h.Get(headerName))
	if key == "" {
		return gateway.Identity{}, fmt.Errorf("%w: missing x-api-key header", gateway.ErrUnauthorized)
	}
	if _, ok := r.keys[key]; !ok {
		return gateway.Identity{}, fmt.Errorf("%w: invalid api key", gateway.ErrUnauthorized)
	}
	return gateway.Identity{
		APIKey: key,
		UserID: gateway.DeriveUserID(key),
		Policy: r.policy,
	}, nil
}
