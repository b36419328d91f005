// Package cache implements the response cache: a TTL-bounded store of
// BackendResponse values keyed by fingerprint, consulted only on the
// non-streaming path. Any store error is treated as a miss (reads) or a
// silent no-op (writes); the cache never fails a request.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

// Cache is the contract the pipeline depends on. Both the in-process
// Memory store and any external key-value store satisfy it identically.
type Cache interface {
	Get(ctx context.Context, key string) (gateway.BackendResponse, bool)
	Set(ctx context.Context, key string, value gateway.BackendResponse)
}

// Store is the contract an external key-value backend (e.g. a shared
// cache reachable over the network) must satisfy, keyed by
// "<prefix>:cache:chat:<key>" per the distributed cache convention. No
// concrete implementation ships in this module: nothing in the retrieved
// dependency set provides a client for such a store, and the core is
// explicitly agnostic to whether shared state lives in-process or
// externally, provided this contract is met.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Logging wraps a Store so that any backend error is logged and degrades
// to a miss/no-op rather than failing the caller.
type Logging struct {
	Store  Store
	Logger *slog.Logger
	Prefix string
	TTL    time.Duration
}

func (l *Logging) fullKey(key string) string {
	return l.Prefix + ":cache:chat:" + key
}

// Get returns a miss on any store error or undecodable payload, logging it.
func (l *Logging) Get(ctx context.Context, key string) (gateway.BackendResponse, bool) {
	raw, ok, err := l.Store.Get(ctx, l.fullKey(key))
	if err != nil {
		l.Logger.LogAttrs(ctx, slog.LevelWarn, "cache store get failed, treating as miss",
			slog.String("error", err.Error()))
		return gateway.BackendResponse{}, false
	}
	if !ok {
		return gateway.BackendResponse{}, false
	}
	var value gateway.BackendResponse
	if err := json.Unmarshal(raw, &value); err != nil {
		l.Logger.LogAttrs(ctx, slog.LevelWarn, "cache entry undecodable, treating as miss",
			slog.String("error", err.Error()))
		return gateway.BackendResponse{}, false
	}
	return value, true
}

// Set silently no-ops on any store or marshal error, logging it.
func (l *Logging) Set(ctx context.Context, key string, value gateway.BackendResponse) {
	raw, err := json.Marshal(value)
	if err != nil {
		l.Logger.LogAttrs(ctx, slog.LevelWarn, "cache entry not marshalable, dropping write",
			slog.String("error", err.Error()))
		return
	}
	if err := l.Store.Set(ctx, l.fullKey(key), raw, l.TTL); err != nil {
		l.Logger.LogAttrs(ctx, slog.LevelWarn, "cache store set failed, dropping write",
			slog.String("error", err.Error()))
	}
}
