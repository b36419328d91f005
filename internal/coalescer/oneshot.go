// Package coalescer ensures at most one upstream execution per fingerprint,
// fanning the result out to every request that arrived while the leader's
// call was in flight. It keeps two independent tables, one for one-shot
// requests and one for streams, each keyed by fingerprint.
package coalescer

import (
	"context"
	"errors"
	"sync"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

// Outcome tells the caller whether it drove the upstream call itself or
// received a result produced by another in-flight request.
type Outcome int

const (
	Leader Outcome = iota
	Joined
)

type oneShotResult struct {
	value gateway.BackendResponse
	err   error
}

// Coalescer is safe for concurrent use. The zero value is not usable; use
// New.
type Coalescer struct {
	mu       sync.Mutex
	inflight map[string][]chan oneShotResult

	streamMu sync.Mutex
	streams  map[string]*streamEntry
}

// New returns a ready-to-use Coalescer.
func New() *Coalescer {
	return &Coalescer{
		inflight: make(map[string][]chan oneShotResult),
		streams:  make(map[string]*streamEntry),
	}
}

// ExecuteOrJoin ensures at most one call to backend.ExecuteChat is in
// flight per key at any time. The first caller for a key becomes the
// Leader and drives the call; later callers for the same key Join and
// receive the leader's result without touching the backend. A caller that
// arrives after the leader has already finished (and removed the table
// entry) starts a new epoch and becomes the leader itself.
//
// ctx governs only the caller's own wait; per §5, it must never be used to
// cancel the leader's own upstream call (the leader call is made in the
// caller's goroutine, but a follower dropping out never aborts it, since
// followers merely read from a channel and do not own the call).
func (c *Coalescer) ExecuteOrJoin(ctx context.Context, key string, backend gateway.Backend, req gateway.NormalizedRequest) (gateway.BackendResponse, Outcome, error) {
	c.mu.Lock()
	waiters, exists := c.inflight[key]
	if !exists {
		c.inflight[key] = nil
		c.mu.Unlock()
		return c.runLeader(context.Background(), key, backend, req)
	}

	sink := make(chan oneShotResult, 1)
	c.inflight[key] = append(waiters, sink)
	c.mu.Unlock()

	select {
	case result := <-sink:
		if result.err != nil {
			return gateway.BackendResponse{}, Joined, result.err
		}
		return result.value, Joined, nil
	case <-ctx.Done():
		return gateway.BackendResponse{}, Joined, ctx.Err()
	}
}

var errLeaderDropped = errors.New("leader dropped before completion")

func (c *Coalescer) runLeader(ctx context.Context, key string, backend gateway.Backend, req gateway.NormalizedRequest) (value gateway.BackendResponse, outcome Outcome, err error) {
	outcome = Leader

	defer func() {
		if r := recover(); r != nil {
			err = errLeaderDropped
			c.broadcast(key, oneShotResult{err: errLeaderDropped})
			panic(r)
		}
	}()

	value, err = backend.ExecuteChat(ctx, req)
	c.broadcast(key, oneShotResult{value: value, err: err})
	return value, outcome, err
}

func (c *Coalescer) broadcast(key string, result oneShotResult) {
	c.mu.Lock()
	waiters := c.inflight[key]
	delete(c.inflight, key)
	c.mu.Unlock()

	for _, sink := range waiters {
		sink <- result
		close(sink)
	}
}
