// Package router selects among configured backends with round-robin
// fairness and a simple per-endpoint circuit breaker: an endpoint that
// fails failureThreshold (3) times in a row is skipped for a fixed
// cooldown before it is eligible again.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

const (
	failureThreshold = 3
	cooldown         = 20 * time.Second
)

type endpointHealth struct {
	mu                 sync.Mutex
	consecutiveFailures int
	circuitOpenUntil   time.Time
	lastLatency        time.Duration
}

type endpoint struct {
	backend gateway.Backend
	health  *endpointHealth
}

// Router fans requests out across a fixed set of backends. It implements
// gateway.Backend itself, so it can be composed wherever a single backend
// is expected.
type Router struct {
	endpoints []endpoint
	next      atomic.Uint64
}

// New returns a Router over backends. It panics if backends is empty,
// since a router with nothing to route to cannot serve any request.
func New(backends ...gateway.Backend) *Router {
	if len(backends) == 0 {
		panic("router: at least one backend must be configured")
	}
	endpoints := make([]endpoint, len(backends))
	for i, b := range backends {
		endpoints[i] = endpoint{backend: b, health: &endpointHealth{}}
	}
	return &Router{endpoints: endpoints}
}

// Name implements gateway.Backend.
func (r *Router) Name() string { return "backend-router" }

// ExecuteChat implements gateway.Backend.
func (r *Router) ExecuteChat(ctx context.Context, req gateway.NormalizedRequest) (gateway.BackendResponse, error) {
	ep, err := r.selectEndpoint()
	if err != nil {
		return gateway.BackendResponse{}, err
	}

	started := time.Now()
	resp, err := ep.backend.ExecuteChat(ctx, req)
	latency := time.Since(started)

	if err != nil {
		r.markFailure(ep, latency)
		return gateway.BackendResponse{}, err
	}
	r.markSuccess(ep, latency)
	return resp, nil
}

// StreamChat implements gateway.Backend.
func (r *Router) StreamChat(ctx context.Context, req gateway.NormalizedRequest) (<-chan gateway.BackendChunk, error) {
	ep, err := r.selectEndpoint()
	if err != nil {
		return nil, err
	}

	started := time.Now()
	ch, err := ep.backend.StreamChat(ctx, req)
	latency := time.Since(started)

	if err != nil {
		r.markFailure(ep, latency)
		return nil, err
	}
	r.markSuccess(ep, latency)
	return ch, nil
}

var errAllBackendsUnhealthy = fmt.Errorf("%w: all backends are currently unhealthy", gateway.ErrBackendUnavailable)

// selectEndpoint walks the endpoint list starting at the next round-robin
// cursor position, skipping any endpoint whose circuit is still open. An
// endpoint whose cooldown has elapsed is given a fresh chance and its
// failure count is reset as it is selected.
func (r *Router) selectEndpoint() (endpoint, error) {
	total := len(r.endpoints)
	start := int(r.next.Add(1) - 1)
	now := time.Now()

	for offset := range total {
		ep := r.endpoints[(start+offset)%total]

		ep.health.mu.Lock()
		open := !ep.health.circuitOpenUntil.IsZero() && ep.health.circuitOpenUntil.After(now)
		if !open && !ep.health.circuitOpenUntil.IsZero() {
			ep.health.circuitOpenUntil = time.Time{}
			ep.health.consecutiveFailures = 0
		}
		ep.health.mu.Unlock()

		if open {
			continue
		}
		return ep, nil
	}

	return endpoint{}, errAllBackendsUnhealthy
}

func (r *Router) markSuccess(ep endpoint, latency time.Duration) {
	ep.health.mu.Lock()
	defer ep.health.mu.Unlock()
	ep.health.consecutiveFailures = 0
	ep.health.circuitOpenUntil = time.Time{}
	ep.health.lastLatency = latency
}

func (r *Router) markFailure(ep endpoint, latency time.Duration) {
	ep.health.mu.Lock()
	defer ep.health.mu.Unlock()
	ep.health.consecutiveFailures++
	ep.health.lastLatency = latency
	if ep.health.consecutiveFailures >= failureThreshold {
		ep.health.circuitOpenUntil = time.Now().Add(cooldown)
	}
}

// healthProbeRequest is the synthetic request issued by a HealthProber to
// each endpoint. It never reaches a real cache or rate-limit entry since
// callers of this package send it straight to a single backend.
func healthProbeRequest() gateway.NormalizedRequest {
	maxTokens := 1
	return gateway.NormalizedRequest{
		RequestID: "health-probe",
		UserID:    "system",
		Model:     "health-probe",
		Messages:  []gateway.Message{{Role: gateway.RoleUser, Content: "healthcheck"}},
		Generation: gateway.GenerationParams{
			MaxTokens: &maxTokens,
		},
	}
}

// ProbeOnce issues the synthetic health-check request against every
// endpoint and updates their health state accordingly. It never returns
// an error itself; individual probe failures are recorded as endpoint
// failures, not surfaced to the caller.
func (r *Router) ProbeOnce(ctx context.Context) {
	probe := healthProbeRequest()
	for _, ep := range r.endpoints {
		started := time.Now()
		_, err := ep.backend.ExecuteChat(ctx, probe)
		latency := time.Since(started)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.markFailure(ep, latency)
			continue
		}
		if err == nil {
			r.markSuccess(ep, latency)
		}
	}
}
