// Package server wires the gateway's HTTP surface: request decode,
// authentication, admission, fingerprinting, cache, coalescing, and batched
// or routed execution, for both the non-streaming and SSE paths.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/fulcrumhq/inferencegate/internal"
	"github.com/fulcrumhq/inferencegate/internal/auth"
	"github.com/fulcrumhq/inferencegate/internal/cache"
	"github.com/fulcrumhq/inferencegate/internal/coalescer"
	"github.com/fulcrumhq/inferencegate/internal/ratelimit"
	"github.com/fulcrumhq/inferencegate/internal/telemetry"
)

// ReadyChecker reports whether the gateway is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps are the collaborators New wires into the HTTP surface. Auth, Limiter,
// Coalescer and Backend are required; Cache, Metrics, MetricsHandler and
// ReadyCheck are optional.
type Deps struct {
	Auth      *auth.Registry
	Limiter   *ratelimit.Limiter
	Cache     cache.Cache // nil disables the response cache
	Coalescer *coalescer.Coalescer
	Backend   gateway.Backend // the batcher (wrapping the router) for non-stream; router directly for streams

	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler // nil = no /metrics endpoint
	ReadyCheck     ReadyChecker // nil = /readyz always reports ready
}

type server struct {
	deps Deps
}

// New builds the gateway's HTTP handler from deps.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(s.metricsMiddleware)
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
	})

	return r
}
