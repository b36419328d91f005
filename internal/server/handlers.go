package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/fulcrumhq/inferencegate/internal"
	"github.com/fulcrumhq/inferencegate/internal/fingerprint"
	"github.com/fulcrumhq/inferencegate/internal/normalize"
	"github.com/fulcrumhq/inferencegate/internal/ratelimit"
)

// maxRequestBody bounds the size of a decoded chat-completion request body.
const maxRequestBody = 4 << 20

// bodyPool reuses buffers for request body reads.
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

func decodeRequestBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bodyPool.Put(buf)

	if _, err := buf.ReadFrom(r.Body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body", "invalid_request_error"))
		return false
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request decode error", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body", "invalid_request_error"))
		return false
	}
	return true
}

// ChatCompletionResponse is the non-stream success envelope.
type ChatCompletionResponse struct {
	ID      string                  `json:"id"`
	Object  string                  `json:"object"`
	Created int64                   `json:"created"`
	Model   string                  `json:"model"`
	Choices []ChatCompletionChoice  `json:"choices"`
	Usage   gateway.Usage           `json:"usage"`
}

// ChatCompletionChoice is the single choice every response reports; the
// gateway never fans one request out to multiple candidate completions.
type ChatCompletionChoice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

// ChatCompletionMessage is a role-tagged message body.
type ChatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// handleChatCompletion implements the non-stream and stream pipelines
// described for POST /v1/chat/completions: normalize, estimate, admit,
// fingerprint, then either serve from cache or drive (or join) an upstream
// execution through the coalescer.
func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var env normalize.Envelope
	if !decodeRequestBody(w, r, &env) {
		return
	}
	markStream(r, env.Stream)

	identity := gateway.IdentityFromContext(r.Context())

	req, err := normalize.Normalize(env, identity.APIKey)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error(), errorType(err)))
		return
	}

	estimated := ratelimit.EstimateTokens(req)
	snapshot, err := s.deps.Limiter.CheckAndConsume(identity.APIKey, identity.Policy, estimated)
	ratelimit.SetHeaders(w.Header(), snapshot)
	if err != nil {
		writeJSON(w, http.StatusTooManyRequests, errorResponse(err.Error(), "rate_limit_error"))
		return
	}

	key := fingerprint.Of(req)

	if req.Stream {
		s.handleChatCompletionStream(w, r, req, identity, key, estimated)
		return
	}
	s.handleChatCompletionOnce(w, r, req, identity, key, estimated)
}

func (s *server) handleChatCompletionOnce(w http.ResponseWriter, r *http.Request, req gateway.NormalizedRequest, identity gateway.Identity, key string, estimated int) {
	ctx := r.Context()

	if s.deps.Cache != nil {
		if cached, hit := s.deps.Cache.Get(ctx, key); hit {
			s.deps.Limiter.Reconcile(identity.APIKey, estimated, cached.Usage.TotalTokens)
			w.Header().Set("x-cache", "hit")
			writeJSON(w, http.StatusOK, renderChatCompletion(req, cached))
			return
		}
	}

	resp, _, err := s.deps.Coalescer.ExecuteOrJoin(ctx, key, s.deps.Backend, req)
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.BackendErrorsTotal.WithLabelValues("execute").Inc()
		}
		writeJSON(w, errorStatus(err), errorResponse(err.Error(), errorType(err)))
		return
	}

	if s.deps.Cache != nil {
		s.deps.Cache.Set(ctx, key, resp)
	}
	s.deps.Limiter.Reconcile(identity.APIKey, estimated, resp.Usage.TotalTokens)
	if s.deps.Metrics != nil {
		s.deps.Metrics.TokensTotal.WithLabelValues("prompt").Add(float64(resp.Usage.PromptTokens))
		s.deps.Metrics.TokensTotal.WithLabelValues("completion").Add(float64(resp.Usage.CompletionTokens))
		s.deps.Metrics.TokensTotal.WithLabelValues("total").Add(float64(resp.Usage.TotalTokens))
	}

	w.Header().Set("x-cache", "miss")
	writeJSON(w, http.StatusOK, renderChatCompletion(req, resp))
}

func renderChatCompletion(req gateway.NormalizedRequest, resp gateway.BackendResponse) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			Message:      ChatCompletionMessage{Role: string(gateway.RoleAssistant), Content: resp.Content},
			FinishReason: resp.FinishReason,
		}},
		Usage: resp.Usage,
	}
}

type apiErrorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func errorResponse(msg, kind string) apiErrorEnvelope {
	return apiErrorEnvelope{Error: apiErrorBody{Message: msg, Type: kind}}
}

// errorStatus maps a pipeline error to its HTTP status per the gateway's
// error taxonomy.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrBackendUnavailable),
		errors.Is(err, gateway.ErrBackendTimeout),
		errors.Is(err, gateway.ErrBackendInvalid):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorType maps a pipeline error to the error.type field of the envelope.
func errorType(err error) string {
	switch {
	case errors.Is(err, gateway.ErrBadRequest):
		return "invalid_request_error"
	case errors.Is(err, gateway.ErrUnauthorized):
		return "authentication_error"
	case errors.Is(err, gateway.ErrRateLimited):
		return "rate_limit_error"
	case errors.Is(err, gateway.ErrBackendUnavailable),
		errors.Is(err, gateway.ErrBackendTimeout),
		errors.Is(err, gateway.ErrBackendInvalid):
		return "backend_error"
	default:
		return "server_error"
	}
}

var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}
