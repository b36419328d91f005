package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/fulcrumhq/inferencegate/internal"
	"github.com/fulcrumhq/inferencegate/internal/auth"
	"github.com/fulcrumhq/inferencegate/internal/cache"
	"github.com/fulcrumhq/inferencegate/internal/coalescer"
	"github.com/fulcrumhq/inferencegate/internal/ratelimit"
	"github.com/fulcrumhq/inferencegate/internal/testutil"
)

func testPolicy() gateway.RatePolicy {
	return gateway.RatePolicy{RequestsPerMinute: 100, TokensPerMinute: 100_000, TokensPerDay: 1_000_000}
}

func newTestServer(t *testing.T, backend *testutil.FakeBackend) http.Handler {
	t.Helper()
	mem, err := cache.NewMemory(100, time.Minute)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	return New(Deps{
		Auth:      auth.NewRegistry([]string{"test-key"}, testPolicy()),
		Limiter:   ratelimit.NewLimiter(nil),
		Cache:     mem,
		Coalescer: coalescer.New(),
		Backend:   backend,
	})
}

func postChatCompletion(handler http.Handler, apiKey string, body map[string]any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(data))
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleChatCompletion_MissThenHit(t *testing.T) {
	calls := 0
	backend := &testutil.FakeBackend{}
	backend.ChatFn = func(ctx context.Context, req gateway.NormalizedRequest) (gateway.BackendResponse, error) {
		calls++
		return gateway.BackendResponse{Content: "hello " + req.Model, FinishReason: "stop", Usage: gateway.NewUsage(3, 2)}, nil
	}
	handler := newTestServer(t, backend)

	body := map[string]any{
		"model":    "gpt-x",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}

	rec1 := postChatCompletion(handler, "test-key", body)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first call status = %d, body = %s", rec1.Code, rec1.Body.String())
	}
	if got := rec1.Header().Get("x-cache"); got != "miss" {
		t.Errorf("first call x-cache = %q, want miss", got)
	}

	rec2 := postChatCompletion(handler, "test-key", body)
	if rec2.Code != http.StatusOK {
		t.Fatalf("second call status = %d", rec2.Code)
	}
	if got := rec2.Header().Get("x-cache"); got != "hit" {
		t.Errorf("second call x-cache = %q, want hit", got)
	}
	if calls != 1 {
		t.Errorf("backend calls = %d, want 1 (second request should be served from cache)", calls)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(rec1.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Choices[0].Message.Content != "hello gpt-x" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("usage.total_tokens = %d, want 5", resp.Usage.TotalTokens)
	}
}

func TestHandleChatCompletion_MissingAPIKey(t *testing.T) {
	handler := newTestServer(t, &testutil.FakeBackend{})
	rec := postChatCompletion(handler, "", map[string]any{
		"model":    "gpt-x",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestHandleChatCompletion_InvalidAPIKey(t *testing.T) {
	handler := newTestServer(t, &testutil.FakeBackend{})
	rec := postChatCompletion(handler, "wrong-key", map[string]any{
		"model":    "gpt-x",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestHandleChatCompletion_EmptyModelRejected(t *testing.T) {
	handler := newTestServer(t, &testutil.FakeBackend{})
	rec := postChatCompletion(handler, "test-key", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleChatCompletion_BackendErrorMapsTo502(t *testing.T) {
	backend := &testutil.FakeBackend{
		ChatFn: func(ctx context.Context, req gateway.NormalizedRequest) (gateway.BackendResponse, error) {
			return gateway.BackendResponse{}, gateway.ErrBackendUnavailable
		},
	}
	handler := newTestServer(t, backend)
	rec := postChatCompletion(handler, "test-key", map[string]any{
		"model":    "gpt-x",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestHandleChatCompletion_RateLimitExceeded(t *testing.T) {
	backend := &testutil.FakeBackend{
		ChatFn: func(ctx context.Context, req gateway.NormalizedRequest) (gateway.BackendResponse, error) {
			return gateway.BackendResponse{Content: "ok", FinishReason: "stop", Usage: gateway.NewUsage(1, 1)}, nil
		},
	}
	mem, err := cache.NewMemory(100, time.Minute)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	handler := New(Deps{
		Auth:      auth.NewRegistry([]string{"test-key"}, gateway.RatePolicy{RequestsPerMinute: 1, TokensPerMinute: 100_000, TokensPerDay: 1_000_000}),
		Limiter:   ratelimit.NewLimiter(nil),
		Cache:     mem,
		Coalescer: coalescer.New(),
		Backend:   backend,
	})

	body := map[string]any{
		"model":    "gpt-x",
		"messages": []map[string]string{{"role": "user", "content": "unique-1"}},
	}
	if rec := postChatCompletion(handler, "test-key", body); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	body2 := map[string]any{
		"model":    "gpt-x",
		"messages": []map[string]string{{"role": "user", "content": "unique-2"}},
	}
	rec := postChatCompletion(handler, "test-key", body2)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("x-ratelimit-limit-requests-minute") == "" {
		t.Error("missing x-ratelimit-limit-requests-minute header on rejection")
	}
}

func TestHandleHealthz(t *testing.T) {
	handler := newTestServer(t, &testutil.FakeBackend{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandleReadyz_UnreadyReportsServiceUnavailable(t *testing.T) {
	mem, err := cache.NewMemory(100, time.Minute)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	handler := New(Deps{
		Auth:      auth.NewRegistry([]string{"test-key"}, testPolicy()),
		Limiter:   ratelimit.NewLimiter(nil),
		Cache:     mem,
		Coalescer: coalescer.New(),
		Backend:   &testutil.FakeBackend{},
		ReadyCheck: func(ctx context.Context) error {
			return errNotReady
		},
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

var errNotReady = errors.New("dependency unavailable")
