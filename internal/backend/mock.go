package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

// Mock is a deterministic gateway.Backend useful for local development and
// tests: it never calls out to a real provider, echoing a synthetic
// response derived from the last user message.
type Mock struct {
	BackendName string
	TokenDelay  time.Duration
}

// NewMock returns a Mock named "mock-backend" with a 35ms per-token
// streaming delay, matching a real provider's pacing closely enough to
// exercise streaming consumers realistically.
func NewMock() *Mock {
	return &Mock{BackendName: "mock-backend", TokenDelay: 35 * time.Millisecond}
}

// Named returns a Mock with a custom name, useful when wiring several
// mock endpoints into a router for failover tests.
func Named(name string) *Mock {
	m := NewMock()
	m.BackendName = name
	return m
}

// Name implements gateway.Backend.
func (m *Mock) Name() string {
	if m.BackendName == "" {
		return "mock-backend"
	}
	return m.BackendName
}

// ExecuteChat implements gateway.Backend.
func (m *Mock) ExecuteChat(ctx context.Context, req gateway.NormalizedRequest) (gateway.BackendResponse, error) {
	content := renderResponse(req)
	usage := estimateUsage(req, content)
	return gateway.BackendResponse{Content: content, FinishReason: "stop", Usage: usage}, nil
}

// StreamChat implements gateway.Backend, emitting one chunk per word of
// the rendered response followed by a terminal usage-bearing chunk.
func (m *Mock) StreamChat(ctx context.Context, req gateway.NormalizedRequest) (<-chan gateway.BackendChunk, error) {
	content := renderResponse(req)
	usage := estimateUsage(req, content)
	ch := make(chan gateway.BackendChunk, 8)

	go func() {
		defer close(ch)
		for _, token := range splitForStream(content) {
			select {
			case ch <- gateway.BackendChunk{Delta: token}:
			case <-ctx.Done():
				return
			}
			select {
			case <-time.After(m.TokenDelay):
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- gateway.BackendChunk{FinishReason: "stop", Usage: &usage, Done: true}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

func renderResponse(req gateway.NormalizedRequest) string {
	prompt := "hello"
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == gateway.RoleUser {
			prompt = req.Messages[i].Content
			break
		}
	}
	return fmt.Sprintf("Mock response for model %s: %s", req.Model, prompt)
}

func estimateUsage(req gateway.NormalizedRequest, completion string) gateway.Usage {
	promptTokens := 0
	for _, m := range req.Messages {
		promptTokens += roughTokenEstimate(m.Content)
	}
	return gateway.NewUsage(promptTokens, roughTokenEstimate(completion))
}

func roughTokenEstimate(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	return len(strings.Fields(text))
}

// splitForStream splits text into whitespace-delimited tokens, preserving
// a trailing space on every token but the last so re-joining the stream
// reproduces the original text exactly.
func splitForStream(text string) []string {
	words := strings.Fields(text)
	tokens := make([]string, len(words))
	for i, w := range words {
		if i+1 == len(words) {
			tokens[i] = w
		} else {
			tokens[i] = w + " "
		}
	}
	return tokens
}
