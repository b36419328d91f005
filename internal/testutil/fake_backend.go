// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

// FakeBackend is a configurable gateway.Backend for testing.
type FakeBackend struct {
	BackendName string
	ChatFn      func(ctx context.Context, req gateway.NormalizedRequest) (gateway.BackendResponse, error)
	StreamFn    func(ctx context.Context, req gateway.NormalizedRequest) (<-chan gateway.BackendChunk, error)
}

// Name returns the configured backend name, or "fake-backend" if unset.
func (f *FakeBackend) Name() string {
	if f.BackendName == "" {
		return "fake-backend"
	}
	return f.BackendName
}

// ExecuteChat delegates to ChatFn or returns a default response.
func (f *FakeBackend) ExecuteChat(ctx context.Context, req gateway.NormalizedRequest) (gateway.BackendResponse, error) {
	if f.ChatFn != nil {
		return f.ChatFn(ctx, req)
	}
	return gateway.BackendResponse{Content: "fake response", FinishReason: "stop", Usage: gateway.NewUsage(1, 1)}, nil
}

// StreamChat delegates to StreamFn or returns ErrBackendUnavailable.
func (f *FakeBackend) StreamChat(ctx context.Context, req gateway.NormalizedRequest) (<-chan gateway.BackendChunk, error) {
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req)
	}
	return nil, gateway.ErrBackendUnavailable
}

// FakeStreamChan returns a channel pre-loaded with chunks followed by a
// terminal Done chunk, closed once drained.
func FakeStreamChan(chunks ...gateway.BackendChunk) <-chan gateway.BackendChunk {
	ch := make(chan gateway.BackendChunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	ch <- gateway.BackendChunk{FinishReason: "stop", Done: true}
	close(ch)
	return ch
}
