package cache

import (
	"context"
	"testing"
	"time"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

func TestMemory_MissBeforeSet(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, time.Minute)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}

	if _, ok := m.Get(context.Background(), "missing"); ok {
		t.Error("expected miss for unset key")
	}
}

func TestMemory_HitAfterSet(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, time.Minute)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}

	want := gateway.BackendResponse{Content: "hello", FinishReason: "stop"}
	m.Set(context.Background(), "key", want)

	// otter processes Set asynchronously; wait briefly.
	time.Sleep(20 * time.Millisecond)

	got, ok := m.Get(context.Background(), "key")
	if !ok {
		t.Fatal("expected hit after set")
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
}

func TestMemory_ExpiresAfterTTL(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}

	m.Set(context.Background(), "key", gateway.BackendResponse{Content: "hello"})
	time.Sleep(30 * time.Millisecond)

	if _, ok := m.Get(context.Background(), "key"); ok {
		t.Error("expected miss after TTL expiry")
	}
}
