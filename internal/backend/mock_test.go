package backend

import (
	"context"
	"testing"
	"time"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

func TestMock_ExecuteChat_EchoesLastUserMessage(t *testing.T) {
	t.Parallel()
	m := NewMock()

	resp, err := m.ExecuteChat(context.Background(), gateway.NormalizedRequest{
		Model: "demo",
		Messages: []gateway.Message{
			{Role: gateway.RoleSystem, Content: "be nice"},
			{Role: gateway.RoleUser, Content: "hello there"},
		},
	})
	if err != nil {
		t.Fatalf("ExecuteChat: %v", err)
	}
	want := "Mock response for model demo: hello there"
	if resp.Content != want {
		t.Errorf("Content = %q, want %q", resp.Content, want)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", resp.FinishReason)
	}
	if resp.Usage.CompletionTokens == 0 {
		t.Error("expected non-zero completion tokens")
	}
}

func TestMock_StreamChat_EmitsTokensThenTerminal(t *testing.T) {
	t.Parallel()
	m := &Mock{TokenDelay: 0}

	ch, err := m.StreamChat(context.Background(), gateway.NormalizedRequest{
		Model:    "demo",
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "one two three"}},
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	var rendered string
	var sawTerminal bool
	for chunk := range ch {
		if chunk.Done {
			sawTerminal = true
			if chunk.Usage == nil {
				t.Error("terminal chunk missing usage")
			}
			continue
		}
		rendered += chunk.Delta
	}

	if !sawTerminal {
		t.Fatal("expected a terminal chunk")
	}
	want := "Mock response for model demo: one two three"
	if rendered != want {
		t.Errorf("rendered = %q, want %q", rendered, want)
	}
}

func TestMock_StreamChat_StopsOnContextCancel(t *testing.T) {
	t.Parallel()
	m := &Mock{TokenDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := m.StreamChat(ctx, gateway.NormalizedRequest{
		Model:    "demo",
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "one two three"}},
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	<-ch // first token
	cancel()

	for range ch {
		// drain until closed
	}
}
