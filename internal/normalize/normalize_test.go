package normalize

import (
	"errors"
	"testing"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

func TestNormalize_ValidEnvelope(t *testing.T) {
	t.Parallel()
	maxTokens := 128
	temperature := 0.5
	env := Envelope{
		Model:       " gpt-x ",
		Messages:    []EnvelopeMessage{{Role: "user", Content: "hi"}},
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
		Stream:      true,
	}

	req, err := Normalize(env, "key-abc")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if req.Model != "gpt-x" {
		t.Errorf("Model = %q, want trimmed %q", req.Model, "gpt-x")
	}
	if req.RequestID == "" {
		t.Error("expected a non-empty RequestID")
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != gateway.RoleUser || req.Messages[0].Content != "hi" {
		t.Errorf("Messages = %+v", req.Messages)
	}
	if req.Generation.MaxTokens == nil || *req.Generation.MaxTokens != 128 {
		t.Errorf("Generation.MaxTokens = %v, want 128", req.Generation.MaxTokens)
	}
	if !req.Stream {
		t.Error("expected Stream to be true")
	}
}

func TestNormalize_EmptyModelRejected(t *testing.T) {
	t.Parallel()
	_, err := Normalize(Envelope{Messages: []EnvelopeMessage{{Role: "user", Content: "hi"}}}, "key-abc")
	if !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}

func TestNormalize_BlankModelRejected(t *testing.T) {
	t.Parallel()
	_, err := Normalize(Envelope{Model: "   ", Messages: []EnvelopeMessage{{Role: "user", Content: "hi"}}}, "key-abc")
	if !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}

func TestNormalize_EmptyMessagesRejected(t *testing.T) {
	t.Parallel()
	_, err := Normalize(Envelope{Model: "gpt-x"}, "key-abc")
	if !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}

func TestNormalize_RequestIDsAreUnique(t *testing.T) {
	t.Parallel()
	env := Envelope{Model: "gpt-x", Messages: []EnvelopeMessage{{Role: "user", Content: "hi"}}}

	a, err := Normalize(env, "key-abc")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	b, err := Normalize(env, "key-abc")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if a.RequestID == b.RequestID {
		t.Error("expected distinct RequestIDs across calls")
	}
}
