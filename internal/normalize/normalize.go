// Package normalize turns a provider-shaped JSON envelope into a
// gateway.NormalizedRequest, rejecting malformed input before it reaches
// any stateful stage of the pipeline.
package normalize

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

// Envelope is the wire shape of POST /v1/chat/completions.
type Envelope struct {
	Model       string            `json:"model"`
	Messages    []EnvelopeMessage `json:"messages"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	User        string            `json:"user,omitempty"`
}

// EnvelopeMessage is one message in the wire envelope.
type EnvelopeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Normalize validates env and produces a NormalizedRequest with a freshly
// minted request ID. apiKey is used to derive UserID; env.User is accepted
// on the wire but not otherwise consulted (the gateway is keyed by API key,
// not by caller-supplied user identifiers).
func Normalize(env Envelope, apiKey string) (gateway.NormalizedRequest, error) {
	model := strings.TrimSpace(env.Model)
	if model == "" {
		return gateway.NormalizedRequest{}, fmt.Errorf("%w: model must not be empty", gateway.ErrBadRequest)
	}
	if len(env.Messages) == 0 {
		return gateway.NormalizedRequest{}, fmt.Errorf("%w: messages must not be empty", gateway.ErrBadRequest)
	}

	messages := make([]gateway.Message, len(env.Messages))
	for i, m := range env.Messages {
		messages[i] = gateway.Message{Role: gateway.Role(m.Role), Content: m.Content}
	}

	return gateway.NormalizedRequest{
		RequestID: "req_" + uuid.NewString(),
		UserID:    gateway.DeriveUserID(apiKey),
		Model:     model,
		Messages:  messages,
		Generation: gateway.GenerationParams{
			MaxTokens:   env.MaxTokens,
			Temperature: env.Temperature,
			TopP:        env.TopP,
		},
		Stream: env.Stream,
	}, nil
}
