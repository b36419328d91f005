package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	gateway "github.com/fulcrumhq/inferencegate/internal"
	"github.com/fulcrumhq/inferencegate/internal/coalescer"
)

const keepAliveInterval = 10 * time.Second

// chunkEnvelope is the chat.completion.chunk SSE payload.
type chunkEnvelope struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []chunkChoice       `json:"choices"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// handleChatCompletionStream drives (or joins) a streaming execution for
// req and relays it to the client as Server-Sent Events, per the stream
// pipeline: join_or_create_stream, leader republishes chunks, every
// subscriber emits a role chunk on first data, delta chunks for content,
// and a finish chunk followed by [DONE] once the stream completes.
func (s *server) handleChatCompletionStream(w http.ResponseWriter, r *http.Request, req gateway.NormalizedRequest, identity gateway.Identity, key string, estimated int) {
	join := s.deps.Coalescer.JoinOrCreateStream(r.Context(), key)
	if join.IsLeader {
		go s.driveStream(key, req)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("response writer does not support flushing; cannot stream")
		writeJSON(w, http.StatusInternalServerError, errorResponse("streaming unsupported", "server_error"))
		return
	}

	writeSSEHeaders(w)
	flusher.Flush()

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	roleSent := false

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case item, open := <-join.Receiver:
			if !open {
				return
			}
			if item.Err != nil {
				writeSSEError(w, item.Err.Error())
				writeSSEDone(w)
				flusher.Flush()
				return
			}

			if !roleSent {
				writeChunk(w, chunkEnvelope{
					ID: id, Object: "chat.completion.chunk", Created: created, Model: req.Model,
					Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{Role: string(gateway.RoleAssistant)}}},
				})
				roleSent = true
			}

			chunk := item.Chunk
			if chunk.Delta != "" {
				writeChunk(w, chunkEnvelope{
					ID: id, Object: "chat.completion.chunk", Created: created, Model: req.Model,
					Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{Content: chunk.Delta}}},
				})
			}

			if chunk.Done {
				actual := 0
				if chunk.Usage != nil {
					actual = chunk.Usage.TotalTokens
				}
				s.deps.Limiter.Reconcile(identity.APIKey, estimated, actual)
				if s.deps.Metrics != nil && chunk.Usage != nil {
					s.deps.Metrics.TokensTotal.WithLabelValues("prompt").Add(float64(chunk.Usage.PromptTokens))
					s.deps.Metrics.TokensTotal.WithLabelValues("completion").Add(float64(chunk.Usage.CompletionTokens))
					s.deps.Metrics.TokensTotal.WithLabelValues("total").Add(float64(chunk.Usage.TotalTokens))
				}
				finish := chunk.FinishReason
				writeChunk(w, chunkEnvelope{
					ID: id, Object: "chat.completion.chunk", Created: created, Model: req.Model,
					Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{}, FinishReason: &finish}},
				})
				writeSSEDone(w)
				flusher.Flush()
				return
			}

			flusher.Flush()
		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// driveStream runs the leader's upstream call with a detached context, so a
// follower's disconnect (or the leader's own client disconnecting) never
// aborts the call other joiners may still be waiting on; it republishes
// every chunk, including the terminal one, via PublishStreamItem.
func (s *server) driveStream(key string, req gateway.NormalizedRequest) {
	ch, err := s.deps.Backend.StreamChat(context.Background(), req)
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.BackendErrorsTotal.WithLabelValues("stream").Inc()
		}
		s.deps.Coalescer.PublishStreamItem(key, coalescer.StreamItem{Err: err})
		return
	}
	for chunk := range ch {
		s.deps.Coalescer.PublishStreamItem(key, coalescer.StreamItem{Chunk: chunk})
	}
}

func writeChunk(w http.ResponseWriter, env chunkEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("failed to encode stream chunk", "error", err)
		return
	}
	writeSSEData(w, data)
}
