// Package backend adapts gateway.Backend to concrete upstream providers: a
// deterministic in-process Mock for local development and tests, and an
// OpenAICompatible adapter for any provider exposing the OpenAI chat
// completions wire format.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAICompatible is a gateway.Backend adapter for providers that speak
// the OpenAI chat-completions wire format.
type OpenAICompatible struct {
	name    string
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewOpenAICompatible builds an adapter named name, talking to baseURL
// (trailing slash trimmed) with apiKey as a bearer token. If resolver is
// non-nil, outbound connections use its cached DNS lookups instead of the
// default resolver, avoiding a DNS round trip on every dial.
func NewOpenAICompatible(name, apiKey, baseURL string, timeout time.Duration, resolver *dnscache.Resolver) *OpenAICompatible {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	transport := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}

	return &OpenAICompatible{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout, Transport: transport},
	}
}

// Name implements gateway.Backend.
func (c *OpenAICompatible) Name() string { return c.name }

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream"`
	StreamOpts  *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []openAIChoice  `json:"choices"`
	Usage   *openAIUsage    `json:"usage"`
}

type openAIChoice struct {
	Message      openAIResponseMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type openAIResponseMessage struct {
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u openAIUsage) toGateway() gateway.Usage {
	return gateway.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

func toOpenAIMessages(messages []gateway.Message) []openAIMessage {
	out := make([]openAIMessage, len(messages))
	for i, m := range messages {
		out[i] = openAIMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func buildRequest(req gateway.NormalizedRequest, stream bool) openAIRequest {
	out := openAIRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		MaxTokens:   req.Generation.MaxTokens,
		Temperature: req.Generation.Temperature,
		TopP:        req.Generation.TopP,
		Stream:      stream,
	}
	if stream {
		out.StreamOpts = &streamOptions{IncludeUsage: true}
	}
	return out
}

// ExecuteChat implements gateway.Backend.
func (c *OpenAICompatible) ExecuteChat(ctx context.Context, req gateway.NormalizedRequest) (gateway.BackendResponse, error) {
	body, err := json.Marshal(buildRequest(req, false))
	if err != nil {
		return gateway.BackendResponse{}, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return gateway.BackendResponse{}, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return gateway.BackendResponse{}, fmt.Errorf("%w: %s: %v", gateway.ErrBackendUnavailable, c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return gateway.BackendResponse{}, parseAPIError(c.name, resp)
	}

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return gateway.BackendResponse{}, fmt.Errorf("%w: %s: decode response: %v", gateway.ErrBackendInvalid, c.name, err)
	}
	if len(parsed.Choices) == 0 {
		return gateway.BackendResponse{}, fmt.Errorf("%w: %s: missing choices in response", gateway.ErrBackendInvalid, c.name)
	}

	choice := parsed.Choices[0]
	finishReason := choice.FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}

	usage := gateway.Usage{}
	if parsed.Usage != nil {
		usage = parsed.Usage.toGateway()
	} else {
		usage = estimateUsage(req, choice.Message.Content)
	}

	return gateway.BackendResponse{Content: choice.Message.Content, FinishReason: finishReason, Usage: usage}, nil
}

// StreamChat implements gateway.Backend, forwarding the upstream SSE
// stream chunk by chunk until a "[DONE]" sentinel or a terminal
// finish_reason is observed.
func (c *OpenAICompatible) StreamChat(ctx context.Context, req gateway.NormalizedRequest) (<-chan gateway.BackendChunk, error) {
	body, err := json.Marshal(buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", gateway.ErrBackendUnavailable, c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseAPIError(c.name, resp)
	}

	ch := make(chan gateway.BackendChunk, 8)
	go c.readSSEStream(ctx, resp, ch)
	return ch, nil
}

type openAIStreamResponse struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage"`
}

type openAIStreamChoice struct {
	Delta        openAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

func (c *OpenAICompatible) readSSEStream(ctx context.Context, resp *http.Response, ch chan<- gateway.BackendChunk) {
	defer close(ch)
	defer resp.Body.Close()

	var finalUsage *gateway.Usage
	doneEmitted := false

	scanner := newSSEScanner(resp.Body)
	for scanner.Scan() {
		payload, ok := parseSSEDataLine(scanner.Text())
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)

		if payload == "[DONE]" {
			if !doneEmitted {
				c.emit(ctx, ch, gateway.BackendChunk{FinishReason: "stop", Usage: finalUsage, Done: true})
			}
			return
		}

		var parsed openAIStreamResponse
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
			continue
		}
		if u := gjson.Get(payload, "usage"); u.Exists() {
			var usage openAIUsage
			if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
				g := usage.toGateway()
				finalUsage = &g
			}
		}

		if len(parsed.Choices) == 0 {
			continue
		}
		choice := parsed.Choices[0]
		if choice.Delta.Content != "" {
			if !c.emit(ctx, ch, gateway.BackendChunk{Delta: choice.Delta.Content}) {
				return
			}
		}
		if choice.FinishReason != "" && !doneEmitted {
			doneEmitted = true
			if !c.emit(ctx, ch, gateway.BackendChunk{FinishReason: choice.FinishReason, Usage: finalUsage, Done: true}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if !doneEmitted {
			c.emit(ctx, ch, gateway.BackendChunk{FinishReason: "error", Usage: finalUsage, Done: true})
		}
		return
	}
	if !doneEmitted {
		c.emit(ctx, ch, gateway.BackendChunk{FinishReason: "stop", Usage: finalUsage, Done: true})
	}
}

func (c *OpenAICompatible) emit(ctx context.Context, ch chan<- gateway.BackendChunk, chunk gateway.BackendChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *OpenAICompatible) setHeaders(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+c.apiKey)
	r.Header.Set("Content-Type", "application/json")
}
