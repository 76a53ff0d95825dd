// Package openaicompat adapts any OpenAI-compatible chat completions API
// (OpenAI itself, Azure OpenAI fronted by a compatible proxy, vLLM,
// llama.cpp server) to the gateway's backend interface.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/modelgate/modelgate/pkg/backend"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
	"github.com/modelgate/modelgate/pkg/types"
)

// Config describes one OpenAI-compatible endpoint.
type Config struct {
	// Name is the provider identifier used for adapter registration.
	Name    string
	APIKey  string
	BaseURL string
	// Models maps gateway backend ids to upstream model names. A missing
	// entry passes the backend id through unchanged.
	Models  map[string]string
	Timeout time.Duration
}

// Adapter implements backend.Adapter over the chat completions protocol.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	models  map[string]string
	client  *http.Client
}

// New creates an adapter for one endpoint.
func New(cfg Config) (*Adapter, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base_url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Adapter{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		models:  cfg.Models,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Name implements backend.Adapter.
func (a *Adapter) Name() string { return a.name }

// SupportsCapability implements backend.Adapter. The protocol itself
// carries text, vision, tool use and streaming; per-backend capability
// gating happens in the registry.
func (a *Adapter) SupportsCapability(c types.Capability) bool {
	switch c {
	case types.CapabilityText, types.CapabilityVision,
		types.CapabilityToolUse, types.CapabilityStreaming:
		return true
	}
	return false
}

// SupportsModel implements backend.Adapter.
func (a *Adapter) SupportsModel(backendID string) bool {
	if len(a.models) == 0 {
		return true
	}
	_, ok := a.models[backendID]
	return ok
}

func (a *Adapter) model(backendID string) string {
	if m, ok := a.models[backendID]; ok {
		return m
	}
	return backendID
}

// wire types for the chat completions protocol.

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func buildMessages(req *types.InferenceRequest) []wireMessage {
	msgs := make([]wireMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	return msgs
}

func (a *Adapter) post(ctx context.Context, req *types.InferenceRequest, backendID string, stream bool) (*http.Response, error) {
	body, err := json.Marshal(wireRequest{
		Model:       a.model(backendID),
		Messages:    buildMessages(req),
		MaxTokens:   req.Params.MaxTokens,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		Stop:        req.Params.Stop,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		code := gwerrors.CodeProviderTimeout
		return nil, gwerrors.NewProvider(code, backendID, a.name, "request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, a.mapError(resp, backendID)
	}
	return resp, nil
}

// Complete implements backend.Adapter.
func (a *Adapter) Complete(ctx context.Context, req *types.InferenceRequest, backendID string) (*types.InferenceResponse, error) {
	resp, err := a.post(ctx, req, backendID, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerrors.NewProvider(gwerrors.CodeMalformedResponse, backendID, a.name,
			"read response body", err)
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil || len(wire.Choices) == 0 {
		return nil, gwerrors.NewProvider(gwerrors.CodeMalformedResponse, backendID, a.name,
			"unexpected completion payload", err)
	}

	choice := wire.Choices[0]
	return &types.InferenceResponse{
		ID:           wire.ID,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: types.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
			TotalTokens:  wire.Usage.TotalTokens,
		},
	}, nil
}

// Stream implements backend.Adapter.
func (a *Adapter) Stream(ctx context.Context, req *types.InferenceRequest, backendID string) (backend.StreamReader, error) {
	resp, err := a.post(ctx, req, backendID, true)
	if err != nil {
		return nil, err
	}
	return &sseReader{
		body:      resp.Body,
		scanner:   bufio.NewScanner(resp.Body),
		backendID: backendID,
		provider:  a.name,
	}, nil
}

// HealthCheck implements backend.Adapter with a GET /models probe.
func (a *Adapter) HealthCheck(ctx context.Context) (backend.Health, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return backend.Health{}, err
	}
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return backend.Health{Healthy: false}, nil
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return backend.Health{Healthy: resp.StatusCode == http.StatusOK}, nil
}

func (a *Adapter) mapError(resp *http.Response, backendID string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	message := http.StatusText(resp.StatusCode)
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		e := gwerrors.NewProvider(gwerrors.CodeProviderAuth, backendID, a.name, message, nil)
		e.Retryable = false
		return e
	case http.StatusTooManyRequests:
		return gwerrors.NewProvider(gwerrors.CodeProviderRateLimited, backendID, a.name, message, nil)
	case http.StatusNotFound, http.StatusBadRequest:
		e := gwerrors.NewProvider(gwerrors.CodeUnsupportedModel, backendID, a.name, message, nil)
		e.Retryable = false
		return e
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return gwerrors.NewProvider(gwerrors.CodeProviderTimeout, backendID, a.name, message, nil)
	default:
		return gwerrors.NewProvider(gwerrors.CodeMalformedResponse, backendID, a.name, message, nil)
	}
}

// sseReader parses server-sent events into stream chunks.
type sseReader struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	backendID string
	provider  string
	done      bool
}

// Recv implements backend.StreamReader.
func (r *sseReader) Recv() (*types.StreamChunk, error) {
	if r.done {
		return nil, io.EOF
	}
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		data, ok := bytes.CutPrefix(line, []byte("data: "))
		if !ok {
			continue
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			r.done = true
			return nil, io.EOF
		}

		var chunk wireChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, gwerrors.NewProvider(gwerrors.CodeMalformedResponse,
				r.backendID, r.provider, "unexpected stream payload", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		return &types.StreamChunk{
			Content:      chunk.Choices[0].Delta.Content,
			FinishReason: chunk.Choices[0].FinishReason,
		}, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, gwerrors.NewProvider(gwerrors.CodeProviderTimeout,
			r.backendID, r.provider, "stream interrupted", err)
	}
	r.done = true
	return nil, io.EOF
}

// Close implements backend.StreamReader.
func (r *sseReader) Close() error { return r.body.Close() }
