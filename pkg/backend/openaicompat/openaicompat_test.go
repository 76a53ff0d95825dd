package openaicompat

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/modelgate/modelgate/pkg/errors"
	"github.com/modelgate/modelgate/pkg/types"
)

func testAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := New(Config{
		Name:    "openai",
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Models:  map[string]string{"openai-gpt4o": "gpt-4o"},
	})
	require.NoError(t, err)
	return a
}

func inferenceRequest() *types.InferenceRequest {
	temp := 0.2
	return &types.InferenceRequest{
		CallerID: "caller",
		System:   "be brief",
		Messages: []types.Message{{Role: types.RoleUser, Content: "what is 2+2"}},
		Params:   types.GenerationParams{MaxTokens: 100, Temperature: &temp},
	}
}

func TestComplete(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var wire wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		assert.Equal(t, "gpt-4o", wire.Model)
		assert.False(t, wire.Stream)
		require.Len(t, wire.Messages, 2)
		assert.Equal(t, "system", wire.Messages[0].Role)
		assert.Equal(t, 100, wire.MaxTokens)

		_, _ = io.WriteString(w, `{
			"id": "cmpl-1",
			"choices": [{"message": {"role": "assistant", "content": "4"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 1, "total_tokens": 13}
		}`)
	})

	resp, err := a.Complete(context.Background(), inferenceRequest(), "openai-gpt4o")
	require.NoError(t, err)
	assert.Equal(t, "4", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 1, resp.Usage.OutputTokens)
}

func TestComplete_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  gwerrors.Code
		retryable bool
	}{
		{"auth", http.StatusUnauthorized, gwerrors.CodeProviderAuth, false},
		{"rate limited", http.StatusTooManyRequests, gwerrors.CodeProviderRateLimited, true},
		{"bad model", http.StatusNotFound, gwerrors.CodeUnsupportedModel, false},
		{"gateway timeout", http.StatusGatewayTimeout, gwerrors.CodeProviderTimeout, true},
		{"server error", http.StatusInternalServerError, gwerrors.CodeMalformedResponse, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := testAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error": {"message": "upstream says no"}}`)
			})

			_, err := a.Complete(context.Background(), inferenceRequest(), "openai-gpt4o")
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, gwerrors.CodeOf(err))
			assert.Equal(t, tt.retryable, gwerrors.IsRetryable(err))
			assert.Contains(t, err.Error(), "upstream says no")
		})
	}
}

func TestComplete_MalformedBody(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	})

	_, err := a.Complete(context.Background(), inferenceRequest(), "openai-gpt4o")
	require.Error(t, err)
	assert.Equal(t, gwerrors.CodeMalformedResponse, gwerrors.CodeOf(err))
}

func TestStream(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var wire wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		assert.True(t, wire.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"2+2 \"}}]}\n\n")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"is 4\"},\"finish_reason\":\"stop\"}]}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})

	reader, err := a.Stream(context.Background(), inferenceRequest(), "openai-gpt4o")
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()

	var content strings.Builder
	for {
		chunk, err := reader.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content.WriteString(chunk.Content)
	}
	assert.Equal(t, "2+2 is 4", content.String())
}

func TestSupportsModel(t *testing.T) {
	a := testAdapter(t, nil)
	assert.True(t, a.SupportsModel("openai-gpt4o"))
	assert.False(t, a.SupportsModel("unknown"))

	open, err := New(Config{Name: "vllm", BaseURL: "http://localhost:8000"})
	require.NoError(t, err)
	assert.True(t, open.SupportsModel("anything"))
}

func TestHealthCheck(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	h, err := a.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Healthy)
}
