package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/modelgate/modelgate/pkg/types"
)

func fingerprintRequest() *types.InferenceRequest {
	temp := 0.7
	return &types.InferenceRequest{
		ID:       "req-1",
		CallerID: "alice",
		System:   "You are helpful.",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "What is the capital of France?"},
		},
		Params: types.GenerationParams{
			MaxTokens:   256,
			Temperature: &temp,
		},
		Requirements: types.Requirements{
			Capabilities: []types.Capability{types.CapabilityText},
		},
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := fingerprintRequest()
	b := fingerprintRequest()
	// Identity fields do not participate in the fingerprint.
	b.ID = "req-2"
	b.CallerID = "bob"

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_SensitiveToNormalizedFields(t *testing.T) {
	base := Fingerprint(fingerprintRequest())

	tests := []struct {
		name string
		mod  func(*types.InferenceRequest)
	}{
		{"system text", func(r *types.InferenceRequest) { r.System = "different" }},
		{"message content", func(r *types.InferenceRequest) { r.Messages[0].Content = "other" }},
		{"message role", func(r *types.InferenceRequest) { r.Messages[0].Role = types.RoleAssistant }},
		{"max tokens", func(r *types.InferenceRequest) { r.Params.MaxTokens = 512 }},
		{"temperature", func(r *types.InferenceRequest) {
			temp := 0.2
			r.Params.Temperature = &temp
		}},
		{"capabilities", func(r *types.InferenceRequest) {
			r.Requirements.Capabilities = []types.Capability{types.CapabilityVision}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := fingerprintRequest()
			tt.mod(r)
			assert.NotEqual(t, base, Fingerprint(r))
		})
	}
}

func TestFingerprint_CapabilityOrderInsensitive(t *testing.T) {
	a := fingerprintRequest()
	a.Requirements.Capabilities = []types.Capability{types.CapabilityText, types.CapabilityVision}
	b := fingerprintRequest()
	b.Requirements.Capabilities = []types.Capability{types.CapabilityVision, types.CapabilityText}

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestScope_GroupsByCapabilities(t *testing.T) {
	a := fingerprintRequest()
	assert.Equal(t, "text", Scope(a))

	a.Requirements.Capabilities = nil
	assert.Equal(t, "default", Scope(a))

	a.Requirements.Capabilities = []types.Capability{types.CapabilityVision, types.CapabilityText}
	assert.Equal(t, "text+vision", Scope(a))
}
