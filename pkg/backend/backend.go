// Package backend defines the interface implemented by backend adapters.
// Each adapter is a thin protocol translator to one external inference API;
// the gateway core depends only on this interface, never on a provider's
// wire format.
package backend

import (
	"context"

	"github.com/modelgate/modelgate/pkg/types"
)

// Adapter is implemented once per provider. Implementations must be safe
// for concurrent use.
type Adapter interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Complete executes a non-streaming inference call against the given
	// backend. Failures are reported as pkg/errors provider errors.
	Complete(ctx context.Context, req *types.InferenceRequest, backendID string) (*types.InferenceResponse, error)

	// Stream executes a streaming inference call. The returned reader
	// yields chunks until io.EOF.
	Stream(ctx context.Context, req *types.InferenceRequest, backendID string) (StreamReader, error)

	// HealthCheck probes the provider endpoint.
	HealthCheck(ctx context.Context) (Health, error)

	// SupportsCapability reports whether the provider can serve the
	// given capability at all.
	SupportsCapability(c types.Capability) bool

	// SupportsModel reports whether the provider recognizes the backend id.
	SupportsModel(backendID string) bool
}

// StreamReader iterates over response chunks. Recv returns io.EOF when the
// stream is complete.
type StreamReader interface {
	Recv() (*types.StreamChunk, error)
	Close() error
}

// Health is the result of an adapter health probe. CircuitHint lets a
// provider suggest breaker handling ("open", "close") beyond the binary
// status; the gateway treats it as advisory.
type Health struct {
	Healthy     bool   `json:"healthy"`
	CircuitHint string `json:"circuit_hint,omitempty"`
}
