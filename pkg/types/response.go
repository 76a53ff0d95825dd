package types

// Usage reports token consumption for a completed request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CachedTokens int `json:"cached_tokens,omitempty"`
	TotalTokens  int `json:"total_tokens"`
}

// InferenceResponse is the unified result returned to the caller.
type InferenceResponse struct {
	ID           string `json:"id"`
	BackendID    string `json:"backend_id"`
	Provider     string `json:"provider"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`

	// Cached marks responses served from the cache. Similarity is the
	// cosine score for semantic hits; exact hits report 1.0.
	Cached     bool    `json:"cached,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`

	LatencyMs    int64   `json:"latency_ms"`
	CostEstimate float64 `json:"cost_estimate,omitempty"`
}

// Success reports whether the response carries usable content.
// Only successful responses are cache-written.
func (r *InferenceResponse) Success() bool {
	return r != nil && r.Content != ""
}

// StreamChunk is one increment of a streaming response.
type StreamChunk struct {
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	Done         bool   `json:"done,omitempty"`
}
