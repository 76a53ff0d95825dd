package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/modelgate/modelgate/pkg/types"
)

// normalizedRequest is the canonical form hashed into a fingerprint.
// Field order is fixed; two requests that agree on every normalized field
// produce identical fingerprints.
type normalizedRequest struct {
	System       string            `json:"system"`
	Messages     []types.Message   `json:"messages"`
	MaxTokens    int               `json:"max_tokens"`
	Temperature  *float64          `json:"temperature"`
	TopP         *float64          `json:"top_p"`
	Stop         []string          `json:"stop"`
	Capabilities []string          `json:"capabilities"`
}

// Fingerprint computes the deterministic exact-match cache key for a
// request. Identity fields (request id, caller id) and routing constraints
// are deliberately excluded: the same logical prompt is shareable across
// callers and routing outcomes.
func Fingerprint(req *types.InferenceRequest) string {
	n := normalizedRequest{
		System:       req.System,
		Messages:     req.Messages,
		MaxTokens:    req.Params.MaxTokens,
		Temperature:  req.Params.Temperature,
		TopP:         req.Params.TopP,
		Stop:         req.Params.Stop,
		Capabilities: capabilitySignature(req.Requirements.Capabilities),
	}
	data, err := json.Marshal(n)
	if err != nil {
		// Marshal of plain structs cannot fail; guard anyway.
		data = []byte(req.System)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Scope groups cache entries that may answer each other's similarity
// lookups. Requests with different capability requirements never
// cross-match.
func Scope(req *types.InferenceRequest) string {
	sig := capabilitySignature(req.Requirements.Capabilities)
	if len(sig) == 0 {
		return "default"
	}
	return strings.Join(sig, "+")
}

// PromptText flattens the request content into the text embedded for
// similarity matching.
func PromptText(req *types.InferenceRequest) string {
	var sb strings.Builder
	if req.System != "" {
		sb.WriteString(req.System)
		sb.WriteString("\n")
	}
	for _, m := range req.Messages {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func capabilitySignature(caps []types.Capability) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}
