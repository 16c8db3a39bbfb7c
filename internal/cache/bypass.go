package cache

import (
	"strings"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// Bypass decides whether a request is eligible for caching at all. Streaming
// requests, explicit opt-outs, tool-call conversations, and excluded models
// never touch the cache, neither for lookup nor for population.
type Bypass struct {
	exclusions *ExclusionList
}

// NewBypass builds the bypass policy; exclusions may be nil.
func NewBypass(exclusions *ExclusionList) *Bypass {
	return &Bypass{exclusions: exclusions}
}

// Skip reports whether the request must bypass the cache.
func (b *Bypass) Skip(req *providers.ProxyRequest) bool {
	if req.Stream {
		return true
	}
	if req.Metadata.NoCache {
		return true
	}
	for _, m := range req.Messages {
		if strings.EqualFold(m.Role, "tool") {
			return true
		}
	}
	if b != nil && b.exclusions.Matches(req.Model) {
		return true
	}
	return false
}
