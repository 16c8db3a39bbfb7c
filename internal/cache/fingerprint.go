package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// fingerprintMaterial is the canonical projection of a request onto the
// fields that affect the response. Anything not listed here — request id,
// source ip, routing hints, api key — must not change the fingerprint.
type fingerprintMaterial struct {
	Tenant      string              `json:"tenant,omitempty"`
	Model       string              `json:"model"`
	Messages    []providers.Message `json:"messages"`
	Temperature float64             `json:"temperature"`
	TopP        float64             `json:"top_p"`
	MaxTokens   int                 `json:"max_tokens"`
}

// Fingerprint returns the stable hex cache key for a request. When
// partitionTenant is set, entries are private per tenant; otherwise identical
// requests from different tenants share one entry.
func Fingerprint(req *providers.ProxyRequest, partitionTenant bool) string {
	m := fingerprintMaterial{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	if partitionTenant {
		m.Tenant = req.TenantID
	}

	// Struct field order fixes the serialization, so the hash is stable.
	data, _ := json.Marshal(m)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
