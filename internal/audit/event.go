// Package audit implements the routing decision record: one structured event
// per dispatch, buffered in-process and flushed in batches to a sink. Emission
// never blocks the dispatch path; on overflow the newest events are dropped
// and counted.
package audit

import (
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/routing"
)

// Decision types.
const (
	DecisionSelected = "selected"
	DecisionCached   = "cached"
	DecisionDenied   = "denied"
	DecisionFailed   = "failed"
)

// Failure/denial reasons carried alongside the decision type.
const (
	ReasonRateLimit        = "rate_limit"
	ReasonRuleDeny         = "rule_deny"
	ReasonModelNotFound    = "model_not_found"
	ReasonNoHealthyBackend = "no_healthy_backend"
	ReasonTerminal         = "terminal"
	ReasonDeadline         = "deadline"
	ReasonCancelled        = "cancelled"
	ReasonExhausted        = "exhausted"
	ReasonPartialDelivery  = "after_partial_delivery"
)

// Time wraps time.Time to serialize as ISO-8601 with millisecond precision.
type Time struct {
	time.Time
}

func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format("2006-01-02T15:04:05.000Z07:00") + `"`), nil
}

func (t *Time) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := time.Parse("2006-01-02T15:04:05.000Z07:00", s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// Outputs describes what the dispatch ultimately did.
type Outputs struct {
	ProviderID          string   `json:"provider_id,omitempty"`
	Model               string   `json:"model,omitempty"`
	IsFallback          bool     `json:"is_fallback"`
	FallbacksConsidered []string `json:"fallbacks_considered,omitempty"`
	InputTokens         int      `json:"input_tokens,omitempty"`
	OutputTokens        int      `json:"output_tokens,omitempty"`
	LatencyMs           int64    `json:"latency_ms,omitempty"`
}

// Event is the immutable audit record of one routing decision.
type Event struct {
	DecisionID         string               `json:"decision_id"`
	RequestID          string               `json:"request_id"`
	DecidedAt          Time                 `json:"decided_at"`
	DecisionType       string               `json:"decision_type"`
	Reason             string               `json:"reason,omitempty"`
	InputsHash         string               `json:"inputs_hash,omitempty"`
	Outputs            Outputs              `json:"outputs"`
	Confidence         float64              `json:"confidence"`
	ConstraintsApplied []routing.Constraint `json:"constraints_applied,omitempty"`
	ExecutionRef       string               `json:"execution_ref,omitempty"`
}
