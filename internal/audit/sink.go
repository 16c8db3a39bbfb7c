package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Sink receives drained event batches. Write errors are the sink's problem:
// the emitter never retries and never surfaces them to the dispatch path.
type Sink interface {
	Write(ctx context.Context, events []Event) error
	Close() error
}

// SlogSink writes each event as one structured log line.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) Write(ctx context.Context, events []Event) error {
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		s.log.InfoContext(ctx, "decision_event", slog.String("event", string(data)))
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }

const decisionEventsDDL = `
CREATE TABLE IF NOT EXISTS decision_events (
    decision_id          String,
    request_id           String,
    decided_at           DateTime64(3, 'UTC'),
    decision_type        LowCardinality(String),
    reason               LowCardinality(String),
    inputs_hash          String,
    provider_id          String,
    model                String,
    is_fallback          Bool,
    fallbacks_considered Array(String),
    input_tokens         UInt32,
    output_tokens        UInt32,
    latency_ms           UInt32,
    confidence           Float64,
    constraints          String,
    execution_ref        String
) ENGINE = MergeTree
ORDER BY (decided_at, decision_id)
TTL toDateTime(decided_at) + INTERVAL 90 DAY`

// ClickHouseSink batches events into a decision_events table.
type ClickHouseSink struct {
	conn driver.Conn
	log  *slog.Logger
}

// NewClickHouseSink connects, verifies with a ping, and creates the table if
// missing.
func NewClickHouseSink(ctx context.Context, dsn string, log *slog.Logger) (*ClickHouseSink, error) {
	if log == nil {
		log = slog.Default()
	}

	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: open clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: ping clickhouse: %w", err)
	}

	if err := conn.Exec(ctx, decisionEventsDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: create decision_events: %w", err)
	}

	return &ClickHouseSink{conn: conn, log: log}, nil
}

// Write appends the batch and sends it. A failed batch is logged and dropped;
// decision events are observability data, not transactional state.
func (s *ClickHouseSink) Write(ctx context.Context, events []Event) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO decision_events")
	if err != nil {
		s.log.WarnContext(ctx, "audit_batch_prepare_failed", slog.String("error", err.Error()))
		return err
	}

	for _, ev := range events {
		constraints, _ := json.Marshal(ev.ConstraintsApplied)
		if err := batch.Append(
			ev.DecisionID,
			ev.RequestID,
			ev.DecidedAt.UTC(),
			ev.DecisionType,
			ev.Reason,
			ev.InputsHash,
			ev.Outputs.ProviderID,
			ev.Outputs.Model,
			ev.Outputs.IsFallback,
			ev.Outputs.FallbacksConsidered,
			uint32(ev.Outputs.InputTokens),
			uint32(ev.Outputs.OutputTokens),
			uint32(ev.Outputs.LatencyMs),
			ev.Confidence,
			string(constraints),
			ev.ExecutionRef,
		); err != nil {
			s.log.WarnContext(ctx, "audit_batch_append_failed", slog.String("error", err.Error()))
			return err
		}
	}

	if err := batch.Send(); err != nil {
		s.log.WarnContext(ctx, "audit_batch_send_failed",
			slog.Int("events", len(events)),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
