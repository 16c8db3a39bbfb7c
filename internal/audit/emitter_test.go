package audit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/routing"
)

// memSink collects written events for assertions.
type memSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *memSink) Write(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestEmitterDeliversAllEvents(t *testing.T) {
	sink := &memSink{}
	e, err := NewEmitter(context.Background(), sink, EmitterOptions{})
	if err != nil {
		t.Fatal(err)
	}

	const n = 250
	for i := 0; i < n; i++ {
		e.Emit(Event{DecisionID: "d", DecisionType: DecisionSelected})
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := sink.count(); got != n {
		t.Fatalf("sink received %d events, want %d", got, n)
	}
	if e.Dropped() != 0 {
		t.Fatalf("Dropped = %d, want 0", e.Dropped())
	}
	if !sink.closed {
		t.Fatal("Close must close the sink")
	}
}

func TestEmitterDropsNewestOnOverflow(t *testing.T) {
	// A sink that blocks until released, so the channel backs up.
	release := make(chan struct{})
	blocking := &blockingSink{release: release}

	e, err := NewEmitter(context.Background(), blocking, EmitterOptions{
		Buffer:        4,
		BatchSize:     1,
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Fill the buffer well past capacity while the sink is stuck.
	for i := 0; i < 50; i++ {
		e.Emit(Event{DecisionID: "d"})
	}

	if e.Dropped() == 0 {
		t.Fatal("overflow must drop events and count them")
	}

	close(release)
	_ = e.Close()
}

type blockingSink struct {
	release <-chan struct{}
	once    sync.Once
}

func (s *blockingSink) Write(context.Context, []Event) error {
	s.once.Do(func() { <-s.release })
	return nil
}

func (s *blockingSink) Close() error { return nil }

func TestEmitterConcurrentEmit(t *testing.T) {
	sink := &memSink{}
	e, err := NewEmitter(context.Background(), sink, EmitterOptions{Buffer: 100_000})
	if err != nil {
		t.Fatal(err)
	}

	const workers, perWorker = 10, 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				e.Emit(Event{DecisionID: "d", DecisionType: DecisionSelected})
			}
		}()
	}
	wg.Wait()
	_ = e.Close()

	if got := sink.count(); got != workers*perWorker {
		t.Fatalf("sink received %d events, want %d", got, workers*perWorker)
	}
}

func TestEmitterValidation(t *testing.T) {
	var nilCtx context.Context
	if _, err := NewEmitter(nilCtx, &memSink{}, EmitterOptions{}); err == nil {
		t.Fatal("nil context must be rejected")
	}
	if _, err := NewEmitter(context.Background(), nil, EmitterOptions{}); err == nil {
		t.Fatal("nil sink must be rejected")
	}
}

func TestEventJSONShape(t *testing.T) {
	decided := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	ev := Event{
		DecisionID:   "dec-1",
		RequestID:    "req-1",
		DecidedAt:    Time{decided},
		DecisionType: DecisionSelected,
		InputsHash:   "abc123",
		Outputs: Outputs{
			ProviderID:          "openai",
			Model:               "gpt-4o",
			IsFallback:          true,
			FallbacksConsidered: []string{"anthropic"},
			LatencyMs:           412,
		},
		Confidence: 0.9,
		ConstraintsApplied: []routing.Constraint{
			{Kind: "circuit_open", Effect: "skipped", Detail: "anthropic"},
		},
		ExecutionRef: "req-1",
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)

	if !strings.Contains(s, `"decided_at":"2026-03-14T09:26:53.589Z"`) {
		t.Fatalf("decided_at not ISO-8601 with ms: %s", s)
	}
	for _, want := range []string{
		`"decision_type":"selected"`,
		`"inputs_hash":"abc123"`,
		`"is_fallback":true`,
		`"fallbacks_considered":["anthropic"]`,
		`"kind":"circuit_open"`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("serialized event missing %s: %s", want, s)
		}
	}

	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("round-trip: %v", err)
	}
	if !back.DecidedAt.Equal(decided) {
		t.Fatalf("decided_at round-trip = %v, want %v", back.DecidedAt, decided)
	}
}

func TestSlogSinkWritesWithoutError(t *testing.T) {
	s := NewSlogSink(nil)
	err := s.Write(context.Background(), []Event{
		{DecisionID: "d1", DecisionType: DecisionCached},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
