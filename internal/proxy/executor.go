package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/breaker"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
	"github.com/nulpointcorp/inference-gateway/internal/routing"
)

// ErrPlanSkipped means every candidate in the plan was rejected by an open
// circuit breaker before a single attempt was made.
var ErrPlanSkipped = errors.New("proxy: every candidate rejected by open circuit")

// ExhaustedError is returned when the plan ran out of providers after at
// least one real attempt.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("proxy: all providers failed after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// ExecResult reports how a plan execution went. Resp is set only on success;
// Skipped and Attempts are populated either way so the caller can record them
// on the decision event.
type ExecResult struct {
	Resp       *providers.ProxyResponse
	ProviderID string
	IsFallback bool
	Attempts   int
	Skipped    []routing.Constraint
}

// ExecutorOptions tunes the retry executor. Zero values use the defaults.
type ExecutorOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry

	// BaseDelay seeds the exponential backoff between attempts. Default 200ms.
	BaseDelay time.Duration

	// MaxDelay caps a single backoff, jitter included. Default 5s.
	MaxDelay time.Duration

	// PerProviderAttempts is how many times one provider is tried before the
	// plan moves on. Default 1.
	PerProviderAttempts int
}

// Executor walks a decision's provider plan: it attempts the primary first,
// backs off between attempts, and falls through to the next candidate on
// retryable failures. Providers whose circuit breaker is open are skipped
// without consuming an attempt.
//
// Breaker bookkeeping follows the attempt outcome: only retryable failures
// count toward a trip. A terminal error (4xx, cancellation, deadline) aborts
// the plan immediately and leaves the breaker untouched, since the fault is
// the request's, not the provider's.
//
// Streaming responses are only retried while the upstream call itself fails;
// once a stream is handed back, mid-stream errors surface as the final chunk
// and are never retried.
type Executor struct {
	cb      *breaker.Breaker
	reg     *registry.Registry
	log     *slog.Logger
	metrics *metrics.Registry

	baseDelay           time.Duration
	maxDelay            time.Duration
	perProviderAttempts int

	// Swapped in tests for determinism.
	randFloat func() float64
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor. cb and reg must be non-nil; metrics may be
// nil.
func NewExecutor(cb *breaker.Breaker, reg *registry.Registry, opts ExecutorOptions) *Executor {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	perProvider := opts.PerProviderAttempts
	if perProvider < 1 {
		perProvider = 1
	}

	return &Executor{
		cb:                  cb,
		reg:                 reg,
		log:                 log,
		metrics:             opts.Metrics,
		baseDelay:           baseDelay,
		maxDelay:            maxDelay,
		perProviderAttempts: perProvider,
		randFloat:           rand.Float64,
		sleep:               sleepCtx,
	}
}

// Execute runs the plan until a provider succeeds, a terminal error aborts,
// or the plan is exhausted.
func (e *Executor) Execute(ctx context.Context, dec *routing.Decision, req *providers.ProxyRequest, route string) (*ExecResult, error) {
	res := &ExecResult{}
	primary := dec.Primary()

	var (
		lastErr      error
		prevProvider string
		prevReason   string
	)

	for _, h := range dec.Plan {
		allowed, state := e.cb.Allow(h.ID)
		if !allowed {
			res.Skipped = append(res.Skipped, routing.Constraint{
				Kind: "circuit_open", Effect: "skipped", Detail: h.ID,
			})
			e.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", req.RequestID),
				slog.String("provider", h.ID),
				slog.String("state", state.String()),
			)
			if e.metrics != nil {
				e.metrics.RecordCircuitBreakerRejection(h.ID, state.String())
				e.metrics.SetCircuitBreaker(h.ID, int64(state), state.String())
				e.metrics.ObserveUpstreamAttempt(h.ID, route, "circuit_reject", 0)
			}
			continue
		}

		// Switching providers after a failure is a failover.
		if prevProvider != "" && prevProvider != h.ID && e.metrics != nil {
			e.metrics.RecordFailover(primary, prevProvider, h.ID, prevReason)
		}

		for inner := 0; inner < e.perProviderAttempts; inner++ {
			if res.Attempts > 0 {
				if err := e.sleep(ctx, e.delay(res.Attempts)); err != nil {
					e.cb.Release(h.ID)
					return res, err
				}
			}

			start := time.Now()
			resp, err := h.Provider.Request(ctx, req)
			dur := time.Since(start)
			res.Attempts++
			e.reg.ObserveLatency(h.ID, dur)

			switch providers.Classify(err) {
			case providers.OutcomeSuccess:
				e.cb.RecordSuccess(h.ID)
				if e.metrics != nil {
					e.metrics.ObserveUpstreamAttempt(h.ID, route, "success", dur)
					e.metrics.SetCircuitBreaker(h.ID, int64(e.cb.State(h.ID)), e.cb.State(h.ID).String())
				}
				res.Resp = resp
				res.ProviderID = h.ID
				res.IsFallback = h.ID != primary
				if res.IsFallback {
					e.log.InfoContext(ctx, "failover_success",
						slog.String("request_id", req.RequestID),
						slog.String("from", primary),
						slog.String("to", h.ID),
						slog.Int64("latency_ms", dur.Milliseconds()),
					)
					if e.metrics != nil {
						e.metrics.RecordFailoverSuccess(primary, h.ID)
					}
				}
				return res, nil

			case providers.OutcomeTerminal:
				// Terminal errors say nothing about provider health, so no
				// breaker record; still hand back any half-open probe slot.
				e.cb.Release(h.ID)
				reason := attemptReason(err)
				if e.metrics != nil {
					e.metrics.ObserveUpstreamAttempt(h.ID, route, reason, dur)
					e.metrics.RecordError(h.ID, reason)
				}
				e.log.WarnContext(ctx, "provider_terminal_error",
					slog.String("request_id", req.RequestID),
					slog.String("provider", h.ID),
					slog.String("reason", reason),
					slog.Int64("latency_ms", dur.Milliseconds()),
					slog.String("error", err.Error()),
				)
				return res, err

			default: // retryable
				e.cb.RecordFailure(h.ID)
				reason := attemptReason(err)
				if e.metrics != nil {
					e.metrics.ObserveUpstreamAttempt(h.ID, route, reason, dur)
					e.metrics.RecordError(h.ID, reason)
					e.metrics.SetCircuitBreaker(h.ID, int64(e.cb.State(h.ID)), e.cb.State(h.ID).String())
				}
				e.log.WarnContext(ctx, "provider_attempt_failed",
					slog.String("request_id", req.RequestID),
					slog.String("provider", h.ID),
					slog.String("reason", reason),
					slog.Int64("latency_ms", dur.Milliseconds()),
					slog.String("error", err.Error()),
				)
				lastErr = err
				prevProvider = h.ID
				prevReason = reason

				// A freshly tripped breaker means this provider is done for now.
				if e.cb.State(h.ID) == breaker.StateOpen {
					inner = e.perProviderAttempts
				}
			}
		}
	}

	if res.Attempts == 0 {
		if len(res.Skipped) > 0 {
			return res, ErrPlanSkipped
		}
		return res, errors.New("proxy: empty provider plan")
	}
	if e.metrics != nil {
		e.metrics.RecordFailoverExhausted(primary)
	}
	return res, &ExhaustedError{Attempts: res.Attempts, Last: lastErr}
}

// delay computes the backoff before attempt n+1: base doubled per prior
// attempt, plus up to one base of jitter, capped at maxDelay.
func (e *Executor) delay(attempts int) time.Duration {
	d := e.baseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= e.maxDelay {
			d = e.maxDelay
			break
		}
	}
	d += time.Duration(e.randFloat() * float64(e.baseDelay))
	if d > e.maxDelay {
		d = e.maxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// attemptReason converts an attempt error into a short label for log fields
// and metrics.
func attemptReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "transport"
}
