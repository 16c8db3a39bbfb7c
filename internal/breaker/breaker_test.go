package breaker

import (
	"testing"
	"time"
)

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New(cfg)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func trip(b *Breaker, provider string, threshold int) {
	for i := 0; i < threshold; i++ {
		b.RecordFailure(provider)
	}
}

func TestBreaker_InitialState(t *testing.T) {
	b := New(Config{})

	if b.State("openai") != StateClosed {
		t.Errorf("unseen provider should start closed, got %v", b.State("openai"))
	}
	if ok, st := b.Allow("openai"); !ok || st != StateClosed {
		t.Error("closed breaker should allow requests")
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})

	b.RecordFailure("p1")
	b.RecordFailure("p1")
	if b.State("p1") != StateClosed {
		t.Fatal("should remain closed below threshold")
	}

	// Exactly the threshold-th consecutive failure trips it.
	b.RecordFailure("p1")
	if b.State("p1") != StateOpen {
		t.Error("should be open after reaching threshold")
	}
	if b.State("p1").String() != "open" {
		t.Errorf("label should be 'open', got %s", b.State("p1"))
	}
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})

	b.RecordFailure("p1")
	b.RecordFailure("p1")
	b.RecordSuccess("p1")

	// The streak restarts; two more failures must not trip it.
	b.RecordFailure("p1")
	b.RecordFailure("p1")
	if b.State("p1") != StateClosed {
		t.Error("success should reset the consecutive-failure streak")
	}

	b.RecordFailure("p1")
	if b.State("p1") != StateOpen {
		t.Error("full streak after reset should trip the breaker")
	}
}

func TestBreaker_OpenRejectsWithoutContact(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, OpenDuration: time.Minute})
	trip(b, "p1", 1)

	if ok, st := b.Allow("p1"); ok || st != StateOpen {
		t.Error("open breaker should reject before next_probe_at")
	}
}

func TestBreaker_NextProbeAt(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, OpenDuration: time.Minute})

	if !b.NextProbeAt("p1").IsZero() {
		t.Error("never-opened breaker should report zero next_probe_at")
	}

	trip(b, "p1", 1)
	want := now.Add(time.Minute)
	if !b.NextProbeAt("p1").Equal(want) {
		t.Errorf("expected next_probe_at=%v, got %v", want, b.NextProbeAt("p1"))
	}
}

func TestBreaker_HalfOpenAfterOpenDuration(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, OpenDuration: time.Minute})
	trip(b, "p1", 1)

	*now = now.Add(time.Minute + time.Second)

	ok, st := b.Allow("p1")
	if !ok || st != StateHalfOpen {
		t.Fatalf("expected half-open probe admission, got ok=%v state=%v", ok, st)
	}

	// Default cap is one probe; the next request is rejected.
	if ok, _ := b.Allow("p1"); ok {
		t.Error("should reject second request while probe is in flight")
	}
}

func TestBreaker_HalfOpenConcurrencyCap(t *testing.T) {
	b, now := newTestBreaker(Config{
		FailureThreshold:      1,
		OpenDuration:          time.Minute,
		HalfOpenMaxConcurrent: 2,
	})
	trip(b, "p1", 1)
	*now = now.Add(2 * time.Minute)

	if ok, _ := b.Allow("p1"); !ok {
		t.Fatal("first probe should be admitted")
	}
	if ok, _ := b.Allow("p1"); !ok {
		t.Fatal("second probe should be admitted with cap=2")
	}
	if ok, _ := b.Allow("p1"); ok {
		t.Error("third probe should be rejected at cap")
	}
}

func TestBreaker_ReleaseReturnsProbeSlot(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, OpenDuration: time.Minute})
	trip(b, "p1", 1)
	*now = now.Add(2 * time.Minute)

	if ok, _ := b.Allow("p1"); !ok {
		t.Fatal("probe should be admitted after open_duration")
	}

	// The attempt ended without a success or failure verdict (client 4xx,
	// caller cancellation). Without Release the slot stays occupied and the
	// half-open breaker rejects every later request, no matter how long.
	b.Release("p1")

	*now = now.Add(24 * time.Hour)
	ok, st := b.Allow("p1")
	if !ok || st != StateHalfOpen {
		t.Errorf("released slot should admit the next probe, got ok=%v state=%v", ok, st)
	}
}

func TestBreaker_ReleaseOutsideHalfOpenIsNoop(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, OpenDuration: time.Minute})

	b.Release("p1")
	if b.State("p1") != StateClosed {
		t.Error("release on a closed breaker should not change state")
	}

	trip(b, "p1", 2)
	b.Release("p1")
	if b.State("p1") != StateOpen {
		t.Error("release on an open breaker should not change state")
	}
	if ok, _ := b.Allow("p1"); ok {
		t.Error("open breaker should still reject before next_probe_at")
	}
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, now := newTestBreaker(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenDuration:     time.Minute,
	})
	trip(b, "p1", 1)
	*now = now.Add(2 * time.Minute)

	b.Allow("p1") // first probe
	b.RecordSuccess("p1")
	if b.State("p1") != StateHalfOpen {
		t.Fatal("one probe success should not close the breaker yet")
	}

	b.Allow("p1") // second probe
	b.RecordSuccess("p1")
	if b.State("p1") != StateClosed {
		t.Error("reaching success_threshold should close the breaker")
	}
	if ok, _ := b.Allow("p1"); !ok {
		t.Error("closed breaker should allow requests again")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, OpenDuration: time.Minute})
	trip(b, "p1", 1)
	*now = now.Add(2 * time.Minute)

	b.Allow("p1")
	b.RecordFailure("p1")

	if b.State("p1") != StateOpen {
		t.Fatal("probe failure should reopen the breaker")
	}

	// The probe deadline must be re-armed from the failure time.
	want := now.Add(time.Minute)
	if !b.NextProbeAt("p1").Equal(want) {
		t.Errorf("expected re-armed next_probe_at=%v, got %v", want, b.NextProbeAt("p1"))
	}
	if ok, _ := b.Allow("p1"); ok {
		t.Error("reopened breaker should reject")
	}
}

func TestBreaker_LateResultsWhileOpenIgnored(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, OpenDuration: time.Minute})
	trip(b, "p1", 2)

	// Outcomes from requests admitted before the trip must not move the state.
	b.RecordSuccess("p1")
	if b.State("p1") != StateOpen {
		t.Error("late success while open should be ignored")
	}
	probeAt := b.NextProbeAt("p1")
	b.RecordFailure("p1")
	if !b.NextProbeAt("p1").Equal(probeAt) {
		t.Error("late failure while open should not re-arm the probe deadline")
	}
}

func TestBreaker_IndependentProviders(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2})
	trip(b, "p1", 2)

	if b.State("p1") != StateOpen {
		t.Error("p1 should be open")
	}
	if b.State("p2") != StateClosed {
		t.Error("p2 should remain closed")
	}
	if ok, _ := b.Allow("p2"); !ok {
		t.Error("p2 should still allow requests")
	}
}

func TestBreaker_States(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})
	b.Allow("p1")
	trip(b, "p2", 1)

	got := b.States()
	if got["p1"] != "closed" {
		t.Errorf("expected p1 closed, got %s", got["p1"])
	}
	if got["p2"] != "open" {
		t.Errorf("expected p2 open, got %s", got["p2"])
	}
}
