// Package registry owns the set of provider handles. Reads are lock-free:
// the handle set is an immutable snapshot behind an atomic pointer, swapped
// wholesale on registration or hot-reload. Health and latency are tracked in
// side tables keyed by provider id so frequent updates never copy the handle
// set, and a dispatch holding an old snapshot keeps a consistent view until
// it completes.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// ErrDuplicateID is returned when a handle with the same id already exists.
var ErrDuplicateID = errors.New("registry: duplicate provider id")

// Health is the probe-reported state of one backend.
type Health int

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Handle is an immutable, capability-tagged reference to one backend.
// Mutable state (health, latency) lives in the registry's side tables.
type Handle struct {
	ID           string
	Provider     providers.Provider
	Capabilities []string // model names or glob patterns
	Priority     int      // lower = preferred
	Weight       int      // non-negative; 0 excludes from weighted picks
}

// Serves reports whether the handle advertises the given model, either
// exactly or via a glob pattern.
func (h *Handle) Serves(model string) bool {
	for _, c := range h.Capabilities {
		if c == model {
			return true
		}
		if ok, err := doublestar.Match(c, model); err == nil && ok {
			return true
		}
	}
	return false
}

type snapshot struct {
	handles []*Handle
	byID    map[string]*Handle
}

type healthEntry struct {
	health    Health
	changedAt time.Time
}

// ewmaAlpha is the smoothing factor for latency tracking.
const ewmaAlpha = 0.2

// Registry holds provider handles plus per-provider health and EWMA latency.
type Registry struct {
	mu   sync.Mutex // serializes writers; readers go through snap
	snap atomic.Pointer[snapshot]

	healthMu sync.RWMutex
	health   map[string]healthEntry

	latMu sync.RWMutex
	lat   map[string]float64 // EWMA latency in seconds
}

func New() *Registry {
	r := &Registry{
		health: make(map[string]healthEntry),
		lat:    make(map[string]float64),
	}
	r.snap.Store(&snapshot{byID: map[string]*Handle{}})
	return r
}

// Register adds a handle. Fails with ErrDuplicateID if the id is taken.
func (r *Registry) Register(h *Handle) error {
	if h == nil || h.ID == "" {
		return errors.New("registry: handle must have an id")
	}
	if h.Weight < 0 {
		return fmt.Errorf("registry: %s: negative weight", h.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, exists := cur.byID[h.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, h.ID)
	}

	next := make([]*Handle, 0, len(cur.handles)+1)
	next = append(next, cur.handles...)
	next = append(next, h)
	r.publish(next)
	return nil
}

// ReplaceAll atomically swaps the entire handle set (hot-reload). Dispatches
// holding the previous snapshot are unaffected. Health and latency entries
// for ids no longer present are dropped.
func (r *Registry) ReplaceAll(handles []*Handle) error {
	seen := make(map[string]struct{}, len(handles))
	for _, h := range handles {
		if h == nil || h.ID == "" {
			return errors.New("registry: handle must have an id")
		}
		if _, dup := seen[h.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, h.ID)
		}
		seen[h.ID] = struct{}{}
	}

	r.mu.Lock()
	r.publish(handles)
	r.mu.Unlock()

	r.healthMu.Lock()
	for id := range r.health {
		if _, ok := seen[id]; !ok {
			delete(r.health, id)
		}
	}
	r.healthMu.Unlock()

	r.latMu.Lock()
	for id := range r.lat {
		if _, ok := seen[id]; !ok {
			delete(r.lat, id)
		}
	}
	r.latMu.Unlock()
	return nil
}

// publish stores a new snapshot; callers must hold r.mu.
func (r *Registry) publish(handles []*Handle) {
	sorted := make([]*Handle, len(handles))
	copy(sorted, handles)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})

	byID := make(map[string]*Handle, len(sorted))
	for _, h := range sorted {
		byID[h.ID] = h
	}
	r.snap.Store(&snapshot{handles: sorted, byID: byID})
}

// Get returns the handle for id from the current snapshot.
func (r *Registry) Get(id string) (*Handle, bool) {
	h, ok := r.snap.Load().byID[id]
	return h, ok
}

// List returns the current snapshot's handles, ordered by (priority, id).
// Callers must not mutate the returned slice.
func (r *Registry) List() []*Handle {
	return r.snap.Load().handles
}

// Candidates returns the handles advertising the given model.
func (r *Registry) Candidates(model string) []*Handle {
	all := r.snap.Load().handles
	out := make([]*Handle, 0, len(all))
	for _, h := range all {
		if h.Serves(model) {
			out = append(out, h)
		}
	}
	return out
}

// UpdateWeight publishes a new snapshot with the handle's weight replaced.
func (r *Registry) UpdateWeight(id string, weight int) error {
	if weight < 0 {
		return fmt.Errorf("registry: %s: negative weight", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	old, ok := cur.byID[id]
	if !ok {
		return fmt.Errorf("registry: unknown provider %q", id)
	}

	next := make([]*Handle, 0, len(cur.handles))
	for _, h := range cur.handles {
		if h == old {
			clone := *h
			clone.Weight = weight
			next = append(next, &clone)
			continue
		}
		next = append(next, h)
	}
	r.publish(next)
	return nil
}

// UpdateHealth records a health transition. The timestamp changes only when
// the state actually changes.
func (r *Registry) UpdateHealth(id string, h Health) {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()

	cur, ok := r.health[id]
	if ok && cur.health == h {
		return
	}
	r.health[id] = healthEntry{health: h, changedAt: time.Now()}
}

// HealthOf returns the last reported health and its change time.
// Providers never probed report HealthUnknown.
func (r *Registry) HealthOf(id string) (Health, time.Time) {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()

	e, ok := r.health[id]
	if !ok {
		return HealthUnknown, time.Time{}
	}
	return e.health, e.changedAt
}

// ObserveLatency folds one attempt duration into the provider's EWMA.
func (r *Registry) ObserveLatency(id string, d time.Duration) {
	sec := d.Seconds()

	r.latMu.Lock()
	defer r.latMu.Unlock()

	cur, ok := r.lat[id]
	if !ok {
		r.lat[id] = sec
		return
	}
	r.lat[id] = ewmaAlpha*sec + (1-ewmaAlpha)*cur
}

// Latency returns the provider's EWMA latency, or 0 if never observed.
func (r *Registry) Latency(id string) time.Duration {
	r.latMu.RLock()
	defer r.latMu.RUnlock()
	return time.Duration(r.lat[id] * float64(time.Second))
}
