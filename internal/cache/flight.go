package cache

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// FlightResult is the shared outcome of one coalesced dispatch.
type FlightResult struct {
	// Value is whatever the leader's fn returned; callers assert the type.
	Value any
	// Shared is true for followers that received the leader's result.
	Shared bool
	// Leader is true for the caller whose fn actually ran.
	Leader bool
}

// Flight coalesces concurrent dispatches that share a fingerprint: the first
// caller runs fn, concurrent callers with the same key block and receive the
// leader's result (including its error). The key is forgotten after every
// flight so a failed dispatch never poisons later requests.
type Flight struct {
	group singleflight.Group
}

func NewFlight() *Flight {
	return &Flight{}
}

// Do runs fn under the single-flight latch for key. It observes ctx: if the
// caller's context expires while waiting on another flight, the caller
// unblocks with ctx.Err() while the leader's fn keeps running to completion
// for the remaining waiters.
func (f *Flight) Do(ctx context.Context, key string, fn func() (any, error)) (FlightResult, error) {
	leader := false
	ch := f.group.DoChan(key, func() (any, error) {
		leader = true
		defer f.group.Forget(key)
		return fn()
	})

	select {
	case <-ctx.Done():
		return FlightResult{}, ctx.Err()
	case res := <-ch:
		return FlightResult{Value: res.Val, Shared: res.Shared, Leader: leader}, res.Err
	}
}
