package graph

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// semaphoreLimiter bounds the number of in-flight sub-expansions across an
// entire top-level Check call (spec §4.3.2's "per-request semaphore").
type semaphoreLimiter struct {
	weighted *semaphore.Weighted
}

func newSemaphoreLimiter(n int) *semaphoreLimiter {
	if n <= 0 {
		n = DefaultConcurrency
	}
	return &semaphoreLimiter{weighted: semaphore.NewWeighted(int64(n))}
}

// acquire blocks until a slot is free or ctx is done.
func (s *semaphoreLimiter) acquire(ctx context.Context) error {
	return s.weighted.Acquire(ctx, 1)
}

func (s *semaphoreLimiter) release() {
	s.weighted.Release(1)
}

// All returns whether every one of the lazy checks pass; used for
// intersection (spec §4.3.2 step 7: "the first false cancels the rest").
func All(ctx context.Context, requests []ReduceableCheckFunc) CheckResult {
	if len(requests) == 0 {
		return CheckResult{IsMember: false}
	}

	resultChan := make(chan CheckResult, len(requests))
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, req := range requests {
		go req(childCtx, resultChan)
	}

	var seen []*ResolutionNode
	for i := 0; i < len(requests); i++ {
		select {
		case result := <-resultChan:
			if result.Node != nil {
				seen = append(seen, result.Node)
			}
			if result.Err != nil || !result.IsMember {
				result.Node = wrapTrace("intersection", seen)
				return result
			}
		case <-ctx.Done():
			return CheckResult{IsMember: false, Err: NewRequestCanceledErr()}
		}
	}
	return CheckResult{IsMember: true, Node: wrapTrace("intersection", seen)}
}

// Any returns whether at least one of the lazy checks pass; used for union
// (spec §4.3.2 step 6: "the first true cancels the rest").
func Any(ctx context.Context, requests []ReduceableCheckFunc) CheckResult {
	if len(requests) == 0 {
		return CheckResult{IsMember: false}
	}

	resultChan := make(chan CheckResult, len(requests))
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, req := range requests {
		go req(childCtx, resultChan)
	}

	var downstreamErr error
	var seen []*ResolutionNode
	for i := 0; i < len(requests); i++ {
		select {
		case result := <-resultChan:
			if result.Node != nil {
				seen = append(seen, result.Node)
			}
			if result.Err == nil && result.IsMember {
				result.Node = wrapTrace("union", seen)
				return result
			}
			if result.Err != nil {
				downstreamErr = result.Err
			}
		case <-ctx.Done():
			return CheckResult{IsMember: false, Err: NewRequestCanceledErr()}
		}
	}
	return CheckResult{IsMember: false, Err: downstreamErr, Node: wrapTrace("union", seen)}
}

// Difference returns whether requests[0] passes and none of requests[1:]
// pass (spec §4.3.2 step 8). The base and the subtrahends run concurrently;
// a true subtrahend or a false base short-circuits the rest.
func Difference(ctx context.Context, requests []ReduceableCheckFunc) CheckResult {
	if len(requests) == 0 {
		return CheckResult{IsMember: false}
	}

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	baseChan := make(chan CheckResult, 1)
	othersChan := make(chan CheckResult, len(requests)-1)

	go requests[0](childCtx, baseChan)
	for _, req := range requests[1:] {
		go req(childCtx, othersChan)
	}

	var seen []*ResolutionNode
	for i := 0; i < len(requests); i++ {
		select {
		case base := <-baseChan:
			if base.Node != nil {
				seen = append(seen, base.Node)
			}
			if base.Err != nil || !base.IsMember {
				base.Node = wrapTrace("difference", seen)
				return base
			}
		case sub := <-othersChan:
			if sub.Node != nil {
				seen = append(seen, sub.Node)
			}
			if sub.Err != nil || sub.IsMember {
				return CheckResult{IsMember: false, Err: sub.Err, Node: wrapTrace("difference", seen)}
			}
		case <-ctx.Done():
			return CheckResult{IsMember: false, Err: NewRequestCanceledErr()}
		}
	}
	return CheckResult{IsMember: true, Node: wrapTrace("difference", seen)}
}

// CheckError lifts a pre-existing error into a ReduceableCheckFunc.
func CheckError(err error) ReduceableCheckFunc {
	return func(ctx context.Context, resultChan chan<- CheckResult) {
		resultChan <- CheckResult{IsMember: false, Err: err}
	}
}

// AlwaysMember is the terminal node for "the goal ONR was reached": it is
// trivially a member of itself.
func AlwaysMember() ReduceableCheckFunc {
	return func(ctx context.Context, resultChan chan<- CheckResult) {
		resultChan <- CheckResult{IsMember: true}
	}
}

// NotMember is the terminal node for a relation that provably cannot
// contribute membership, e.g. a computed_userset referencing a relation
// that does not exist on the target type.
func NotMember() ReduceableCheckFunc {
	return func(ctx context.Context, resultChan chan<- CheckResult) {
		resultChan <- CheckResult{IsMember: false}
	}
}
