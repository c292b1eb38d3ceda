// Package graph implements the Check Engine (spec §4.3): a depth-first,
// cycle-safe, memoized expansion of the compiled relation AST, bounded by a
// global concurrency limit and a per-request depth limit.
package graph

import (
	"context"
	"fmt"
	"sync"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/authzed/rebacd/internal/datastore"
)

// Ellipsis names the implicit relation of a concrete (non-userset) subject.
const Ellipsis = datastore.Ellipsis

// DefaultDepth is the per-request recursion budget recommended by spec
// §4.3.2.
const DefaultDepth = 25

// DefaultConcurrency bounds the number of in-flight sub-expansions for a
// single Check call, per spec §4.3.2's "recommend 32".
const DefaultConcurrency = 32

// CheckRequest describes one node of the Expand(user, object, relation,
// path) recursion from spec §4.3.2. Start is the object/relation currently
// being expanded; Goal is the fixed subject the whole call is checking
// membership for.
type CheckRequest struct {
	Start          *v0.ObjectAndRelation
	Goal           *v0.ObjectAndRelation
	AtRevision     datastore.Revision
	DepthRemaining uint32

	// rc is shared by every CheckRequest dispatched within one top-level
	// Check call: it carries the memo table, the concurrency semaphore and
	// the tracing flag. path is NOT shared — every recursive descent copies
	// it, so that sibling branches of a union/intersection/difference do
	// not observe each other's path.
	rc   *requestContext
	path map[pathKey]bool

	// tolerant is true for every request reached by following a tuple's
	// userset reference (direct tuple, computed_userset, tuple_to_userset):
	// per spec §4.3.2's tie-break rule, a userset referencing a relation
	// that does not exist is a no-op rather than a failure. It is false only
	// for the original request, where an unknown type/relation is the
	// caller's mistake and must surface as FailedPrecondition (spec §4.3.3).
	tolerant bool
}

// pathKey identifies an (object, relation) pair on the current expansion
// path, used for cycle detection (spec §4.3.2 step 1).
type pathKey struct {
	namespace, objectID, relation string
}

func keyOf(onr *v0.ObjectAndRelation) pathKey {
	return pathKey{onr.Namespace, onr.ObjectId, onr.Relation}
}

// withPath returns a CheckRequest for a recursive sub-expansion: a copied
// path with the current (object, relation) added, and one less unit of
// depth budget.
func (req CheckRequest) withPath(start *v0.ObjectAndRelation) CheckRequest {
	next := make(map[pathKey]bool, len(req.path)+1)
	for k := range req.path {
		next[k] = true
	}
	next[keyOf(req.Start)] = true

	return CheckRequest{
		Start:          start,
		Goal:           req.Goal,
		AtRevision:     req.AtRevision,
		DepthRemaining: req.DepthRemaining - 1,
		rc:             req.rc,
		path:           next,
		tolerant:       true,
	}
}

// onCycle reports whether the current (object, relation) already appears on
// req's path.
func (req CheckRequest) onCycle() bool {
	return req.path[keyOf(req.Start)]
}

// CheckResult is the outcome of one ReduceableCheckFunc. Node is populated
// only when the enclosing call set WantTrace, per spec §4.3.2: "tracing
// must not change the outcome."
type CheckResult struct {
	IsMember bool
	Err      error
	Node     *ResolutionNode
}

// ReduceableCheckFunc is a lazily-started sub-expansion: calling it sends
// exactly one CheckResult to resultChan.
type ReduceableCheckFunc func(ctx context.Context, resultChan chan<- CheckResult)

// Reducer combines the results of several ReduceableCheckFuncs into one,
// per the union/intersection/difference semantics of spec §4.3.2 steps 6-8.
type Reducer func(ctx context.Context, requests []ReduceableCheckFunc) CheckResult

// ErrCheckFailure wraps a datastore read failure encountered mid-expansion.
// Per spec §4.3.3 this surfaces as Unavailable and the failing path is never
// memoized.
type ErrCheckFailure struct {
	Underlying error
}

func NewCheckFailureErr(err error) error { return ErrCheckFailure{Underlying: err} }

func (e ErrCheckFailure) Error() string {
	return fmt.Sprintf("check failed: %v", e.Underlying)
}

func (e ErrCheckFailure) Unwrap() error { return e.Underlying }

func (e ErrCheckFailure) GRPCStatus() *status.Status {
	return status.New(codes.Unavailable, e.Error())
}

// ErrRequestCanceled is returned when ctx is canceled (or its deadline
// expires) while sub-expansions are still in flight.
type ErrRequestCanceled struct{}

func (e ErrRequestCanceled) Error() string { return "check canceled" }

func (e ErrRequestCanceled) GRPCStatus() *status.Status {
	return status.New(codes.Canceled, e.Error())
}

func NewRequestCanceledErr() error { return ErrRequestCanceled{} }

// ErrDepthExceeded is returned when a recursion would exceed the per-request
// depth budget (spec §4.3.3: ResourceExhausted).
type ErrDepthExceeded struct{}

func (e ErrDepthExceeded) Error() string { return "check exceeded maximum recursion depth" }

func (e ErrDepthExceeded) GRPCStatus() *status.Status {
	return status.New(codes.ResourceExhausted, e.Error())
}

// requestContext is shared by every CheckRequest dispatched within a single
// top-level Check call.
type requestContext struct {
	mu        sync.Mutex
	memo      map[pathKey]CheckResult
	sem       *semaphoreLimiter
	wantTrace bool
}

func newRequestContext(concurrency int, wantTrace bool) *requestContext {
	return &requestContext{
		memo:      make(map[pathKey]CheckResult),
		sem:       newSemaphoreLimiter(concurrency),
		wantTrace: wantTrace,
	}
}

// loadMemo returns the cached result for onr, if this exact (object,
// relation) pair has already been resolved against the call's fixed Goal.
func (rc *requestContext) loadMemo(onr *v0.ObjectAndRelation) (CheckResult, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	r, ok := rc.memo[keyOf(onr)]
	return r, ok
}

// storeMemo records a result, unless it represents a failure: spec §4.3.3
// requires "no memo retention for the failing path".
func (rc *requestContext) storeMemo(onr *v0.ObjectAndRelation, result CheckResult) {
	if result.Err != nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.memo[keyOf(onr)] = result
}
