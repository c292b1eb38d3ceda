package graph

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"

	"github.com/authzed/rebacd/internal/datastore"
	"github.com/authzed/rebacd/internal/namespace"
	"github.com/authzed/rebacd/internal/telemetry"
	"github.com/authzed/rebacd/pkg/tuple"
)

// tracer emits one span per top-level Check call, covering the whole
// recursive Expand (spec §4.3.2) dispatched beneath it.
var tracer = otel.Tracer("github.com/authzed/rebacd/internal/graph")

// Checker evaluates Check and BatchCheck requests against a single pinned
// snapshot of the datastore (spec §4.3).
type Checker struct {
	reader datastore.Reader
	mgr    *namespace.Manager
}

// NewChecker builds a Checker reading through reader, using mgr to avoid
// redeserializing namespace definitions already seen this process.
func NewChecker(reader datastore.Reader, mgr *namespace.Manager) *Checker {
	return &Checker{reader: reader, mgr: mgr}
}

// CheckOptions configures a single top-level Check call.
type CheckOptions struct {
	// ContextualTuples are layered on top of the reader for the duration of
	// this call only (spec §4.3.1).
	ContextualTuples []*v0.RelationTuple
	WantTrace        bool
	Depth            uint32
	Concurrency      int
}

// CheckOutcome is the public result of a top-level Check call.
type CheckOutcome struct {
	IsMember   bool
	Resolution *ResolutionNode
}

// Check evaluates whether subject is a member of object#relation, per the
// recursive Expand routine of spec §4.3.2.
func (c *Checker) Check(ctx context.Context, atRevision datastore.Revision, object *v0.ObjectAndRelation, subject *v0.ObjectAndRelation, opts CheckOptions) (*CheckOutcome, error) {
	ctx, span := tracer.Start(ctx, "Check", trace.WithAttributes(
		attribute.String("resource.type", object.Namespace),
		attribute.String("resource.id", object.ObjectId),
		attribute.String("permission", object.Relation),
		attribute.String("subject.type", subject.Namespace),
	))
	defer span.End()

	depth := opts.Depth
	if depth == 0 {
		depth = DefaultDepth
	}

	reader := c.reader
	if len(opts.ContextualTuples) > 0 {
		reader = newContextualReader(reader, opts.ContextualTuples)
	}

	checker := &concurrentChecker{reader: reader, mgr: c.mgr}
	rc := newRequestContext(opts.Concurrency, opts.WantTrace)

	req := CheckRequest{
		Start:          object,
		Goal:           subject,
		AtRevision:     atRevision,
		DepthRemaining: depth,
		rc:             rc,
		path:           map[pathKey]bool{},
	}

	resultChan := make(chan CheckResult, 1)
	go checker.dispatch(req)(ctx, resultChan)

	select {
	case result := <-resultChan:
		if result.Err != nil {
			span.RecordError(result.Err)
			return nil, result.Err
		}
		span.SetAttributes(attribute.Bool("is_member", result.IsMember))
		return &CheckOutcome{IsMember: result.IsMember, Resolution: result.Node}, nil
	case <-ctx.Done():
		err := NewRequestCanceledErr()
		span.RecordError(err)
		return nil, err
	}
}

// concurrentChecker is the recursive evaluator proper, grounded on the same
// dispatch/checkDirect/checkUsersetRewrite/checkSetOperation split used by
// the reference concurrent checker this engine is adapted from.
type concurrentChecker struct {
	reader datastore.Reader
	mgr    *namespace.Manager
}

// dispatch wraps a recursive sub-expansion with memoization, cycle
// detection, the depth budget and the per-call concurrency semaphore. Every
// recursive call into another (object, relation) pair must go through
// dispatch rather than calling check directly.
func (cc *concurrentChecker) dispatch(req CheckRequest) ReduceableCheckFunc {
	return func(ctx context.Context, resultChan chan<- CheckResult) {
		if cached, ok := req.rc.loadMemo(req.Start); ok {
			telemetry.DispatchedCountHistogram.WithLabelValues("Check", "true").Observe(1)
			resultChan <- cached
			return
		}
		telemetry.DispatchedCountHistogram.WithLabelValues("Check", "false").Observe(1)
		if req.onCycle() {
			result := CheckResult{IsMember: false}
			req.rc.storeMemo(req.Start, result)
			resultChan <- result
			return
		}
		if req.DepthRemaining == 0 {
			resultChan <- CheckResult{Err: ErrDepthExceeded{}}
			return
		}

		if err := req.rc.sem.acquire(ctx); err != nil {
			resultChan <- CheckResult{Err: NewRequestCanceledErr()}
			return
		}
		defer req.rc.sem.release()

		def, _, err := cc.mgr.ReadNamespace(ctx, cc.reader, req.AtRevision, req.Start.Namespace)
		if err != nil {
			if _, ok := err.(datastore.ErrNamespaceNotFound); ok {
				if req.tolerant {
					log.Warn().Str("namespace", req.Start.Namespace).Msg("userset reference to an unknown object type, treating as no-op")
					resultChan <- CheckResult{IsMember: false}
					return
				}
				resultChan <- CheckResult{Err: ErrUnknownNamespace{Namespace: req.Start.Namespace}}
				return
			}
			resultChan <- CheckResult{Err: NewCheckFailureErr(err)}
			return
		}
		relation := findRelation(def, req.Start.Relation)
		if relation == nil {
			if req.tolerant {
				log.Warn().Str("namespace", req.Start.Namespace).Str("relation", req.Start.Relation).
					Msg("userset reference to an unknown relation, treating as no-op")
				resultChan <- CheckResult{IsMember: false}
				return
			}
			resultChan <- CheckResult{Err: ErrUnknownRelation{Namespace: req.Start.Namespace, Relation: req.Start.Relation}}
			return
		}

		inner := make(chan CheckResult, 1)
		cc.check(ctx, req, relation)(ctx, inner)
		result := <-inner
		req.rc.storeMemo(req.Start, result)
		resultChan <- result
	}
}

// check evaluates a single AST node already resolved to its *v0.Relation.
func (cc *concurrentChecker) check(ctx context.Context, req CheckRequest, relation *v0.Relation) ReduceableCheckFunc {
	if tuple.Equal(req.Start, req.Goal) {
		return cc.goalReached(req)
	}
	if relation.UsersetRewrite == nil {
		return cc.checkDirect(req)
	}
	return cc.checkUsersetRewrite(req, relation.UsersetRewrite)
}

func (cc *concurrentChecker) goalReached(req CheckRequest) ReduceableCheckFunc {
	return func(ctx context.Context, resultChan chan<- CheckResult) {
		resultChan <- CheckResult{IsMember: true, Node: cc.leaf("goal", req, true)}
	}
}

// checkDirect evaluates the implicit `this` node: tuples directly assigned
// to req.Start's relation (spec §4.3.2 step 3).
func (cc *concurrentChecker) checkDirect(req CheckRequest) ReduceableCheckFunc {
	return func(ctx context.Context, resultChan chan<- CheckResult) {
		it, err := cc.reader.QueryRelationships(datastore.RelationshipQueryObjectFilter{
			ResourceType:             req.Start.Namespace,
			OptionalResourceID:       req.Start.ObjectId,
			OptionalResourceRelation: req.Start.Relation,
		}).Execute(ctx)
		if err != nil {
			resultChan <- CheckResult{Err: NewCheckFailureErr(err)}
			return
		}
		defer it.Close()

		var sub []ReduceableCheckFunc
		for t := it.Next(); t != nil; t = it.Next() {
			userset := t.User.GetUserset()
			if tuple.IsWildcard(userset) {
				if userset.Namespace == req.Goal.Namespace {
					resultChan <- CheckResult{IsMember: true, Node: cc.leaf("this", req, true)}
					return
				}
				continue
			}
			if tuple.Equal(userset, req.Goal) {
				resultChan <- CheckResult{IsMember: true, Node: cc.leaf("this", req, true)}
				return
			}
			if userset.Relation != Ellipsis {
				sub = append(sub, cc.dispatch(req.withPath(userset)))
			}
		}
		if it.Err() != nil {
			resultChan <- CheckResult{Err: NewCheckFailureErr(it.Err())}
			return
		}

		result := Any(ctx, sub)
		if result.Node != nil {
			result.Node.Operator = "this"
			result.Node.Object = tuple.StringONR(req.Start)
		}
		resultChan <- result
	}
}

func (cc *concurrentChecker) checkUsersetRewrite(req CheckRequest, usr *v0.UsersetRewrite) ReduceableCheckFunc {
	switch rw := usr.RewriteOperation.(type) {
	case *v0.UsersetRewrite_Union:
		return cc.checkSetOperation(req, rw.Union, Any)
	case *v0.UsersetRewrite_Intersection:
		return cc.checkSetOperation(req, rw.Intersection, All)
	case *v0.UsersetRewrite_Exclusion:
		return cc.checkSetOperation(req, rw.Exclusion, Difference)
	default:
		return NotMember()
	}
}

func (cc *concurrentChecker) checkSetOperation(req CheckRequest, so *v0.SetOperation, reducer Reducer) ReduceableCheckFunc {
	var requests []ReduceableCheckFunc
	for _, childOneof := range so.Child {
		switch child := childOneof.ChildType.(type) {
		case *v0.SetOperation_Child_XThis:
			requests = append(requests, cc.checkDirect(req))
		case *v0.SetOperation_Child_ComputedUserset:
			requests = append(requests, cc.checkComputedUserset(req, child.ComputedUserset, nil))
		case *v0.SetOperation_Child_UsersetRewrite:
			requests = append(requests, cc.checkUsersetRewrite(req, child.UsersetRewrite))
		case *v0.SetOperation_Child_TupleToUserset:
			requests = append(requests, cc.checkTupleToUserset(req, child.TupleToUserset))
		}
	}
	return func(ctx context.Context, resultChan chan<- CheckResult) {
		result := reducer(ctx, requests)
		if result.Node != nil {
			result.Node.Object = tuple.StringONR(req.Start)
		}
		resultChan <- result
	}
}

// checkComputedUserset evaluates `computed_userset(other)` (spec §4.3.2 step
// 4), or the per-candidate step of a tuple_to_userset expansion when tpl is
// non-nil.
func (cc *concurrentChecker) checkComputedUserset(req CheckRequest, cu *v0.ComputedUserset, tpl *v0.RelationTuple) ReduceableCheckFunc {
	start := req.Start
	if tpl != nil {
		start = tpl.User.GetUserset()
	}

	target := &v0.ObjectAndRelation{Namespace: start.Namespace, ObjectId: start.ObjectId, Relation: cu.Relation}
	if tuple.Equal(req.Goal, target) {
		return func(ctx context.Context, resultChan chan<- CheckResult) {
			resultChan <- CheckResult{IsMember: true, Node: cc.leaf("computed_userset", req, true)}
		}
	}
	return cc.dispatch(req.withPath(target))
}

// checkTupleToUserset evaluates `tuple_to_userset(tupleset, computed)` (spec
// §4.3.2 step 5): every tuple assigned to the tupleset relation contributes
// a candidate userset to expand via computed.
func (cc *concurrentChecker) checkTupleToUserset(req CheckRequest, ttu *v0.TupleToUserset) ReduceableCheckFunc {
	return func(ctx context.Context, resultChan chan<- CheckResult) {
		it, err := cc.reader.QueryRelationships(datastore.RelationshipQueryObjectFilter{
			ResourceType:             req.Start.Namespace,
			OptionalResourceID:       req.Start.ObjectId,
			OptionalResourceRelation: ttu.Tupleset.Relation,
		}).Execute(ctx)
		if err != nil {
			resultChan <- CheckResult{Err: NewCheckFailureErr(err)}
			return
		}
		defer it.Close()

		var sub []ReduceableCheckFunc
		for t := it.Next(); t != nil; t = it.Next() {
			sub = append(sub, cc.checkComputedUserset(req, ttu.ComputedUserset, t))
		}
		if it.Err() != nil {
			resultChan <- CheckResult{Err: NewCheckFailureErr(it.Err())}
			return
		}

		result := Any(ctx, sub)
		if result.Node != nil {
			result.Node.Operator = "tuple_to_userset"
			result.Node.Object = tuple.StringONR(req.Start)
		}
		resultChan <- result
	}
}

func (cc *concurrentChecker) leaf(operator string, req CheckRequest, outcome bool) *ResolutionNode {
	if !req.rc.wantTrace {
		return nil
	}
	return newTraceNode(operator, tuple.StringONR(req.Start), outcome)
}

func findRelation(def *v0.NamespaceDefinition, name string) *v0.Relation {
	for _, rel := range def.Relation {
		if rel.Name == name {
			return rel
		}
	}
	return nil
}

// ErrUnknownNamespace is returned when a Check dispatches into an object
// type the active model does not define (spec §4.3.3: FailedPrecondition).
type ErrUnknownNamespace struct {
	Namespace string
}

func (e ErrUnknownNamespace) Error() string { return "unknown object type " + e.Namespace }

func (e ErrUnknownNamespace) GRPCStatus() *status.Status {
	return status.New(codes.FailedPrecondition, e.Error())
}

// ErrUnknownRelation is returned when a tuple or AST node references a
// relation the active model does not define on that type (spec §4.3.3:
// FailedPrecondition).
type ErrUnknownRelation struct {
	Namespace, Relation string
}

func (e ErrUnknownRelation) Error() string {
	return "unknown relation " + e.Relation + " on " + e.Namespace
}

func (e ErrUnknownRelation) GRPCStatus() *status.Status {
	return status.New(codes.FailedPrecondition, e.Error())
}
