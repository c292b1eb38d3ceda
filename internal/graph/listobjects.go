package graph

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"
	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"

	"github.com/authzed/rebacd/internal/datastore"
	"github.com/authzed/rebacd/internal/namespace"
	"github.com/authzed/rebacd/pkg/tuple"
)

// ListObjectsResult is one page of ListObjects output (spec §4.4.1).
type ListObjectsResult struct {
	ObjectIDs     []string
	NextPageToken string
}

// ListObjects returns the ids of objType for which Check(subject, relation,
// objType:id) would return true, per the candidate-gather algorithm of spec
// §4.4.1.
func (c *Checker) ListObjects(ctx context.Context, atRevision datastore.Revision, objType, relation string, subject *v0.ObjectAndRelation, pageSize int, pageToken string) (*ListObjectsResult, error) {
	def, graph, err := c.mgr.ReadNamespace(ctx, c.reader, atRevision, objType)
	if err != nil {
		return nil, err
	}
	rel := findRelation(def, relation)
	if rel == nil {
		return nil, ErrUnknownRelation{Namespace: objType, Relation: relation}
	}

	candidates, err := c.gatherObjectCandidates(ctx, atRevision, def, graph, objType, relation, subject, DefaultDepth)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if needsConfirmation(rel.UsersetRewrite) {
		ids, err = c.confirmCandidates(ctx, atRevision, objType, relation, subject, ids)
		if err != nil {
			return nil, err
		}
	}

	return paginateIDs(ids, pageSize, pageToken)
}

// gatherObjectCandidates implements spec §4.4.1 steps 1-2: direct tuples on
// every relation that reaches `relation` via computed_userset, plus one hop
// of every tuple_to_userset indirection reachable from `relation`.
func (c *Checker) gatherObjectCandidates(ctx context.Context, atRevision datastore.Revision, def *v0.NamespaceDefinition, graph namespace.ReachabilityGraph, objType, relation string, subject *v0.ObjectAndRelation, depthRemaining int) (map[string]bool, error) {
	candidates := make(map[string]bool)
	if depthRemaining <= 0 {
		return candidates, nil
	}

	for _, relName := range forwardReachable(graph, relation) {
		if err := c.gatherDirectCandidates(ctx, objType, relName, subject, candidates); err != nil {
			return nil, err
		}

		rel := findRelation(def, relName)
		if rel == nil || rel.UsersetRewrite == nil {
			continue
		}
		ttus := collectTupleToUsersets(rel.UsersetRewrite)
		for _, ttu := range ttus {
			if err := c.gatherTupleToUsersetCandidates(ctx, atRevision, objType, relName, ttu, subject, candidates, depthRemaining); err != nil {
				return nil, err
			}
		}
	}
	return candidates, nil
}

// gatherDirectCandidates adds every objType:id directly assigned relName to
// subject, or to the wildcard subject of subject's type.
func (c *Checker) gatherDirectCandidates(ctx context.Context, objType, relName string, subject *v0.ObjectAndRelation, out map[string]bool) error {
	for _, subjectID := range []string{subject.ObjectId, tuple.PublicWildcard} {
		subjectRelation := subject.Relation
		if subjectID == tuple.PublicWildcard {
			subjectRelation = tuple.Ellipsis
		}
		it, err := c.reader.ReverseQueryRelationships(datastore.RelationshipQueryObjectFilter{ResourceType: objType}).
			WithSubject(subject.Namespace, subjectID, subjectRelation).
			WithObjectRelation(objType, relName).
			Execute(ctx)
		if err != nil {
			return NewCheckFailureErr(err)
		}
		for t := it.Next(); t != nil; t = it.Next() {
			out[t.ObjectAndRelation.ObjectId] = true
		}
		if it.Err() != nil {
			it.Close()
			return NewCheckFailureErr(it.Err())
		}
		it.Close()
	}
	return nil
}

// gatherTupleToUsersetCandidates follows a tuple_to_userset edge one hop
// outward: first finds every referenced object that the subject can reach
// via ttu.ComputedUserset, then finds every objType row whose ttu.Tupleset
// relation points at one of those objects (spec §4.4.1 step 2).
func (c *Checker) gatherTupleToUsersetCandidates(ctx context.Context, atRevision datastore.Revision, objType, relName string, ttu *v0.TupleToUserset, subject *v0.ObjectAndRelation, out map[string]bool, depthRemaining int) error {
	referencedType, err := c.tuplesetSubjectType(ctx, atRevision, objType, ttu.Tupleset.Relation)
	if err != nil {
		return err
	}
	if referencedType == "" {
		return nil
	}

	refDef, refGraph, err := c.mgr.ReadNamespace(ctx, c.reader, atRevision, referencedType)
	if err != nil {
		return nil //nolint:nilerr // an unresolvable referenced type yields no candidates, not a failure
	}

	refCandidates, err := c.gatherObjectCandidates(ctx, atRevision, refDef, refGraph, referencedType, ttu.ComputedUserset.Relation, subject, depthRemaining-1)
	if err != nil {
		return err
	}
	if len(refCandidates) == 0 {
		return nil
	}

	usersets := make([]*v1.SubjectReference, 0, len(refCandidates))
	for id := range refCandidates {
		usersets = append(usersets, &v1.SubjectReference{
			Object: &v1.ObjectReference{ObjectType: referencedType, ObjectId: id},
		})
	}

	it, err := c.reader.QueryRelationships(datastore.RelationshipQueryObjectFilter{
		ResourceType:             objType,
		OptionalResourceRelation: ttu.Tupleset.Relation,
	}).WithUsersets(usersets).Execute(ctx)
	if err != nil {
		return NewCheckFailureErr(err)
	}
	defer it.Close()
	for t := it.Next(); t != nil; t = it.Next() {
		out[t.ObjectAndRelation.ObjectId] = true
	}
	return it.Err()
}

// tuplesetSubjectType returns the object type allowed on the right-hand
// side of objType's tupleset relation, read from its type information.
func (c *Checker) tuplesetSubjectType(ctx context.Context, atRevision datastore.Revision, objType, tuplesetRelation string) (string, error) {
	def, _, err := c.mgr.ReadNamespace(ctx, c.reader, atRevision, objType)
	if err != nil {
		return "", NewCheckFailureErr(err)
	}
	rel := findRelation(def, tuplesetRelation)
	if rel == nil || rel.TypeInformation == nil || len(rel.TypeInformation.AllowedDirectRelations) == 0 {
		return "", nil
	}
	return rel.TypeInformation.AllowedDirectRelations[0].Namespace, nil
}

// confirmCandidates runs a confirmatory Check against every candidate when
// the relation's AST uses intersection or difference: the candidate set
// gathered above is a superset in those cases (spec §4.4.1 step 4).
// Wildcard candidates are gathered directly and are not confirmed.
func (c *Checker) confirmCandidates(ctx context.Context, atRevision datastore.Revision, objType, relation string, subject *v0.ObjectAndRelation, ids []string) ([]string, error) {
	confirmed := make([]string, 0, len(ids))
	for _, id := range ids {
		outcome, err := c.Check(ctx, atRevision, &v0.ObjectAndRelation{Namespace: objType, ObjectId: id, Relation: relation}, subject, CheckOptions{})
		if err != nil {
			return nil, err
		}
		if outcome.IsMember {
			confirmed = append(confirmed, id)
		}
	}
	return confirmed, nil
}

// forwardReachable returns relation plus every relation it transitively
// depends on through computed_userset, via a BFS over graph.
func forwardReachable(graph namespace.ReachabilityGraph, relation string) []string {
	seen := map[string]bool{relation: true}
	queue := []string{relation}
	order := []string{relation}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range graph[cur] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			order = append(order, dep)
			queue = append(queue, dep)
		}
	}
	return order
}

// needsConfirmation reports whether rw contains an intersection or
// difference, either at its root or nested under union children. Wildcard
// subjects do not make it return true.
func needsConfirmation(rw *v0.UsersetRewrite) bool {
	if rw == nil {
		return false
	}
	switch op := rw.RewriteOperation.(type) {
	case *v0.UsersetRewrite_Intersection:
		return true
	case *v0.UsersetRewrite_Exclusion:
		return true
	case *v0.UsersetRewrite_Union:
		for _, child := range op.Union.Child {
			if ct, ok := child.ChildType.(*v0.SetOperation_Child_UsersetRewrite); ok {
				if needsConfirmation(ct.UsersetRewrite) {
					return true
				}
			}
		}
	}
	return false
}

func collectTupleToUsersets(rw *v0.UsersetRewrite) []*v0.TupleToUserset {
	if rw == nil {
		return nil
	}
	var so *v0.SetOperation
	switch op := rw.RewriteOperation.(type) {
	case *v0.UsersetRewrite_Union:
		so = op.Union
	case *v0.UsersetRewrite_Intersection:
		so = op.Intersection
	case *v0.UsersetRewrite_Exclusion:
		so = op.Exclusion
	}
	if so == nil {
		return nil
	}
	var out []*v0.TupleToUserset
	for _, child := range so.Child {
		switch ct := child.ChildType.(type) {
		case *v0.SetOperation_Child_TupleToUserset:
			out = append(out, ct.TupleToUserset)
		case *v0.SetOperation_Child_UsersetRewrite:
			out = append(out, collectTupleToUsersets(ct.UsersetRewrite)...)
		}
	}
	return out
}

// paginateIDs applies a page window over a sorted id list; the page token
// is the base64 encoding of the next page's index into that list (spec §4.4: "stable nextPageToken values").
func paginateIDs(ids []string, pageSize int, pageToken string) (*ListObjectsResult, error) {
	start := 0
	if pageToken != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(pageToken)
		if err != nil {
			return nil, fmt.Errorf("invalid page token: %w", err)
		}
		var offset int
		if _, err := fmt.Sscanf(string(decoded), "%d", &offset); err != nil {
			return nil, fmt.Errorf("invalid page token: %w", err)
		}
		start = offset
	}
	if pageSize <= 0 {
		pageSize = len(ids)
	}
	if start > len(ids) {
		start = len(ids)
	}
	end := start + pageSize
	if end > len(ids) {
		end = len(ids)
	}

	var next string
	if end < len(ids) {
		next = base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%d", end)))
	}
	return &ListObjectsResult{ObjectIDs: ids[start:end], NextPageToken: next}, nil
}
