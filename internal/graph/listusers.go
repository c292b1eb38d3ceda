package graph

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"

	"github.com/authzed/rebacd/internal/datastore"
	"github.com/authzed/rebacd/pkg/tuple"
)

// ListUsersResult is one page of ListUsers output (spec §4.4.2).
type ListUsersResult struct {
	Users         []string
	NextPageToken string
}

// ListUsers returns the user identifiers that are members of
// object#relation, expanding the relation AST outward from object (spec
// §4.4.2). userTypes, when non-empty, restricts the result to subjects of
// those types; the wildcard subject of an allowed type yields "type:*".
func (c *Checker) ListUsers(ctx context.Context, atRevision datastore.Revision, object *v0.ObjectAndRelation, userTypes []string, pageSize int, pageToken string) (*ListUsersResult, error) {
	users, err := c.expandUsers(ctx, atRevision, object, DefaultDepth, map[pathKey]bool{})
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(userTypes))
	for _, t := range userTypes {
		allowed[t] = true
	}

	seen := make(map[string]bool, len(users))
	var rendered []string
	for _, u := range users {
		if len(allowed) > 0 && !allowed[u.Namespace] {
			continue
		}
		var s string
		if tuple.IsWildcard(u) {
			s = u.Namespace + ":" + tuple.PublicWildcard
		} else {
			s = tuple.StringObject(u)
		}
		if !seen[s] {
			seen[s] = true
			rendered = append(rendered, s)
		}
	}
	sort.Strings(rendered)

	return paginateUsers(rendered, pageSize, pageToken)
}

// expandUsers walks the relation AST outward from onr, collecting every
// concrete or wildcard subject that contributes to its membership.
func (c *Checker) expandUsers(ctx context.Context, atRevision datastore.Revision, onr *v0.ObjectAndRelation, depthRemaining int, path map[pathKey]bool) ([]*v0.ObjectAndRelation, error) {
	if depthRemaining <= 0 || path[keyOf(onr)] {
		return nil, nil
	}
	nextPath := make(map[pathKey]bool, len(path)+1)
	for k := range path {
		nextPath[k] = true
	}
	nextPath[keyOf(onr)] = true

	def, _, err := c.mgr.ReadNamespace(ctx, c.reader, atRevision, onr.Namespace)
	if err != nil {
		return nil, NewCheckFailureErr(err)
	}
	rel := findRelation(def, onr.Relation)
	if rel == nil {
		return nil, ErrUnknownRelation{Namespace: onr.Namespace, Relation: onr.Relation}
	}

	if rel.UsersetRewrite == nil {
		return c.expandDirect(ctx, atRevision, onr, depthRemaining, nextPath)
	}
	return c.expandRewrite(ctx, atRevision, onr, rel.UsersetRewrite, depthRemaining, nextPath)
}

// expandDirect handles the implicit `this` node: every directly assigned
// tuple contributes its subject. A subject that is itself a userset (rather
// than a concrete user) is expanded one level further, mirroring step 3 of
// the Check recursion.
func (c *Checker) expandDirect(ctx context.Context, atRevision datastore.Revision, onr *v0.ObjectAndRelation, depthRemaining int, path map[pathKey]bool) ([]*v0.ObjectAndRelation, error) {
	it, err := c.reader.QueryRelationships(datastore.RelationshipQueryObjectFilter{
		ResourceType:             onr.Namespace,
		OptionalResourceID:       onr.ObjectId,
		OptionalResourceRelation: onr.Relation,
	}).Execute(ctx)
	if err != nil {
		return nil, NewCheckFailureErr(err)
	}
	defer it.Close()

	var out []*v0.ObjectAndRelation
	for t := it.Next(); t != nil; t = it.Next() {
		userset := t.User.GetUserset()
		if tuple.IsWildcard(userset) || userset.Relation == Ellipsis {
			out = append(out, userset)
			continue
		}
		sub, err := c.expandUsers(ctx, atRevision, userset, depthRemaining-1, path)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	if it.Err() != nil {
		return nil, NewCheckFailureErr(it.Err())
	}
	return out, nil
}

func (c *Checker) expandRewrite(ctx context.Context, atRevision datastore.Revision, onr *v0.ObjectAndRelation, rw *v0.UsersetRewrite, depthRemaining int, path map[pathKey]bool) ([]*v0.ObjectAndRelation, error) {
	switch op := rw.RewriteOperation.(type) {
	case *v0.UsersetRewrite_Union:
		return c.expandSetOperation(ctx, atRevision, onr, op.Union, depthRemaining, path, unionUsers)
	case *v0.UsersetRewrite_Intersection:
		return c.expandSetOperation(ctx, atRevision, onr, op.Intersection, depthRemaining, path, intersectUsers)
	case *v0.UsersetRewrite_Exclusion:
		return c.expandSetOperation(ctx, atRevision, onr, op.Exclusion, depthRemaining, path, differenceUsers)
	default:
		return nil, nil
	}
}

func (c *Checker) expandSetOperation(ctx context.Context, atRevision datastore.Revision, onr *v0.ObjectAndRelation, so *v0.SetOperation, depthRemaining int, path map[pathKey]bool, combine func([][]*v0.ObjectAndRelation) []*v0.ObjectAndRelation) ([]*v0.ObjectAndRelation, error) {
	var sets [][]*v0.ObjectAndRelation
	for _, childOneof := range so.Child {
		var (
			result []*v0.ObjectAndRelation
			err    error
		)
		switch child := childOneof.ChildType.(type) {
		case *v0.SetOperation_Child_XThis:
			result, err = c.expandDirect(ctx, atRevision, onr, depthRemaining, path)
		case *v0.SetOperation_Child_ComputedUserset:
			target := &v0.ObjectAndRelation{Namespace: onr.Namespace, ObjectId: onr.ObjectId, Relation: child.ComputedUserset.Relation}
			result, err = c.expandUsers(ctx, atRevision, target, depthRemaining-1, path)
		case *v0.SetOperation_Child_TupleToUserset:
			result, err = c.expandTupleToUserset(ctx, atRevision, onr, child.TupleToUserset, depthRemaining, path)
		case *v0.SetOperation_Child_UsersetRewrite:
			result, err = c.expandRewrite(ctx, atRevision, onr, child.UsersetRewrite, depthRemaining, path)
		}
		if err != nil {
			return nil, err
		}
		sets = append(sets, result)
	}
	return combine(sets), nil
}

func (c *Checker) expandTupleToUserset(ctx context.Context, atRevision datastore.Revision, onr *v0.ObjectAndRelation, ttu *v0.TupleToUserset, depthRemaining int, path map[pathKey]bool) ([]*v0.ObjectAndRelation, error) {
	it, err := c.reader.QueryRelationships(datastore.RelationshipQueryObjectFilter{
		ResourceType:             onr.Namespace,
		OptionalResourceID:       onr.ObjectId,
		OptionalResourceRelation: ttu.Tupleset.Relation,
	}).Execute(ctx)
	if err != nil {
		return nil, NewCheckFailureErr(err)
	}
	defer it.Close()

	var out []*v0.ObjectAndRelation
	for t := it.Next(); t != nil; t = it.Next() {
		ref := t.User.GetUserset()
		target := &v0.ObjectAndRelation{Namespace: ref.Namespace, ObjectId: ref.ObjectId, Relation: ttu.ComputedUserset.Relation}
		sub, err := c.expandUsers(ctx, atRevision, target, depthRemaining-1, path)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	if it.Err() != nil {
		return nil, NewCheckFailureErr(it.Err())
	}
	return out, nil
}

func unionUsers(sets [][]*v0.ObjectAndRelation) []*v0.ObjectAndRelation {
	seen := map[string]bool{}
	var out []*v0.ObjectAndRelation
	for _, set := range sets {
		for _, u := range set {
			k := tuple.StringONR(u)
			if !seen[k] {
				seen[k] = true
				out = append(out, u)
			}
		}
	}
	return out
}

func intersectUsers(sets [][]*v0.ObjectAndRelation) []*v0.ObjectAndRelation {
	if len(sets) == 0 {
		return nil
	}
	counts := map[string]int{}
	byKey := map[string]*v0.ObjectAndRelation{}
	for _, set := range sets {
		local := map[string]bool{}
		for _, u := range set {
			k := tuple.StringONR(u)
			if local[k] {
				continue
			}
			local[k] = true
			counts[k]++
			byKey[k] = u
		}
	}
	var out []*v0.ObjectAndRelation
	for k, n := range counts {
		if n == len(sets) {
			out = append(out, byKey[k])
		}
	}
	return out
}

func differenceUsers(sets [][]*v0.ObjectAndRelation) []*v0.ObjectAndRelation {
	if len(sets) == 0 {
		return nil
	}
	excluded := map[string]bool{}
	for _, set := range sets[1:] {
		for _, u := range set {
			excluded[tuple.StringONR(u)] = true
		}
	}
	var out []*v0.ObjectAndRelation
	for _, u := range sets[0] {
		if !excluded[tuple.StringONR(u)] {
			out = append(out, u)
		}
	}
	return out
}

func paginateUsers(users []string, pageSize int, pageToken string) (*ListUsersResult, error) {
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
		pageSize = len(users)
	}
	if start > len(users) {
		start = len(users)
	}
	end := start + pageSize
	if end > len(users) {
		end = len(users)
	}

	var next string
	if end < len(users) {
		next = base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%d", end)))
	}
	return &ListUsersResult{Users: users[start:end], NextPageToken: next}, nil
}
