package graph

import (
	"context"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"
	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"

	"github.com/authzed/rebacd/internal/datastore"
)

// contextualReader overlays a fixed set of tuples on top of a
// datastore.Reader for the lifetime of a single Check call (spec §4.3.1:
// "treated as if inserted in the tuple store for the duration of this
// request only"). Contextual tuples are additive only; they can never
// delete or shadow a persisted tuple.
type contextualReader struct {
	datastore.Reader
	extra []*v0.RelationTuple
}

func newContextualReader(base datastore.Reader, extra []*v0.RelationTuple) datastore.Reader {
	return &contextualReader{Reader: base, extra: extra}
}

func (r *contextualReader) QueryRelationships(filter datastore.RelationshipQueryObjectFilter) datastore.RelationshipQuery {
	return &contextualQuery{
		base:   r.Reader.QueryRelationships(filter),
		extra:  r.extra,
		filter: filter,
	}
}

func (r *contextualReader) ReverseQueryRelationships(filter datastore.RelationshipQueryObjectFilter) datastore.ReverseRelationshipQuery {
	return &contextualReverseQuery{
		base:   r.Reader.ReverseQueryRelationships(filter),
		extra:  r.extra,
		filter: filter,
	}
}

type contextualQuery struct {
	base   datastore.RelationshipQuery
	extra  []*v0.RelationTuple
	filter datastore.RelationshipQueryObjectFilter

	subjectFilter *v1.SubjectFilter
	usersets      []*v1.SubjectReference
	limit         uint64
}

func (q *contextualQuery) Limit(limit uint64) datastore.CommonRelationshipQuery {
	q.limit = limit
	q.base.Limit(limit)
	return q
}

func (q *contextualQuery) WithSubjectFilter(f *v1.SubjectFilter) datastore.RelationshipQuery {
	q.subjectFilter = f
	q.base.WithSubjectFilter(f)
	return q
}

func (q *contextualQuery) WithUsersets(usersets []*v1.SubjectReference) datastore.RelationshipQuery {
	q.usersets = usersets
	q.base.WithUsersets(usersets)
	return q
}

func (q *contextualQuery) Execute(ctx context.Context) (datastore.RelationshipIterator, error) {
	baseIter, err := q.base.Execute(ctx)
	if err != nil {
		return nil, err
	}
	var merged []*v0.RelationTuple
	for t := baseIter.Next(); t != nil; t = baseIter.Next() {
		merged = append(merged, t)
	}
	if err := baseIter.Err(); err != nil {
		baseIter.Close()
		return nil, err
	}
	baseIter.Close()

	for _, t := range q.extra {
		if !matchesResourceFilter(t, q.filter) {
			continue
		}
		merged = append(merged, t)
	}
	if q.limit > 0 && uint64(len(merged)) > q.limit {
		merged = merged[:q.limit]
	}
	return &contextualIterator{tuples: merged}, nil
}

type contextualReverseQuery struct {
	base   datastore.ReverseRelationshipQuery
	extra  []*v0.RelationTuple
	filter datastore.RelationshipQueryObjectFilter

	subjectType, subjectID, subjectRelation string
	hasSubject                              bool
	objRelation                             string
	hasObjRelation                          bool
	limit                                    uint64
}

func (q *contextualReverseQuery) Limit(limit uint64) datastore.CommonRelationshipQuery {
	q.limit = limit
	q.base.Limit(limit)
	return q
}

func (q *contextualReverseQuery) WithSubject(subjectType, subjectID, subjectRelation string) datastore.ReverseRelationshipQuery {
	q.subjectType, q.subjectID, q.subjectRelation, q.hasSubject = subjectType, subjectID, subjectRelation, true
	q.base.WithSubject(subjectType, subjectID, subjectRelation)
	return q
}

func (q *contextualReverseQuery) WithObjectRelation(namespace, relation string) datastore.ReverseRelationshipQuery {
	q.filter.ResourceType = namespace
	q.objRelation, q.hasObjRelation = relation, true
	q.base.WithObjectRelation(namespace, relation)
	return q
}

func (q *contextualReverseQuery) Execute(ctx context.Context) (datastore.RelationshipIterator, error) {
	baseIter, err := q.base.Execute(ctx)
	if err != nil {
		return nil, err
	}
	var merged []*v0.RelationTuple
	for t := baseIter.Next(); t != nil; t = baseIter.Next() {
		merged = append(merged, t)
	}
	if err := baseIter.Err(); err != nil {
		baseIter.Close()
		return nil, err
	}
	baseIter.Close()

	for _, t := range q.extra {
		if q.filter.ResourceType != "" && t.ObjectAndRelation.Namespace != q.filter.ResourceType {
			continue
		}
		if q.hasObjRelation && t.ObjectAndRelation.Relation != q.objRelation {
			continue
		}
		if q.hasSubject {
			userset := t.User.GetUserset()
			if userset.Namespace != q.subjectType {
				continue
			}
			if q.subjectID != "" && userset.ObjectId != q.subjectID {
				continue
			}
			if q.subjectRelation != "" && userset.Relation != q.subjectRelation {
				continue
			}
		}
		merged = append(merged, t)
	}
	if q.limit > 0 && uint64(len(merged)) > q.limit {
		merged = merged[:q.limit]
	}
	return &contextualIterator{tuples: merged}, nil
}

func matchesResourceFilter(t *v0.RelationTuple, filter datastore.RelationshipQueryObjectFilter) bool {
	if t.ObjectAndRelation.Namespace != filter.ResourceType {
		return false
	}
	if filter.OptionalResourceID != "" && t.ObjectAndRelation.ObjectId != filter.OptionalResourceID {
		return false
	}
	if filter.OptionalResourceRelation != "" && t.ObjectAndRelation.Relation != filter.OptionalResourceRelation {
		return false
	}
	return true
}

type contextualIterator struct {
	tuples []*v0.RelationTuple
	pos    int
}

func (it *contextualIterator) Next() *v0.RelationTuple {
	if it.pos >= len(it.tuples) {
		return nil
	}
	t := it.tuples[it.pos]
	it.pos++
	return t
}

func (it *contextualIterator) Err() error { return nil }
func (it *contextualIterator) Close()     {}
