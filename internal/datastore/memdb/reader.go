package memdb

import (
	"context"
	"fmt"
	"time"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"
	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"
	"github.com/hashicorp/go-memdb"
	"google.golang.org/protobuf/proto"

	"github.com/authzed/rebacd/internal/datastore"
	"github.com/authzed/rebacd/pkg/tuple"
)

const errUnableToQueryTuples = "unable to query tuples: %w"

// reader is a read-only view of the store pinned to a revision. When txn is
// non-nil (i.e. this reader was created inside a ReadWriteTx), reads observe
// the in-flight transaction rather than a separately-opened snapshot.
type reader struct {
	db               *memdb.MemDB
	txn              *memdb.Txn
	revision         datastore.Revision
	simulatedLatency time.Duration
}

func (r *reader) readTxn() (*memdb.Txn, func()) {
	if r.txn != nil {
		return r.txn, func() {}
	}
	txn := r.db.Txn(false)
	return txn, txn.Abort
}

func (r *reader) asOfTxnID() uint64 {
	return uint64(r.revision.IntPart())
}

// visible reports whether the entry was live at this reader's pinned
// revision: created at or before it, and not yet deleted, or deleted after it.
func (r *reader) visible(createdTxn, deletedTxn uint64) bool {
	asOf := r.asOfTxnID()
	if createdTxn > asOf {
		return false
	}
	if deletedTxn == deletedTransactionID {
		return true
	}
	return deletedTxn > asOf
}

func (r *reader) QueryRelationships(resourceFilter datastore.RelationshipQueryObjectFilter) datastore.RelationshipQuery {
	return &relationshipQuery{reader: r, resourceFilter: resourceFilter}
}

func (r *reader) ReverseQueryRelationships(resourceFilter datastore.RelationshipQueryObjectFilter) datastore.ReverseRelationshipQuery {
	return &reverseRelationshipQuery{reader: r, resourceFilter: resourceFilter}
}

func (r *reader) ReadNamespace(ctx context.Context, nsName string) (*v0.NamespaceDefinition, datastore.Revision, error) {
	txn, done := r.readTxn()
	defer done()

	iter, err := txn.Get(tableNamespace, indexNSName, nsName)
	if err != nil {
		return nil, datastore.NoRevision, fmt.Errorf(errUnableToQueryTuples, err)
	}

	var best *namespaceEntry
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		ns := raw.(*namespaceEntry)
		if ns.name != nsName {
			continue
		}
		if !r.visible(ns.createdTxn, ns.deletedTxn) {
			continue
		}
		if best == nil || ns.createdTxn > best.createdTxn {
			best = ns
		}
	}

	if best == nil {
		return nil, datastore.NoRevision, datastore.NewNamespaceNotFoundErr(nsName)
	}

	var def v0.NamespaceDefinition
	if err := proto.Unmarshal(best.config, &def); err != nil {
		return nil, datastore.NoRevision, fmt.Errorf("unable to decode namespace config: %w", err)
	}
	return &def, revisionFromVersion(best.createdTxn), nil
}

func (r *reader) ListNamespaces(ctx context.Context) ([]*v0.NamespaceDefinition, error) {
	txn, done := r.readTxn()
	defer done()

	iter, err := txn.Get(tableNamespace, indexNSName)
	if err != nil {
		return nil, fmt.Errorf(errUnableToQueryTuples, err)
	}

	latest := map[string]*namespaceEntry{}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		ns := raw.(*namespaceEntry)
		if !r.visible(ns.createdTxn, ns.deletedTxn) {
			continue
		}
		if cur, ok := latest[ns.name]; !ok || ns.createdTxn > cur.createdTxn {
			latest[ns.name] = ns
		}
	}

	defs := make([]*v0.NamespaceDefinition, 0, len(latest))
	for _, ns := range latest {
		var def v0.NamespaceDefinition
		if err := proto.Unmarshal(ns.config, &def); err != nil {
			return nil, fmt.Errorf("unable to decode namespace config: %w", err)
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

// relationshipQuery builds a forward (by-resource) tuple query.
type relationshipQuery struct {
	reader         *reader
	resourceFilter datastore.RelationshipQueryObjectFilter
	subjectFilter  *v1.SubjectFilter
	usersets       []*v1.SubjectReference
	limit          uint64
}

func (q *relationshipQuery) Limit(limit uint64) datastore.CommonRelationshipQuery {
	q.limit = limit
	return q
}

func (q *relationshipQuery) WithSubjectFilter(f *v1.SubjectFilter) datastore.RelationshipQuery {
	q.subjectFilter = f
	return q
}

func (q *relationshipQuery) WithUsersets(usersets []*v1.SubjectReference) datastore.RelationshipQuery {
	q.usersets = usersets
	return q
}

func (q *relationshipQuery) Execute(ctx context.Context) (datastore.RelationshipIterator, error) {
	if q.reader.simulatedLatency > 0 {
		time.Sleep(q.reader.simulatedLatency)
	}

	txn, done := q.reader.readTxn()
	defer done()

	args := []interface{}{q.resourceFilter.ResourceType}
	index := indexObject
	if q.resourceFilter.OptionalResourceID != "" {
		args = append(args, q.resourceFilter.OptionalResourceID)
		if q.resourceFilter.OptionalResourceRelation != "" {
			args = append(args, q.resourceFilter.OptionalResourceRelation)
		}
	}

	iter, err := txn.Get(tableTuple, index, args...)
	if err != nil {
		return nil, fmt.Errorf(errUnableToQueryTuples, err)
	}

	var matched []*v0.RelationTuple
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		te := raw.(*tupleEntry)
		if !q.reader.visible(te.createdTxn, te.deletedTxn) {
			continue
		}
		if q.resourceFilter.OptionalResourceRelation != "" && te.relation != q.resourceFilter.OptionalResourceRelation {
			continue
		}
		if !matchesSubjectFilter(te, q.subjectFilter) {
			continue
		}
		if len(q.usersets) > 0 && !matchesAnyUserset(te, q.usersets) {
			continue
		}
		matched = append(matched, entryToTuple(te))
		if q.limit > 0 && uint64(len(matched)) >= q.limit {
			break
		}
	}

	return &sliceIterator{tuples: matched}, nil
}

// reverseRelationshipQuery builds a query filtered by the subject side.
type reverseRelationshipQuery struct {
	reader             *reader
	resourceFilter     datastore.RelationshipQueryObjectFilter
	subjectType        string
	subjectID          string
	subjectRelation    string
	hasSubject         bool
	objRelationFilter  string
	hasObjectRelFilter bool
	limit              uint64
}

func (q *reverseRelationshipQuery) Limit(limit uint64) datastore.CommonRelationshipQuery {
	q.limit = limit
	return q
}

func (q *reverseRelationshipQuery) WithSubject(subjectType, subjectID, subjectRelation string) datastore.ReverseRelationshipQuery {
	q.subjectType, q.subjectID, q.subjectRelation, q.hasSubject = subjectType, subjectID, subjectRelation, true
	return q
}

func (q *reverseRelationshipQuery) WithObjectRelation(namespace, relation string) datastore.ReverseRelationshipQuery {
	q.resourceFilter.ResourceType = namespace
	q.objRelationFilter = relation
	q.hasObjectRelFilter = true
	return q
}

func (q *reverseRelationshipQuery) Execute(ctx context.Context) (datastore.RelationshipIterator, error) {
	if q.reader.simulatedLatency > 0 {
		time.Sleep(q.reader.simulatedLatency)
	}

	txn, done := q.reader.readTxn()
	defer done()

	var iter memdb.ResultIterator
	var err error
	if q.hasSubject {
		args := []interface{}{q.subjectType}
		if q.subjectID != "" {
			args = append(args, q.subjectID)
			if q.subjectRelation != "" {
				args = append(args, q.subjectRelation)
			}
		}
		iter, err = txn.Get(tableTuple, indexSubject, args...)
	} else {
		iter, err = txn.Get(tableTuple, indexID)
	}
	if err != nil {
		return nil, fmt.Errorf(errUnableToQueryTuples, err)
	}

	var matched []*v0.RelationTuple
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		te := raw.(*tupleEntry)
		if !q.reader.visible(te.createdTxn, te.deletedTxn) {
			continue
		}
		if q.resourceFilter.ResourceType != "" && te.namespace != q.resourceFilter.ResourceType {
			continue
		}
		if q.hasObjectRelFilter && te.relation != q.objRelationFilter {
			continue
		}
		matched = append(matched, entryToTuple(te))
		if q.limit > 0 && uint64(len(matched)) >= q.limit {
			break
		}
	}

	return &sliceIterator{tuples: matched}, nil
}

func matchesSubjectFilter(te *tupleEntry, f *v1.SubjectFilter) bool {
	if f == nil {
		return true
	}
	if f.SubjectType != "" && te.usersetNamespace != f.SubjectType {
		return false
	}
	if f.OptionalSubjectId != "" && te.usersetObjectID != f.OptionalSubjectId {
		return false
	}
	if f.OptionalRelation != nil {
		want := f.OptionalRelation.Relation
		if want == "" {
			want = datastore.Ellipsis
		}
		if te.usersetRelation != want {
			return false
		}
	}
	return true
}

func matchesAnyUserset(te *tupleEntry, usersets []*v1.SubjectReference) bool {
	for _, us := range usersets {
		onr := tuple.FromSubjectReference(us)
		if te.usersetNamespace == onr.Namespace && te.usersetObjectID == onr.ObjectId && te.usersetRelation == onr.Relation {
			return true
		}
	}
	return false
}

func entryToTuple(te *tupleEntry) *v0.RelationTuple {
	return &v0.RelationTuple{
		ObjectAndRelation: &v0.ObjectAndRelation{
			Namespace: te.namespace,
			ObjectId:  te.objectID,
			Relation:  te.relation,
		},
		User: &v0.User{
			UserOneof: &v0.User_Userset{Userset: &v0.ObjectAndRelation{
				Namespace: te.usersetNamespace,
				ObjectId:  te.usersetObjectID,
				Relation:  te.usersetRelation,
			}},
		},
	}
}

type sliceIterator struct {
	tuples []*v0.RelationTuple
	pos    int
}

func (it *sliceIterator) Next() *v0.RelationTuple {
	if it.pos >= len(it.tuples) {
		return nil
	}
	t := it.tuples[it.pos]
	it.pos++
	return t
}

func (it *sliceIterator) Err() error { return nil }
func (it *sliceIterator) Close()     {}
