package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"
	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"google.golang.org/protobuf/proto"

	"github.com/authzed/rebacd/internal/datastore"
)

const errUnableToQueryTuples = "unable to query tuples: %w"

// queryExecer is satisfied by both *pgxpool.Pool and pgx.Tx, letting reader
// run the same queries whether or not it is pinned to an in-flight write
// transaction.
type queryExecer interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type reader struct {
	pool     *pgxpool.Pool
	tx       pgx.Tx
	revision datastore.Revision
}

func (r *reader) execer() queryExecer {
	if r.tx != nil {
		return r.tx
	}
	return r.pool
}

func (r *reader) QueryRelationships(resourceFilter datastore.RelationshipQueryObjectFilter) datastore.RelationshipQuery {
	return &relationshipQuery{reader: r, resourceFilter: resourceFilter}
}

func (r *reader) ReverseQueryRelationships(resourceFilter datastore.RelationshipQueryObjectFilter) datastore.ReverseRelationshipQuery {
	return &reverseRelationshipQuery{reader: r, resourceFilter: resourceFilter}
}

func (r *reader) ReadNamespace(ctx context.Context, nsName string) (*v0.NamespaceDefinition, datastore.Revision, error) {
	asOf := uint64(r.revision.IntPart())

	sql, args, err := psql.Select(colConfig, colID).From(tableNamespace).
		Where(sq.Eq{colNamespace: nsName}).
		Where(sq.LtOrEq{colCreatedTxn: asOf}).
		Where(sq.Or{sq.Eq{colDeletedTxn: liveDeletedTxnID}, sq.Gt{colDeletedTxn: asOf}}).
		OrderBy(colCreatedTxn + " DESC").Limit(1).ToSql()
	if err != nil {
		return nil, datastore.NoRevision, fmt.Errorf(errUnableToQueryTuples, err)
	}

	var serialized []byte
	var createdTxn uint64
	if err := r.execer().QueryRow(ctx, sql, args...).Scan(&serialized, &createdTxn); err != nil {
		if err == pgx.ErrNoRows {
			return nil, datastore.NoRevision, datastore.NewNamespaceNotFoundErr(nsName)
		}
		return nil, datastore.NoRevision, fmt.Errorf(errUnableToQueryTuples, err)
	}

	var def v0.NamespaceDefinition
	if err := proto.Unmarshal(serialized, &def); err != nil {
		return nil, datastore.NoRevision, fmt.Errorf("unable to decode namespace config: %w", err)
	}
	return &def, revisionFromTransaction(createdTxn), nil
}

func (r *reader) ListNamespaces(ctx context.Context) ([]*v0.NamespaceDefinition, error) {
	asOf := uint64(r.revision.IntPart())

	sql, args, err := psql.Select(colConfig).From(tableNamespace).
		Where(sq.LtOrEq{colCreatedTxn: asOf}).
		Where(sq.Or{sq.Eq{colDeletedTxn: liveDeletedTxnID}, sq.Gt{colDeletedTxn: asOf}}).ToSql()
	if err != nil {
		return nil, fmt.Errorf(errUnableToQueryTuples, err)
	}

	rows, err := r.execer().Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf(errUnableToQueryTuples, err)
	}
	defer rows.Close()

	var defs []*v0.NamespaceDefinition
	for rows.Next() {
		var serialized []byte
		if err := rows.Scan(&serialized); err != nil {
			return nil, fmt.Errorf(errUnableToQueryTuples, err)
		}
		var def v0.NamespaceDefinition
		if err := proto.Unmarshal(serialized, &def); err != nil {
			return nil, fmt.Errorf("unable to decode namespace config: %w", err)
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

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
	asOf := uint64(q.reader.revision.IntPart())

	query := psql.Select(colNamespace, colObjectID, colRelation, colUsersetNamespace, colUsersetObjectID, colUsersetRelation).
		From(tableTuple).
		Where(sq.Eq{colNamespace: q.resourceFilter.ResourceType}).
		Where(sq.LtOrEq{colCreatedTxn: asOf}).
		Where(sq.Or{sq.Eq{colDeletedTxn: liveDeletedTxnID}, sq.Gt{colDeletedTxn: asOf}})

	if q.resourceFilter.OptionalResourceID != "" {
		query = query.Where(sq.Eq{colObjectID: q.resourceFilter.OptionalResourceID})
	}
	if q.resourceFilter.OptionalResourceRelation != "" {
		query = query.Where(sq.Eq{colRelation: q.resourceFilter.OptionalResourceRelation})
	}
	if q.subjectFilter != nil {
		query = applySubjectFilter(query, q.subjectFilter)
	}
	if len(q.usersets) > 0 {
		or := sq.Or{}
		for _, us := range q.usersets {
			or = append(or, sq.Eq{
				colUsersetNamespace: us.Object.ObjectType,
				colUsersetObjectID:  us.Object.ObjectId,
				colUsersetRelation:  effectiveRelation(us.OptionalRelation),
			})
		}
		query = query.Where(or)
	}
	if q.limit > 0 {
		query = query.Limit(q.limit)
	}

	return runTupleQuery(ctx, q.reader.execer(), query)
}

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
	asOf := uint64(q.reader.revision.IntPart())

	query := psql.Select(colNamespace, colObjectID, colRelation, colUsersetNamespace, colUsersetObjectID, colUsersetRelation).
		From(tableTuple).
		Where(sq.LtOrEq{colCreatedTxn: asOf}).
		Where(sq.Or{sq.Eq{colDeletedTxn: liveDeletedTxnID}, sq.Gt{colDeletedTxn: asOf}})

	if q.resourceFilter.ResourceType != "" {
		query = query.Where(sq.Eq{colNamespace: q.resourceFilter.ResourceType})
	}
	if q.hasObjectRelFilter {
		query = query.Where(sq.Eq{colRelation: q.objRelationFilter})
	}
	if q.hasSubject {
		query = query.Where(sq.Eq{colUsersetNamespace: q.subjectType})
		if q.subjectID != "" {
			query = query.Where(sq.Eq{colUsersetObjectID: q.subjectID})
		}
		if q.subjectRelation != "" {
			query = query.Where(sq.Eq{colUsersetRelation: q.subjectRelation})
		}
	}
	if q.limit > 0 {
		query = query.Limit(q.limit)
	}

	return runTupleQuery(ctx, q.reader.execer(), query)
}

func applySubjectFilter(query sq.SelectBuilder, f *v1.SubjectFilter) sq.SelectBuilder {
	query = query.Where(sq.Eq{colUsersetNamespace: f.SubjectType})
	if f.OptionalSubjectId != "" {
		query = query.Where(sq.Eq{colUsersetObjectID: f.OptionalSubjectId})
	}
	if f.OptionalRelation != nil {
		query = query.Where(sq.Eq{colUsersetRelation: effectiveRelation(f.OptionalRelation.Relation)})
	}
	return query
}

func effectiveRelation(relation string) string {
	if relation == "" {
		return datastore.Ellipsis
	}
	return relation
}

func runTupleQuery(ctx context.Context, execer queryExecer, query sq.SelectBuilder) (datastore.RelationshipIterator, error) {
	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf(errUnableToQueryTuples, err)
	}

	rows, err := execer.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf(errUnableToQueryTuples, err)
	}
	defer rows.Close()

	var tuples []*v0.RelationTuple
	for rows.Next() {
		var objNamespace, objID, relation, subjNamespace, subjID, subjRelation string
		if err := rows.Scan(&objNamespace, &objID, &relation, &subjNamespace, &subjID, &subjRelation); err != nil {
			return nil, fmt.Errorf(errUnableToQueryTuples, err)
		}
		tuples = append(tuples, &v0.RelationTuple{
			ObjectAndRelation: &v0.ObjectAndRelation{Namespace: objNamespace, ObjectId: objID, Relation: relation},
			User: &v0.User{UserOneof: &v0.User_Userset{Userset: &v0.ObjectAndRelation{
				Namespace: subjNamespace, ObjectId: subjID, Relation: subjRelation,
			}}},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf(errUnableToQueryTuples, err)
	}

	return &sliceIterator{tuples: tuples}, nil
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
