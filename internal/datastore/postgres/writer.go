package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"
	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"
	"github.com/jackc/pgx/v4"
	"google.golang.org/protobuf/proto"

	"github.com/authzed/rebacd/internal/datastore"
	"github.com/authzed/rebacd/pkg/tuple"
)

const (
	errUnableToWriteRelationships = "unable to write relationships: %w"
	errUnableToWriteConfig        = "unable to write namespace config: %w"
)

type readWriteTx struct {
	reader
	tx     pgx.Tx
	newTxn uint64
}

func (rwt *readWriteTx) WriteRelationships(ctx context.Context, mutations []*v1.RelationshipUpdate) error {
	bulkWrite := psql.Insert(tableTuple).Columns(
		colNamespace, colObjectID, colRelation, colUsersetNamespace, colUsersetObjectID, colUsersetRelation, colCreatedTxn,
	)
	hasValues := false

	deleteClauses := sq.Or{}
	for _, mut := range mutations {
		subj := tuple.FromSubjectReference(mut.Relationship.Subject)

		if mut.Operation == v1.RelationshipUpdate_OPERATION_TOUCH || mut.Operation == v1.RelationshipUpdate_OPERATION_DELETE {
			deleteClauses = append(deleteClauses, exactRelationshipClause(mut.Relationship, subj))
		}
		if mut.Operation == v1.RelationshipUpdate_OPERATION_TOUCH || mut.Operation == v1.RelationshipUpdate_OPERATION_CREATE {
			bulkWrite = bulkWrite.Values(
				mut.Relationship.Resource.ObjectType,
				mut.Relationship.Resource.ObjectId,
				mut.Relationship.Relation,
				subj.Namespace,
				subj.ObjectId,
				subj.Relation,
				rwt.newTxn,
			)
			hasValues = true
		}
	}

	if len(deleteClauses) > 0 {
		sql, args, err := psql.Update(tableTuple).Set(colDeletedTxn, rwt.newTxn).
			Where(sq.Eq{colDeletedTxn: liveDeletedTxnID}).Where(deleteClauses).ToSql()
		if err != nil {
			return fmt.Errorf(errUnableToWriteRelationships, err)
		}
		if _, err := rwt.tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf(errUnableToWriteRelationships, err)
		}
	}

	if hasValues {
		sql, args, err := bulkWrite.ToSql()
		if err != nil {
			return fmt.Errorf(errUnableToWriteRelationships, err)
		}
		if _, err := rwt.tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf(errUnableToWriteRelationships, err)
		}
	}

	return nil
}

func (rwt *readWriteTx) DeleteRelationships(ctx context.Context, filter *v1.RelationshipFilter) error {
	query := psql.Update(tableTuple).Set(colDeletedTxn, rwt.newTxn).
		Where(sq.Eq{colDeletedTxn: liveDeletedTxnID}).
		Where(sq.Eq{colNamespace: filter.ResourceType})

	if filter.OptionalResourceId != "" {
		query = query.Where(sq.Eq{colObjectID: filter.OptionalResourceId})
	}
	if filter.OptionalRelation != "" {
		query = query.Where(sq.Eq{colRelation: filter.OptionalRelation})
	}
	if sf := filter.OptionalSubjectFilter; sf != nil {
		query = applyUpdateSubjectFilter(query, sf)
	}

	sql, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("unable to delete relationships: %w", err)
	}
	if _, err := rwt.tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("unable to delete relationships: %w", err)
	}
	return nil
}

func (rwt *readWriteTx) WriteNamespaces(ctx context.Context, newConfigs ...*v0.NamespaceDefinition) error {
	for _, cfg := range newConfigs {
		serialized, err := proto.Marshal(cfg)
		if err != nil {
			return fmt.Errorf(errUnableToWriteConfig, err)
		}

		delSQL, delArgs, err := psql.Update(tableNamespace).Set(colDeletedTxn, rwt.newTxn).
			Where(sq.Eq{colNamespace: cfg.Name, colDeletedTxn: liveDeletedTxnID}).ToSql()
		if err != nil {
			return fmt.Errorf(errUnableToWriteConfig, err)
		}
		if _, err := rwt.tx.Exec(ctx, delSQL, delArgs...); err != nil {
			return fmt.Errorf(errUnableToWriteConfig, err)
		}

		insSQL, insArgs, err := psql.Insert(tableNamespace).
			Columns(colNamespace, colConfig, colCreatedTxn).
			Values(cfg.Name, serialized, rwt.newTxn).ToSql()
		if err != nil {
			return fmt.Errorf(errUnableToWriteConfig, err)
		}
		if _, err := rwt.tx.Exec(ctx, insSQL, insArgs...); err != nil {
			return fmt.Errorf(errUnableToWriteConfig, err)
		}
	}
	return nil
}

func (rwt *readWriteTx) DeleteNamespaces(ctx context.Context, nsNames ...string) error {
	for _, name := range nsNames {
		if _, _, err := rwt.ReadNamespace(ctx, name); err != nil {
			return err
		}

		sql, args, err := psql.Update(tableNamespace).Set(colDeletedTxn, rwt.newTxn).
			Where(sq.Eq{colNamespace: name, colDeletedTxn: liveDeletedTxnID}).ToSql()
		if err != nil {
			return fmt.Errorf(errUnableToWriteConfig, err)
		}
		if _, err := rwt.tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf(errUnableToWriteConfig, err)
		}

		if err := rwt.DeleteRelationships(ctx, &v1.RelationshipFilter{ResourceType: name}); err != nil {
			return err
		}
	}
	return nil
}

func (rwt *readWriteTx) CheckPreconditions(ctx context.Context, preconditions []*v1.Precondition) error {
	for _, p := range preconditions {
		f := p.Filter
		it, err := rwt.QueryRelationships(datastore.RelationshipQueryObjectFilter{
			ResourceType:             f.ResourceType,
			OptionalResourceID:       f.OptionalResourceId,
			OptionalResourceRelation: f.OptionalRelation,
		}).Execute(ctx)
		if err != nil {
			return err
		}
		found := it.Next() != nil
		it.Close()

		switch p.Operation {
		case v1.Precondition_OPERATION_MUST_MATCH:
			if !found {
				return datastore.NewPreconditionFailedErr(p)
			}
		case v1.Precondition_OPERATION_MUST_NOT_MATCH:
			if found {
				return datastore.NewPreconditionFailedErr(p)
			}
		}
	}
	return nil
}

func exactRelationshipClause(r *v1.Relationship, subj *v0.ObjectAndRelation) sq.Eq {
	return sq.Eq{
		colNamespace:        r.Resource.ObjectType,
		colObjectID:         r.Resource.ObjectId,
		colRelation:         r.Relation,
		colUsersetNamespace: subj.Namespace,
		colUsersetObjectID:  subj.ObjectId,
		colUsersetRelation:  subj.Relation,
	}
}

func applyUpdateSubjectFilter(query sq.UpdateBuilder, f *v1.SubjectFilter) sq.UpdateBuilder {
	query = query.Where(sq.Eq{colUsersetNamespace: f.SubjectType})
	if f.OptionalSubjectId != "" {
		query = query.Where(sq.Eq{colUsersetObjectID: f.OptionalSubjectId})
	}
	if f.OptionalRelation != nil {
		query = query.Where(sq.Eq{colUsersetRelation: effectiveRelation(f.OptionalRelation.Relation)})
	}
	return query
}

var _ datastore.ReadWriteTransaction = (*readWriteTx)(nil)
