package memdb

import (
	"context"
	"fmt"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"
	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"
	"google.golang.org/protobuf/proto"

	"github.com/authzed/rebacd/internal/datastore"
	"github.com/authzed/rebacd/pkg/tuple"
)

const errUnableToWriteRelationships = "unable to write relationships: %w"

// readWriteTx is the mutating view handed to ReadWriteTx's callback. It
// embeds reader (pinned to the not-yet-committed new transaction ID) so that
// reads within the same transaction see writes made earlier in it.
type readWriteTx struct {
	reader
	newTxn uint64
	dirty  bool
}

func (rwt *readWriteTx) WriteRelationships(ctx context.Context, mutations []*v1.RelationshipUpdate) error {
	for _, mut := range mutations {
		objType := mut.Relationship.Resource.ObjectType
		objID := mut.Relationship.Resource.ObjectId
		relation := mut.Relationship.Relation
		subj := tuple.FromSubjectReference(mut.Relationship.Subject)

		existing, err := rwt.findLive(objType, objID, relation, subj.Namespace, subj.ObjectId, subj.Relation)
		if err != nil {
			return fmt.Errorf(errUnableToWriteRelationships, err)
		}

		switch mut.Operation {
		case v1.RelationshipUpdate_OPERATION_CREATE:
			if existing != nil {
				continue // idempotent per spec §4.1
			}
			if err := rwt.insertTuple(objType, objID, relation, subj); err != nil {
				return fmt.Errorf(errUnableToWriteRelationships, err)
			}
			rwt.dirty = true
		case v1.RelationshipUpdate_OPERATION_TOUCH:
			if existing != nil {
				continue
			}
			if err := rwt.insertTuple(objType, objID, relation, subj); err != nil {
				return fmt.Errorf(errUnableToWriteRelationships, err)
			}
			rwt.dirty = true
		case v1.RelationshipUpdate_OPERATION_DELETE:
			if existing == nil {
				continue // idempotent per spec §4.1
			}
			if err := rwt.tombstone(existing); err != nil {
				return fmt.Errorf(errUnableToWriteRelationships, err)
			}
			rwt.dirty = true
		default:
			return fmt.Errorf(errUnableToWriteRelationships, fmt.Errorf("unknown mutation operation %v", mut.Operation))
		}
	}
	return nil
}

func (rwt *readWriteTx) DeleteRelationships(ctx context.Context, filter *v1.RelationshipFilter) error {
	resourceFilter := datastore.RelationshipQueryObjectFilter{
		ResourceType:             filter.ResourceType,
		OptionalResourceID:       filter.OptionalResourceId,
		OptionalResourceRelation: filter.OptionalRelation,
	}
	q := rwt.QueryRelationships(resourceFilter)
	if sf := filter.OptionalSubjectFilter; sf != nil {
		q = q.WithSubjectFilter(sf)
	}

	it, err := q.Execute(ctx)
	if err != nil {
		return err
	}
	defer it.Close()

	for t := it.Next(); t != nil; t = it.Next() {
		entry, err := rwt.findLive(t.ObjectAndRelation.Namespace, t.ObjectAndRelation.ObjectId, t.ObjectAndRelation.Relation,
			t.User.GetUserset().Namespace, t.User.GetUserset().ObjectId, t.User.GetUserset().Relation)
		if err != nil {
			return err
		}
		if entry != nil {
			if err := rwt.tombstone(entry); err != nil {
				return err
			}
			rwt.dirty = true
		}
	}
	return it.Err()
}

func (rwt *readWriteTx) WriteNamespaces(ctx context.Context, newConfigs ...*v0.NamespaceDefinition) error {
	for _, cfg := range newConfigs {
		serialized, err := proto.Marshal(cfg)
		if err != nil {
			return fmt.Errorf(errUnableToWriteConfig, err)
		}

		if existing, err := rwt.liveNamespaceEntry(cfg.Name); err == nil && existing != nil {
			tombstoned := *existing
			tombstoned.deletedTxn = rwt.newTxn
			if err := rwt.txn.Insert(tableNamespace, &tombstoned); err != nil {
				return fmt.Errorf(errUnableToWriteConfig, err)
			}
		}

		if err := rwt.txn.Insert(tableNamespace, &namespaceEntry{
			name:       cfg.Name,
			config:     serialized,
			createdTxn: rwt.newTxn,
			deletedTxn: deletedTransactionID,
		}); err != nil {
			return fmt.Errorf(errUnableToWriteConfig, err)
		}
		rwt.dirty = true
	}
	return nil
}

func (rwt *readWriteTx) DeleteNamespaces(ctx context.Context, nsNames ...string) error {
	for _, name := range nsNames {
		existing, err := rwt.liveNamespaceEntry(name)
		if err != nil {
			return err
		}
		if existing == nil {
			return datastore.NewNamespaceNotFoundErr(name)
		}
		tombstoned := *existing
		tombstoned.deletedTxn = rwt.newTxn
		if err := rwt.txn.Insert(tableNamespace, &tombstoned); err != nil {
			return fmt.Errorf(errUnableToWriteConfig, err)
		}

		if err := rwt.DeleteRelationships(ctx, &v1.RelationshipFilter{ResourceType: name}); err != nil {
			return err
		}
		rwt.dirty = true
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
		closeErr := it.Err()
		it.Close()
		if closeErr != nil {
			return closeErr
		}

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

func (rwt *readWriteTx) findLive(objType, objID, relation, subjType, subjID, subjRelation string) (*tupleEntry, error) {
	raw, err := rwt.txn.First(tableTuple, indexLive, objType, objID, relation, subjType, subjID, subjRelation, deletedTransactionID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*tupleEntry), nil
}

func (rwt *readWriteTx) insertTuple(objType, objID, relation string, subj *v0.ObjectAndRelation) error {
	return rwt.txn.Insert(tableTuple, &tupleEntry{
		namespace:        objType,
		objectID:         objID,
		relation:         relation,
		usersetNamespace: subj.Namespace,
		usersetObjectID:  subj.ObjectId,
		usersetRelation:  subj.Relation,
		createdTxn:       rwt.newTxn,
		deletedTxn:       deletedTransactionID,
	})
}

func (rwt *readWriteTx) tombstone(existing *tupleEntry) error {
	tombstoned := *existing
	tombstoned.deletedTxn = rwt.newTxn
	return rwt.txn.Insert(tableTuple, &tombstoned)
}

func (rwt *readWriteTx) liveNamespaceEntry(name string) (*namespaceEntry, error) {
	iter, err := rwt.txn.Get(tableNamespace, indexNSName, name)
	if err != nil {
		return nil, err
	}
	var best *namespaceEntry
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		ns := raw.(*namespaceEntry)
		if ns.deletedTxn != deletedTransactionID {
			continue
		}
		if best == nil || ns.createdTxn > best.createdTxn {
			best = ns
		}
	}
	return best, nil
}
