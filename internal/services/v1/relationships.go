package v1

import (
	"context"

	pbv1 "github.com/authzed/authzed-go/proto/authzed/api/v1"

	"github.com/authzed/rebacd/internal/datastore"
	"github.com/authzed/rebacd/pkg/tuple"
)

// maxMutationsPerWrite bounds a single WriteRelationships call, per spec
// §4.1's recommended implementation limit.
const maxMutationsPerWrite = 100

// WriteRelationships applies a batch of relationship mutations atomically,
// failing the whole batch if any precondition is unmet (spec §4.1's tuple
// store write path).
func (s *Server) WriteRelationships(ctx context.Context, req *pbv1.WriteRelationshipsRequest) (*pbv1.WriteRelationshipsResponse, error) {
	if len(req.Updates) > maxMutationsPerWrite {
		return nil, datastore.NewTooManyMutationsErr(maxMutationsPerWrite, len(req.Updates))
	}

	revision, err := s.ds.ReadWriteTx(ctx, func(ctx context.Context, rwt datastore.ReadWriteTransaction) error {
		if len(req.OptionalPreconditions) > 0 {
			if err := rwt.CheckPreconditions(ctx, req.OptionalPreconditions); err != nil {
				return err
			}
		}
		return rwt.WriteRelationships(ctx, req.Updates)
	})
	if err != nil {
		return nil, err
	}

	return &pbv1.WriteRelationshipsResponse{WrittenAt: encodeToken(revision)}, nil
}

// DeleteRelationships removes every relationship matching the filter.
func (s *Server) DeleteRelationships(ctx context.Context, req *pbv1.DeleteRelationshipsRequest) (*pbv1.DeleteRelationshipsResponse, error) {
	revision, err := s.ds.ReadWriteTx(ctx, func(ctx context.Context, rwt datastore.ReadWriteTransaction) error {
		if len(req.OptionalPreconditions) > 0 {
			if err := rwt.CheckPreconditions(ctx, req.OptionalPreconditions); err != nil {
				return err
			}
		}
		return rwt.DeleteRelationships(ctx, req.RelationshipFilter)
	})
	if err != nil {
		return nil, err
	}

	return &pbv1.DeleteRelationshipsResponse{DeletedAt: encodeToken(revision)}, nil
}

// ReadRelationships streams every relationship matching the filter at the
// resolved consistency revision.
func (s *Server) ReadRelationships(req *pbv1.ReadRelationshipsRequest, stream pbv1.PermissionsService_ReadRelationshipsServer) error {
	ctx := stream.Context()
	revision, err := s.revisionForConsistency(ctx, req.Consistency)
	if err != nil {
		return err
	}

	reader := s.ds.SnapshotReader(revision)
	filter := req.RelationshipFilter

	query := reader.QueryRelationships(datastore.RelationshipQueryObjectFilter{
		ResourceType:             filter.ResourceType,
		OptionalResourceID:       filter.OptionalResourceId,
		OptionalResourceRelation: filter.OptionalRelation,
	})
	if filter.OptionalSubjectFilter != nil {
		query = query.WithSubjectFilter(filter.OptionalSubjectFilter)
	}

	iter, err := query.Execute(ctx)
	if err != nil {
		return err
	}
	defer iter.Close()

	for {
		tpl := iter.Next()
		if tpl == nil {
			break
		}
		if err := stream.Send(&pbv1.ReadRelationshipsResponse{
			ReadAt: encodeToken(revision),
			Relationship: &pbv1.Relationship{
				Resource: &pbv1.ObjectReference{
					ObjectType: tpl.ObjectAndRelation.Namespace,
					ObjectId:   tpl.ObjectAndRelation.ObjectId,
				},
				Relation: tpl.ObjectAndRelation.Relation,
				Subject:  tuple.ToSubjectReference(tpl.User.GetUserset()),
			},
		}); err != nil {
			return err
		}
	}
	return iter.Err()
}
