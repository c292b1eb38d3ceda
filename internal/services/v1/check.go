package v1

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"
	pbv1 "github.com/authzed/authzed-go/proto/authzed/api/v1"

	"github.com/authzed/rebacd/internal/graph"
	"github.com/authzed/rebacd/pkg/tuple"
)

// CheckPermission answers whether subject holds permission (or relation) on
// resource, per the public Check contract of spec §4.3.1.
func (s *Server) CheckPermission(ctx context.Context, req *pbv1.CheckPermissionRequest) (*pbv1.CheckPermissionResponse, error) {
	if req.Resource == nil || req.Subject == nil || req.Subject.Object == nil {
		return nil, status.Error(codes.InvalidArgument, "resource and subject are required")
	}

	revision, err := s.revisionForConsistency(ctx, req.Consistency)
	if err != nil {
		return nil, err
	}

	object := &v0.ObjectAndRelation{
		Namespace: req.Resource.ObjectType,
		ObjectId:  req.Resource.ObjectId,
		Relation:  req.Permission,
	}
	subject := tuple.FromSubjectReference(req.Subject)

	outcome, err := s.checkerAt(revision).Check(ctx, revision, object, subject, graph.CheckOptions{})
	if err != nil {
		return nil, err
	}

	permissionship := pbv1.CheckPermissionResponse_NO_PERMISSION
	if outcome.IsMember {
		permissionship = pbv1.CheckPermissionResponse_HAS_PERMISSION
	}

	return &pbv1.CheckPermissionResponse{
		CheckedAt:      encodeToken(revision),
		Permissionship: permissionship,
	}, nil
}
