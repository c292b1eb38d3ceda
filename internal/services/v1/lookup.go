package v1

import (
	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"
	pbv1 "github.com/authzed/authzed-go/proto/authzed/api/v1"

	"github.com/authzed/rebacd/pkg/tuple"
)

// defaultLookupPageSize bounds a single internal ListObjects/ListUsers call
// made on behalf of one streaming RPC page; the handler keeps calling with
// the returned page token until the reverse index reports no more pages.
const defaultLookupPageSize = 1000

// LookupResources streams every resourceObjectType id for which subject
// holds permission, per the ListObjects algorithm of spec §4.4.1.
func (s *Server) LookupResources(req *pbv1.LookupResourcesRequest, stream pbv1.PermissionsService_LookupResourcesServer) error {
	ctx := stream.Context()
	revision, err := s.revisionForConsistency(ctx, req.Consistency)
	if err != nil {
		return err
	}

	subject := tuple.FromSubjectReference(req.Subject)
	checker := s.checkerAt(revision)

	pageToken := ""
	for {
		page, err := checker.ListObjects(ctx, revision, req.ResourceObjectType, req.Permission, subject, defaultLookupPageSize, pageToken)
		if err != nil {
			return err
		}
		for _, id := range page.ObjectIDs {
			if err := stream.Send(&pbv1.LookupResourcesResponse{
				LookedUpAt:       encodeToken(revision),
				ResourceObjectId: id,
				Permissionship:   pbv1.LookupResourcesResponse_HAS_PERMISSION,
			}); err != nil {
				return err
			}
		}
		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}

// LookupSubjects streams every subject of subjectObjectType that holds
// permission on resource, per the ListUsers algorithm of spec §4.4.2.
func (s *Server) LookupSubjects(req *pbv1.LookupSubjectsRequest, stream pbv1.PermissionsService_LookupSubjectsServer) error {
	ctx := stream.Context()
	revision, err := s.revisionForConsistency(ctx, req.Consistency)
	if err != nil {
		return err
	}

	object := &v0.ObjectAndRelation{
		Namespace: req.Resource.ObjectType,
		ObjectId:  req.Resource.ObjectId,
		Relation:  req.Permission,
	}
	checker := s.checkerAt(revision)

	pageToken := ""
	for {
		page, err := checker.ListUsers(ctx, revision, object, []string{req.SubjectObjectType}, defaultLookupPageSize, pageToken)
		if err != nil {
			return err
		}
		for _, subj := range page.Users {
			parsed, err := tuple.ParseUserset(subj)
			if err != nil {
				continue
			}
			if err := stream.Send(&pbv1.LookupSubjectsResponse{
				LookedUpAt:      encodeToken(revision),
				SubjectObjectId: parsed.ObjectId,
			}); err != nil {
				return err
			}
		}
		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}
