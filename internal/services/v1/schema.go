package v1

import (
	"context"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pbv1 "github.com/authzed/authzed-go/proto/authzed/api/v1"
)

// WriteSchema compiles and activates the submitted schema text as a new
// Model version, per spec §4.2.2's WriteModel(activate=true) contract.
func (s *Server) WriteSchema(ctx context.Context, req *pbv1.WriteSchemaRequest) (*pbv1.WriteSchemaResponse, error) {
	result, err := s.repo.WriteModel(ctx, req.Schema, true)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		msgs := make([]string, 0, len(result.Errors))
		for _, d := range result.Errors {
			msgs = append(msgs, string(d.Type)+": "+d.Message)
		}
		return nil, status.Error(codes.InvalidArgument, strings.Join(msgs, "; "))
	}

	head, err := s.ds.HeadRevision(ctx)
	if err != nil {
		return nil, err
	}
	return &pbv1.WriteSchemaResponse{WrittenAt: encodeToken(head)}, nil
}

// ReadSchema returns the DSL source of the currently active model.
func (s *Server) ReadSchema(ctx context.Context, req *pbv1.ReadSchemaRequest) (*pbv1.ReadSchemaResponse, error) {
	model, err := s.repo.ReadModel(ctx, "")
	if err != nil {
		return nil, err
	}

	head, err := s.ds.HeadRevision(ctx)
	if err != nil {
		return nil, err
	}
	return &pbv1.ReadSchemaResponse{
		SchemaText: model.DSLSource,
		ReadAt:     encodeToken(head),
	}, nil
}
