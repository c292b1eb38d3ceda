package v1

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"

	"github.com/authzed/rebacd/internal/graph"
)

// admin.go serves the three spec §6.1 RPCs that have no counterpart in the
// real authzed v1 API surface: BatchCheck (component C's bulk evaluation,
// spec §4.3.1) and ActivateModel/ListModels (component B's multi-version
// model repository, spec §4.2.2 -- real SpiceDB schemas have no notion of
// multiple stored versions to switch between). Rather than invent protobuf
// messages with no generated .pb.go behind them, these are plain JSON
// payloads carried over the same *grpc.Server using a registered "json"
// codec, the way an internal admin surface riding alongside a protobuf API
// commonly does.

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// BatchCheckItem is one independent check within a BatchCheck call.
type BatchCheckItem struct {
	ObjectType      string `json:"object_type"`
	ObjectID        string `json:"object_id"`
	Permission      string `json:"permission"`
	SubjectType     string `json:"subject_type"`
	SubjectID       string `json:"subject_id"`
	SubjectRelation string `json:"subject_relation,omitempty"`
}

type BatchCheckRequest struct {
	Items []BatchCheckItem `json:"items"`
}

type BatchCheckResultItem struct {
	HasPermission bool   `json:"has_permission"`
	Error         string `json:"error,omitempty"`
}

type BatchCheckResponse struct {
	Results []BatchCheckResultItem `json:"results"`
}

type ActivateModelRequest struct {
	ModelID string `json:"model_id"`
}

type ActivateModelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ListModelsRequest struct {
	PageSize  int32  `json:"page_size"`
	PageToken string `json:"page_token"`
}

type ModelSummary struct {
	ModelID   string `json:"model_id"`
	VersionID string `json:"version_id"`
	IsActive  bool   `json:"is_active"`
}

type ListModelsResponse struct {
	Models        []ModelSummary `json:"models"`
	NextPageToken string         `json:"next_page_token"`
}

const defaultListModelsPageSize = 50

// BatchCheck evaluates every item independently, sharing a single deadline
// (spec §4.3.1), and reports per-item failures without failing the batch.
func (s *Server) BatchCheck(ctx context.Context, req *BatchCheckRequest) (*BatchCheckResponse, error) {
	revision, err := s.ds.HeadRevision(ctx)
	if err != nil {
		return nil, err
	}
	checker := s.checkerAt(revision)

	items := make([]graph.BatchCheckItem, len(req.Items))
	for i, it := range req.Items {
		subjectRelation := it.SubjectRelation
		if subjectRelation == "" {
			subjectRelation = "..."
		}
		items[i] = graph.BatchCheckItem{
			Object:  &v0.ObjectAndRelation{Namespace: it.ObjectType, ObjectId: it.ObjectID, Relation: it.Permission},
			Subject: &v0.ObjectAndRelation{Namespace: it.SubjectType, ObjectId: it.SubjectID, Relation: subjectRelation},
		}
	}

	results := checker.BatchCheck(ctx, revision, items, graph.CheckOptions{})
	resp := &BatchCheckResponse{Results: make([]BatchCheckResultItem, len(results))}
	for i, r := range results {
		if r.Err != nil {
			resp.Results[i] = BatchCheckResultItem{Error: r.Err.Error()}
			continue
		}
		resp.Results[i] = BatchCheckResultItem{HasPermission: r.IsMember}
	}
	return resp, nil
}

// ActivateModel switches the active model to modelID, per spec §4.2.2.
func (s *Server) ActivateModel(ctx context.Context, req *ActivateModelRequest) (*ActivateModelResponse, error) {
	success, message, err := s.repo.ActivateModel(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	return &ActivateModelResponse{Success: success, Message: message}, nil
}

// ListModels returns stored model versions newest-first, per spec §4.2.2.
func (s *Server) ListModels(ctx context.Context, req *ListModelsRequest) (*ListModelsResponse, error) {
	pageSize := int(req.PageSize)
	if pageSize <= 0 {
		pageSize = defaultListModelsPageSize
	}

	models, next, err := s.repo.ListModels(ctx, pageSize, req.PageToken)
	if err != nil {
		return nil, err
	}

	resp := &ListModelsResponse{NextPageToken: next, Models: make([]ModelSummary, len(models))}
	for i, m := range models {
		resp.Models[i] = ModelSummary{ModelID: m.ModelID, VersionID: m.VersionID, IsActive: m.IsActive}
	}
	return resp, nil
}

// adminServiceServer is the HandlerType grpc.ServiceDesc dispatches against;
// *Server satisfies it directly.
type adminServiceServer interface {
	BatchCheck(context.Context, *BatchCheckRequest) (*BatchCheckResponse, error)
	ActivateModel(context.Context, *ActivateModelRequest) (*ActivateModelResponse, error)
	ListModels(context.Context, *ListModelsRequest) (*ListModelsResponse, error)
}

func _Admin_BatchCheck_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(BatchCheckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminServiceServer).BatchCheck(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rebacd.admin.v1.AdminService/BatchCheck"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(adminServiceServer).BatchCheck(ctx, req.(*BatchCheckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Admin_ActivateModel_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ActivateModelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminServiceServer).ActivateModel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rebacd.admin.v1.AdminService/ActivateModel"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(adminServiceServer).ActivateModel(ctx, req.(*ActivateModelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Admin_ListModels_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListModelsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminServiceServer).ListModels(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rebacd.admin.v1.AdminService/ListModels"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(adminServiceServer).ListModels(ctx, req.(*ListModelsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: "rebacd.admin.v1.AdminService",
	HandlerType: (*adminServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "BatchCheck", Handler: _Admin_BatchCheck_Handler},
		{MethodName: "ActivateModel", Handler: _Admin_ActivateModel_Handler},
		{MethodName: "ListModels", Handler: _Admin_ListModels_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rebacd/admin/v1/admin.proto",
}

// AdminServiceClient is the hand-written counterpart to a protoc-gen-go-grpc
// client for adminServiceDesc; it calls through the "json" codec registered
// in this file's init.
type AdminServiceClient interface {
	BatchCheck(ctx context.Context, in *BatchCheckRequest, opts ...grpc.CallOption) (*BatchCheckResponse, error)
	ActivateModel(ctx context.Context, in *ActivateModelRequest, opts ...grpc.CallOption) (*ActivateModelResponse, error)
	ListModels(ctx context.Context, in *ListModelsRequest, opts ...grpc.CallOption) (*ListModelsResponse, error)
}

type adminServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewAdminServiceClient builds a client for rebacd.admin.v1.AdminService.
func NewAdminServiceClient(cc grpc.ClientConnInterface) AdminServiceClient {
	return &adminServiceClient{cc: cc}
}

func (c *adminServiceClient) BatchCheck(ctx context.Context, in *BatchCheckRequest, opts ...grpc.CallOption) (*BatchCheckResponse, error) {
	out := new(BatchCheckResponse)
	opts = append(opts, grpc.CallContentSubtype(jsonCodec{}.Name()))
	if err := c.cc.Invoke(ctx, "/rebacd.admin.v1.AdminService/BatchCheck", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *adminServiceClient) ActivateModel(ctx context.Context, in *ActivateModelRequest, opts ...grpc.CallOption) (*ActivateModelResponse, error) {
	out := new(ActivateModelResponse)
	opts = append(opts, grpc.CallContentSubtype(jsonCodec{}.Name()))
	if err := c.cc.Invoke(ctx, "/rebacd.admin.v1.AdminService/ActivateModel", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *adminServiceClient) ListModels(ctx context.Context, in *ListModelsRequest, opts ...grpc.CallOption) (*ListModelsResponse, error) {
	out := new(ListModelsResponse)
	opts = append(opts, grpc.CallContentSubtype(jsonCodec{}.Name()))
	if err := c.cc.Invoke(ctx, "/rebacd.admin.v1.AdminService/ListModels", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
