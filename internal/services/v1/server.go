// Package v1 implements the Service Surface (spec §4.5, component E): the
// gRPC handlers that translate the wire-level PermissionsService and
// SchemaService contracts into calls against the Check Engine, the reverse
// index operations and the Model Repository. Every handler method is thin:
// argument translation in, a single internal call, result translation out.
package v1

import (
	"github.com/grpc-ecosystem/go-grpc-middleware/providers/zerolog/v2"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware/v2"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	pbv1 "github.com/authzed/authzed-go/proto/authzed/api/v1"

	"github.com/authzed/rebacd/internal/datastore"
	"github.com/authzed/rebacd/internal/graph"
	"github.com/authzed/rebacd/internal/modelrepo"
	"github.com/authzed/rebacd/internal/namespace"
)

// Server implements pbv1.PermissionsServiceServer and
// pbv1.SchemaServiceServer on top of the three internal engines: the
// datastore (for revisions and relationship reads/writes), the checker (for
// Check/Expand/LookupResources/LookupSubjects) and the model repository
// (for WriteSchema/ReadSchema).
type Server struct {
	pbv1.UnimplementedPermissionsServiceServer
	pbv1.UnimplementedSchemaServiceServer

	ds   datastore.Datastore
	mgr  *namespace.Manager
	repo *modelrepo.Repository
}

// NewServer builds a Server. mgr is shared with the Model Repository so a
// model activation's namespace cache invalidation is visible to every
// request the server handles next.
func NewServer(ds datastore.Datastore, mgr *namespace.Manager, repo *modelrepo.Repository) *Server {
	return &Server{ds: ds, mgr: mgr, repo: repo}
}

// checkerAt returns a Checker reading a snapshot pinned to revision.
func (s *Server) checkerAt(revision datastore.Revision) *graph.Checker {
	return graph.NewChecker(s.ds.SnapshotReader(revision), s.mgr)
}

// RegisterGRPCServer builds a *grpc.Server with the interceptor chain this
// service is meant to run behind (structured logging, panic recovery,
// Prometheus RPC metrics) and registers s, the gRPC health service and
// reflection onto it.
func RegisterGRPCServer(s *Server, extra ...grpc.ServerOption) *grpc.Server {
	logger := log.Logger
	opts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpc_middleware.ChainUnaryServer(
				zerolog.UnaryServerInterceptor(logger),
				grpc_recovery.UnaryServerInterceptor(),
				grpc_prometheus.UnaryServerInterceptor,
			),
		),
		grpc.ChainStreamInterceptor(
			grpc_middleware.ChainStreamServer(
				zerolog.StreamServerInterceptor(logger),
				grpc_recovery.StreamServerInterceptor(),
				grpc_prometheus.StreamServerInterceptor,
			),
		),
	}, extra...)

	grpcServer := grpc.NewServer(opts...)
	pbv1.RegisterPermissionsServiceServer(grpcServer, s)
	pbv1.RegisterSchemaServiceServer(grpcServer, s)
	grpcServer.RegisterService(&adminServiceDesc, s)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	grpc_prometheus.Register(grpcServer)
	reflection.Register(grpcServer)

	return grpcServer
}
