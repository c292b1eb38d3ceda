// Package server wires the `serve` subcommand: a datastore, the namespace
// manager, the model repository, and the gRPC service surface, listening
// until the process is asked to shut down.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	pbv1 "github.com/authzed/authzed-go/proto/authzed/api/v1"

	"github.com/authzed/rebacd/internal/modelrepo"
	"github.com/authzed/rebacd/internal/namespace"
	"github.com/authzed/rebacd/internal/telemetry"
	servicev1 "github.com/authzed/rebacd/internal/services/v1"
	cmddatastore "github.com/authzed/rebacd/pkg/cmd/datastore"
)

// Config holds every flag the `serve` command exposes.
type Config struct {
	GRPCAddr        string
	GatewayAddr     string
	GatewayEnable   bool
	Datastore       cmddatastore.Config
	TelemetryEnable bool
}

// RegisterFlags registers serve's flags onto cmd, seeding defaults that
// match NewConfig.
func RegisterFlags(cmd *cobra.Command, cfg *Config) {
	cmd.Flags().StringVar(&cfg.GRPCAddr, "grpc-addr", ":50051", "address to listen for gRPC requests on")
	cmd.Flags().StringVar(&cfg.GatewayAddr, "gateway-addr", ":8443", "address to listen for the JSON/REST transcoding gateway on")
	cmd.Flags().BoolVar(&cfg.GatewayEnable, "gateway-enable", true, "expose the JSON/REST transcoding gateway alongside gRPC")
	cmd.Flags().BoolVar(&cfg.TelemetryEnable, "telemetry-enable", true, "expose the Prometheus telemetry collector")
	if err := cmddatastore.RegisterDatastoreFlagsWithPrefix(cmd.Flags(), "", &cfg.Datastore); err != nil {
		panic(fmt.Sprintf("unable to register datastore flags: %v", err))
	}
}

// NewCommand builds the `serve` subcommand.
func NewCommand() *cobra.Command {
	cfg := &Config{Datastore: *cmddatastore.DefaultDatastoreConfig()}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the ReBAC authorization engine over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().SortFlags = false
	RegisterFlags(cmd, cfg)

	return cmd
}

// Run constructs every engine and blocks serving gRPC traffic until ctx is
// canceled.
func Run(ctx context.Context, cfg *Config) error {
	ds, err := cmddatastore.NewDatastore(ctx,
		cmddatastore.WithEngine(cmddatastore.Engine(cfg.Datastore.Engine)),
		cmddatastore.WithPostgresURI(cfg.Datastore.PostgresURI),
		cmddatastore.SetBootstrapFiles(cfg.Datastore.BootstrapFiles),
	)
	if err != nil {
		return fmt.Errorf("unable to initialize datastore: %w", err)
	}
	defer ds.Close()

	mgr := namespace.NewManager()
	store := modelrepo.NewMemoryStore()
	repo := modelrepo.NewRepository(store, ds, mgr)

	if cfg.TelemetryEnable {
		if err := telemetry.RegisterTelemetryCollector(cfg.Datastore.Engine, ds); err != nil {
			log.Warn().Err(err).Msg("unable to register telemetry collector")
		}
	}

	server := servicev1.NewServer(ds, mgr, repo)
	grpcServer := servicev1.RegisterGRPCServer(server)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", cfg.GRPCAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc server listening")
		errCh <- grpcServer.Serve(lis)
	}()

	var gatewayServer *http.Server
	if cfg.GatewayEnable {
		gwSrv, err := newGatewayServer(ctx, cfg)
		if err != nil {
			return fmt.Errorf("unable to build gateway: %w", err)
		}
		gatewayServer = gwSrv
		go func() {
			log.Info().Str("addr", cfg.GatewayAddr).Msg("json/rest gateway listening")
			if err := gatewayServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if gatewayServer != nil {
			_ = gatewayServer.Close()
		}
		grpcServer.GracefulStop()
		return nil
	}
}

// newGatewayServer dials back into the just-listened gRPC address and
// builds an http.Server transcoding PermissionsService/SchemaService JSON
// requests onto it, per SPEC_FULL.md's REST transcoding surface.
func newGatewayServer(ctx context.Context, cfg *Config) (*http.Server, error) {
	conn, err := grpc.DialContext(ctx, cfg.GRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to dial grpc server for gateway: %w", err)
	}

	mux := runtime.NewServeMux()
	if err := pbv1.RegisterPermissionsServiceHandler(ctx, mux, conn); err != nil {
		return nil, fmt.Errorf("unable to register permissions gateway handler: %w", err)
	}
	if err := pbv1.RegisterSchemaServiceHandler(ctx, mux, conn); err != nil {
		return nil, fmt.Errorf("unable to register schema gateway handler: %w", err)
	}

	return &http.Server{Addr: cfg.GatewayAddr, Handler: mux}, nil
}
