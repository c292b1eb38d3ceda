package v1_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	pbv1 "github.com/authzed/authzed-go/proto/authzed/api/v1"

	"github.com/authzed/rebacd/internal/datastore/memdb"
	"github.com/authzed/rebacd/internal/modelrepo"
	"github.com/authzed/rebacd/internal/namespace"
	v1 "github.com/authzed/rebacd/internal/services/v1"
	"github.com/authzed/rebacd/internal/testfixtures"
)

// newTestServer boots a Server over testfixtures.StandardSchema/StandardTuples
// and returns a PermissionsServiceClient/SchemaServiceClient dialed over an
// in-memory bufconn listener.
func newTestServer(t *testing.T) (pbv1.PermissionsServiceClient, pbv1.SchemaServiceClient, func()) {
	t.Helper()
	ctx := context.Background()

	ds, err := memdb.NewDatastore()
	require.NoError(t, err)

	_, err = testfixtures.Load(ctx, ds, nil)
	require.NoError(t, err)

	mgr := namespace.NewManager()
	repo := modelrepo.NewRepository(modelrepo.NewMemoryStore(), ds, mgr)
	server := v1.NewServer(ds, mgr, repo)
	grpcServer := v1.RegisterGRPCServer(server)

	lis := bufconn.Listen(1024 * 1024)
	go func() { _ = grpcServer.Serve(lis) }()

	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	cleanup := func() {
		_ = conn.Close()
		grpcServer.Stop()
		_ = ds.Close()
	}
	return pbv1.NewPermissionsServiceClient(conn), pbv1.NewSchemaServiceClient(conn), cleanup
}

func TestCheckPermissionDirectViewer(t *testing.T) {
	client, _, cleanup := newTestServer(t)
	defer cleanup()

	resp, err := client.CheckPermission(context.Background(), &pbv1.CheckPermissionRequest{
		Resource:   &pbv1.ObjectReference{ObjectType: "document", ObjectId: "q1"},
		Permission: "view",
		Subject:    &pbv1.SubjectReference{Object: &pbv1.ObjectReference{ObjectType: "user", ObjectId: "alice"}},
	})
	require.NoError(t, err)
	require.Equal(t, pbv1.CheckPermissionResponse_HAS_PERMISSION, resp.Permissionship)
	require.NotEmpty(t, resp.CheckedAt.Token)
}

func TestCheckPermissionNoRelationship(t *testing.T) {
	client, _, cleanup := newTestServer(t)
	defer cleanup()

	resp, err := client.CheckPermission(context.Background(), &pbv1.CheckPermissionRequest{
		Resource:   &pbv1.ObjectReference{ObjectType: "document", ObjectId: "q1"},
		Permission: "view",
		Subject:    &pbv1.SubjectReference{Object: &pbv1.ObjectReference{ObjectType: "user", ObjectId: "mallory"}},
	})
	require.NoError(t, err)
	require.Equal(t, pbv1.CheckPermissionResponse_NO_PERMISSION, resp.Permissionship)
}

func TestCheckPermissionViaFolderInheritance(t *testing.T) {
	client, _, cleanup := newTestServer(t)
	defer cleanup()

	// carol has no direct document:q1 viewer tuple, but folder:reports grants
	// view to organization:acme's members and carol is a member.
	resp, err := client.CheckPermission(context.Background(), &pbv1.CheckPermissionRequest{
		Resource:   &pbv1.ObjectReference{ObjectType: "document", ObjectId: "q1"},
		Permission: "view",
		Subject:    &pbv1.SubjectReference{Object: &pbv1.ObjectReference{ObjectType: "user", ObjectId: "carol"}},
	})
	require.NoError(t, err)
	require.Equal(t, pbv1.CheckPermissionResponse_HAS_PERMISSION, resp.Permissionship)
}

func TestWriteAndDeleteRelationships(t *testing.T) {
	client, _, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	writeResp, err := client.WriteRelationships(ctx, &pbv1.WriteRelationshipsRequest{
		Updates: []*pbv1.RelationshipUpdate{{
			Operation: pbv1.RelationshipUpdate_OPERATION_TOUCH,
			Relationship: &pbv1.Relationship{
				Resource: &pbv1.ObjectReference{ObjectType: "document", ObjectId: "q1"},
				Relation: "viewer",
				Subject:  &pbv1.SubjectReference{Object: &pbv1.ObjectReference{ObjectType: "user", ObjectId: "dave"}},
			},
		}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, writeResp.WrittenAt.Token)

	checkResp, err := client.CheckPermission(ctx, &pbv1.CheckPermissionRequest{
		Resource:   &pbv1.ObjectReference{ObjectType: "document", ObjectId: "q1"},
		Permission: "viewer",
		Subject:    &pbv1.SubjectReference{Object: &pbv1.ObjectReference{ObjectType: "user", ObjectId: "dave"}},
	})
	require.NoError(t, err)
	require.Equal(t, pbv1.CheckPermissionResponse_HAS_PERMISSION, checkResp.Permissionship)

	deleteResp, err := client.DeleteRelationships(ctx, &pbv1.DeleteRelationshipsRequest{
		RelationshipFilter: &pbv1.RelationshipFilter{
			ResourceType:       "document",
			OptionalResourceId: "q1",
			OptionalRelation:   "viewer",
			OptionalSubjectFilter: &pbv1.SubjectFilter{
				SubjectType:       "user",
				OptionalSubjectId: "dave",
			},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, deleteResp.DeletedAt.Token)

	checkResp, err = client.CheckPermission(ctx, &pbv1.CheckPermissionRequest{
		Resource:   &pbv1.ObjectReference{ObjectType: "document", ObjectId: "q1"},
		Permission: "viewer",
		Subject:    &pbv1.SubjectReference{Object: &pbv1.ObjectReference{ObjectType: "user", ObjectId: "dave"}},
	})
	require.NoError(t, err)
	require.Equal(t, pbv1.CheckPermissionResponse_NO_PERMISSION, checkResp.Permissionship)
}

func TestReadSchemaFailsWithoutActivatedModel(t *testing.T) {
	_, schemaClient, cleanup := newTestServer(t)
	defer cleanup()

	// testfixtures.Load writes namespaces directly, bypassing the model
	// repository, so no model has been activated yet: ReadSchema must
	// surface that as an error rather than stale or empty text.
	_, err := schemaClient.ReadSchema(context.Background(), &pbv1.ReadSchemaRequest{})
	require.Error(t, err)
}

func TestWriteSchemaThenReadSchemaRoundTrips(t *testing.T) {
	_, schemaClient, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	schema := `
		definition user {}
		definition document {
			relation viewer: user
		}
	`
	_, err := schemaClient.WriteSchema(ctx, &pbv1.WriteSchemaRequest{Schema: schema})
	require.NoError(t, err)

	readResp, err := schemaClient.ReadSchema(ctx, &pbv1.ReadSchemaRequest{})
	require.NoError(t, err)
	require.Contains(t, readResp.SchemaText, "definition document")
}

func TestLookupResourcesStreamsMatchingDocuments(t *testing.T) {
	client, _, cleanup := newTestServer(t)
	defer cleanup()

	stream, err := client.LookupResources(context.Background(), &pbv1.LookupResourcesRequest{
		ResourceObjectType: "document",
		Permission:         "view",
		Subject:            &pbv1.SubjectReference{Object: &pbv1.ObjectReference{ObjectType: "user", ObjectId: "alice"}},
	})
	require.NoError(t, err)

	var ids []string
	for {
		resp, err := stream.Recv()
		if err != nil {
			break
		}
		ids = append(ids, resp.ResourceObjectId)
	}
	require.Contains(t, ids, "q1")
}
