package memdb_test

import (
	"context"
	"testing"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"
	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"
	"github.com/stretchr/testify/require"

	"github.com/authzed/rebacd/internal/datastore"
	"github.com/authzed/rebacd/internal/datastore/memdb"
	"github.com/authzed/rebacd/pkg/tuple"
)

func newTestDatastore(t *testing.T) *memdb.Datastore {
	t.Helper()
	ds, err := memdb.NewDatastore()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ds.Close()) })
	return ds
}

func writeTuples(t *testing.T, ds *memdb.Datastore, tuples ...string) datastore.Revision {
	t.Helper()
	var updates []*v1.RelationshipUpdate
	for _, s := range tuples {
		rt, err := tuple.ParseRelationTuple(s)
		require.NoError(t, err)
		updates = append(updates, &v1.RelationshipUpdate{
			Operation: v1.RelationshipUpdate_OPERATION_TOUCH,
			Relationship: &v1.Relationship{
				Resource: &v1.ObjectReference{ObjectType: rt.ObjectAndRelation.Namespace, ObjectId: rt.ObjectAndRelation.ObjectId},
				Relation: rt.ObjectAndRelation.Relation,
				Subject:  tuple.ToSubjectReference(rt.User.GetUserset()),
			},
		})
	}
	rev, err := ds.ReadWriteTx(context.Background(), func(ctx context.Context, rwt datastore.ReadWriteTransaction) error {
		return rwt.WriteRelationships(ctx, updates)
	})
	require.NoError(t, err)
	return rev
}

func TestWriteAndQueryDirect(t *testing.T) {
	ds := newTestDatastore(t)
	rev := writeTuples(t, ds, "document:1#viewer@user:alice")

	reader := ds.SnapshotReader(rev)
	it, err := reader.QueryRelationships(datastore.RelationshipQueryObjectFilter{
		ResourceType: "document", OptionalResourceID: "1", OptionalResourceRelation: "viewer",
	}).Execute(context.Background())
	require.NoError(t, err)
	defer it.Close()

	found := it.Next()
	require.NotNil(t, found)
	require.Equal(t, "alice", found.User.GetUserset().ObjectId)
	require.Nil(t, it.Next())
}

func TestWriteThenDeleteRoundTrips(t *testing.T) {
	ds := newTestDatastore(t)
	rev1 := writeTuples(t, ds, "document:1#viewer@user:alice")

	rev2, err := ds.ReadWriteTx(context.Background(), func(ctx context.Context, rwt datastore.ReadWriteTransaction) error {
		return rwt.DeleteRelationships(ctx, &v1.RelationshipFilter{ResourceType: "document", OptionalResourceId: "1"})
	})
	require.NoError(t, err)
	require.True(t, rev2.GreaterThan(rev1))

	reader := ds.SnapshotReader(rev2)
	it, err := reader.QueryRelationships(datastore.RelationshipQueryObjectFilter{ResourceType: "document", OptionalResourceID: "1"}).Execute(context.Background())
	require.NoError(t, err)
	defer it.Close()
	require.Nil(t, it.Next())

	// reads pinned to rev1 still observe the tuple (snapshot isolation).
	oldReader := ds.SnapshotReader(rev1)
	oldIt, err := oldReader.QueryRelationships(datastore.RelationshipQueryObjectFilter{ResourceType: "document", OptionalResourceID: "1"}).Execute(context.Background())
	require.NoError(t, err)
	defer oldIt.Close()
	require.NotNil(t, oldIt.Next())
}

func TestWriteIsIdempotent(t *testing.T) {
	ds := newTestDatastore(t)
	writeTuples(t, ds, "document:1#viewer@user:alice")
	rev := writeTuples(t, ds, "document:1#viewer@user:alice")

	it, err := ds.SnapshotReader(rev).QueryRelationships(datastore.RelationshipQueryObjectFilter{ResourceType: "document", OptionalResourceID: "1"}).Execute(context.Background())
	require.NoError(t, err)
	defer it.Close()
	count := 0
	for t := it.Next(); t != nil; t = it.Next() {
		count++
	}
	require.Equal(t, 1, count)
}

func TestNamespaceWriteAndRead(t *testing.T) {
	ds := newTestDatastore(t)
	def := &v0.NamespaceDefinition{Name: "document"}

	rev, err := ds.ReadWriteTx(context.Background(), func(ctx context.Context, rwt datastore.ReadWriteTransaction) error {
		return rwt.WriteNamespaces(ctx, def)
	})
	require.NoError(t, err)

	read, _, err := ds.SnapshotReader(rev).ReadNamespace(context.Background(), "document")
	require.NoError(t, err)
	require.Equal(t, "document", read.Name)

	_, _, err = ds.SnapshotReader(rev).ReadNamespace(context.Background(), "missing")
	require.Error(t, err)
	require.IsType(t, datastore.ErrNamespaceNotFound{}, err)
}

func TestReverseQueryBySubject(t *testing.T) {
	ds := newTestDatastore(t)
	rev := writeTuples(t, ds,
		"document:1#viewer@user:alice",
		"document:2#viewer@user:alice",
		"document:3#viewer@user:bob",
	)

	it, err := ds.SnapshotReader(rev).ReverseQueryRelationships(datastore.RelationshipQueryObjectFilter{}).
		WithSubject("user", "alice", "").
		WithObjectRelation("document", "viewer").
		Execute(context.Background())
	require.NoError(t, err)
	defer it.Close()

	var objs []string
	for t := it.Next(); t != nil; t = it.Next() {
		objs = append(objs, t.ObjectAndRelation.ObjectId)
	}
	require.ElementsMatch(t, []string{"1", "2"}, objs)
}
