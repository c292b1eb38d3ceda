package namespace_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/authzed/rebacd/internal/datastore"
	"github.com/authzed/rebacd/internal/datastore/memdb"
	"github.com/authzed/rebacd/internal/namespace"
)

func TestManagerCachesAcrossCalls(t *testing.T) {
	ds, err := memdb.NewDatastore()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ds.Close()) })

	defs := namespace.MustCompile("definition user {}")
	rev, err := ds.ReadWriteTx(context.Background(), func(ctx context.Context, rwt datastore.ReadWriteTransaction) error {
		return rwt.WriteNamespaces(ctx, defs...)
	})
	require.NoError(t, err)

	mgr := namespace.NewManager()
	reader := ds.SnapshotReader(rev)

	def1, _, err := mgr.ReadNamespace(context.Background(), reader, rev, "user")
	require.NoError(t, err)
	require.Equal(t, "user", def1.Name)
	require.Equal(t, 1, mgr.Size())

	def2, _, err := mgr.ReadNamespace(context.Background(), reader, rev, "user")
	require.NoError(t, err)
	require.Same(t, def1, def2)
	require.Equal(t, 1, mgr.Size())
}

func TestManagerForgetEvictsAllRevisions(t *testing.T) {
	ds, err := memdb.NewDatastore()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ds.Close()) })

	defs := namespace.MustCompile("definition user {}")
	rev, err := ds.ReadWriteTx(context.Background(), func(ctx context.Context, rwt datastore.ReadWriteTransaction) error {
		return rwt.WriteNamespaces(ctx, defs...)
	})
	require.NoError(t, err)

	mgr := namespace.NewManager()
	_, _, err = mgr.ReadNamespace(context.Background(), ds.SnapshotReader(rev), rev, "user")
	require.NoError(t, err)
	require.Equal(t, 1, mgr.Size())

	mgr.Forget("user")
	require.Equal(t, 0, mgr.Size())
}
