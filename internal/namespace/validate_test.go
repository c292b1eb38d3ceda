package namespace_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/authzed/rebacd/internal/datastore"
	"github.com/authzed/rebacd/internal/datastore/memdb"
	"github.com/authzed/rebacd/internal/namespace"
)

func TestValidateAcceptsWellFormedBatch(t *testing.T) {
	ds, err := memdb.NewDatastore()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ds.Close()) })

	defs := namespace.MustCompile(`
		definition user {}
		definition document {
			relation viewer: user
			permission view = computed_userset(viewer)
		}
	`)

	head, err := ds.HeadRevision(context.Background())
	require.NoError(t, err)
	require.NoError(t, namespace.ValidateDefinitions(context.Background(), ds.SnapshotReader(head), defs))
}

func TestValidateRejectsUnknownSubjectType(t *testing.T) {
	ds, err := memdb.NewDatastore()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ds.Close()) })

	defs := namespace.MustCompile(`
		definition document {
			relation viewer: user
		}
	`)

	head, err := ds.HeadRevision(context.Background())
	require.NoError(t, err)
	err = namespace.ValidateDefinitions(context.Background(), ds.SnapshotReader(head), defs)
	require.Error(t, err)
	require.IsType(t, namespace.ErrUnknownType{}, err)
}

func TestValidateRejectsUnknownPermissionRelation(t *testing.T) {
	ds, err := memdb.NewDatastore()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ds.Close()) })

	defs := namespace.MustCompile(`
		definition user {}
		definition document {
			relation viewer: user
			permission view = computed_userset(editor)
		}
	`)

	head, err := ds.HeadRevision(context.Background())
	require.NoError(t, err)
	err = namespace.ValidateDefinitions(context.Background(), ds.SnapshotReader(head), defs)
	require.Error(t, err)
	require.IsType(t, namespace.ErrUnknownRelation{}, err)
}

func TestValidateRejectsSelfCycle(t *testing.T) {
	ds, err := memdb.NewDatastore()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ds.Close()) })

	defs := namespace.MustCompile(`
		definition user {}
		definition document {
			relation viewer: user
			permission view = computed_userset(view)
		}
	`)

	head, err := ds.HeadRevision(context.Background())
	require.NoError(t, err)
	err = namespace.ValidateDefinitions(context.Background(), ds.SnapshotReader(head), defs)
	require.Error(t, err)
	require.IsType(t, namespace.ErrSelfCycle{}, err)
}

func TestValidateAcceptsAcrossExistingNamespaces(t *testing.T) {
	ds, err := memdb.NewDatastore()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ds.Close()) })

	userDef := namespace.MustCompile("definition user {}")
	_, err = ds.ReadWriteTx(context.Background(), func(ctx context.Context, rwt datastore.ReadWriteTransaction) error {
		return rwt.WriteNamespaces(ctx, userDef...)
	})
	require.NoError(t, err)

	docDef := namespace.MustCompile(`
		definition document {
			relation viewer: user
		}
	`)

	head, err := ds.HeadRevision(context.Background())
	require.NoError(t, err)
	require.NoError(t, namespace.ValidateDefinitions(context.Background(), ds.SnapshotReader(head), docDef))
}

func TestValidateRejectsDuplicateRelation(t *testing.T) {
	ds, err := memdb.NewDatastore()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ds.Close()) })

	defs := namespace.MustCompile(`
		definition user {}
		definition document {
			relation viewer: user
			relation viewer: user
		}
	`)

	head, err := ds.HeadRevision(context.Background())
	require.NoError(t, err)
	err = namespace.ValidateDefinitions(context.Background(), ds.SnapshotReader(head), defs)
	require.Error(t, err)
	require.IsType(t, namespace.ErrDuplicateRelation{}, err)
}

func TestValidateRejectsThisWithoutDirectTypes(t *testing.T) {
	ds, err := memdb.NewDatastore()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ds.Close()) })

	defs := namespace.MustCompile(`
		definition user {}
		definition document {
			permission view = this
		}
	`)

	head, err := ds.HeadRevision(context.Background())
	require.NoError(t, err)
	err = namespace.ValidateDefinitions(context.Background(), ds.SnapshotReader(head), defs)
	require.Error(t, err)
	require.IsType(t, namespace.ErrDisallowedUserType{}, err)
}

func TestAllowsSubjectType(t *testing.T) {
	defs := namespace.MustCompile(`
		definition user {}
		definition group {}
		definition document {
			relation viewer: user | group#member
		}
	`)
	doc := defs[2]
	require.True(t, namespace.AllowsSubjectType(doc, "viewer", "user", ""))
	require.True(t, namespace.AllowsSubjectType(doc, "viewer", "group", "member"))
	require.False(t, namespace.AllowsSubjectType(doc, "viewer", "group", "owner"))
}

func TestBuildReachability(t *testing.T) {
	defs := namespace.MustCompile(`
		definition user {}
		definition document {
			relation viewer: user
			relation editor: user
			permission view = union(computed_userset(viewer), computed_userset(editor))
		}
	`)
	graph := namespace.BuildReachability(defs[1])
	require.ElementsMatch(t, []string{"viewer", "editor"}, graph["view"])
}
