package datastore

import (
	"context"
	"os"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	internaldatastore "github.com/authzed/rebacd/internal/datastore"
)

func TestDefaults(t *testing.T) {
	f := pflag.FlagSet{}
	expected := Config{}
	err := RegisterDatastoreFlagsWithPrefix(&f, "", &expected)
	require.NoError(t, err)
	received := DefaultDatastoreConfig()
	require.Equal(t, expected, *received)
}

func TestLoadDatastoreFromFileContents(t *testing.T) {
	ctx := context.Background()
	ds, err := NewDatastore(ctx,
		SetBootstrapFileContents(map[string][]byte{"test": []byte("schema: definition user{}")}),
		WithEngine(MemoryEngine))
	require.NoError(t, err)

	revision, err := ds.HeadRevision(ctx)
	require.NoError(t, err)
	namespaces, err := ds.SnapshotReader(revision).ListNamespaces(ctx)
	require.NoError(t, err)
	require.Len(t, namespaces, 1)
	require.Equal(t, "user", namespaces[0].Name)
}

func TestLoadDatastoreFromFile(t *testing.T) {
	file, err := os.CreateTemp("", "")
	require.NoError(t, err)
	_, err = file.Write([]byte("schema: definition organization{}"))
	require.NoError(t, err)

	ctx := context.Background()
	ds, err := NewDatastore(ctx,
		SetBootstrapFiles([]string{file.Name()}),
		WithEngine(MemoryEngine))
	require.NoError(t, err)

	revision, err := ds.HeadRevision(ctx)
	require.NoError(t, err)
	namespaces, err := ds.SnapshotReader(revision).ListNamespaces(ctx)
	require.NoError(t, err)
	require.Len(t, namespaces, 1)
	require.Equal(t, "organization", namespaces[0].Name)
}

func TestLoadDatastoreFromFileAndContents(t *testing.T) {
	file, err := os.CreateTemp("", "")
	require.NoError(t, err)
	_, err = file.Write([]byte("schema: definition document{}"))
	require.NoError(t, err)

	ctx := context.Background()
	ds, err := NewDatastore(ctx,
		SetBootstrapFiles([]string{file.Name()}),
		SetBootstrapFileContents(map[string][]byte{"test": []byte("schema: definition user{}")}),
		WithEngine(MemoryEngine))
	require.NoError(t, err)

	revision, err := ds.HeadRevision(ctx)
	require.NoError(t, err)
	namespaces, err := ds.SnapshotReader(revision).ListNamespaces(ctx)
	require.NoError(t, err)
	require.Len(t, namespaces, 2)
	namespaceNames := []string{namespaces[0].Name, namespaces[1].Name}
	require.Contains(t, namespaceNames, "user")
	require.Contains(t, namespaceNames, "document")
}

// TestLoadDatastoreSeedsRelationships covers the bootstrap document's
// relationships field, which the schema-only fixtures above never touch:
// a bootstrap file is expected to seed both the model and its initial
// tuples in one pass (spec §4.1's bootstrap path).
func TestLoadDatastoreSeedsRelationships(t *testing.T) {
	contents := []byte(`
schema: |
  definition user {}
  definition document {
    relation viewer: user
  }
relationships:
  - "document:q1#viewer@user:alice"
`)

	ctx := context.Background()
	ds, err := NewDatastore(ctx,
		SetBootstrapFileContents(map[string][]byte{"seed": contents}),
		WithEngine(MemoryEngine))
	require.NoError(t, err)

	revision, err := ds.HeadRevision(ctx)
	require.NoError(t, err)

	it, err := ds.SnapshotReader(revision).QueryRelationships(internaldatastore.RelationshipQueryObjectFilter{
		ResourceType:             "document",
		OptionalResourceID:       "q1",
		OptionalResourceRelation: "viewer",
	}).Execute(ctx)
	require.NoError(t, err)
	defer it.Close()

	tpl := it.Next()
	require.NotNil(t, tpl)
	require.Equal(t, "alice", tpl.User.GetUserset().ObjectId)
	require.NoError(t, it.Err())
}
