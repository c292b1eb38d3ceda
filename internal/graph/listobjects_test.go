package graph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/authzed/rebacd/pkg/tuple"
)

func TestListObjectsDirect(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation viewer: user
		}
	`,
		"document:1#viewer@user:alice",
		"document:2#viewer@user:alice",
		"document:3#viewer@user:bob",
	)

	result, err := env.checker.ListObjects(context.Background(), env.rev, "document", "viewer", onr("user", "alice", tuple.Ellipsis), 0, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"1", "2"}, result.ObjectIDs)
}

func TestListObjectsViaComputedUserset(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation owner: user
			relation viewer: user
			permission view = union(viewer, owner)
		}
	`,
		"document:1#owner@user:alice",
		"document:2#viewer@user:alice",
		"document:3#owner@user:bob",
	)

	result, err := env.checker.ListObjects(context.Background(), env.rev, "document", "view", onr("user", "alice", tuple.Ellipsis), 0, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"1", "2"}, result.ObjectIDs)
}

func TestListObjectsViaTupleToUserset(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition organization {
			relation member: user
		}
		definition document {
			relation org: organization
			permission view = tuple_to_userset(org, member)
		}
	`,
		"document:1#org@organization:acme#...",
		"document:2#org@organization:other#...",
		"organization:acme#member@user:alice",
	)

	result, err := env.checker.ListObjects(context.Background(), env.rev, "document", "view", onr("user", "alice", tuple.Ellipsis), 0, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"1"}, result.ObjectIDs)
}

func TestListObjectsWildcard(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation viewer: user | user:*
		}
	`,
		"document:1#viewer@user:*",
		"document:2#viewer@user:bob",
	)

	result, err := env.checker.ListObjects(context.Background(), env.rev, "document", "viewer", onr("user", "alice", tuple.Ellipsis), 0, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"1"}, result.ObjectIDs)
}

func TestListObjectsIntersectionConfirms(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation writer: user
			relation viewer: user
			permission edit = intersection(writer, viewer)
		}
	`,
		"document:1#writer@user:alice",
		"document:1#viewer@user:alice",
		"document:2#writer@user:alice",
	)

	result, err := env.checker.ListObjects(context.Background(), env.rev, "document", "edit", onr("user", "alice", tuple.Ellipsis), 0, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"1"}, result.ObjectIDs)
}

func TestListObjectsPagination(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation viewer: user
		}
	`,
		"document:1#viewer@user:alice",
		"document:2#viewer@user:alice",
		"document:3#viewer@user:alice",
	)

	first, err := env.checker.ListObjects(context.Background(), env.rev, "document", "viewer", onr("user", "alice", tuple.Ellipsis), 2, "")
	require.NoError(t, err)
	require.Len(t, first.ObjectIDs, 2)
	require.NotEmpty(t, first.NextPageToken)

	second, err := env.checker.ListObjects(context.Background(), env.rev, "document", "viewer", onr("user", "alice", tuple.Ellipsis), 2, first.NextPageToken)
	require.NoError(t, err)
	require.Len(t, second.ObjectIDs, 1)
	require.Empty(t, second.NextPageToken)

	require.ElementsMatch(t, []string{"1", "2", "3"}, append(first.ObjectIDs, second.ObjectIDs...))
}
