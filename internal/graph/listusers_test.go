package graph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListUsersDirect(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation viewer: user
		}
	`,
		"document:1#viewer@user:alice",
		"document:1#viewer@user:bob",
	)

	result, err := env.checker.ListUsers(context.Background(), env.rev, onr("document", "1", "viewer"), nil, 0, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"user:alice", "user:bob"}, result.Users)
}

func TestListUsersWildcard(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation viewer: user | user:*
		}
	`, "document:1#viewer@user:*")

	result, err := env.checker.ListUsers(context.Background(), env.rev, onr("document", "1", "viewer"), nil, 0, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"user:*"}, result.Users)
}

func TestListUsersViaComputedUsersetUnion(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation owner: user
			relation viewer: user
			permission view = union(viewer, owner)
		}
	`,
		"document:1#owner@user:alice",
		"document:1#viewer@user:bob",
	)

	result, err := env.checker.ListUsers(context.Background(), env.rev, onr("document", "1", "view"), nil, 0, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"user:alice", "user:bob"}, result.Users)
}

func TestListUsersViaTupleToUserset(t *testing.T) {
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
		"organization:acme#member@user:alice",
		"organization:acme#member@user:bob",
	)

	result, err := env.checker.ListUsers(context.Background(), env.rev, onr("document", "1", "view"), nil, 0, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"user:alice", "user:bob"}, result.Users)
}

func TestListUsersViaUsersetSubjectExpandsOneLevelFurther(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition team {
			relation member: user
		}
		definition document {
			relation viewer: user | team#member
		}
	`,
		"document:1#viewer@team:eng#member",
		"team:eng#member@user:alice",
	)

	result, err := env.checker.ListUsers(context.Background(), env.rev, onr("document", "1", "viewer"), nil, 0, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"user:alice"}, result.Users)
}

func TestListUsersIntersection(t *testing.T) {
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
		"document:1#writer@user:bob",
	)

	result, err := env.checker.ListUsers(context.Background(), env.rev, onr("document", "1", "edit"), nil, 0, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"user:alice"}, result.Users)
}

func TestListUsersDifference(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation viewer: user
			relation banned: user
			permission view = difference(viewer, banned)
		}
	`,
		"document:1#viewer@user:alice",
		"document:1#viewer@user:bob",
		"document:1#banned@user:bob",
	)

	result, err := env.checker.ListUsers(context.Background(), env.rev, onr("document", "1", "view"), nil, 0, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"user:alice"}, result.Users)
}

func TestListUsersFiltersByUserType(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition team {
			relation member: user
		}
		definition document {
			relation viewer: user | team#member
		}
	`,
		"document:1#viewer@user:alice",
		"document:1#viewer@team:eng#member",
		"team:eng#member@user:dana",
	)

	result, err := env.checker.ListUsers(context.Background(), env.rev, onr("document", "1", "viewer"), []string{"user"}, 0, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"user:alice", "user:dana"}, result.Users)
}

func TestListUsersPagination(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation viewer: user
		}
	`,
		"document:1#viewer@user:alice",
		"document:1#viewer@user:bob",
		"document:1#viewer@user:carol",
	)

	first, err := env.checker.ListUsers(context.Background(), env.rev, onr("document", "1", "viewer"), nil, 2, "")
	require.NoError(t, err)
	require.Len(t, first.Users, 2)
	require.NotEmpty(t, first.NextPageToken)

	second, err := env.checker.ListUsers(context.Background(), env.rev, onr("document", "1", "viewer"), nil, 2, first.NextPageToken)
	require.NoError(t, err)
	require.Len(t, second.Users, 1)
	require.Empty(t, second.NextPageToken)
}
