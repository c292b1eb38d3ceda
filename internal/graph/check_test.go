package graph_test

import (
	"context"
	"testing"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"
	"github.com/stretchr/testify/require"

	"github.com/authzed/rebacd/internal/graph"
	"github.com/authzed/rebacd/pkg/tuple"
)

func onr(objType, id, relation string) *v0.ObjectAndRelation {
	return &v0.ObjectAndRelation{Namespace: objType, ObjectId: id, Relation: relation}
}

func TestCheckDirectTuple(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation viewer: user
		}
	`, "document:1#viewer@user:alice")

	outcome, err := env.checker.Check(context.Background(), env.rev, onr("document", "1", "viewer"), onr("user", "alice", tuple.Ellipsis), graph.CheckOptions{})
	require.NoError(t, err)
	require.True(t, outcome.IsMember)

	outcome, err = env.checker.Check(context.Background(), env.rev, onr("document", "1", "viewer"), onr("user", "bob", tuple.Ellipsis), graph.CheckOptions{})
	require.NoError(t, err)
	require.False(t, outcome.IsMember)
}

func TestCheckWildcard(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation viewer: user | user:*
		}
	`, "document:1#viewer@user:*")

	outcome, err := env.checker.Check(context.Background(), env.rev, onr("document", "1", "viewer"), onr("user", "anyone", tuple.Ellipsis), graph.CheckOptions{})
	require.NoError(t, err)
	require.True(t, outcome.IsMember)
}

func TestCheckUnionOfComputedUserset(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation owner: user
			relation viewer: user
			permission view = union(viewer, owner)
		}
	`, "document:1#owner@user:alice")

	outcome, err := env.checker.Check(context.Background(), env.rev, onr("document", "1", "view"), onr("user", "alice", tuple.Ellipsis), graph.CheckOptions{})
	require.NoError(t, err)
	require.True(t, outcome.IsMember)

	outcome, err = env.checker.Check(context.Background(), env.rev, onr("document", "1", "view"), onr("user", "bob", tuple.Ellipsis), graph.CheckOptions{})
	require.NoError(t, err)
	require.False(t, outcome.IsMember)
}

func TestCheckIntersection(t *testing.T) {
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

	outcome, err := env.checker.Check(context.Background(), env.rev, onr("document", "1", "edit"), onr("user", "alice", tuple.Ellipsis), graph.CheckOptions{})
	require.NoError(t, err)
	require.True(t, outcome.IsMember)

	outcome, err = env.checker.Check(context.Background(), env.rev, onr("document", "1", "edit"), onr("user", "bob", tuple.Ellipsis), graph.CheckOptions{})
	require.NoError(t, err)
	require.False(t, outcome.IsMember)
}

func TestCheckDifference(t *testing.T) {
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

	outcome, err := env.checker.Check(context.Background(), env.rev, onr("document", "1", "view"), onr("user", "alice", tuple.Ellipsis), graph.CheckOptions{})
	require.NoError(t, err)
	require.True(t, outcome.IsMember)

	outcome, err = env.checker.Check(context.Background(), env.rev, onr("document", "1", "view"), onr("user", "bob", tuple.Ellipsis), graph.CheckOptions{})
	require.NoError(t, err)
	require.False(t, outcome.IsMember)
}

func TestCheckTupleToUserset(t *testing.T) {
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
	)

	outcome, err := env.checker.Check(context.Background(), env.rev, onr("document", "1", "view"), onr("user", "alice", tuple.Ellipsis), graph.CheckOptions{})
	require.NoError(t, err)
	require.True(t, outcome.IsMember)

	outcome, err = env.checker.Check(context.Background(), env.rev, onr("document", "1", "view"), onr("user", "bob", tuple.Ellipsis), graph.CheckOptions{})
	require.NoError(t, err)
	require.False(t, outcome.IsMember)
}

func TestCheckUsersetSubject(t *testing.T) {
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

	outcome, err := env.checker.Check(context.Background(), env.rev, onr("document", "1", "viewer"), onr("user", "alice", tuple.Ellipsis), graph.CheckOptions{})
	require.NoError(t, err)
	require.True(t, outcome.IsMember)
}

func TestCheckCycleIsNotAMember(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation viewer: user | document#viewer
		}
	`, "document:1#viewer@document:1#viewer")

	outcome, err := env.checker.Check(context.Background(), env.rev, onr("document", "1", "viewer"), onr("user", "alice", tuple.Ellipsis), graph.CheckOptions{})
	require.NoError(t, err)
	require.False(t, outcome.IsMember)
}

func TestCheckUnknownRelationIsFailedPrecondition(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation viewer: user
		}
	`)

	_, err := env.checker.Check(context.Background(), env.rev, onr("document", "1", "nonexistent"), onr("user", "alice", tuple.Ellipsis), graph.CheckOptions{})
	require.Error(t, err)
	require.IsType(t, graph.ErrUnknownRelation{}, err)
}

func TestCheckDanglingTupleToUsersetRelationIsTolerantNoOp(t *testing.T) {
	// the tupleset points at an organization, but the computed relation it
	// names doesn't exist on organization: per the tie-break rule this must
	// resolve as a quiet no-op rather than a hard failure, since it's only
	// reached via a tuple/userset walk rather than the top-level request.
	env := newTestEnv(t, `
		definition user {}
		definition organization {
			relation member: user
		}
		definition document {
			relation org: organization
			permission view = tuple_to_userset(org, nonexistent)
		}
	`,
		"document:1#org@organization:acme#...",
		"organization:acme#member@user:alice",
	)

	outcome, err := env.checker.Check(context.Background(), env.rev, onr("document", "1", "view"), onr("user", "alice", tuple.Ellipsis), graph.CheckOptions{})
	require.NoError(t, err)
	require.False(t, outcome.IsMember)
}

func TestCheckTrace(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation owner: user
			relation viewer: user
			permission view = union(viewer, owner)
		}
	`, "document:1#owner@user:alice")

	outcome, err := env.checker.Check(context.Background(), env.rev, onr("document", "1", "view"), onr("user", "alice", tuple.Ellipsis), graph.CheckOptions{WantTrace: true})
	require.NoError(t, err)
	require.True(t, outcome.IsMember)
	require.NotNil(t, outcome.Resolution)
}

func TestCheckDepthExceeded(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation viewer: user | document#viewer
		}
	`,
		"document:1#viewer@document:2#viewer",
		"document:2#viewer@document:3#viewer",
		"document:3#viewer@user:alice",
	)

	_, err := env.checker.Check(context.Background(), env.rev, onr("document", "1", "viewer"), onr("user", "alice", tuple.Ellipsis), graph.CheckOptions{Depth: 2})
	require.Error(t, err)
}

func TestCheckContextualTuples(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation viewer: user
		}
	`)

	extra := []*v0.RelationTuple{
		{
			ObjectAndRelation: onr("document", "1", "viewer"),
			User:              &v0.User{UserOneof: &v0.User_Userset{Userset: onr("user", "alice", tuple.Ellipsis)}},
		},
	}

	outcome, err := env.checker.Check(context.Background(), env.rev, onr("document", "1", "viewer"), onr("user", "alice", tuple.Ellipsis), graph.CheckOptions{ContextualTuples: extra})
	require.NoError(t, err)
	require.True(t, outcome.IsMember)

	// contextual tuples are request-scoped: a fresh call without them sees
	// nothing.
	outcome, err = env.checker.Check(context.Background(), env.rev, onr("document", "1", "viewer"), onr("user", "alice", tuple.Ellipsis), graph.CheckOptions{})
	require.NoError(t, err)
	require.False(t, outcome.IsMember)
}

func TestBatchCheckDoesNotFailWholeBatchOnOneError(t *testing.T) {
	env := newTestEnv(t, `
		definition user {}
		definition document {
			relation viewer: user
		}
	`, "document:1#viewer@user:alice")

	items := []graph.BatchCheckItem{
		{Object: onr("document", "1", "viewer"), Subject: onr("user", "alice", tuple.Ellipsis)},
		{Object: onr("document", "1", "nonexistent"), Subject: onr("user", "alice", tuple.Ellipsis)},
		{Object: onr("document", "1", "viewer"), Subject: onr("user", "bob", tuple.Ellipsis)},
	}

	results := env.checker.BatchCheck(context.Background(), env.rev, items, graph.CheckOptions{})
	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	require.True(t, results[0].IsMember)
	require.Error(t, results[1].Err)
	require.NoError(t, results[2].Err)
	require.False(t, results[2].IsMember)
}
