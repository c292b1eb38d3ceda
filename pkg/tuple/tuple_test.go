package tuple_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authzed/rebacd/pkg/tuple"
)

func TestParseObjectAndRelation(t *testing.T) {
	onr, err := tuple.ParseObjectAndRelation("document:1")
	require.NoError(t, err)
	assert.Equal(t, "document", onr.Namespace)
	assert.Equal(t, "1", onr.ObjectId)
	assert.Equal(t, "", onr.Relation)

	_, err = tuple.ParseObjectAndRelation("document:1#viewer")
	require.Error(t, err)
}

func TestParseUserset(t *testing.T) {
	cases := []struct {
		in           string
		wantRelation string
	}{
		{"user:alice", tuple.Ellipsis},
		{"group:eng#member", "member"},
		{"user:*", tuple.Ellipsis},
	}
	for _, c := range cases {
		onr, err := tuple.ParseUserset(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.wantRelation, onr.Relation)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	badInputs := []string{
		"",
		"document::1",
		" document:1",
		"document:1 ",
		"Document:1",
		"document:",
		"document:1#",
		"document:1#vi ewer",
		"document:1:2",
	}
	for _, in := range badInputs {
		_, err := tuple.ParseUserset(in)
		assert.Error(t, err, in)
	}
}

func TestWildcard(t *testing.T) {
	w := tuple.Wildcard("user")
	assert.True(t, tuple.IsWildcard(w))

	concrete, err := tuple.ParseUserset("user:alice")
	require.NoError(t, err)
	assert.False(t, tuple.IsWildcard(concrete))
}

func TestParseRelationTupleRoundTrip(t *testing.T) {
	rt, err := tuple.ParseRelationTuple("document:1#viewer@user:alice")
	require.NoError(t, err)
	assert.Equal(t, "document", rt.ObjectAndRelation.Namespace)
	assert.Equal(t, "1", rt.ObjectAndRelation.ObjectId)
	assert.Equal(t, "viewer", rt.ObjectAndRelation.Relation)
	assert.Equal(t, "user:alice#...", tuple.StringONR(rt.User.GetUserset()))
	assert.Equal(t, "document:1#viewer@user:alice#...", tuple.StringRelationTuple(rt))
}

func TestParseRelationTupleWithUserset(t *testing.T) {
	rt, err := tuple.ParseRelationTuple("document:1#viewer@group:eng#member")
	require.NoError(t, err)
	assert.Equal(t, "eng", rt.User.GetUserset().ObjectId)
	assert.Equal(t, "member", rt.User.GetUserset().Relation)
}
