package namespace_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/authzed/rebacd/internal/namespace"
)

func TestCompileSimpleDefinition(t *testing.T) {
	defs, err := namespace.Compile("definition user {}")
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Equal(t, "user", defs[0].Name)
	require.Empty(t, defs[0].Relation)
}

func TestCompileRelationWithMultipleSubjectTypes(t *testing.T) {
	defs, err := namespace.Compile(`
		definition user {}
		definition document {
			relation viewer: user | group#member
		}
	`)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	doc := defs[1]
	require.Equal(t, "document", doc.Name)
	require.Len(t, doc.Relation, 1)

	rel := doc.Relation[0]
	require.Equal(t, "viewer", rel.Name)
	require.Len(t, rel.TypeInformation.AllowedDirectRelations, 2)
	require.Equal(t, "user", rel.TypeInformation.AllowedDirectRelations[0].Namespace)
	require.Equal(t, "group", rel.TypeInformation.AllowedDirectRelations[1].Namespace)
}

func TestCompileWildcardSubject(t *testing.T) {
	defs, err := namespace.Compile(`
		definition user {}
		definition document {
			relation viewer: user:*
		}
	`)
	require.NoError(t, err)
	ar := defs[1].Relation[0].TypeInformation.AllowedDirectRelations[0]
	require.NotNil(t, ar.GetPublicWildcard())
}

func TestCompileThisRelation(t *testing.T) {
	defs, err := namespace.Compile(`
		definition user {}
		definition document {
			relation viewer: user
			permission view = this
		}
	`)
	require.NoError(t, err)
	perm := defs[1].Relation[1]
	require.Equal(t, "view", perm.Name)
	union := perm.UsersetRewrite.GetUnion()
	require.NotNil(t, union)
	require.Len(t, union.Child, 1)
	require.NotNil(t, union.Child[0].GetXThis())
}

func TestCompilePermissionUnion(t *testing.T) {
	defs, err := namespace.Compile(`
		definition user {}
		definition document {
			relation viewer: user
			relation editor: user
			permission view = union(computed_userset(viewer), computed_userset(editor))
		}
	`)
	require.NoError(t, err)
	perm := defs[1].Relation[2]
	require.Equal(t, "view", perm.Name)
	require.NotNil(t, perm.UsersetRewrite.GetUnion())
	require.Len(t, perm.UsersetRewrite.GetUnion().Child, 2)
	require.Equal(t, "viewer", perm.UsersetRewrite.GetUnion().Child[0].GetComputedUserset().Relation)
	require.Equal(t, "editor", perm.UsersetRewrite.GetUnion().Child[1].GetComputedUserset().Relation)
}

func TestCompilePermissionExclusion(t *testing.T) {
	defs, err := namespace.Compile(`
		definition user {}
		definition document {
			relation editor: user
			relation banned: user
			permission edit = difference(computed_userset(editor), computed_userset(banned))
		}
	`)
	require.NoError(t, err)
	perm := defs[1].Relation[2]
	excl := perm.UsersetRewrite.GetExclusion()
	require.NotNil(t, excl)
	require.Len(t, excl.Child, 2)
	require.Equal(t, "editor", excl.Child[0].GetComputedUserset().Relation)
	require.Equal(t, "banned", excl.Child[1].GetComputedUserset().Relation)
}

func TestCompileTupleToUserset(t *testing.T) {
	defs, err := namespace.Compile(`
		definition user {}
		definition folder {
			relation viewer: user
			permission view = computed_userset(viewer)
		}
		definition document {
			relation parent: folder
			permission view = tuple_to_userset(parent, view)
		}
	`)
	require.NoError(t, err)
	perm := defs[2].Relation[1]
	union := perm.UsersetRewrite.GetUnion()
	require.NotNil(t, union)
	ttu := union.Child[0].GetTupleToUserset()
	require.NotNil(t, ttu)
	require.Equal(t, "parent", ttu.Tupleset.Relation)
	require.Equal(t, "view", ttu.ComputedUserset.Relation)
}

func TestCompileNestedIntersection(t *testing.T) {
	defs, err := namespace.Compile(`
		definition user {}
		definition document {
			relation viewer: user
			relation editor: user
			relation banned: user
			permission view = union(computed_userset(viewer), difference(computed_userset(editor), computed_userset(banned)))
		}
	`)
	require.NoError(t, err)
	perm := defs[1].Relation[3]
	union := perm.UsersetRewrite.GetUnion()
	require.NotNil(t, union)
	require.Len(t, union.Child, 2)
	require.NotNil(t, union.Child[1].GetUsersetRewrite().GetExclusion())
}

func TestCompileIntersectionWithThreeChildren(t *testing.T) {
	defs, err := namespace.Compile(`
		definition user {}
		definition document {
			relation a: user
			relation b: user
			relation c: user
			permission all = intersection(computed_userset(a), computed_userset(b), computed_userset(c))
		}
	`)
	require.NoError(t, err)
	perm := defs[1].Relation[3]
	require.Len(t, perm.UsersetRewrite.GetIntersection().Child, 3)
}

func TestCompileRejectsSyntaxError(t *testing.T) {
	_, err := namespace.Compile("definition document { relation viewer user }")
	require.Error(t, err)
	require.Contains(t, err.Error(), "schema error")
}

func TestCompileRejectsUnknownKeyword(t *testing.T) {
	_, err := namespace.Compile("definition document { banana viewer: user }")
	require.Error(t, err)
}

func TestCompileRejectsUnknownUsersetExpression(t *testing.T) {
	_, err := namespace.Compile(`
		definition user {}
		definition document {
			relation viewer: user
			permission view = banana(viewer)
		}
	`)
	require.Error(t, err)
}
