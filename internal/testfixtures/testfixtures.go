// Package testfixtures provides a small, shared document/folder/org schema
// and tuple set for tests across internal/graph, internal/namespace and
// internal/modelrepo, grounded on the worked examples of spec §8
// ("direct membership", "group indirection", "public wildcard").
package testfixtures

import (
	"context"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"
	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"

	"github.com/authzed/rebacd/internal/datastore"
	"github.com/authzed/rebacd/internal/namespace"
	"github.com/authzed/rebacd/pkg/tuple"
)

// StandardSchema is a small document-sharing model: users belong to
// organizations, organizations own folders, folders own documents, and
// document viewing is the union of direct viewers, inherited folder
// viewers, and a public-wildcard viewer relation.
const StandardSchema = `
definition user {}

definition organization {
	relation member: user
	relation admin: user
}

definition folder {
	relation org: organization
	relation viewer: user | user:* | organization#member
	relation parent: folder
	permission view = union(viewer, tuple_to_userset(parent, view))
}

definition document {
	relation parent: folder
	relation viewer: user | user:*
	relation writer: user
	permission view = union(viewer, tuple_to_userset(parent, view))
	permission edit = difference(writer, viewer)
}
`

// StandardTuples seeds a representative set of relationships over
// StandardSchema: alice is a direct document viewer, and carol is an
// organization member whose folder-level viewing rights on folder:reports
// carry through to document:q1.
var StandardTuples = []string{
	"organization:acme#member@user:carol",
	"organization:acme#admin@user:alice",
	"folder:reports#org@organization:acme#...",
	"folder:reports#viewer@organization:acme#member",
	"document:q1#parent@folder:reports#...",
	"document:q1#viewer@user:alice",
	"document:q1#writer@user:alice",
}

// Load compiles StandardSchema and writes it plus tuples (StandardTuples if
// nil) into ds in a single transaction, returning the commit revision.
func Load(ctx context.Context, ds datastore.Datastore, tuples []string) (datastore.Revision, error) {
	if tuples == nil {
		tuples = StandardTuples
	}

	defs, err := namespace.Compile(StandardSchema)
	if err != nil {
		return datastore.NoRevision, err
	}

	updates := make([]*v1.RelationshipUpdate, 0, len(tuples))
	for _, raw := range tuples {
		rt, err := tuple.ParseRelationTuple(raw)
		if err != nil {
			return datastore.NoRevision, err
		}
		updates = append(updates, &v1.RelationshipUpdate{
			Operation: v1.RelationshipUpdate_OPERATION_TOUCH,
			Relationship: &v1.Relationship{
				Resource: &v1.ObjectReference{
					ObjectType: rt.ObjectAndRelation.Namespace,
					ObjectId:   rt.ObjectAndRelation.ObjectId,
				},
				Relation: rt.ObjectAndRelation.Relation,
				Subject:  tuple.ToSubjectReference(rt.User.GetUserset()),
			},
		})
	}

	return ds.ReadWriteTx(ctx, func(ctx context.Context, rwt datastore.ReadWriteTransaction) error {
		if err := rwt.WriteNamespaces(ctx, defs...); err != nil {
			return err
		}
		return rwt.WriteRelationships(ctx, updates)
	})
}

// ONR is a small convenience constructor for an *v0.ObjectAndRelation
// literal, used throughout tests that exercise StandardSchema.
func ONR(objType, id, relation string) *v0.ObjectAndRelation {
	return &v0.ObjectAndRelation{Namespace: objType, ObjectId: id, Relation: relation}
}
