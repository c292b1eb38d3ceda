package datastore

import (
	"context"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"
	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"
	"github.com/shopspring/decimal"
)

// DataSource is the base interface that every storage engine must
// implement.
type DataSource interface {
	// IsReady returns whether the datastore is ready to accept data. Datastores
	// that require schema migrations return false until they have been applied.
	IsReady(ctx context.Context) (bool, error)

	// Close closes the data store.
	Close() error
}

// Datastore is the full contract used by the Check Engine, Model
// Repository and Service Surface. A storage engine (memdb, postgres, ...)
// satisfies this interface once and every other component is written
// against it, never against a concrete engine type.
type Datastore interface {
	DataSource

	// QuantizedRevision returns a revision that will likely already be
	// replicated and shared amongst many callers, suitable for reads that
	// do not require read-your-writes.
	QuantizedRevision(ctx context.Context) (Revision, error)

	// HeadRevision returns a revision that is guaranteed to be at least as
	// fresh as right now.
	HeadRevision(ctx context.Context) (Revision, error)

	// CheckRevision validates that the given revision is usable (neither
	// garbage collected nor from the future).
	CheckRevision(ctx context.Context, revision Revision) error

	// SnapshotReader returns a read-only view of the datastore pinned to
	// the given revision.
	SnapshotReader(revision Revision) Reader

	// ReadWriteTx runs fn inside a single transaction and returns the
	// commit revision. The transaction is rolled back if fn returns an
	// error, and retried by the caller (not internally) on
	// ErrSerializationFailure.
	ReadWriteTx(ctx context.Context, fn func(ctx context.Context, rwt ReadWriteTransaction) error) (Revision, error)

	// Watch streams relationship changes committed after afterRevision.
	Watch(ctx context.Context, afterRevision Revision) (<-chan *RevisionChanges, <-chan error)

	// Statistics reports best-effort counts used by the telemetry collector.
	Statistics(ctx context.Context) (Stats, error)
}

// Reader is a read-only view of the datastore pinned to a single revision.
type Reader interface {
	// QueryRelationships creates a builder for reading relationships filtered
	// by the resource side.
	QueryRelationships(resourceFilter RelationshipQueryObjectFilter) RelationshipQuery

	// ReverseQueryRelationships creates a builder for reading relationships
	// filtered by the subject side.
	ReverseQueryRelationships(resourceFilter RelationshipQueryObjectFilter) ReverseRelationshipQuery

	// ReadNamespace reads a namespace definition and the revision at which
	// it was written.
	ReadNamespace(ctx context.Context, nsName string) (*v0.NamespaceDefinition, Revision, error)

	// ListNamespaces lists every namespace defined as of this snapshot.
	ListNamespaces(ctx context.Context) ([]*v0.NamespaceDefinition, error)
}

// ReadWriteTransaction is used for performing multiple mutating operations
// with a single connection and the ability to roll back.
type ReadWriteTransaction interface {
	Reader

	// WriteRelationships takes a list of tuple mutations and applies them.
	WriteRelationships(ctx context.Context, mutations []*v1.RelationshipUpdate) error

	// DeleteRelationships deletes all relationships matching the filter.
	DeleteRelationships(ctx context.Context, filter *v1.RelationshipFilter) error

	// WriteNamespaces persists one or more namespace definitions, replacing
	// any existing definition of the same name.
	WriteNamespaces(ctx context.Context, newConfigs ...*v0.NamespaceDefinition) error

	// DeleteNamespaces deletes the named namespaces and every relationship
	// that references them.
	DeleteNamespaces(ctx context.Context, nsNames ...string) error

	// CheckPreconditions verifies that the existing preconditions are met at
	// the transaction's revision.
	CheckPreconditions(ctx context.Context, preconditions []*v1.Precondition) error
}

// RelationshipQueryObjectFilter are the baseline fields used to filter
// results when querying a datastore for relationships.
//
// OptionalFields are ignored when their value is the empty string.
type RelationshipQueryObjectFilter struct {
	ResourceType             string
	OptionalResourceID       string
	OptionalResourceRelation string
}

// CommonRelationshipQuery is the common interface shared between
// RelationshipQuery and ReverseRelationshipQuery.
type CommonRelationshipQuery interface {
	// Execute runs the tuple query and returns a result iterator.
	Execute(ctx context.Context) (RelationshipIterator, error)

	// Limit sets a limit on the query.
	Limit(limit uint64) CommonRelationshipQuery
}

// RelationshipQuery is a builder for constructing tuple queries.
type RelationshipQuery interface {
	CommonRelationshipQuery

	// WithSubjectFilter adds a subject filter to the query.
	WithSubjectFilter(*v1.SubjectFilter) RelationshipQuery

	// WithUsersets adds multiple userset filters to the query.
	WithUsersets(usersets []*v1.SubjectReference) RelationshipQuery
}

// ReverseRelationshipQuery is a builder for constructing reverse tuple
// queries, i.e. ones filtered by the subject side.
type ReverseRelationshipQuery interface {
	CommonRelationshipQuery

	// WithSubject restricts the query to a single concrete subject or userset.
	WithSubject(subjectType, subjectID, subjectRelation string) ReverseRelationshipQuery

	// WithObjectRelation filters to relationships with the given object
	// relation on the left hand side.
	WithObjectRelation(namespace string, relation string) ReverseRelationshipQuery
}

// RelationshipIterator is an iterator over matched relationships.
type RelationshipIterator interface {
	// Next returns the next relationship in the result set, or nil when
	// exhausted.
	Next() *v0.RelationTuple

	// After receiving a nil response, the caller must check for an error.
	Err() error

	// Close cancels the query and closes any open connections.
	Close()
}

// Revision is a type alias to make changing the revision type a little bit
// easier if we need to do it in the future. Implementations should code
// directly against decimal.Decimal when creating or parsing.
type Revision = decimal.Decimal

// NoRevision is a zero type for the revision that will make changing the
// revision type in the future a bit easier if necessary. Implementations
// should use any time they want to signal an empty/error revision.
var NoRevision Revision

// Ellipsis is a special relation that is assumed to be valid on the right
// hand side of a relationship when the SubjectReference.OptionalRelation is
// left blank.
const Ellipsis = "..."

// RevisionChanges represents the changes in a single transaction.
type RevisionChanges struct {
	Revision Revision
	Changes  []*v1.RelationshipUpdate
}

// ObjectTypeStat is the per-type row of Stats.ObjectTypeStatistics.
type ObjectTypeStat struct {
	NumRelations   int
	NumPermissions int
}

// Stats is a best-effort snapshot of datastore contents, consumed by the
// telemetry collector.
type Stats struct {
	UniqueID                   string
	ObjectTypeStatistics       []ObjectTypeStat
	EstimatedRelationshipCount uint64
}
