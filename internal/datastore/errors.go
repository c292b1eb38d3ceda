package datastore

import (
	"fmt"

	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RevisionStaleness explains why CheckRevision rejected a revision.
type RevisionStaleness int

const (
	// CouldNotDetermineRevision means the datastore has no committed
	// revision at all yet.
	CouldNotDetermineRevision RevisionStaleness = iota
	// RevisionInFuture means the requested revision is newer than anything
	// committed.
	RevisionInFuture
	// RevisionStale means the requested revision has fallen out of the
	// datastore's retention window.
	RevisionStale
)

// ErrPreconditionFailed is returned by WriteRelationships when a
// precondition tuple was expected to exist (or not exist) and did not.
type ErrPreconditionFailed struct {
	Precondition *v1.Precondition
}

func NewPreconditionFailedErr(p *v1.Precondition) error {
	return ErrPreconditionFailed{Precondition: p}
}

func (e ErrPreconditionFailed) Error() string {
	return fmt.Sprintf("precondition failed: %v", e.Precondition)
}

func (e ErrPreconditionFailed) GRPCStatus() *status.Status {
	return status.New(codes.FailedPrecondition, e.Error())
}

// ErrInvalidRevision is returned by CheckRevision when the caller-supplied
// consistency token cannot be honored.
type ErrInvalidRevision struct {
	Revision Revision
	Reason   RevisionStaleness
}

func NewInvalidRevisionErr(revision Revision, reason RevisionStaleness) error {
	return ErrInvalidRevision{Revision: revision, Reason: reason}
}

func (e ErrInvalidRevision) Error() string {
	switch e.Reason {
	case RevisionInFuture:
		return fmt.Sprintf("revision %s is in the future", e.Revision)
	case RevisionStale:
		return fmt.Sprintf("revision %s is no longer available", e.Revision)
	default:
		return "could not determine a usable revision"
	}
}

func (e ErrInvalidRevision) GRPCStatus() *status.Status {
	return status.New(codes.InvalidArgument, e.Error())
}

// ErrNamespaceNotFound is returned by ReadNamespace/DeleteNamespaces for an
// unknown object type.
type ErrNamespaceNotFound struct {
	Namespace string
}

func NewNamespaceNotFoundErr(namespace string) error {
	return ErrNamespaceNotFound{Namespace: namespace}
}

func (e ErrNamespaceNotFound) Error() string {
	return fmt.Sprintf("object type %q not found", e.Namespace)
}

func (e ErrNamespaceNotFound) GRPCStatus() *status.Status {
	return status.New(codes.NotFound, e.Error())
}

// ErrTooManyMutations is returned by WriteRelationships when a batch
// exceeds the configured limit (spec §4.1 recommends 100).
type ErrTooManyMutations struct {
	Limit, Requested int
}

func NewTooManyMutationsErr(limit, requested int) error {
	return ErrTooManyMutations{Limit: limit, Requested: requested}
}

func (e ErrTooManyMutations) Error() string {
	return fmt.Sprintf("batch of %d mutations exceeds the limit of %d", e.Requested, e.Limit)
}

func (e ErrTooManyMutations) GRPCStatus() *status.Status {
	return status.New(codes.ResourceExhausted, e.Error())
}

// ErrSerializationFailure wraps a transient, retryable storage conflict
// (spec §4.1: "Conflict on serialization failure").
type ErrSerializationFailure struct {
	Underlying error
}

func NewSerializationFailureErr(underlying error) error {
	return ErrSerializationFailure{Underlying: underlying}
}

func (e ErrSerializationFailure) Error() string {
	return fmt.Sprintf("serialization failure, retry the write: %v", e.Underlying)
}

func (e ErrSerializationFailure) Unwrap() error { return e.Underlying }

func (e ErrSerializationFailure) GRPCStatus() *status.Status {
	return status.New(codes.Aborted, e.Error())
}

// ErrUnavailable wraps a transient storage failure that the caller may
// retry (spec §7: Unavailable).
type ErrUnavailable struct {
	Underlying error
}

func NewUnavailableErr(underlying error) error {
	return ErrUnavailable{Underlying: underlying}
}

func (e ErrUnavailable) Error() string {
	return fmt.Sprintf("datastore unavailable: %v", e.Underlying)
}

func (e ErrUnavailable) Unwrap() error { return e.Underlying }

func (e ErrUnavailable) GRPCStatus() *status.Status {
	return status.New(codes.Unavailable, e.Error())
}
