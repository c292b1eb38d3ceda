// Package modelrepo implements the Model Repository: parsing DSL source
// into a compiled schema, storing immutable versions, and designating
// exactly one version active at a time (spec §3.3, §4.2).
package modelrepo

import (
	"fmt"
	"time"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/authzed/rebacd/internal/namespace"
)

// DiagnosticType enumerates the five typed-diagnostic kinds named in
// spec §4.2.3.
type DiagnosticType string

const (
	DiagnosticSyntaxError        DiagnosticType = "SyntaxError"
	DiagnosticUnknownType        DiagnosticType = "UnknownType"
	DiagnosticUnknownRelation    DiagnosticType = "UnknownRelation"
	DiagnosticSelfCycle          DiagnosticType = "SelfCycle"
	DiagnosticDisallowedUserType DiagnosticType = "DisallowedUserType"
)

// Diagnostic is a single compile or validation failure (or warning)
// surfaced from WriteModel, carrying enough detail for a caller to locate
// the offending definition.
type Diagnostic struct {
	Type    DiagnosticType
	Message string
	Line    int
}

// diagnosticFromErr classifies an error returned by namespace.Compile or
// namespace.ValidateDefinitions into its spec-mandated diagnostic type.
func diagnosticFromErr(err error) Diagnostic {
	switch e := err.(type) {
	case namespace.ErrCompile:
		return Diagnostic{Type: DiagnosticSyntaxError, Message: e.Error(), Line: e.Line}
	case namespace.ErrUnknownType:
		return Diagnostic{Type: DiagnosticUnknownType, Message: e.Error()}
	case namespace.ErrUnknownRelation:
		return Diagnostic{Type: DiagnosticUnknownRelation, Message: e.Error()}
	case namespace.ErrSelfCycle:
		return Diagnostic{Type: DiagnosticSelfCycle, Message: e.Error()}
	case namespace.ErrDisallowedUserType:
		return Diagnostic{Type: DiagnosticDisallowedUserType, Message: e.Error()}
	case namespace.ErrDuplicateRelation:
		return Diagnostic{Type: DiagnosticUnknownRelation, Message: e.Error()}
	default:
		return Diagnostic{Type: DiagnosticSyntaxError, Message: err.Error()}
	}
}

// Model is an immutable document as defined by spec §3.3: a DSL source
// snapshot plus its compiled form, identified by an internal modelID and an
// externally meaningful, monotonically increasing versionID.
type Model struct {
	ModelID      string
	VersionID    string
	DSLSource    string
	Compiled     []*v0.NamespaceDefinition
	Reachability map[string]namespace.ReachabilityGraph
	IsActive     bool
	CreatedAt    time.Time
}

// ErrModelNotFound is returned by ReadModel/ActivateModel when the
// requested modelID or versionID does not exist.
type ErrModelNotFound struct {
	ID string
}

func (e ErrModelNotFound) Error() string {
	return fmt.Sprintf("model %q not found", e.ID)
}

func (e ErrModelNotFound) GRPCStatus() *status.Status {
	return status.New(codes.NotFound, e.Error())
}

// ErrNoActiveModel is returned by ReadModel("") when no model has ever
// been activated.
type ErrNoActiveModel struct{}

func (e ErrNoActiveModel) Error() string { return "no active model" }

func (e ErrNoActiveModel) GRPCStatus() *status.Status {
	return status.New(codes.FailedPrecondition, e.Error())
}

// buildReachability computes the reachability graph (§4.2's "[EXPANSION]
// Reachability map") for every object type in a compiled model, indexed by
// definition name.
func buildReachability(defs []*v0.NamespaceDefinition) map[string]namespace.ReachabilityGraph {
	out := make(map[string]namespace.ReachabilityGraph, len(defs))
	for _, def := range defs {
		out[def.Name] = namespace.BuildReachability(def)
	}
	return out
}
