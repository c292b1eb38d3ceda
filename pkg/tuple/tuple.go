// Package tuple provides parsing and canonicalization for the object,
// userset and relationship-tuple identifiers described by the engine's
// wire grammar: `type:id`, `type:id#relation` and the wildcard subject
// `type:*`.
package tuple

import (
	"fmt"
	"regexp"
	"strings"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"
	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"
)

// Ellipsis is the relation implied when a subject reference carries no
// explicit relation, i.e. it names a concrete subject rather than a
// userset.
const Ellipsis = "..."

// PublicWildcard is the reserved object ID that, combined with Ellipsis,
// denotes "every subject of this type" in a directly-assignable position.
const PublicWildcard = "*"

var (
	typePattern     = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	relationPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

// ErrInvalidIdentifier is returned by the parse functions below when the
// input string does not conform to the grammar in spec §3.1/§6.2.
type ErrInvalidIdentifier struct {
	Input  string
	Reason string
}

func (e ErrInvalidIdentifier) Error() string {
	return fmt.Sprintf("invalid identifier %q: %s", e.Input, e.Reason)
}

// ParseObjectAndRelation parses a bare object identifier `type:id` into its
// component ObjectAndRelation with an empty relation.
func ParseObjectAndRelation(s string) (*v0.ObjectAndRelation, error) {
	objType, objID, relation, hasRelation, err := splitIdentifier(s)
	if err != nil {
		return nil, err
	}
	if hasRelation {
		return nil, ErrInvalidIdentifier{s, "object identifiers may not carry a relation"}
	}
	return &v0.ObjectAndRelation{
		Namespace: objType,
		ObjectId:  objID,
		Relation:  relation,
	}, nil
}

// ParseUserset parses a userset identifier `type:id#relation` (or a bare
// object identifier, in which case the relation defaults to Ellipsis).
func ParseUserset(s string) (*v0.ObjectAndRelation, error) {
	objType, objID, relation, hasRelation, err := splitIdentifier(s)
	if err != nil {
		return nil, err
	}
	if !hasRelation {
		relation = Ellipsis
	}
	return &v0.ObjectAndRelation{
		Namespace: objType,
		ObjectId:  objID,
		Relation:  relation,
	}, nil
}

// IsWildcard reports whether the given object/relation pair represents the
// wildcard subject `type:*`.
func IsWildcard(onr *v0.ObjectAndRelation) bool {
	return onr != nil && onr.ObjectId == PublicWildcard && onr.Relation == Ellipsis
}

// Wildcard builds the wildcard subject for the given concrete type.
func Wildcard(objType string) *v0.ObjectAndRelation {
	return &v0.ObjectAndRelation{Namespace: objType, ObjectId: PublicWildcard, Relation: Ellipsis}
}

// splitIdentifier implements the grammar from spec §3.1 and the rejection
// rules from §6.2: no `::`, no leading/trailing whitespace, no empty
// segments, and the object type must match [a-z_][a-z0-9_]*.
func splitIdentifier(s string) (objType, objID, relation string, hasRelation bool, err error) {
	if s == "" {
		return "", "", "", false, ErrInvalidIdentifier{s, "empty identifier"}
	}
	if strings.TrimSpace(s) != s {
		return "", "", "", false, ErrInvalidIdentifier{s, "leading or trailing whitespace"}
	}
	if strings.Contains(s, "::") {
		return "", "", "", false, ErrInvalidIdentifier{s, "contains ::"}
	}

	colonIdx := strings.IndexByte(s, ':')
	if colonIdx <= 0 {
		return "", "", "", false, ErrInvalidIdentifier{s, "missing type:id separator"}
	}
	objType = s[:colonIdx]
	if !typePattern.MatchString(objType) {
		return "", "", "", false, ErrInvalidIdentifier{s, "object type must match [a-z_][a-z0-9_]*"}
	}

	rest := s[colonIdx+1:]
	if hashIdx := strings.IndexByte(rest, '#'); hashIdx >= 0 {
		objID = rest[:hashIdx]
		relation = rest[hashIdx+1:]
		hasRelation = true
		if relation == "" {
			return "", "", "", false, ErrInvalidIdentifier{s, "empty relation after #"}
		}
		if !relationPattern.MatchString(relation) {
			return "", "", "", false, ErrInvalidIdentifier{s, "relation must match [a-z_][a-z0-9_]*"}
		}
	} else {
		objID = rest
	}

	if objID == "" {
		return "", "", "", false, ErrInvalidIdentifier{s, "empty object id"}
	}
	if strings.ContainsAny(objID, ":# \t\n\r") {
		return "", "", "", false, ErrInvalidIdentifier{s, "object id contains a reserved character"}
	}

	return objType, objID, relation, hasRelation, nil
}

// StringONR renders an ObjectAndRelation back to its canonical
// `type:id#relation` form.
func StringONR(onr *v0.ObjectAndRelation) string {
	if onr == nil {
		return ""
	}
	return fmt.Sprintf("%s:%s#%s", onr.Namespace, onr.ObjectId, onr.Relation)
}

// StringObject renders just the `type:id` portion of an ObjectAndRelation.
func StringObject(onr *v0.ObjectAndRelation) string {
	if onr == nil {
		return ""
	}
	return fmt.Sprintf("%s:%s", onr.Namespace, onr.ObjectId)
}

// ToSubjectReference adapts a parsed ObjectAndRelation into the v1 wire
// shape used by the Relationship Write/Read RPCs.
func ToSubjectReference(onr *v0.ObjectAndRelation) *v1.SubjectReference {
	ref := &v1.SubjectReference{
		Object: &v1.ObjectReference{ObjectType: onr.Namespace, ObjectId: onr.ObjectId},
	}
	if onr.Relation != Ellipsis {
		ref.OptionalRelation = onr.Relation
	}
	return ref
}

// FromSubjectReference adapts a v1 wire subject back into the internal
// ObjectAndRelation shape the check engine operates over.
func FromSubjectReference(ref *v1.SubjectReference) *v0.ObjectAndRelation {
	relation := ref.OptionalRelation
	if relation == "" {
		relation = Ellipsis
	}
	return &v0.ObjectAndRelation{
		Namespace: ref.Object.ObjectType,
		ObjectId:  ref.Object.ObjectId,
		Relation:  relation,
	}
}

// Equal reports whether two ObjectAndRelation values name the same
// object/relation pair. Field order favors the highest-cardinality field
// first so short-circuiting rejects mismatches quickly.
func Equal(lhs, rhs *v0.ObjectAndRelation) bool {
	if lhs == nil || rhs == nil {
		return lhs == rhs
	}
	return lhs.ObjectId == rhs.ObjectId && lhs.Relation == rhs.Relation && lhs.Namespace == rhs.Namespace
}

// ParseRelationTuple parses the `object#relation@user` wire format used by
// fixtures and the Write RPC's write/delete lists into an internal
// RelationTuple value.
func ParseRelationTuple(s string) (*v0.RelationTuple, error) {
	atIdx := strings.IndexByte(s, '@')
	if atIdx < 0 {
		return nil, ErrInvalidIdentifier{s, "missing @ separator between object#relation and user"}
	}
	objectPart, userPart := s[:atIdx], s[atIdx+1:]

	hashIdx := strings.IndexByte(objectPart, '#')
	if hashIdx < 0 {
		return nil, ErrInvalidIdentifier{s, "missing # separator between object and relation"}
	}
	object, err := ParseObjectAndRelation(objectPart[:hashIdx])
	if err != nil {
		return nil, err
	}
	relation := objectPart[hashIdx+1:]
	if !relationPattern.MatchString(relation) {
		return nil, ErrInvalidIdentifier{s, "relation must match [a-z_][a-z0-9_]*"}
	}
	object.Relation = relation

	user, err := ParseUserset(userPart)
	if err != nil {
		return nil, err
	}

	return &v0.RelationTuple{
		ObjectAndRelation: object,
		User: &v0.User{
			UserOneof: &v0.User_Userset{Userset: user},
		},
	}, nil
}

// StringRelationTuple renders a RelationTuple back to its canonical
// `object#relation@user` form.
func StringRelationTuple(t *v0.RelationTuple) string {
	return fmt.Sprintf("%s:%s#%s@%s", t.ObjectAndRelation.Namespace, t.ObjectAndRelation.ObjectId,
		t.ObjectAndRelation.Relation, StringONR(t.User.GetUserset()))
}
