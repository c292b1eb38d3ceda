package namespace

import (
	"context"
	"fmt"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"

	"github.com/authzed/rebacd/internal/datastore"
)

// ErrUnknownType is returned when a relation's allowed subject type does
// not reference a definition present in the namespace set being validated.
type ErrUnknownType struct {
	Definition, Relation, SubjectType string
}

func (e ErrUnknownType) Error() string {
	return fmt.Sprintf("%s#%s references unknown type %q", e.Definition, e.Relation, e.SubjectType)
}

// ErrUnknownRelation is returned when a permission expression, a userset
// subject reference, or a tuple-to-userset computed relation refers to a
// relation that does not exist on its target definition.
type ErrUnknownRelation struct {
	Definition, Relation, Reference string
}

func (e ErrUnknownRelation) Error() string {
	return fmt.Sprintf("%s#%s references unknown relation %q", e.Definition, e.Relation, e.Reference)
}

// ErrSelfCycle is returned when a permission's rewrite graph reaches itself
// without passing through a tuple (i.e. an unconditional, non-terminating
// definition).
type ErrSelfCycle struct {
	Definition, Relation string
}

func (e ErrSelfCycle) Error() string {
	return fmt.Sprintf("%s#%s is defined in terms of itself with no tuple traversal", e.Definition, e.Relation)
}

// ErrDisallowedUserType is returned by ValidateDefinitions when a
// relation's rewrite reaches `this` but declares no directly-assignable
// types at all. Relationship writes do not return it.
type ErrDisallowedUserType struct {
	Definition, Relation, SubjectType string
}

func (e ErrDisallowedUserType) Error() string {
	return fmt.Sprintf("%s#%s does not allow subject type %q", e.Definition, e.Relation, e.SubjectType)
}

// ErrDuplicateRelation is returned when a definition declares the same
// relation or permission name more than once.
type ErrDuplicateRelation struct {
	Definition, Relation string
}

func (e ErrDuplicateRelation) Error() string {
	return fmt.Sprintf("%s declares %q more than once", e.Definition, e.Relation)
}

// ValidateDefinitions checks a set of namespace definitions being written
// together for referential integrity and structural soundness, following
// the existing definitions visible through reader for any types not in the
// batch itself.
func ValidateDefinitions(ctx context.Context, reader datastore.Reader, defs []*v0.NamespaceDefinition) error {
	byName := make(map[string]*v0.NamespaceDefinition, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}

	lookup := func(name string) (*v0.NamespaceDefinition, error) {
		if d, ok := byName[name]; ok {
			return d, nil
		}
		d, _, err := reader.ReadNamespace(ctx, name)
		return d, err
	}

	for _, def := range defs {
		seen := make(map[string]bool, len(def.Relation))
		for _, rel := range def.Relation {
			if seen[rel.Name] {
				return ErrDuplicateRelation{Definition: def.Name, Relation: rel.Name}
			}
			seen[rel.Name] = true

			if rel.UsersetRewrite != nil && reachesThis(rel.UsersetRewrite) {
				if rel.TypeInformation == nil || len(rel.TypeInformation.AllowedDirectRelations) == 0 {
					return ErrDisallowedUserType{Definition: def.Name, Relation: rel.Name, SubjectType: "(none declared)"}
				}
			}

			if ti := rel.TypeInformation; ti != nil {
				for _, ar := range ti.AllowedDirectRelations {
					target, err := lookup(ar.Namespace)
					if err != nil {
						return ErrUnknownType{Definition: def.Name, Relation: rel.Name, SubjectType: ar.Namespace}
					}
					if sr, ok := ar.RelationOrWildcard.(*v0.AllowedRelation_Relation); ok && sr.Relation != datastore.Ellipsis {
						if !hasRelation(target, sr.Relation) {
							return ErrUnknownRelation{Definition: def.Name, Relation: rel.Name, Reference: ar.Namespace + "#" + sr.Relation}
						}
					}
				}
			}

			if rel.UsersetRewrite != nil {
				if err := validateRewrite(def, rel, rel.UsersetRewrite, lookup, map[string]bool{rel.Name: true}); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func hasRelation(def *v0.NamespaceDefinition, name string) bool {
	for _, r := range def.Relation {
		if r.Name == name {
			return true
		}
	}
	return false
}

func validateRewrite(def *v0.NamespaceDefinition, rel *v0.Relation, rw *v0.UsersetRewrite, lookup func(string) (*v0.NamespaceDefinition, error), onPath map[string]bool) error {
	var so *v0.SetOperation
	switch op := rw.RewriteOperation.(type) {
	case *v0.UsersetRewrite_Union:
		so = op.Union
	case *v0.UsersetRewrite_Intersection:
		so = op.Intersection
	case *v0.UsersetRewrite_Exclusion:
		so = op.Exclusion
	}
	if so == nil {
		return nil
	}

	for _, child := range so.Child {
		switch ct := child.ChildType.(type) {
		case *v0.SetOperation_Child_ComputedUserset:
			target := ct.ComputedUserset.Relation
			if !hasRelation(def, target) {
				return ErrUnknownRelation{Definition: def.Name, Relation: rel.Name, Reference: target}
			}
			if target == rel.Name {
				return ErrSelfCycle{Definition: def.Name, Relation: rel.Name}
			}
			if onPath[target] {
				return ErrSelfCycle{Definition: def.Name, Relation: rel.Name}
			}
			if referenced := findRelation(def, target); referenced != nil && referenced.UsersetRewrite != nil {
				next := copyPath(onPath)
				next[target] = true
				if err := validateRewrite(def, rel, referenced.UsersetRewrite, lookup, next); err != nil {
					return err
				}
			}
		case *v0.SetOperation_Child_TupleToUserset:
			ttu := ct.TupleToUserset
			if !hasRelation(def, ttu.Tupleset.Relation) {
				return ErrUnknownRelation{Definition: def.Name, Relation: rel.Name, Reference: ttu.Tupleset.Relation}
			}
			// The computed relation lives on whatever type the tupleset
			// relation allows, which validateRewrite cannot resolve
			// without a concrete tuple; existence is checked at eval time.
		case *v0.SetOperation_Child_UsersetRewrite:
			if err := validateRewrite(def, rel, ct.UsersetRewrite, lookup, onPath); err != nil {
				return err
			}
		}
	}
	return nil
}

func findRelation(def *v0.NamespaceDefinition, name string) *v0.Relation {
	for _, r := range def.Relation {
		if r.Name == name {
			return r
		}
	}
	return nil
}

func copyPath(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// AllowsSubjectType reports whether relation on def permits direct tuples
// whose subject is of subjectType (optionally restricted to subjectRelation,
// empty meaning a concrete subject rather than a userset).
func AllowsSubjectType(def *v0.NamespaceDefinition, relation, subjectType, subjectRelation string) bool {
	rel := findRelation(def, relation)
	if rel == nil || rel.TypeInformation == nil {
		return false
	}
	for _, ar := range rel.TypeInformation.AllowedDirectRelations {
		if ar.Namespace != subjectType {
			continue
		}
		switch rw := ar.RelationOrWildcard.(type) {
		case *v0.AllowedRelation_PublicWildcard_:
			return subjectRelation == ""
		case *v0.AllowedRelation_Relation:
			want := subjectRelation
			if want == "" {
				want = datastore.Ellipsis
			}
			if rw.Relation == want {
				return true
			}
		}
	}
	return false
}

// ReachabilityGraph maps each permission/relation to every relation (on the
// same definition) that contributes to it through a computed_userset edge,
// used by ListObjects to restrict candidate objects without a full
// recursive check per candidate.
type ReachabilityGraph map[string][]string

// BuildReachability computes, for every relation of def, the set of other
// relation names on the same definition whose membership can make this one
// true via a direct computed_userset reference (ignoring tuple-to-userset
// edges, which cross object boundaries and are walked separately).
func BuildReachability(def *v0.NamespaceDefinition) ReachabilityGraph {
	graph := make(ReachabilityGraph)
	for _, rel := range def.Relation {
		if rel.UsersetRewrite == nil {
			continue
		}
		var edges []string
		collectComputedUsersetEdges(rel.UsersetRewrite, &edges)
		graph[rel.Name] = edges
	}
	return graph
}

// reachesThis reports whether rw contains a `this` node anywhere in its
// tree, i.e. whether the relation it belongs to can be satisfied by a
// direct tuple rather than purely by composition of other relations.
func reachesThis(rw *v0.UsersetRewrite) bool {
	var so *v0.SetOperation
	switch op := rw.RewriteOperation.(type) {
	case *v0.UsersetRewrite_Union:
		so = op.Union
	case *v0.UsersetRewrite_Intersection:
		so = op.Intersection
	case *v0.UsersetRewrite_Exclusion:
		so = op.Exclusion
	}
	if so == nil {
		return false
	}
	for _, child := range so.Child {
		switch ct := child.ChildType.(type) {
		case *v0.SetOperation_Child_XThis:
			return true
		case *v0.SetOperation_Child_UsersetRewrite:
			if reachesThis(ct.UsersetRewrite) {
				return true
			}
		}
	}
	return false
}

func collectComputedUsersetEdges(rw *v0.UsersetRewrite, out *[]string) {
	var so *v0.SetOperation
	switch op := rw.RewriteOperation.(type) {
	case *v0.UsersetRewrite_Union:
		so = op.Union
	case *v0.UsersetRewrite_Intersection:
		so = op.Intersection
	case *v0.UsersetRewrite_Exclusion:
		so = op.Exclusion
	}
	if so == nil {
		return
	}
	for _, child := range so.Child {
		switch ct := child.ChildType.(type) {
		case *v0.SetOperation_Child_ComputedUserset:
			*out = append(*out, ct.ComputedUserset.Relation)
		case *v0.SetOperation_Child_UsersetRewrite:
			collectComputedUsersetEdges(ct.UsersetRewrite, out)
		}
	}
}
