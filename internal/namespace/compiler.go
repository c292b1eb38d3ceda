// Package namespace implements the schema DSL: a small, human-writable
// language that compiles down to the *v0.NamespaceDefinition trees the
// datastore persists and the check engine evaluates against.
//
// Grammar (informal):
//
//	definition <name> {
//	    relation <name>: <type>[#<relation>] (| <type>[#<relation>])* [| <type>:*]
//	    permission <name> = <expr>
//	}
//
//	expr := "this"
//	      | "computed_userset" "(" ident ")"
//	      | "tuple_to_userset" "(" ident "," ident ")"
//	      | "union" "(" expr ("," expr)* ")"
//	      | "intersection" "(" expr ("," expr)* ")"
//	      | "difference" "(" expr "," expr ")"
//	      | ident
//
// `this` refers to the relation's own direct tuples. `computed_userset(x)`
// follows permission/relation `x` on the same object; a bare `x` is
// shorthand for it. `tuple_to_userset(t,
// c)` walks every subject reached through relation `t` and, treating each as
// an object in its own right, recursively checks relation `c` on it. `union`,
// `intersection` and `difference` combine subexpressions set-theoretically.
package namespace

import (
	"fmt"
	"unicode"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"
)

// ErrCompile is returned for any syntax or structural error encountered
// while compiling a schema.
type ErrCompile struct {
	Line    int
	Message string
}

func (e ErrCompile) Error() string {
	return fmt.Sprintf("schema error at line %d: %s", e.Line, e.Message)
}

// Compile parses schema text and returns one NamespaceDefinition per
// `definition` block, in source order.
func Compile(schema string) ([]*v0.NamespaceDefinition, error) {
	toks, err := lex(schema)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	return p.parseSchema()
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokLBrace
	tokRBrace
	tokLParen
	tokRParen
	tokColon
	tokEquals
	tokComma
	tokPipe
	tokHash
	tokStar
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	line int
}

func lex(input string) ([]token, error) {
	var toks []token
	line := 1
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case c == '\n':
			line++
			i++
		case unicode.IsSpace(c):
			i++
		case c == '/' && i+1 < len(runes) && runes[i+1] == '/':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case c == '{':
			toks = append(toks, token{tokLBrace, "{", line})
			i++
		case c == '}':
			toks = append(toks, token{tokRBrace, "}", line})
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", line})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", line})
			i++
		case c == ':':
			toks = append(toks, token{tokColon, ":", line})
			i++
		case c == '=':
			toks = append(toks, token{tokEquals, "=", line})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", line})
			i++
		case c == '|':
			toks = append(toks, token{tokPipe, "|", line})
			i++
		case c == '#':
			toks = append(toks, token{tokHash, "#", line})
			i++
		case c == '*':
			toks = append(toks, token{tokStar, "*", line})
			i++
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			toks = append(toks, token{tokIdent, string(runes[start:i]), line})
		default:
			return nil, ErrCompile{Line: line, Message: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	toks = append(toks, token{tokEOF, "", line})
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, ErrCompile{Line: t.line, Message: fmt.Sprintf("expected %s, found %q", what, t.text)}
	}
	return t, nil
}

func (p *parser) parseSchema() ([]*v0.NamespaceDefinition, error) {
	var defs []*v0.NamespaceDefinition
	for p.peek().kind != tokEOF {
		kw := p.next()
		if kw.kind != tokIdent || kw.text != "definition" {
			return nil, ErrCompile{Line: kw.line, Message: fmt.Sprintf("expected 'definition', found %q", kw.text)}
		}
		def, err := p.parseDefinition()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (p *parser) parseDefinition() (*v0.NamespaceDefinition, error) {
	name, err := p.expect(tokIdent, "a definition name")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokLBrace, "'{'"); err != nil {
		return nil, err
	}

	def := &v0.NamespaceDefinition{Name: name.text}

	for p.peek().kind != tokRBrace {
		kw := p.next()
		switch {
		case kw.kind == tokIdent && kw.text == "relation":
			rel, err := p.parseRelation()
			if err != nil {
				return nil, err
			}
			def.Relation = append(def.Relation, rel)
		case kw.kind == tokIdent && kw.text == "permission":
			rel, err := p.parsePermission()
			if err != nil {
				return nil, err
			}
			def.Relation = append(def.Relation, rel)
		default:
			return nil, ErrCompile{Line: kw.line, Message: fmt.Sprintf("expected 'relation' or 'permission', found %q", kw.text)}
		}
	}
	if _, err := p.expect(tokRBrace, "'}'"); err != nil {
		return nil, err
	}
	return def, nil
}

func (p *parser) parseRelation() (*v0.Relation, error) {
	name, err := p.expect(tokIdent, "a relation name")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokColon, "':'"); err != nil {
		return nil, err
	}

	var allowed []*v0.AllowedRelation
	for {
		typeName, err := p.expect(tokIdent, "a subject type")
		if err != nil {
			return nil, err
		}
		ar := &v0.AllowedRelation{Namespace: typeName.text}

		switch p.peek().kind {
		case tokHash:
			p.next()
			relName, err := p.expect(tokIdent, "a subject relation")
			if err != nil {
				return nil, err
			}
			ar.RelationOrWildcard = &v0.AllowedRelation_Relation{Relation: relName.text}
		case tokColon:
			p.next()
			if _, err := p.expect(tokStar, "'*'"); err != nil {
				return nil, err
			}
			ar.RelationOrWildcard = &v0.AllowedRelation_PublicWildcard_{
				PublicWildcard: &v0.AllowedRelation_PublicWildcard{},
			}
		default:
			ar.RelationOrWildcard = &v0.AllowedRelation_Relation{Relation: "..."}
		}
		allowed = append(allowed, ar)

		if p.peek().kind == tokPipe {
			p.next()
			continue
		}
		break
	}

	return &v0.Relation{
		Name:            name.text,
		TypeInformation: &v0.TypeInformation{AllowedDirectRelations: allowed},
	}, nil
}

func (p *parser) parsePermission() (*v0.Relation, error) {
	name, err := p.expect(tokIdent, "a permission name")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokEquals, "'='"); err != nil {
		return nil, err
	}

	n, err := p.parseExpr()
	if err != nil {
		return nil, err
	}

	return &v0.Relation{
		Name:           name.text,
		UsersetRewrite: toRewrite(n),
	}, nil
}

// node is either "this", a bare computed_userset/tuple_to_userset reference,
// or an already-built rewrite produced by union/intersection/difference.
type node struct {
	this     bool
	computed *v0.ComputedUserset
	ttu      *v0.TupleToUserset
	rewrite  *v0.UsersetRewrite
}

// parseExpr parses a single userset expression: this, computed_userset(...),
// tuple_to_userset(...,...), union(...), intersection(...), difference(...)
// or a bare relation name, which compiles as computed_userset(name).
func (p *parser) parseExpr() (*node, error) {
	kw, err := p.expect(tokIdent, "this, computed_userset, tuple_to_userset, union, intersection or difference")
	if err != nil {
		return nil, err
	}

	switch kw.text {
	case "this":
		return &node{this: true}, nil

	case "computed_userset":
		if _, err := p.expect(tokLParen, "'('"); err != nil {
			return nil, err
		}
		rel, err := p.expect(tokIdent, "a relation name")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return &node{computed: &v0.ComputedUserset{Relation: rel.text, Object: v0.ComputedUserset_TUPLE_OBJECT}}, nil

	case "tuple_to_userset":
		if _, err := p.expect(tokLParen, "'('"); err != nil {
			return nil, err
		}
		tupleset, err := p.expect(tokIdent, "a tupleset relation name")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokComma, "','"); err != nil {
			return nil, err
		}
		computed, err := p.expect(tokIdent, "a computed relation name")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return &node{ttu: &v0.TupleToUserset{
			Tupleset:        &v0.TupleToUserset_Tupleset{Relation: tupleset.text},
			ComputedUserset: &v0.ComputedUserset{Relation: computed.text, Object: v0.ComputedUserset_TUPLE_USERSET_OBJECT},
		}}, nil

	case "union", "intersection":
		children, err := p.parseChildList()
		if err != nil {
			return nil, err
		}
		so := &v0.SetOperation{Child: children}
		if kw.text == "union" {
			return &node{rewrite: &v0.UsersetRewrite{RewriteOperation: &v0.UsersetRewrite_Union{Union: so}}}, nil
		}
		return &node{rewrite: &v0.UsersetRewrite{RewriteOperation: &v0.UsersetRewrite_Intersection{Intersection: so}}}, nil

	case "difference":
		if _, err := p.expect(tokLParen, "'('"); err != nil {
			return nil, err
		}
		base, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokComma, "','"); err != nil {
			return nil, err
		}
		subtrahend, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		so := &v0.SetOperation{Child: []*v0.SetOperation_Child{childFor(base), childFor(subtrahend)}}
		return &node{rewrite: &v0.UsersetRewrite{RewriteOperation: &v0.UsersetRewrite_Exclusion{Exclusion: so}}}, nil

	default:
		if p.peek().kind != tokLParen {
			return &node{computed: &v0.ComputedUserset{Relation: kw.text, Object: v0.ComputedUserset_TUPLE_OBJECT}}, nil
		}
		return nil, ErrCompile{Line: kw.line, Message: fmt.Sprintf("unknown userset expression %q", kw.text)}
	}
}

// parseChildList parses a parenthesized, comma-separated list of one or more
// expressions, as used by union(...) and intersection(...).
func (p *parser) parseChildList() ([]*v0.SetOperation_Child, error) {
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	var children []*v0.SetOperation_Child
	for {
		n, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		children = append(children, childFor(n))

		if p.peek().kind == tokComma {
			p.next()
			continue
		}
		break
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return children, nil
}

func childFor(n *node) *v0.SetOperation_Child {
	switch {
	case n.this:
		return &v0.SetOperation_Child{ChildType: &v0.SetOperation_Child_XThis{XThis: &v0.SetOperation_Child_This{}}}
	case n.computed != nil:
		return &v0.SetOperation_Child{ChildType: &v0.SetOperation_Child_ComputedUserset{ComputedUserset: n.computed}}
	case n.ttu != nil:
		return &v0.SetOperation_Child{ChildType: &v0.SetOperation_Child_TupleToUserset{TupleToUserset: n.ttu}}
	default:
		return &v0.SetOperation_Child{ChildType: &v0.SetOperation_Child_UsersetRewrite{UsersetRewrite: n.rewrite}}
	}
}

func toRewrite(n *node) *v0.UsersetRewrite {
	if n.rewrite != nil {
		return n.rewrite
	}
	// A bare this/computed_userset/tuple_to_userset reference at the top
	// level is wrapped as a single-child union so every permission's
	// UsersetRewrite shape is uniform for the check engine to walk.
	return &v0.UsersetRewrite{RewriteOperation: &v0.UsersetRewrite_Union{
		Union: &v0.SetOperation{Child: []*v0.SetOperation_Child{childFor(n)}},
	}}
}

// MustCompile is a helper for tests and bootstrap code that already trust
// their schema text; it panics on a compile error.
func MustCompile(schema string) []*v0.NamespaceDefinition {
	defs, err := Compile(schema)
	if err != nil {
		panic(err)
	}
	return defs
}
