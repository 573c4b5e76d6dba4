package source

import (
	"fmt"
	"strings"
)

// Field is a canonical query field.
type Field string

const (
	FieldFrom    Field = "from"
	FieldTo      Field = "to"
	FieldCc      Field = "cc"
	FieldBcc     Field = "bcc"
	FieldSubject Field = "subject"
)

// Predicate is one canonical {field, value} filter term.
type Predicate struct {
	Field Field
	Value string
}

// Query is an ordered list of predicates, combined with AND semantics.
type Query []Predicate

// Match-all tokens per backend. An empty translated query must never be an
// empty string, to keep "no filter" distinguishable from "malformed filter".
const (
	gmailMatchAll = "in:anywhere"
	imapMatchAll  = "ALL"
)

// Translate converts a canonical query into the backend's native search
// syntax. Unknown fields pass through in the backend's own form instead of
// being dropped.
func Translate(q Query, backend Kind) string {
	if len(q) == 0 {
		if backend == KindIMAP {
			return imapMatchAll
		}
		return gmailMatchAll
	}

	terms := make([]string, 0, len(q))
	for _, p := range q {
		switch backend {
		case KindIMAP:
			terms = append(terms, fmt.Sprintf("%s %q", strings.ToUpper(string(p.Field)), p.Value))
		default:
			terms = append(terms, fmt.Sprintf("%s:%q", p.Field, p.Value))
		}
	}
	return strings.Join(terms, " ")
}

// QueryBuilder assembles a canonical query fluently, preserving the order in
// which terms were added.
type QueryBuilder struct {
	q Query
}

func NewQueryBuilder() *QueryBuilder { return &QueryBuilder{} }

func (b *QueryBuilder) WithFrom(addr string) *QueryBuilder {
	b.q = append(b.q, Predicate{FieldFrom, addr})
	return b
}

func (b *QueryBuilder) WithTo(addr string) *QueryBuilder {
	b.q = append(b.q, Predicate{FieldTo, addr})
	return b
}

func (b *QueryBuilder) WithCc(addr string) *QueryBuilder {
	b.q = append(b.q, Predicate{FieldCc, addr})
	return b
}

func (b *QueryBuilder) WithBcc(addr string) *QueryBuilder {
	b.q = append(b.q, Predicate{FieldBcc, addr})
	return b
}

func (b *QueryBuilder) WithSubject(subject string) *QueryBuilder {
	b.q = append(b.q, Predicate{FieldSubject, subject})
	return b
}

// Build returns the assembled canonical query.
func (b *QueryBuilder) Build() Query { return b.q }
