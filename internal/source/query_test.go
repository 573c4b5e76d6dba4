package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslateGmail(t *testing.T) {
	q := Query{
		{FieldFrom, "a@b.com"},
		{FieldSubject, "urgent"},
	}
	assert.Equal(t, `from:"a@b.com" subject:"urgent"`, Translate(q, KindGmailAPI))
}

func TestTranslateIMAP(t *testing.T) {
	q := Query{
		{FieldFrom, "a@b.com"},
		{FieldSubject, "urgent"},
	}
	assert.Equal(t, `FROM "a@b.com" SUBJECT "urgent"`, Translate(q, KindIMAP))
}

func TestTranslateEmptyQueryFallsBackToMatchAll(t *testing.T) {
	assert.Equal(t, "in:anywhere", Translate(nil, KindGmailAPI))
	assert.Equal(t, "ALL", Translate(nil, KindIMAP))
	assert.Equal(t, "ALL", Translate(Query{}, KindIMAP))
}

func TestTranslatePreservesPredicateOrder(t *testing.T) {
	q := Query{
		{FieldTo, "x@y.com"},
		{FieldFrom, "a@b.com"},
		{FieldCc, "c@d.com"},
		{FieldBcc, "e@f.com"},
	}
	assert.Equal(t, `to:"x@y.com" from:"a@b.com" cc:"c@d.com" bcc:"e@f.com"`, Translate(q, KindGmailAPI))
	assert.Equal(t, `TO "x@y.com" FROM "a@b.com" CC "c@d.com" BCC "e@f.com"`, Translate(q, KindIMAP))
}

func TestTranslateUnmappedFieldPassesThrough(t *testing.T) {
	q := Query{{Field("list-id"), "announce"}}
	assert.Equal(t, `list-id:"announce"`, Translate(q, KindGmailAPI))
	assert.Equal(t, `LIST-ID "announce"`, Translate(q, KindIMAP))
}

func TestQueryBuilder(t *testing.T) {
	q := NewQueryBuilder().
		WithFrom("lawyer@firm.com").
		WithSubject("contract").
		Build()

	assert.Equal(t, Query{
		{FieldFrom, "lawyer@firm.com"},
		{FieldSubject, "contract"},
	}, q)
	assert.Equal(t, `from:"lawyer@firm.com" subject:"contract"`, Translate(q, KindGmailAPI))
}
