package service

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"mellium.im/xmpp/jid"

	"github.com/and161185/mam-keeper/internal/rsm"
	"github.com/and161185/mam-keeper/internal/stanza"
)

func TestNewQueryRequest_Identities(t *testing.T) {
	req := NewQueryRequest(&stanza.Query{QueryID: "abc"}, jid.MustParse("alice@example.com"), jid.MustParse(aliceFull), false, false, zaptest.NewLogger(t))

	if req.Requestor().String() != "alice@example.com" {
		t.Fatalf("want bare requestor, got %s", req.Requestor())
	}
	if req.ReplyTo().String() != aliceFull {
		t.Fatalf("want full reply address, got %s", req.ReplyTo())
	}
	if req.QueryID() != "abc" || req.IsGroup() {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestNewQueryRequest_ForceRSM(t *testing.T) {
	archive, from := jid.MustParse("alice@example.com"), jid.MustParse(aliceFull)

	if req := NewQueryRequest(&stanza.Query{}, archive, from, false, false, zaptest.NewLogger(t)); req.ResultSet() != nil {
		t.Fatalf("without forcing, a query without paging has no result set")
	}

	req := NewQueryRequest(&stanza.Query{}, archive, from, false, true, zaptest.NewLogger(t))
	if req.ResultSet() == nil {
		t.Fatalf("forced paging must inject a result set")
	}
	req.NormalizePaging(50, 250)
	if req.ResultSet().Max() != 50 {
		t.Fatalf("want default page size, got %d", req.ResultSet().Max())
	}
}

func TestNewQueryRequest_MalformedFiltersWiden(t *testing.T) {
	form := &stanza.DataForm{Type: stanza.FormTypeSubmit}
	form.AddField(FieldWith, "", "@@bad")
	form.AddField(FieldStart, "", "yesterday")
	form.AddField(FieldEnd, "", "2010-08-07T00:00:00Z")
	bad := "ten"
	q := &stanza.Query{Form: form, Set: &rsm.Set{Max: &bad}}

	req := NewQueryRequest(q, jid.MustParse("alice@example.com"), jid.MustParse(aliceFull), false, true, zaptest.NewLogger(t))
	if req.With() != nil || req.Start() != nil {
		t.Fatalf("malformed filters must be dropped, got with=%v start=%v", req.With(), req.Start())
	}
	want := time.Date(2010, 8, 7, 0, 0, 0, 0, time.UTC)
	if req.End() == nil || !req.End().Equal(want) {
		t.Fatalf("want end %v, got %v", want, req.End())
	}
	if req.ResultSet() == nil || req.ResultSet().Max() != -1 {
		t.Fatalf("malformed max must be ignored")
	}

	rq := req.RecordQuery()
	if rq.Archive.String() != "alice@example.com" || rq.End == nil || rq.Start != nil {
		t.Fatalf("unexpected record query %+v", rq)
	}
}
