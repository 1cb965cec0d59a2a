package service

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"
	"mellium.im/xmpp/jid"

	"github.com/and161185/mam-keeper/internal/errs"
	"github.com/and161185/mam-keeper/internal/model"
	"github.com/and161185/mam-keeper/internal/stanza"
)

var sentAt = time.Date(2010, 7, 10, 23, 8, 25, 0, time.UTC)

func personalRequest(t *testing.T, queryID string) *QueryRequest {
	t.Helper()
	return NewQueryRequest(&stanza.Query{QueryID: queryID}, jid.MustParse("alice@example.com"),
		jid.MustParse(aliceFull), false, true, zaptest.NewLogger(t))
}

func TestCodec_ForwardsStoredStanza(t *testing.T) {
	rec := model.ArchivedRecord{
		ID:     42,
		Time:   sentAt,
		With:   "bob@example.com",
		Stanza: `<message xmlns="jabber:client" from="bob@example.com/a" to="alice@example.com" type="chat"><body>hi</body></message>`,
	}
	msg, err := NewCodec(MAM1).Build(rec, personalRequest(t, "q1"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if msg.To != aliceFull || msg.From != "" {
		t.Fatalf("want to=%s and no from, got to=%s from=%s", aliceFull, msg.To, msg.From)
	}
	if msg.Result.ID != "42" || msg.Result.QueryID != "q1" {
		t.Fatalf("want id 42 queryid q1, got %q %q", msg.Result.ID, msg.Result.QueryID)
	}
	if msg.Result.XMLName.Space != stanza.NSMAM1 {
		t.Fatalf("want result in %s, got %s", stanza.NSMAM1, msg.Result.XMLName.Space)
	}
	if msg.Result.Forwarded.Delay.Stamp != "2010-07-10T23:08:25.000Z" {
		t.Fatalf("unexpected stamp %s", msg.Result.Forwarded.Delay.Stamp)
	}
	if !msg.Result.Forwarded.Stanza.Is("message", stanza.NSClient) {
		t.Fatalf("want forwarded client message, got %v", msg.Result.Forwarded.Stanza.XMLName)
	}
}

func TestCodec_StableIDs(t *testing.T) {
	stable := uuid.Must(uuid.NewV4())
	rec := model.ArchivedRecord{ID: 7, StableID: stable, Time: sentAt, Stanza: `<message><body>x</body></message>`}

	msg, err := NewCodec(MAM2).Build(rec, personalRequest(t, ""))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if msg.Result.ID != stable.String() {
		t.Fatalf("want stable id %s, got %s", stable, msg.Result.ID)
	}

	msg, err = NewCodec(MAM0).Build(rec, personalRequest(t, ""))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if msg.Result.ID != "7" {
		t.Fatalf("want numeric id, got %s", msg.Result.ID)
	}
}

func TestCodec_GroupArchiveSender(t *testing.T) {
	req := NewQueryRequest(&stanza.Query{}, jid.MustParse(roomJID), jid.MustParse(aliceFull), true, true, zaptest.NewLogger(t))
	rec := model.ArchivedRecord{ID: 1, Time: sentAt, Stanza: `<message type="groupchat"><body>x</body></message>`}

	msg, err := NewCodec(MAM2).Build(rec, req)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if msg.From != roomJID {
		t.Fatalf("want from %s, got %s", roomJID, msg.From)
	}
}

func TestCodec_LegacyBody(t *testing.T) {
	rec := model.ArchivedRecord{ID: 3, Time: sentAt, With: "bob@example.com", Body: "1 < 2 & <b>"}

	msg, err := NewCodec(MAM1).Build(rec, personalRequest(t, "q"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	out, err := stanza.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `<message xmlns="jabber:client" from="bob@example.com" to="bob@example.com" type="chat">` +
		`<body>1 &lt; 2 &amp; &lt;b&gt;</body></message>`
	if !strings.Contains(string(out), want) {
		t.Fatalf("want synthesized message %s in %s", want, out)
	}
}

func TestCodec_Unrepresentable(t *testing.T) {
	c := NewCodec(MAM1)
	req := personalRequest(t, "q")

	_, err := c.Build(model.ArchivedRecord{ID: 1}, req)
	if !errors.Is(err, errs.ErrUnrepresentableRecord) || !errors.Is(err, errEmptyRecord) {
		t.Fatalf("want empty record error, got %v", err)
	}

	_, err = c.Build(model.ArchivedRecord{ID: 2, Stanza: `<message><body>broken`}, req)
	if !errors.Is(err, errs.ErrUnrepresentableRecord) || errors.Is(err, errEmptyRecord) {
		t.Fatalf("want unparsable record error, got %v", err)
	}
}
