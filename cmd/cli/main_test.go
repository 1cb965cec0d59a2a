package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/and161185/mam-keeper/internal/stanza"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "mam-keeper")
}

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice@example.com/phone",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func Test_cfgDir_And_Paths(t *testing.T) {
	base := withTmpConfig(t)
	if got := cfgDir(); got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(tokenPath(), base) || !strings.HasSuffix(tokenPath(), "token.json") {
		t.Fatalf("tokenPath unexpected: %s", tokenPath())
	}
}

func Test_token_SaveLoad(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadToken(); err == nil {
		t.Fatalf("expected error when token file missing")
	}
	if err := saveToken("tok", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	tok, err := loadToken()
	if err != nil || tok != "tok" {
		t.Fatalf("loadToken: tok=%q err=%v", tok, err)
	}
	if err := saveToken("tok2", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired token")
	}
}

func Test_loginCommand(t *testing.T) {
	_ = withTmpConfig(t)
	tok := signed(t, time.Now().Add(time.Hour))

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"login", tok})
	if err := root.Execute(); err != nil {
		t.Fatalf("login: %v", err)
	}
	got, err := loadToken()
	if err != nil || got != tok {
		t.Fatalf("saved token mismatch: %v", err)
	}

	root = newRootCommand()
	root.SetArgs([]string{"login", signed(t, time.Now().Add(-time.Hour))})
	if err := root.Execute(); err == nil {
		t.Fatalf("expired token must be refused")
	}
}

func Test_buildQuery(t *testing.T) {
	iq, qid, err := buildQuery(queryOptions{
		NS: "2", To: "room@conference.example.com", With: "bob@example.com",
		Start: "2024-03-01", Max: 10, Last: true, Index: -1,
	})
	if err != nil {
		t.Fatalf("buildQuery: %v", err)
	}
	if iq.Type != stanza.IQSet || iq.To != "room@conference.example.com" || iq.ID == "" {
		t.Fatalf("unexpected iq: %+v", iq)
	}
	if iq.Payload.XMLName.Space != stanza.NSMAM2 {
		t.Fatalf("payload namespace: %q", iq.Payload.XMLName.Space)
	}
	q, err := stanza.ParseQuery(iq.Payload)
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if q.QueryID != qid {
		t.Fatalf("query id %q, want %q", q.QueryID, qid)
	}
	if v, _ := q.Form.FirstValue("FORM_TYPE"); v != stanza.NSMAM2 {
		t.Fatalf("FORM_TYPE=%q", v)
	}
	if v, _ := q.Form.FirstValue("with"); v != "bob@example.com" {
		t.Fatalf("with=%q", v)
	}
	if v, _ := q.Form.FirstValue("start"); v != "2024-03-01T00:00:00.000Z" {
		t.Fatalf("start=%q", v)
	}
	if _, ok := q.Form.FirstValue("end"); ok {
		t.Fatalf("end must be absent")
	}
	if q.Set == nil || q.Set.Max == nil || *q.Set.Max != "10" || q.Set.Before == nil || *q.Set.Before != "" {
		t.Fatalf("unexpected set: %+v", q.Set)
	}
	if q.Set.Index != nil {
		t.Fatalf("index must be absent")
	}
}

func Test_buildQuery_Errors(t *testing.T) {
	if _, _, err := buildQuery(queryOptions{NS: "7", Max: -1, Index: -1}); err == nil {
		t.Fatalf("unknown version must fail")
	}
	if _, _, err := buildQuery(queryOptions{NS: "1", Start: "yesterday", Max: -1, Index: -1}); err == nil {
		t.Fatalf("bad date must fail")
	}
	iq, _, err := buildQuery(queryOptions{NS: stanza.NSMAM0, Max: -1, Index: -1})
	if err != nil {
		t.Fatalf("full namespace: %v", err)
	}
	q, _ := stanza.ParseQuery(iq.Payload)
	if q.Form != nil || q.Set != nil {
		t.Fatalf("unfiltered query must be bare: %+v", q)
	}
}

// fakeArchive answers the first query with the frames built by script.
func fakeArchive(t *testing.T, script func(iq *stanza.IQ, queryID string) []string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		st, err := stanza.Decode(data)
		if err != nil {
			return
		}
		iq := st.(*stanza.IQ)
		var qid string
		if q, err := stanza.ParseQuery(iq.Payload); err == nil {
			qid = q.QueryID
		}
		for _, f := range script(iq, qid) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

const forwarded = `<forwarded xmlns='urn:xmpp:forward:0'><delay xmlns='urn:xmpp:delay' stamp='2024-03-01T12:00:00.000Z'/>` +
	`<message xmlns='jabber:client' from='bob@example.com/laptop' to='alice@example.com' type='chat'><body>hi</body></message></forwarded>`

func Test_queryCommand_FinInIQ(t *testing.T) {
	srv := fakeArchive(t, func(iq *stanza.IQ, qid string) []string {
		return []string{
			`<message to='alice@example.com/phone'><result xmlns='urn:xmpp:mam:2' queryid='other' id='x'>` + forwarded + `</result></message>`,
			`<message to='alice@example.com/phone'><result xmlns='urn:xmpp:mam:2' queryid='` + qid + `' id='r1'>` + forwarded + `</result></message>`,
			`<iq type='result' id='` + iq.ID + `'><fin xmlns='urn:xmpp:mam:2' complete='true'>` +
				`<set xmlns='http://jabber.org/protocol/rsm'><first index='0'>r1</first><last>r1</last><count>1</count></set></fin></iq>`,
		}
	})

	out, err := runCLI(t, "query", "--server", wsURL(srv), "--token", "tok", "--max", "5")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("want one result and a summary, got:\n%s", out)
	}
	var rec record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	want := record{ID: "r1", Stamp: "2024-03-01T12:00:00.000Z", From: "bob@example.com/laptop", To: "alice@example.com", Body: "hi"}
	if rec != want {
		t.Fatalf("record=%+v, want %+v", rec, want)
	}
	var sum summary
	if err := json.Unmarshal([]byte(lines[1]), &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum != (summary{Complete: true, First: "r1", Last: "r1", Count: "1", Results: 1}) {
		t.Fatalf("summary=%+v", sum)
	}
}

func Test_queryCommand_FinInMessage(t *testing.T) {
	srv := fakeArchive(t, func(iq *stanza.IQ, qid string) []string {
		return []string{
			`<iq type='result' id='` + iq.ID + `'/>`,
			`<message><result xmlns='urn:xmpp:mam:0' queryid='` + qid + `' id='7'>` + forwarded + `</result></message>`,
			`<message><fin xmlns='urn:xmpp:mam:0' queryid='` + qid + `'><set xmlns='http://jabber.org/protocol/rsm'><count>9</count></set></fin></message>`,
		}
	})

	out, err := runCLI(t, "query", "--server", wsURL(srv), "--token", "tok", "--ns", "0")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	var sum summary
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Complete || sum.Count != "9" || sum.Results != 1 {
		t.Fatalf("summary=%+v", sum)
	}
}

func Test_queryCommand_Rejected(t *testing.T) {
	srv := fakeArchive(t, func(iq *stanza.IQ, _ string) []string {
		return []string{`<iq type='error' id='` + iq.ID + `'><error type='auth'><forbidden xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></error></iq>`}
	})

	_, err := runCLI(t, "query", "--server", wsURL(srv), "--token", "tok", "--archive", "room@conference.example.com")
	if err == nil || !strings.Contains(err.Error(), "forbidden") {
		t.Fatalf("want forbidden, got %v", err)
	}

	_, err = runCLI(t, "query", "--server", wsURL(srv), "--token", "wrong")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("want handshake failure, got %v", err)
	}
}

func Test_fieldsCommand(t *testing.T) {
	srv := fakeArchive(t, func(iq *stanza.IQ, _ string) []string {
		if iq.Type != stanza.IQGet {
			t.Errorf("fields must be requested with get, got %s", iq.Type)
		}
		return []string{`<iq type='result' id='` + iq.ID + `'><query xmlns='urn:xmpp:mam:1'><x xmlns='jabber:x:data' type='form'>` +
			`<field var='FORM_TYPE' type='hidden'><value>urn:xmpp:mam:1</value></field>` +
			`<field var='with' type='jid-single'/><field var='start' type='text-single'/></x></query></iq>`}
	})

	out, err := runCLI(t, "fields", "--server", wsURL(srv), "--token", "tok", "--ns", "1")
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	for _, want := range []string{"FORM_TYPE", "with", "jid-single", "start"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output misses %q:\n%s", want, out)
		}
	}
}
