package main

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/and161185/mam-keeper/internal/rsm"
	"github.com/and161185/mam-keeper/internal/stanza"
)

var namespaces = map[string]string{
	"0": stanza.NSMAM0,
	"1": stanza.NSMAM1,
	"2": stanza.NSMAM2,
}

// queryOptions are the filters and paging of one archive query.
type queryOptions struct {
	NS     string
	To     string
	With   string
	Start  string
	End    string
	Max    int
	After  string
	Before string
	Last   bool
	Index  int
}

func namespace(v string) (string, error) {
	if ns, ok := namespaces[v]; ok {
		return ns, nil
	}
	for _, ns := range namespaces {
		if ns == v {
			return ns, nil
		}
	}
	return "", fmt.Errorf("unknown archive version %q (want 0, 1 or 2)", v)
}

// normalizeDate accepts an RFC 3339 timestamp or a plain date and renders it for the wire.
func normalizeDate(v string) (string, error) {
	if t, err := stanza.ParseDateTime(v); err == nil {
		return stanza.FormatDateTime(t), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return "", fmt.Errorf("bad date %q", v)
	}
	return stanza.FormatDateTime(t), nil
}

// buildQuery assembles the query IQ and returns it with its query id.
func buildQuery(o queryOptions) (*stanza.IQ, string, error) {
	ns, err := namespace(o.NS)
	if err != nil {
		return nil, "", err
	}
	q := stanza.Query{QueryID: ulid.Make().String()}

	var form stanza.DataForm
	if o.With != "" {
		form.AddField("with", "", o.With)
	}
	for _, f := range []struct{ name, value string }{{"start", o.Start}, {"end", o.End}} {
		if f.value == "" {
			continue
		}
		d, err := normalizeDate(f.value)
		if err != nil {
			return nil, "", err
		}
		form.AddField(f.name, "", d)
	}
	if len(form.Fields) > 0 {
		form.Type = stanza.FormTypeSubmit
		form.Fields = append([]stanza.FormField{{Var: "FORM_TYPE", Type: stanza.FieldHidden, Values: []string{ns}}}, form.Fields...)
		q.Form = &form
	}

	set := &rsm.Set{}
	paged := false
	if o.Max >= 0 {
		s := strconv.Itoa(o.Max)
		set.Max, paged = &s, true
	}
	if o.Index >= 0 {
		s := strconv.Itoa(o.Index)
		set.Index, paged = &s, true
	}
	switch {
	case o.After != "":
		set.After, paged = &o.After, true
	case o.Before != "" || o.Last:
		set.Before, paged = &o.Before, true
	}
	if paged {
		q.Set = set
	}

	payload, err := stanza.ElementOf(q)
	if err != nil {
		return nil, "", err
	}
	payload.XMLName.Space = ns
	return &stanza.IQ{ID: ulid.Make().String(), Type: stanza.IQSet, To: o.To, Payload: payload}, q.QueryID, nil
}

// record is one printed result.
type record struct {
	ID    string `json:"id"`
	Stamp string `json:"stamp"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Body  string `json:"body,omitempty"`
}

type summary struct {
	Complete bool   `json:"complete"`
	First    string `json:"first,omitempty"`
	Last     string `json:"last,omitempty"`
	Count    string `json:"count,omitempty"`
	Results  int    `json:"results"`
}

func dialWS(ctx context.Context, server, token string) (*websocket.Conn, error) {
	hdr := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, server, hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connect %s: %s", server, resp.Status)
		}
		return nil, fmt.Errorf("connect %s: %w", server, err)
	}
	return conn, nil
}

func send(conn *websocket.Conn, s stanza.Stanza) error {
	data, err := stanza.Encode(s)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func readStanza(ctx context.Context, conn *websocket.Conn) (stanza.Stanza, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return stanza.Decode(data)
}

// collect prints results of the query until its fin arrives.
func collect(ctx context.Context, conn *websocket.Conn, iq *stanza.IQ, queryID string, out io.Writer) (summary, error) {
	var sum summary
	for {
		st, err := readStanza(ctx, conn)
		if err != nil {
			return sum, fmt.Errorf("read: %w", err)
		}
		switch v := st.(type) {
		case *stanza.Message:
			if v.Result != nil && v.Result.QueryID == queryID {
				sum.Results++
				if err := printJSON(out, resultRecord(v.Result)); err != nil {
					return sum, err
				}
			}
			if v.Fin != nil && v.Fin.QueryID == queryID {
				return finish(sum, v.Fin), nil
			}
		case *stanza.IQ:
			if v.ID != iq.ID {
				continue
			}
			if v.Type == stanza.IQError {
				return sum, fmt.Errorf("query rejected: %s", v.Error.ConditionName())
			}
			if v.Payload != nil && v.Payload.XMLName.Local == "fin" {
				var fin stanza.Fin
				if err := decodeElement(v.Payload, &fin); err != nil {
					return sum, err
				}
				return finish(sum, &fin), nil
			}
		}
	}
}

func finish(sum summary, fin *stanza.Fin) summary {
	sum.Complete = fin.Complete == "true"
	if fin.Set != nil {
		if fin.Set.First != nil {
			sum.First = fin.Set.First.Value
		}
		if fin.Set.Last != nil {
			sum.Last = *fin.Set.Last
		}
		if fin.Set.Count != nil {
			sum.Count = *fin.Set.Count
		}
	}
	return sum
}

func resultRecord(r *stanza.Result) record {
	rec := record{ID: r.ID}
	if r.Forwarded == nil {
		return rec
	}
	rec.Stamp = r.Forwarded.Delay.Stamp
	if r.Forwarded.Stanza != nil {
		var m stanza.Message
		if err := decodeElement(r.Forwarded.Stanza, &m); err == nil {
			rec.From, rec.To, rec.Body = m.From, m.To, m.Body
		}
	}
	return rec
}

func decodeElement(el *stanza.Element, v any) error {
	raw, err := xml.Marshal(el.Copy())
	if err != nil {
		return err
	}
	return xml.Unmarshal(raw, v)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	return enc.Encode(v)
}

// fetchFields asks for the supported query fields.
func fetchFields(ctx context.Context, conn *websocket.Conn, ns, to string) ([]stanza.FormField, error) {
	payload := &stanza.Element{XMLName: xml.Name{Space: ns, Local: "query"}}
	iq := &stanza.IQ{ID: ulid.Make().String(), Type: stanza.IQGet, To: to, Payload: payload}
	if err := send(conn, iq); err != nil {
		return nil, err
	}
	for {
		st, err := readStanza(ctx, conn)
		if err != nil {
			return nil, err
		}
		reply, ok := st.(*stanza.IQ)
		if !ok || reply.ID != iq.ID {
			continue
		}
		if reply.Type == stanza.IQError {
			return nil, fmt.Errorf("fields rejected: %s", reply.Error.ConditionName())
		}
		if reply.Payload == nil {
			return nil, errors.New("empty fields reply")
		}
		var q stanza.Query
		if err := decodeElement(reply.Payload, &q); err != nil {
			return nil, err
		}
		if q.Form == nil {
			return nil, errors.New("fields reply without a form")
		}
		return q.Form.Fields, nil
	}
}
