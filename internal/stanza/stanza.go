// Package stanza contains the XML wire model of the stanzas exchanged by the archive query service.
package stanza

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/and161185/mam-keeper/internal/rsm"
)

// Namespaces used on the wire.
const (
	NSClient   = "jabber:client"
	NSStanzas  = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NSForward  = "urn:xmpp:forward:0"
	NSDelay    = "urn:xmpp:delay"
	NSDataForm = "jabber:x:data"

	NSMAM0 = "urn:xmpp:mam:0"
	NSMAM1 = "urn:xmpp:mam:1"
	NSMAM2 = "urn:xmpp:mam:2"
)

// Stanza is an outbound IQ or message.
type Stanza interface {
	// Addressee returns the recipient address as it appears in the "to" attribute.
	Addressee() string
}

// IQType is the type attribute of an IQ.
type IQType string

const (
	IQGet    IQType = "get"
	IQSet    IQType = "set"
	IQResult IQType = "result"
	IQError  IQType = "error"
)

// IQ is an info/query stanza with at most one payload child.
type IQ struct {
	XMLName xml.Name `xml:"iq"`
	ID      string   `xml:"id,attr,omitempty"`
	Type    IQType   `xml:"type,attr"`
	From    string   `xml:"from,attr,omitempty"`
	To      string   `xml:"to,attr,omitempty"`
	Payload *Element `xml:",any"`
	Error   *Error   `xml:"error,omitempty"`
}

// Addressee implements Stanza.
func (iq *IQ) Addressee() string { return iq.To }

// IsRequest reports whether the IQ expects a response.
func (iq *IQ) IsRequest() bool { return iq.Type == IQGet || iq.Type == IQSet }

// ResultIQ creates an empty result addressed back to the sender of iq.
func ResultIQ(iq *IQ) *IQ {
	return &IQ{ID: iq.ID, Type: IQResult, From: iq.To, To: iq.From}
}

// ErrorIQ creates an error reply echoing a copy of the request payload.
func ErrorIQ(iq *IQ, errType, condition string) *IQ {
	reply := ResultIQ(iq)
	reply.Type = IQError
	if iq.Payload != nil {
		reply.Payload = iq.Payload.Copy()
	}
	reply.Error = NewError(errType, condition)
	return reply
}

// Message is a message stanza. Archive results and completion markers ride as extensions.
type Message struct {
	XMLName xml.Name  `xml:"message"`
	ID      string    `xml:"id,attr,omitempty"`
	Type    string    `xml:"type,attr,omitempty"`
	From    string    `xml:"from,attr,omitempty"`
	To      string    `xml:"to,attr,omitempty"`
	Body    string    `xml:"body,omitempty"`
	Result  *Result   `xml:"result,omitempty"`
	Fin     *Fin      `xml:"fin,omitempty"`
	Extra   []Element `xml:",any"`
}

// Addressee implements Stanza.
func (m *Message) Addressee() string { return m.To }

// Element is an arbitrary XML element kept verbatim.
type Element struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   []byte     `xml:",innerxml"`
}

// Copy returns a deep copy. The default namespace declaration is dropped since the encoder
// regenerates it from XMLName; prefix declarations are kept in literal form because Inner may
// still use them.
func (e *Element) Copy() *Element {
	if e == nil {
		return nil
	}
	out := &Element{XMLName: e.XMLName, Inner: append([]byte(nil), e.Inner...)}
	for _, a := range e.Attrs {
		switch {
		case a.Name.Space == "" && a.Name.Local == "xmlns":
			continue
		case a.Name.Space == "xmlns":
			a = xml.Attr{Name: xml.Name{Local: "xmlns:" + a.Name.Local}, Value: a.Value}
		}
		out.Attrs = append(out.Attrs, a)
	}
	return out
}

// Attr returns the value of an unqualified attribute.
func (e *Element) Attr(local string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == local && (a.Name.Space == "" || a.Name.Space == e.XMLName.Space) {
			return a.Value
		}
	}
	return ""
}

// Is reports whether the element has the given name and namespace.
func (e *Element) Is(local, space string) bool {
	return e != nil && e.XMLName.Local == local && e.XMLName.Space == space
}

// Error is a stanza error with a defined condition.
type Error struct {
	XMLName   xml.Name `xml:"error"`
	Type      string   `xml:"type,attr"`
	Condition *Element `xml:",any"`
}

// Error types.
const (
	ErrorTypeAuth   = "auth"
	ErrorTypeCancel = "cancel"
	ErrorTypeModify = "modify"
	ErrorTypeWait   = "wait"
)

// Defined conditions.
const (
	CondForbidden             = "forbidden"
	CondInternalServerError   = "internal-server-error"
	CondBadRequest            = "bad-request"
	CondFeatureNotImplemented = "feature-not-implemented"
	CondItemNotFound          = "item-not-found"
)

// NewError builds a stanza error.
func NewError(errType, condition string) *Error {
	return &Error{Type: errType, Condition: &Element{XMLName: xml.Name{Space: NSStanzas, Local: condition}}}
}

// ConditionName returns the defined condition of the error.
func (e *Error) ConditionName() string {
	if e == nil || e.Condition == nil {
		return ""
	}
	return e.Condition.XMLName.Local
}

// Query is the archive query payload.
type Query struct {
	XMLName xml.Name  `xml:"query"`
	QueryID string    `xml:"queryid,attr,omitempty"`
	Node    string    `xml:"node,attr,omitempty"`
	Form    *DataForm `xml:"jabber:x:data x,omitempty"`
	Set     *rsm.Set  `xml:"http://jabber.org/protocol/rsm set,omitempty"`
}

// ParseQuery decodes an IQ payload as an archive query.
func ParseQuery(el *Element) (*Query, error) {
	if el == nil {
		return nil, errors.New("no payload")
	}
	raw, err := xml.Marshal(el.Copy())
	if err != nil {
		return nil, fmt.Errorf("re-encode payload: %w", err)
	}
	var q Query
	if err := xml.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("decode query: %w", err)
	}
	return &q, nil
}

// ElementOf encodes a typed payload into a generic element suitable for an IQ.
func ElementOf(v any) (*Element, error) {
	raw, err := xml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var el Element
	if err := xml.Unmarshal(raw, &el); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return el.Copy(), nil
}

// Result carries one archived message as a query result.
type Result struct {
	XMLName   xml.Name   // namespace depends on protocol variant
	QueryID   string     `xml:"queryid,attr,omitempty"`
	ID        string     `xml:"id,attr"`
	Forwarded *Forwarded `xml:"urn:xmpp:forward:0 forwarded"`
}

// Forwarded wraps a historical stanza with its original timestamp.
type Forwarded struct {
	XMLName xml.Name `xml:"urn:xmpp:forward:0 forwarded"`
	Delay   Delay    `xml:"urn:xmpp:delay delay"`
	Stanza  *Element `xml:",any"`
}

// Delay is a delayed-delivery timestamp.
type Delay struct {
	XMLName xml.Name `xml:"urn:xmpp:delay delay"`
	Stamp   string   `xml:"stamp,attr"`
	From    string   `xml:"from,attr,omitempty"`
}

// Fin is the completion marker of an archive query.
type Fin struct {
	XMLName  xml.Name // namespace depends on protocol variant
	QueryID  string   `xml:"queryid,attr,omitempty"`
	Complete string   `xml:"complete,attr,omitempty"`
	Set      *rsm.Set `xml:"http://jabber.org/protocol/rsm set,omitempty"`
}

// ParseFragment parses stored stanza text into an element. Unqualified roots are placed in
// the client namespace so that they keep their meaning once wrapped in another element.
func ParseFragment(text string) (*Element, error) {
	var el Element
	if err := xml.Unmarshal([]byte(text), &el); err != nil {
		return nil, err
	}
	if el.XMLName.Local == "" {
		return nil, errors.New("empty fragment")
	}
	if el.XMLName.Space == "" {
		el.XMLName.Space = NSClient
	}
	return el.Copy(), nil
}

// Decode reads one inbound stanza (an IQ or a message).
func Decode(data []byte) (Stanza, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("no stanza in frame")
			}
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "iq":
			var iq IQ
			if err := dec.DecodeElement(&iq, &start); err != nil {
				return nil, err
			}
			return &iq, nil
		case "message":
			var m Message
			if err := dec.DecodeElement(&m, &start); err != nil {
				return nil, err
			}
			return &m, nil
		default:
			return nil, fmt.Errorf("unsupported stanza %q", start.Name.Local)
		}
	}
}

// Encode serializes an outbound stanza.
func Encode(s Stanza) ([]byte, error) {
	return xml.Marshal(s)
}
