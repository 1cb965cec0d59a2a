package service

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/and161185/mam-keeper/internal/errs"
	"github.com/and161185/mam-keeper/internal/model"
	"github.com/and161185/mam-keeper/internal/stanza"
)

var (
	errEmptyRecord      = fmt.Errorf("%w: no stanza and no body", errs.ErrUnrepresentableRecord)
	errUnparsableStanza = errors.New("stored stanza does not parse")
)

// Codec turns stored records into forwarded result messages.
type Codec struct {
	variant Variant
}

// NewCodec constructs a Codec framing results for variant.
func NewCodec(v Variant) *Codec {
	return &Codec{variant: v}
}

// Build wraps rec for delivery to the requestor of req. Records that cannot be represented yield
// an error matching errs.ErrUnrepresentableRecord.
func (c *Codec) Build(rec model.ArchivedRecord, req *QueryRequest) (*stanza.Message, error) {
	el, err := c.fragment(rec)
	if err != nil {
		return nil, err
	}
	msg := &stanza.Message{
		To: req.ReplyTo().String(),
		Result: &stanza.Result{
			XMLName: xml.Name{Space: c.variant.Namespace, Local: "result"},
			QueryID: req.QueryID(),
			ID:      rec.ResultID(c.variant.StableIDs),
			Forwarded: &stanza.Forwarded{
				Delay:  stanza.Delay{Stamp: stanza.FormatDateTime(rec.Time)},
				Stanza: el,
			},
		},
	}
	if req.IsGroup() {
		msg.From = req.Archive().Bare().String()
	}
	return msg, nil
}

func (c *Codec) fragment(rec model.ArchivedRecord) (*stanza.Element, error) {
	if rec.Stanza != "" {
		el, err := stanza.ParseFragment(rec.Stanza)
		if err != nil {
			return nil, fmt.Errorf("%w: %w: %v", errs.ErrUnrepresentableRecord, errUnparsableStanza, err)
		}
		return el, nil
	}
	if rec.Body == "" {
		return nil, errEmptyRecord
	}
	return legacyMessage(rec.With, rec.Body), nil
}

// legacyMessage reconstructs a chat message for records archived before full stanzas were kept.
func legacyMessage(with, body string) *stanza.Element {
	var inner bytes.Buffer
	inner.WriteString("<body>")
	_ = xml.EscapeText(&inner, []byte(body))
	inner.WriteString("</body>")
	return &stanza.Element{
		XMLName: xml.Name{Space: stanza.NSClient, Local: "message"},
		Attrs: []xml.Attr{
			{Name: xml.Name{Local: "from"}, Value: with},
			{Name: xml.Name{Local: "to"}, Value: with},
			{Name: xml.Name{Local: "type"}, Value: "chat"},
		},
		Inner: inner.Bytes(),
	}
}
