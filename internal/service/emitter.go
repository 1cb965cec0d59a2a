package service

import (
	"encoding/xml"

	"github.com/and161185/mam-keeper/internal/stanza"
)

// FinElement builds the completion marker of req. The complete flag is set only when the store
// declared the result set exhausted.
func FinElement(ns string, req *QueryRequest) *stanza.Fin {
	fin := &stanza.Fin{
		XMLName: xml.Name{Space: ns, Local: "fin"},
		QueryID: req.QueryID(),
	}
	if rs := req.ResultSet(); rs != nil {
		fin.Set = rs.ResultElement()
		if rs.Complete() {
			fin.Complete = "true"
		}
	}
	return fin
}

// FinMessage carries the completion marker in a message to the requestor.
func FinMessage(ns string, req *QueryRequest) *stanza.Message {
	return &stanza.Message{To: req.ReplyTo().String(), Fin: FinElement(ns, req)}
}

// FinResult answers the query IQ with the completion marker as its payload.
func FinResult(packet *stanza.IQ, ns string, req *QueryRequest) (*stanza.IQ, error) {
	el, err := stanza.ElementOf(FinElement(ns, req))
	if err != nil {
		return nil, err
	}
	reply := stanza.ResultIQ(packet)
	reply.Payload = el
	return reply, nil
}

// AckResult is the empty acknowledgement sent before a query is scheduled.
func AckResult(packet *stanza.IQ) *stanza.IQ {
	return stanza.ResultIQ(packet)
}

// ForbiddenResponse refuses the query, echoing its payload.
func ForbiddenResponse(packet *stanza.IQ) *stanza.IQ {
	return stanza.ErrorIQ(packet, stanza.ErrorTypeAuth, stanza.CondForbidden)
}

// InternalErrorResponse reports a failed or unknown archive, echoing the query payload.
func InternalErrorResponse(packet *stanza.IQ) *stanza.IQ {
	return stanza.ErrorIQ(packet, stanza.ErrorTypeCancel, stanza.CondInternalServerError)
}

// BadRequestResponse rejects a query that could not be read at all.
func BadRequestResponse(packet *stanza.IQ) *stanza.IQ {
	return stanza.ErrorIQ(packet, stanza.ErrorTypeModify, stanza.CondBadRequest)
}

type fieldsQuery struct {
	XMLName xml.Name
	Form    *stanza.DataForm
}

// SupportedFieldsResult declares the filter fields understood by queries in namespace ns.
func SupportedFieldsResult(packet *stanza.IQ, ns string) (*stanza.IQ, error) {
	form := &stanza.DataForm{Type: stanza.FormTypeForm}
	form.AddField("FORM_TYPE", stanza.FieldHidden, ns)
	form.AddField(FieldWith, stanza.FieldJIDSingle)
	form.AddField(FieldStart, stanza.FieldTextSingle)
	form.AddField(FieldEnd, stanza.FieldTextSingle)

	el, err := stanza.ElementOf(fieldsQuery{XMLName: xml.Name{Space: ns, Local: "query"}, Form: form})
	if err != nil {
		return nil, err
	}
	reply := stanza.ResultIQ(packet)
	reply.Payload = el
	return reply, nil
}
