package stanza

import "encoding/xml"

// Data form and field types.
const (
	FormTypeForm   = "form"
	FormTypeSubmit = "submit"
	FormTypeResult = "result"

	FieldHidden     = "hidden"
	FieldJIDSingle  = "jid-single"
	FieldTextSingle = "text-single"
)

// DataForm is a jabber:x:data form.
type DataForm struct {
	XMLName xml.Name    `xml:"jabber:x:data x"`
	Type    string      `xml:"type,attr,omitempty"`
	Fields  []FormField `xml:"field"`
}

// FormField is one field of a data form.
type FormField struct {
	Var    string   `xml:"var,attr"`
	Type   string   `xml:"type,attr,omitempty"`
	Values []string `xml:"value"`
}

// Field returns the field named v, or nil.
func (f *DataForm) Field(v string) *FormField {
	if f == nil {
		return nil
	}
	for i := range f.Fields {
		if f.Fields[i].Var == v {
			return &f.Fields[i]
		}
	}
	return nil
}

// FirstValue returns the first value of field v and whether the field is present.
func (f *DataForm) FirstValue(v string) (string, bool) {
	fld := f.Field(v)
	if fld == nil || len(fld.Values) == 0 {
		return "", false
	}
	return fld.Values[0], true
}

// AddField appends a field with optional values.
func (f *DataForm) AddField(v, typ string, values ...string) {
	f.Fields = append(f.Fields, FormField{Var: v, Type: typ, Values: values})
}
