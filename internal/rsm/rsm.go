// Package rsm implements the result set paging block (XEP-0059) used by archive queries.
package rsm

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/and161185/mam-keeper/internal/errs"
)

// NS is the result set management namespace.
const NS = "http://jabber.org/protocol/rsm"

// Set is the wire form of a paging block, used both in requests and replies.
// Numeric children are kept as text so that malformed values can be ignored instead of failing the stanza.
type Set struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/rsm set"`
	Max     *string  `xml:"max"`
	After   *string  `xml:"after"`
	Before  *string  `xml:"before"`
	Index   *string  `xml:"index"`
	First   *First   `xml:"first"`
	Last    *string  `xml:"last"`
	Count   *string  `xml:"count"`
}

// First is the id of the first item on a page, with its position in the full set.
type First struct {
	Index string `xml:"index,attr,omitempty"`
	Value string `xml:",chardata"`
}

// ResultSet is the paging cursor state of one query. It is owned by a single pipeline.
type ResultSet struct {
	max       int
	index     int
	after     string
	before    string
	hasBefore bool

	first      string
	last       string
	firstIndex int
	count      int

	complete    bool
	completeSet bool
}

// New returns an empty result set: no cursor, no page size.
func New() *ResultSet {
	return &ResultSet{max: -1, index: -1, firstIndex: -1, count: -1}
}

// Parse reads a request paging block. Malformed numeric values are skipped and reported
// in the returned error; the result set is always usable.
func Parse(s *Set) (*ResultSet, error) {
	rs := New()
	if s == nil {
		return rs, nil
	}
	var bad []error
	if s.Max != nil {
		if n, err := parseNonNegative(*s.Max); err != nil {
			bad = append(bad, fmt.Errorf("max: %w", err))
		} else {
			rs.max = n
		}
	}
	if s.Index != nil {
		if n, err := parseNonNegative(*s.Index); err != nil {
			bad = append(bad, fmt.Errorf("index: %w", err))
		} else {
			rs.index = n
		}
	}
	if s.After != nil {
		rs.after = strings.TrimSpace(*s.After)
	}
	if s.Before != nil {
		// <before/> without a value asks for the last page.
		rs.hasBefore = true
		rs.before = strings.TrimSpace(*s.Before)
	}
	return rs, errors.Join(bad...)
}

func parseNonNegative(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", errs.ErrMalformedFilter, v)
	}
	return n, nil
}

// Normalize applies the default page size when none was requested and caps it at maxCap.
func (rs *ResultSet) Normalize(defaultMax, maxCap int) {
	if rs.max < 0 {
		rs.max = defaultMax
	}
	if maxCap > 0 && rs.max > maxCap {
		rs.max = maxCap
	}
}

// Max returns the requested page size, or -1 when unset.
func (rs *ResultSet) Max() int { return rs.max }

// Index returns the requested start position, or -1 when unset.
func (rs *ResultSet) Index() int { return rs.index }

// After returns the cursor after which the page starts, empty when unset.
func (rs *ResultSet) After() string { return rs.after }

// Before returns the cursor before which the page ends, empty when unset or when the last page is wanted.
func (rs *ResultSet) Before() string { return rs.before }

// Backward reports whether the page is anchored at the end of the set.
func (rs *ResultSet) Backward() bool { return rs.hasBefore }

// SetPage records the bounds of the returned page. firstIndex < 0 means unknown.
func (rs *ResultSet) SetPage(first, last string, firstIndex int) {
	rs.first, rs.last, rs.firstIndex = first, last, firstIndex
}

// SetCount records the size of the full matching set.
func (rs *ResultSet) SetCount(n int) { rs.count = n }

// Count returns the size of the full matching set, or -1 when unknown.
func (rs *ResultSet) Count() int { return rs.count }

// First returns the id of the first item of the returned page.
func (rs *ResultSet) First() string { return rs.first }

// Last returns the id of the last item of the returned page.
func (rs *ResultSet) Last() string { return rs.last }

// SetComplete marks whether the page exhausts the set. Only the first call has effect;
// it reports whether this call did.
func (rs *ResultSet) SetComplete(complete bool) bool {
	if rs.completeSet {
		return false
	}
	rs.complete, rs.completeSet = complete, true
	return true
}

// Complete reports whether the store declared the set exhausted.
func (rs *ResultSet) Complete() bool { return rs.complete }

// ResultElement builds the reply paging block describing the returned page.
func (rs *ResultSet) ResultElement() *Set {
	out := &Set{}
	if rs.first != "" {
		f := &First{Value: rs.first}
		if rs.firstIndex >= 0 {
			f.Index = strconv.Itoa(rs.firstIndex)
		}
		out.First = f
	}
	if rs.last != "" {
		last := rs.last
		out.Last = &last
	}
	if rs.count >= 0 {
		c := strconv.Itoa(rs.count)
		out.Count = &c
	}
	return out
}
