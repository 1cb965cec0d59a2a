package service

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/and161185/mam-keeper/internal/model"
	"github.com/and161185/mam-keeper/internal/rsm"
	"github.com/and161185/mam-keeper/internal/stanza"
)

// Form fields understood by archive queries.
const (
	FieldWith  = "with"
	FieldStart = "start"
	FieldEnd   = "end"
)

// QueryRequest is a normalized archive query. Identities and filters are fixed at construction;
// only the result set is annotated afterwards, by the pipeline that owns the request.
type QueryRequest struct {
	archive   jid.JID
	requestor jid.JID
	replyTo   jid.JID
	group     bool
	queryID   string
	with      *jid.JID
	start     *time.Time
	end       *time.Time
	rs        *rsm.ResultSet
}

// NewQueryRequest builds a request from a parsed query element. Unparsable filters are logged and
// dropped, widening the query instead of failing it. With forceRSM a query without a paging block
// is treated as if it carried an empty one.
func NewQueryRequest(q *stanza.Query, archive, requestor jid.JID, group, forceRSM bool, logger *zap.Logger) *QueryRequest {
	if logger == nil {
		logger = zap.NewNop()
	}
	if q == nil {
		q = &stanza.Query{}
	}
	req := &QueryRequest{
		archive:   archive,
		requestor: requestor.Bare(),
		replyTo:   requestor,
		group:     group,
		queryID:   q.QueryID,
	}
	log := logger.With(zap.String("archive", archive.String()), zap.String("queryid", q.QueryID))

	if v, ok := q.Form.FirstValue(FieldWith); ok && strings.TrimSpace(v) != "" {
		w, err := jid.Parse(strings.TrimSpace(v))
		if err != nil {
			log.Warn("ignoring malformed with filter", zap.String("value", v), zap.Error(err))
		} else {
			req.with = &w
		}
	}
	req.start = parseBound(log, FieldStart, q.Form)
	req.end = parseBound(log, FieldEnd, q.Form)

	set := q.Set
	if set == nil && forceRSM {
		set = &rsm.Set{}
	}
	if set != nil {
		rs, err := rsm.Parse(set)
		if err != nil {
			log.Warn("ignoring malformed paging values", zap.Error(err))
		}
		req.rs = rs
	}
	return req
}

func parseBound(log *zap.Logger, field string, form *stanza.DataForm) *time.Time {
	v, ok := form.FirstValue(field)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	t, err := stanza.ParseDateTime(v)
	if err != nil {
		log.Warn("ignoring malformed date filter", zap.String("field", field), zap.String("value", v), zap.Error(err))
		return nil
	}
	return &t
}

// Archive returns the queried archive.
func (r *QueryRequest) Archive() jid.JID { return r.archive }

// Requestor returns the bare identity of the caller.
func (r *QueryRequest) Requestor() jid.JID { return r.requestor }

// ReplyTo returns the full identity results are delivered to.
func (r *QueryRequest) ReplyTo() jid.JID { return r.replyTo }

// IsGroup reports whether the archive belongs to a room.
func (r *QueryRequest) IsGroup() bool { return r.group }

// QueryID returns the client correlation token, possibly empty.
func (r *QueryRequest) QueryID() string { return r.queryID }

// With returns the correspondent filter, nil when absent or malformed.
func (r *QueryRequest) With() *jid.JID { return r.with }

// Start returns the inclusive lower time bound, nil when absent or malformed.
func (r *QueryRequest) Start() *time.Time { return r.start }

// End returns the inclusive upper time bound, nil when absent or malformed.
func (r *QueryRequest) End() *time.Time { return r.end }

// ResultSet returns the paginator of the request. It is nil only when paging is not forced and the
// query carried no paging block.
func (r *QueryRequest) ResultSet() *rsm.ResultSet { return r.rs }

// NormalizePaging applies the deployment page size policy to requests that page.
func (r *QueryRequest) NormalizePaging(defaultMax, maxCap int) {
	if r.rs != nil {
		r.rs.Normalize(defaultMax, maxCap)
	}
}

// RecordQuery returns the store filters of the request.
func (r *QueryRequest) RecordQuery() model.RecordQuery {
	return model.RecordQuery{
		Archive: r.archive.Bare(),
		With:    r.with,
		Start:   r.start,
		End:     r.end,
	}
}
