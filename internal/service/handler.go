// Package service implements archive query processing: request parsing, authorization, the
// availability wait and the background retrieval pipeline.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/and161185/mam-keeper/internal/errs"
	"github.com/and161185/mam-keeper/internal/metrics"
	"github.com/and161185/mam-keeper/internal/model"
	"github.com/and161185/mam-keeper/internal/stanza"
)

// Submitter schedules background work.
type Submitter interface {
	Submit(task func(ctx context.Context)) error
}

// Options are the deployment query policies.
type Options struct {
	// ForceRSM pages every query, injecting an empty paging block when the client sent none.
	ForceRSM bool
	// DefaultPageSize applies to paged queries without max; MaxPageSize caps max. Zero disables either.
	DefaultPageSize int
	MaxPageSize     int
}

// QueryHandler is the IQ entry point of one protocol variant.
type QueryHandler struct {
	variant  Variant
	authz    *Authorizer
	pipeline *Pipeline
	pool     Submitter
	router   Router
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// NewQueryHandler wires a handler for variant.
func NewQueryHandler(v Variant, authz *Authorizer, pipeline *Pipeline, pool Submitter, router Router, opts Options, logger *zap.Logger) *QueryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryHandler{
		variant:  v,
		authz:    authz,
		pipeline: pipeline,
		pool:     pool,
		router:   router,
		opts:     opts,
		logger:   logger.With(zap.String("ns", v.Namespace)),
		now:      time.Now,
	}
}

// Namespace returns the query namespace served by the handler.
func (h *QueryHandler) Namespace() string { return h.variant.Namespace }

// Features lists the service discovery features of the handler.
func (h *QueryHandler) Features() []string { return []string{h.variant.Namespace} }

// HandleIQ processes one query IQ. A nil reply means the query was accepted and its results will
// be delivered asynchronously. A returned error means no reply could be built.
func (h *QueryHandler) HandleIQ(ctx context.Context, iq *stanza.IQ) (*stanza.IQ, error) {
	ns := h.variant.Namespace
	switch iq.Type {
	case stanza.IQGet:
		metrics.Queries.WithLabelValues(ns, metrics.OutcomeFields).Inc()
		return SupportedFieldsResult(iq, ns)
	case stanza.IQSet:
	default:
		return nil, nil
	}

	from, err := jid.Parse(iq.From)
	if err != nil {
		h.logger.Debug("query without a valid sender", zap.String("from", iq.From), zap.Error(err))
		return BadRequestResponse(iq), nil
	}
	archive := from.Bare()
	if iq.To != "" {
		if archive, err = jid.Parse(iq.To); err != nil {
			h.logger.Debug("query for an invalid archive", zap.String("to", iq.To), zap.Error(err))
			return BadRequestResponse(iq), nil
		}
	}
	query, err := stanza.ParseQuery(iq.Payload)
	if err != nil {
		h.logger.Debug("unreadable query", zap.Error(err))
		return BadRequestResponse(iq), nil
	}
	h.logger.Debug("archive requested", zap.String("archive", archive.String()), zap.String("requestor", from.String()))

	decision, group, err := h.authz.Resolve(ctx, archive, from)
	if err != nil {
		h.logger.Error("archive authorization failed", zap.String("archive", archive.String()), zap.Error(err))
		metrics.Queries.WithLabelValues(ns, metrics.OutcomeError).Inc()
		return InternalErrorResponse(iq), nil
	}
	switch decision {
	case model.NotFound:
		metrics.Queries.WithLabelValues(ns, metrics.OutcomeNotFound).Inc()
		return InternalErrorResponse(iq), nil
	case model.Forbidden:
		metrics.Queries.WithLabelValues(ns, metrics.OutcomeForbidden).Inc()
		return ForbiddenResponse(iq), nil
	}

	if h.variant.MidAck {
		if err := h.router.Route(ctx, AckResult(iq)); err != nil {
			h.logger.Error("failed to acknowledge archive query", zap.Error(err))
		}
	}

	req := NewQueryRequest(query, archive, from, group, h.opts.ForceRSM, h.logger)
	req.NormalizePaging(h.opts.DefaultPageSize, h.opts.MaxPageSize)
	received := h.now()

	err = h.pool.Submit(func(ctx context.Context) {
		h.pipeline.Run(ctx, iq, req, received)
	})
	if err != nil {
		if !errors.Is(err, errs.ErrPoolClosed) {
			h.logger.Error("failed to schedule archive query", zap.Error(err))
		}
		metrics.Queries.WithLabelValues(ns, metrics.OutcomeError).Inc()
		return InternalErrorResponse(iq), nil
	}
	metrics.Queries.WithLabelValues(ns, metrics.OutcomeAccepted).Inc()
	return nil, nil
}
