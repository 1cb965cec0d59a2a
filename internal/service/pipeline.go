package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/and161185/mam-keeper/internal/errs"
	"github.com/and161185/mam-keeper/internal/metrics"
	"github.com/and161185/mam-keeper/internal/repository"
	"github.com/and161185/mam-keeper/internal/stanza"
)

// detachedBudget bounds the fetch and emission of a query whose context was cancelled while it
// waited, and the delivery of error frames during shutdown.
const detachedBudget = 5 * time.Second

// Router delivers outbound stanzas.
type Router interface {
	Route(ctx context.Context, s stanza.Stanza) error
}

// State is a stage of query processing.
type State int

const (
	StateScheduled State = iota
	StateWaiting
	StateFetching
	StateEmitting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateWaiting:
		return "waiting"
	case StateFetching:
		return "fetching"
	case StateEmitting:
		return "emitting"
	case StateCompleted:
		return "completed"
	default:
		return "failed"
	}
}

// Pipeline retrieves and streams the records of accepted queries. One Run processes one query
// and is meant to execute on a background worker.
type Pipeline struct {
	variant Variant
	store   repository.ArchiveRepository
	waiter  *Waiter
	codec   *Codec
	router  Router
	logger  *zap.Logger
}

// NewPipeline constructs a Pipeline for variant.
func NewPipeline(v Variant, store repository.ArchiveRepository, waiter *Waiter, router Router, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		variant: v,
		store:   store,
		waiter:  waiter,
		codec:   NewCodec(v),
		router:  router,
		logger:  logger,
	}
}

// Run waits until archive data up to cutoff is readable, fetches one page for req, streams every
// representable record to the requestor and finishes with a single fin. Failures are reported to
// the requestor as one internal error when packet expects a response; they never escape Run.
func (p *Pipeline) Run(ctx context.Context, packet *stanza.IQ, req *QueryRequest, cutoff time.Time) (state State) {
	started := time.Now()
	log := p.logger.With(
		zap.String("job", ulid.Make().String()),
		zap.String("ns", p.variant.Namespace),
		zap.String("archive", req.Archive().String()),
		zap.String("requestor", req.ReplyTo().String()),
		zap.String("queryid", req.QueryID()),
	)

	defer func() {
		if r := recover(); r != nil {
			state = StateFailed
			p.fail(ctx, log, packet, fmt.Errorf("panic: %v", r))
		}
		outcome := metrics.OutcomeCompleted
		if state != StateCompleted {
			outcome = metrics.OutcomeFailed
		}
		metrics.Queries.WithLabelValues(p.variant.Namespace, outcome).Inc()
		metrics.PipelineDuration.WithLabelValues(p.variant.Namespace, state.String()).Observe(time.Since(started).Seconds())
	}()

	state = StateScheduled
	if err := p.run(ctx, log, packet, req, cutoff, &state); err != nil {
		stage := state
		state = StateFailed
		p.fail(ctx, log.With(zap.Stringer("stage", stage)), packet, err)
		return state
	}
	log.Debug("done with archive query", zap.Duration("took", time.Since(started)))
	return state
}

func (p *Pipeline) run(ctx context.Context, log *zap.Logger, packet *stanza.IQ, req *QueryRequest, cutoff time.Time, state *State) error {
	*state = StateWaiting
	waitStarted := time.Now()
	if err := p.waiter.Wait(ctx, cutoff); err != nil {
		return err
	}
	metrics.AvailabilityWait.Observe(time.Since(waitStarted).Seconds())
	if ctx.Err() != nil {
		// An interrupted wait still answers with what is readable now.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), detachedBudget)
		defer cancel()
	}

	*state = StateFetching
	records, err := p.store.FindRecords(ctx, req.RecordQuery(), req.ResultSet(), p.variant.StableIDs)
	if err != nil {
		return fmt.Errorf("find records: %w", err)
	}
	log.Debug("retrieved records from archive", zap.Int("count", len(records)))

	*state = StateEmitting
	for _, rec := range records {
		msg, err := p.codec.Build(rec, req)
		if err != nil {
			if !errors.Is(err, errs.ErrUnrepresentableRecord) {
				return fmt.Errorf("build result: %w", err)
			}
			p.dropped(log, rec.ID, err)
			continue
		}
		p.deliver(ctx, log, msg)
		metrics.RecordsEmitted.WithLabelValues(p.variant.Namespace).Inc()
	}

	end, err := p.endFrame(packet, req)
	if err != nil {
		return fmt.Errorf("build fin: %w", err)
	}
	p.deliver(ctx, log, end)
	*state = StateCompleted
	return nil
}

func (p *Pipeline) endFrame(packet *stanza.IQ, req *QueryRequest) (stanza.Stanza, error) {
	if p.variant.FinInIQ() {
		return FinResult(packet, p.variant.Namespace, req)
	}
	return FinMessage(p.variant.Namespace, req), nil
}

func (p *Pipeline) dropped(log *zap.Logger, id int64, err error) {
	if errors.Is(err, errEmptyRecord) {
		log.Debug("skipping archived record without stanza or body", zap.Int64("record", id))
		metrics.RecordsDropped.WithLabelValues("empty").Inc()
		return
	}
	log.Error("failed to parse archived stanza", zap.Int64("record", id), zap.Error(err))
	metrics.RecordsDropped.WithLabelValues("unparsable").Inc()
}

// deliver hands s to the transport. Delivery failures are not retried.
func (p *Pipeline) deliver(ctx context.Context, log *zap.Logger, s stanza.Stanza) {
	if err := p.router.Route(ctx, s); err != nil {
		log.Error("failed to route archive query stanza", zap.String("to", s.Addressee()), zap.Error(err))
	}
}

// fail reports a failed query to its originator once. Nothing raised here reaches the caller.
func (p *Pipeline) fail(ctx context.Context, log *zap.Logger, packet *stanza.IQ, cause error) {
	log.Error("unexpected failure while processing archive query", zap.Any("packet", packet), zap.Error(cause))
	if !packet.IsRequest() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("failed to return error stanza to originator", zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedBudget)
	defer cancel()
	if err := p.router.Route(ctx, InternalErrorResponse(packet)); err != nil {
		log.Error("failed to return error stanza to originator", zap.Error(err))
	}
}
