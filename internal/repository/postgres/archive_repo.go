package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	sq "github.com/Masterminds/squirrel"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/mam-keeper/internal/errs"
	"github.com/and161185/mam-keeper/internal/model"
	"github.com/and161185/mam-keeper/internal/repository"
	"github.com/and161185/mam-keeper/internal/rsm"
)

const archiveTable = "archived_messages"

var archiveColumns = []string{"id", "stable_id", "with_jid", "with_resource", "sent_at", "stanza", "body"}

// ArchiveRepo implements ArchiveRepository and ArchiveWriter using PostgreSQL.
type ArchiveRepo struct{ db *DB }

var (
	_ repository.ArchiveRepository = (*ArchiveRepo)(nil)
	_ repository.ArchiveWriter     = (*ArchiveRepo)(nil)
)

// NewArchiveRepo constructs an archive repository.
func NewArchiveRepo(db *DB) *ArchiveRepo { return &ArchiveRepo{db: db} }

// FindRecords returns one page of the archive in id order. A nil result set returns every match.
// Pages are fetched one row long to learn whether the set continues; a page anchored by before
// is read backwards and reversed.
func (r *ArchiveRepo) FindRecords(
	ctx context.Context, q model.RecordQuery, rs *rsm.ResultSet, stableIDs bool,
) ([]model.ArchivedRecord, error) {
	where := recordFilter(q)
	if rs == nil {
		return r.selectRecords(ctx, psql.Select(archiveColumns...).From(archiveTable).Where(where).OrderBy("id ASC"))
	}

	page := append(sq.And{}, where...)
	if after := rs.After(); after != "" {
		c, err := r.cursor(ctx, q, ">", after, stableIDs)
		if err != nil {
			return nil, err
		}
		page = append(page, c)
	}
	if before := rs.Before(); before != "" {
		c, err := r.cursor(ctx, q, "<", before, stableIDs)
		if err != nil {
			return nil, err
		}
		page = append(page, c)
	}

	total, err := r.count(ctx, where)
	if err != nil {
		return nil, err
	}
	rs.SetCount(total)
	if rs.Max() == 0 {
		rs.SetComplete(total == 0)
		return []model.ArchivedRecord{}, nil
	}

	sb := psql.Select(archiveColumns...).From(archiveTable).Where(page)
	if rs.Backward() {
		sb = sb.OrderBy("id DESC")
	} else {
		sb = sb.OrderBy("id ASC")
		if idx := rs.Index(); idx > 0 && rs.After() == "" {
			sb = sb.Offset(uint64(idx))
		}
	}
	limit := rs.Max()
	if limit > 0 {
		sb = sb.Limit(uint64(limit) + 1)
	}

	recs, err := r.selectRecords(ctx, sb)
	if err != nil {
		return nil, err
	}
	more := limit > 0 && len(recs) > limit
	if more {
		recs = recs[:limit]
	}
	if rs.Backward() {
		slices.Reverse(recs)
	}
	rs.SetComplete(!more)

	if len(recs) > 0 {
		first, last := recs[0], recs[len(recs)-1]
		idx, err := r.count(ctx, append(append(sq.And{}, where...), sq.Lt{"id": first.ID}))
		if err != nil {
			return nil, err
		}
		rs.SetPage(first.ResultID(stableIDs), last.ResultID(stableIDs), idx)
	}
	return recs, nil
}

func recordFilter(q model.RecordQuery) sq.And {
	where := sq.And{sq.Eq{"owner_jid": q.Archive.Bare().String()}}
	if q.Start != nil {
		where = append(where, sq.GtOrEq{"sent_at": *q.Start})
	}
	if q.End != nil {
		where = append(where, sq.LtOrEq{"sent_at": *q.End})
	}
	if q.With != nil {
		where = append(where, sq.Eq{"with_jid": q.With.Bare().String()})
		if res := q.With.Resourcepart(); res != "" {
			where = append(where, sq.Eq{"with_resource": res})
		}
	}
	return where
}

// cursor compares row ids against a paging cursor. With stable ids the cursor is resolved to a
// row of the queried archive first; numeric cursors are accepted either way.
func (r *ArchiveRepo) cursor(ctx context.Context, q model.RecordQuery, op, value string, stableIDs bool) (sq.Sqlizer, error) {
	if stableIDs {
		if id, err := uuid.FromString(value); err == nil {
			n, err := r.resolveStableID(ctx, q.Archive.Bare().String(), id)
			if err != nil {
				return nil, err
			}
			return sq.Expr("id "+op+" ?", n), nil
		}
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", errs.ErrBadCursor, value)
	}
	return sq.Expr("id "+op+" ?", n), nil
}

func (r *ArchiveRepo) resolveStableID(ctx context.Context, owner string, id uuid.UUID) (int64, error) {
	const q = `SELECT id FROM archived_messages WHERE owner_jid=$1 AND stable_id=$2`
	var n int64
	if err := r.db.Pool.QueryRow(ctx, q, owner, id).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", errs.ErrBadCursor, id)
		}
		return 0, fmt.Errorf("resolve cursor: %w", err)
	}
	return n, nil
}

func (r *ArchiveRepo) count(ctx context.Context, where sq.And) (int, error) {
	query, args, err := psql.Select("COUNT(*)").From(archiveTable).Where(where).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int64
	if err := r.db.Pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return int(n), nil
}

func (r *ArchiveRepo) selectRecords(ctx context.Context, sb sq.SelectBuilder) ([]model.ArchivedRecord, error) {
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	defer rows.Close()

	out := []model.ArchivedRecord{}
	for rows.Next() {
		var (
			rec      model.ArchivedRecord
			with     string
			resource string
		)
		if err := rows.Scan(&rec.ID, &rec.StableID, &with, &resource, &rec.Time, &rec.Stanza, &rec.Body); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.With = with
		if resource != "" {
			rec.With = with + "/" + resource
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// StoreBatch inserts msgs with a single statement. Messages without a stable id get a fresh one.
func (r *ArchiveRepo) StoreBatch(ctx context.Context, msgs []model.PendingMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	ib := psql.Insert(archiveTable).
		Columns("stable_id", "owner_jid", "with_jid", "with_resource", "sent_at", "stanza", "body")
	for _, m := range msgs {
		id := m.StableID
		if id == uuid.Nil {
			id = uuid.Must(uuid.NewV4())
		}
		ib = ib.Values(id, m.Owner.Bare().String(), m.With.Bare().String(), m.WithResource, m.Time.UTC(), m.Stanza, m.Body)
	}
	query, args, err := ib.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.db.Pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert archived messages: %w", err)
	}
	return nil
}
