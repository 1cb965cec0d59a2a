package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config bounds the failure window.
type Config struct {
	Window   time.Duration
	MaxFails int
	BlockFor time.Duration
}

// PG keeps handshake counters in the auth_limiter table. Failures older than Window restart the count;
// MaxFails failures inside it block the pair for BlockFor.
type PG struct {
	db  querier
	cfg Config
	now func() time.Time
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(db querier, cfg Config) *PG {
	if cfg.MaxFails <= 0 {
		cfg.MaxFails = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.BlockFor <= 0 {
		cfg.BlockFor = 15 * time.Minute
	}
	return &PG{db: db, cfg: cfg, now: time.Now}
}

// Allow reports whether the pair is currently unblocked.
func (l *PG) Allow(ctx context.Context, subject string, addrHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_limiter WHERE subject=$1 AND ip_hash=$2`
	var blockedUntil time.Time
	err := l.db.QueryRow(ctx, q, subject, addrHash).Scan(&blockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("select limiter state: %w", err)
	}
	if wait := blockedUntil.Sub(l.now()); wait > 0 {
		return false, wait, nil
	}
	return true, 0, nil
}

// Success resets the pair.
func (l *PG) Success(ctx context.Context, subject string, addrHash []byte) error {
	const q = `
INSERT INTO auth_limiter (subject, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,0,'epoch',now())
ON CONFLICT (subject, ip_hash)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	if _, err := l.db.Exec(ctx, q, subject, addrHash); err != nil {
		return fmt.Errorf("reset limiter: %w", err)
	}
	return nil
}

// Failure bumps the counter and blocks the pair once it reaches MaxFails.
func (l *PG) Failure(ctx context.Context, subject string, addrHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO auth_limiter (subject, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',now())
ON CONFLICT (subject, ip_hash) DO UPDATE
SET
  fail_count = CASE WHEN now() - auth_limiter.updated_at > $3::interval THEN 1 ELSE auth_limiter.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.db.QueryRow(ctx, q, subject, addrHash, l.cfg.Window).Scan(&fails); err != nil {
		return false, 0, fmt.Errorf("record failure: %w", err)
	}
	if fails < l.cfg.MaxFails {
		return false, 0, nil
	}
	const upd = `UPDATE auth_limiter SET blocked_until=$3 WHERE subject=$1 AND ip_hash=$2`
	if _, err := l.db.Exec(ctx, upd, subject, addrHash, l.now().Add(l.cfg.BlockFor)); err != nil {
		return false, 0, fmt.Errorf("block pair: %w", err)
	}
	return true, l.cfg.BlockFor, nil
}
