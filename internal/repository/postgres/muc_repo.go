package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"
	"mellium.im/xmpp/jid"

	"github.com/and161185/mam-keeper/internal/errs"
	"github.com/and161185/mam-keeper/internal/metrics"
	"github.com/and161185/mam-keeper/internal/model"
	"github.com/and161185/mam-keeper/internal/repository"
)

// MUCRepo implements MUCRegistry using PostgreSQL. Service lookups by domain are cached;
// unknown domains are not, so that a newly registered service is seen on the next query.
type MUCRepo struct {
	db       *DB
	services *expirable.LRU[string, *model.Service]
}

var _ repository.MUCRegistry = (*MUCRepo)(nil)

// NewMUCRepo constructs a registry caching up to cacheSize services for ttl.
func NewMUCRepo(db *DB, cacheSize int, ttl time.Duration) *MUCRepo {
	if cacheSize <= 0 {
		cacheSize = 64
	}
	return &MUCRepo{db: db, services: expirable.NewLRU[string, *model.Service](cacheSize, nil, ttl)}
}

// ServiceFor returns the chat service hosted on domain.
func (r *MUCRepo) ServiceFor(ctx context.Context, domain string) (*model.Service, error) {
	domain = strings.ToLower(domain)
	if svc, ok := r.services.Get(domain); ok {
		metrics.MUCCacheLookups.WithLabelValues("hit").Inc()
		return svc, nil
	}
	metrics.MUCCacheLookups.WithLabelValues("miss").Inc()

	const q = `SELECT domain FROM muc_services WHERE domain=$1`
	var svc model.Service
	if err := r.db.Pool.QueryRow(ctx, q, domain).Scan(&svc.Domain); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("select chat service: %w", err)
	}
	r.services.Add(domain, &svc)
	return &svc, nil
}

// Room returns the room addressed by the bare JID.
func (r *MUCRepo) Room(ctx context.Context, room jid.JID) (*model.Room, error) {
	const q = `
SELECT service_domain, name, members_only, password_protected
FROM muc_rooms WHERE service_domain=$1 AND name=$2`
	var out model.Room
	err := r.db.Pool.QueryRow(ctx, q, room.Domainpart(), room.Localpart()).
		Scan(&out.Service, &out.Name, &out.MembersOnly, &out.PasswordProtected)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("select room: %w", err)
	}
	return &out, nil
}

// Affiliation returns the user's rank in the room, AffiliationNone when there is none.
func (r *MUCRepo) Affiliation(ctx context.Context, room, user jid.JID) (model.Affiliation, error) {
	const q = `
SELECT affiliation FROM muc_affiliations
WHERE service_domain=$1 AND room=$2 AND jid=$3`
	var aff string
	err := r.db.Pool.QueryRow(ctx, q, room.Domainpart(), room.Localpart(), user.Bare().String()).Scan(&aff)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AffiliationNone, nil
		}
		return model.AffiliationNone, fmt.Errorf("select affiliation: %w", err)
	}
	return model.ParseAffiliation(aff), nil
}

// IsSysadmin reports whether user administers the service.
func (r *MUCRepo) IsSysadmin(ctx context.Context, service string, user jid.JID) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM muc_sysadmins WHERE service_domain=$1 AND jid=$2)`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, q, strings.ToLower(service), user.Bare().String()).Scan(&ok); err != nil {
		return false, fmt.Errorf("select sysadmin: %w", err)
	}
	return ok, nil
}

// IsOccupant reports whether the full JID is joined to the room.
func (r *MUCRepo) IsOccupant(ctx context.Context, room, full jid.JID) (bool, error) {
	const q = `
SELECT EXISTS (SELECT 1 FROM muc_occupants WHERE service_domain=$1 AND room=$2 AND full_jid=$3)`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, q, room.Domainpart(), room.Localpart(), full.String()).Scan(&ok); err != nil {
		return false, fmt.Errorf("select occupant: %w", err)
	}
	return ok, nil
}
