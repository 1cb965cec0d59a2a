// Package model defines domain entities used by services and repositories.
package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"mellium.im/xmpp/jid"
)

// ArchivedRecord is a single stored message as returned by the archive store. Read-only to the query core.
type ArchivedRecord struct {
	ID       int64     // monotonic row id
	StableID uuid.UUID // unique and stable stanza id
	Time     time.Time // original send time
	With     string    // counterpart JID as stored
	Stanza   string    // raw stanza XML, empty for legacy rows
	Body     string    // plain-text fallback
}

// ResultID returns the per-item result key for the record.
func (r ArchivedRecord) ResultID(stable bool) string {
	if stable && r.StableID != uuid.Nil {
		return r.StableID.String()
	}
	return strconv.FormatInt(r.ID, 10)
}

// RecordQuery holds the archive filters of one query. Nil bounds are unbounded.
type RecordQuery struct {
	Archive jid.JID
	With    *jid.JID
	Start   *time.Time
	End     *time.Time
}

// PendingMessage is a chat message accepted for archiving but not yet persisted.
type PendingMessage struct {
	StableID     uuid.UUID
	Owner        jid.JID // archive the copy belongs to (bare)
	With         jid.JID // counterpart (bare)
	WithResource string
	Time         time.Time
	Stanza       string
	Body         string
}

// Affiliation is a group member's rank in a room.
type Affiliation int

const (
	AffiliationNone Affiliation = iota
	AffiliationOutcast
	AffiliationMember
	AffiliationAdmin
	AffiliationOwner
)

// ParseAffiliation maps a stored affiliation name; unknown names map to none.
func ParseAffiliation(s string) Affiliation {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "owner":
		return AffiliationOwner
	case "admin":
		return AffiliationAdmin
	case "member":
		return AffiliationMember
	case "outcast":
		return AffiliationOutcast
	default:
		return AffiliationNone
	}
}

func (a Affiliation) String() string {
	switch a {
	case AffiliationOwner:
		return "owner"
	case AffiliationAdmin:
		return "admin"
	case AffiliationMember:
		return "member"
	case AffiliationOutcast:
		return "outcast"
	default:
		return "none"
	}
}

// Service is a group-chat service hosted on its own domain.
type Service struct {
	Domain string
}

// Room is a group chat whose archive may be queried.
type Room struct {
	Service           string
	Name              string
	MembersOnly       bool
	PasswordProtected bool
}

// Decision is the outcome of archive authorization.
type Decision int

const (
	Allowed Decision = iota
	Forbidden
	NotFound
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Forbidden:
		return "forbidden"
	default:
		return "not_found"
	}
}
