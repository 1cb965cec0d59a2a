package repository

import (
	"context"

	"mellium.im/xmpp/jid"

	"github.com/and161185/mam-keeper/internal/model"
)

// MUCRegistry provides read-only group-chat lookups used by archive authorization.
type MUCRegistry interface {
	// ServiceFor returns the group-chat service hosted on domain, or errs.ErrNotFound.
	ServiceFor(ctx context.Context, domain string) (*model.Service, error)
	// Room returns the room addressed by the bare JID, or errs.ErrNotFound.
	Room(ctx context.Context, room jid.JID) (*model.Room, error)
	// Affiliation returns the user's rank in the room; users without one are AffiliationNone.
	Affiliation(ctx context.Context, room, user jid.JID) (model.Affiliation, error)
	// IsSysadmin reports whether user administers the whole service.
	IsSysadmin(ctx context.Context, service string, user jid.JID) (bool, error)
	// IsOccupant reports whether the full JID is currently joined to the room.
	IsOccupant(ctx context.Context, room, full jid.JID) (bool, error)
}

// AdminDirectory knows the deployment's server administrators.
type AdminDirectory interface {
	IsAdmin(user jid.JID) bool
}
