package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/and161185/mam-keeper/internal/errs"
	"github.com/and161185/mam-keeper/internal/model"
	"github.com/and161185/mam-keeper/internal/repository"
)

// Authorizer decides whether a requestor may query an archive.
type Authorizer struct {
	domain string
	muc    repository.MUCRegistry
	admins repository.AdminDirectory
	logger *zap.Logger
}

// NewAuthorizer constructs an Authorizer for the server hosting domain.
func NewAuthorizer(domain string, muc repository.MUCRegistry, admins repository.AdminDirectory, logger *zap.Logger) *Authorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authorizer{domain: domain, muc: muc, admins: admins, logger: logger}
}

// Resolve authorizes requestor (a full JID) against archive and reports whether the archive is a
// room archive. Errors are lookup failures; they are not authorization outcomes.
//
// Rooms: sysadmins of the service pass first, then outcasts are refused, owners and admins pass,
// members-only rooms admit members only and open rooms admit every other rank. A password
// protected room additionally requires the requestor to be joined with this full JID.
func (a *Authorizer) Resolve(ctx context.Context, archive, requestor jid.JID) (model.Decision, bool, error) {
	bare := requestor.Bare()
	log := a.logger.With(zap.String("archive", archive.String()), zap.String("requestor", bare.String()))

	if strings.EqualFold(archive.Domainpart(), a.domain) {
		return a.personal(log, archive, bare), false, nil
	}

	svc, err := a.muc.ServiceFor(ctx, archive.Domainpart())
	if errors.Is(err, errs.ErrNotFound) {
		log.Debug("no chat service for archive domain")
		return model.NotFound, false, nil
	}
	if err != nil {
		return model.NotFound, false, fmt.Errorf("lookup chat service: %w", err)
	}

	room, err := a.muc.Room(ctx, archive.Bare())
	if errors.Is(err, errs.ErrNotFound) {
		log.Debug("room not recognized")
		return model.NotFound, true, nil
	}
	if err != nil {
		return model.NotFound, true, fmt.Errorf("lookup room: %w", err)
	}

	pass, err := a.roomRank(ctx, svc, room, archive.Bare(), bare)
	if err != nil {
		return model.NotFound, true, err
	}
	if !pass {
		log.Debug("requestor may not retrieve room archive")
		return model.Forbidden, true, nil
	}

	if room.PasswordProtected {
		joined, err := a.muc.IsOccupant(ctx, archive.Bare(), requestor)
		if err != nil {
			return model.NotFound, true, fmt.Errorf("lookup occupant: %w", err)
		}
		if !joined {
			log.Debug("requestor is not an occupant of password protected room", zap.String("full", requestor.String()))
			return model.Forbidden, true, nil
		}
	}
	return model.Allowed, true, nil
}

func (a *Authorizer) roomRank(ctx context.Context, svc *model.Service, room *model.Room, roomJID, user jid.JID) (bool, error) {
	sysadmin, err := a.muc.IsSysadmin(ctx, svc.Domain, user)
	if err != nil {
		return false, fmt.Errorf("lookup sysadmin: %w", err)
	}
	if sysadmin {
		return true, nil
	}

	aff, err := a.muc.Affiliation(ctx, roomJID, user)
	if err != nil {
		return false, fmt.Errorf("lookup affiliation: %w", err)
	}
	switch aff {
	case model.AffiliationOutcast:
		return false, nil
	case model.AffiliationOwner, model.AffiliationAdmin:
		return true, nil
	}
	if room.MembersOnly {
		return aff == model.AffiliationMember, nil
	}
	return true, nil
}

func (a *Authorizer) personal(log *zap.Logger, archive, requestor jid.JID) model.Decision {
	if requestor.Equal(archive.Bare()) {
		return model.Allowed
	}
	if a.admins != nil && a.admins.IsAdmin(requestor) {
		return model.Allowed
	}
	log.Debug("requestor may not retrieve another user's archive")
	return model.Forbidden
}

// StaticAdmins is an admin directory read from configuration.
type StaticAdmins map[string]struct{}

var _ repository.AdminDirectory = StaticAdmins(nil)

// NewStaticAdmins parses the configured administrator JIDs.
func NewStaticAdmins(list []string) (StaticAdmins, error) {
	out := make(StaticAdmins, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		j, err := jid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("admin %q: %w", s, err)
		}
		out[j.Bare().String()] = struct{}{}
	}
	return out, nil
}

// IsAdmin implements repository.AdminDirectory.
func (s StaticAdmins) IsAdmin(user jid.JID) bool {
	_, ok := s[user.Bare().String()]
	return ok
}
