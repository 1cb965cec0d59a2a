package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"
	"mellium.im/xmpp/jid"

	"github.com/and161185/mam-keeper/internal/model"
)

const (
	roomJID   = "room@conference.example.com"
	aliceFull = "alice@example.com/phone"
)

func newRoomAuthorizer(t *testing.T, room model.Room, aff model.Affiliation) (*Authorizer, *fakeMUC) {
	t.Helper()
	muc := &fakeMUC{
		services:  map[string]bool{"conference.example.com": true},
		rooms:     map[string]*model.Room{roomJID: &room},
		affs:      map[string]model.Affiliation{roomJID + "|alice@example.com": aff},
		sysadmins: map[string]bool{},
		occupants: map[string]bool{},
	}
	return NewAuthorizer("example.com", muc, StaticAdmins{}, zaptest.NewLogger(t)), muc
}

func resolve(t *testing.T, a *Authorizer, archive, requestor string) (model.Decision, bool) {
	t.Helper()
	d, group, err := a.Resolve(context.Background(), jid.MustParse(archive), jid.MustParse(requestor))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return d, group
}

func TestResolve_PersonalArchive(t *testing.T) {
	admins, err := NewStaticAdmins([]string{"root@example.com", " "})
	if err != nil {
		t.Fatalf("admins: %v", err)
	}

	for _, dir := range []StaticAdmins{{}, admins} {
		a := NewAuthorizer("example.com", &fakeMUC{}, dir, zaptest.NewLogger(t))
		if d, group := resolve(t, a, "alice@example.com", aliceFull); d != model.Allowed || group {
			t.Fatalf("own archive want allowed/personal, got %v group=%v", d, group)
		}
	}

	noAdmins := NewAuthorizer("example.com", &fakeMUC{}, StaticAdmins{}, zaptest.NewLogger(t))
	if d, _ := resolve(t, noAdmins, "bob@example.com", aliceFull); d != model.Forbidden {
		t.Fatalf("foreign archive want forbidden, got %v", d)
	}

	withAdmins := NewAuthorizer("example.com", &fakeMUC{}, admins, zaptest.NewLogger(t))
	if d, _ := resolve(t, withAdmins, "bob@example.com", "root@example.com/console"); d != model.Allowed {
		t.Fatalf("admin want allowed, got %v", d)
	}
}

func TestResolve_UnknownDomainAndRoom(t *testing.T) {
	a, _ := newRoomAuthorizer(t, model.Room{}, model.AffiliationOwner)

	if d, group := resolve(t, a, "someone@elsewhere.org", aliceFull); d != model.NotFound || group {
		t.Fatalf("unknown domain want not found, got %v group=%v", d, group)
	}
	if d, group := resolve(t, a, "missing@conference.example.com", aliceFull); d != model.NotFound || !group {
		t.Fatalf("unknown room want not found in group, got %v group=%v", d, group)
	}
}

func TestResolve_RoomRanks(t *testing.T) {
	cases := []struct {
		name        string
		membersOnly bool
		aff         model.Affiliation
		want        model.Decision
	}{
		{"owner members-only", true, model.AffiliationOwner, model.Allowed},
		{"admin members-only", true, model.AffiliationAdmin, model.Allowed},
		{"member members-only", true, model.AffiliationMember, model.Allowed},
		{"none members-only", true, model.AffiliationNone, model.Forbidden},
		{"outcast members-only", true, model.AffiliationOutcast, model.Forbidden},
		{"none open", false, model.AffiliationNone, model.Allowed},
		{"member open", false, model.AffiliationMember, model.Allowed},
		{"outcast open", false, model.AffiliationOutcast, model.Forbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := newRoomAuthorizer(t, model.Room{Name: "room", MembersOnly: tc.membersOnly}, tc.aff)
			d, group := resolve(t, a, roomJID, aliceFull)
			if !group {
				t.Fatalf("want group archive")
			}
			if d != tc.want {
				t.Fatalf("want %v, got %v", tc.want, d)
			}
		})
	}
}

func TestResolve_SysadminBypassesOutcast(t *testing.T) {
	a, muc := newRoomAuthorizer(t, model.Room{Name: "room", MembersOnly: true}, model.AffiliationOutcast)
	muc.sysadmins["alice@example.com"] = true

	if d, _ := resolve(t, a, roomJID, aliceFull); d != model.Allowed {
		t.Fatalf("sysadmin outcast want allowed, got %v", d)
	}
}

func TestResolve_PasswordProtectedRequiresOccupancy(t *testing.T) {
	a, muc := newRoomAuthorizer(t, model.Room{Name: "room", PasswordProtected: true}, model.AffiliationOwner)

	if d, _ := resolve(t, a, roomJID, aliceFull); d != model.Forbidden {
		t.Fatalf("owner not joined want forbidden, got %v", d)
	}

	muc.occupants[roomJID+"|alice@example.com/laptop"] = true
	if d, _ := resolve(t, a, roomJID, aliceFull); d != model.Forbidden {
		t.Fatalf("other resource joined want forbidden, got %v", d)
	}

	muc.occupants[roomJID+"|"+aliceFull] = true
	if d, _ := resolve(t, a, roomJID, aliceFull); d != model.Allowed {
		t.Fatalf("joined owner want allowed, got %v", d)
	}
}

func TestResolve_PasswordProtectedAppliesToSysadmin(t *testing.T) {
	a, muc := newRoomAuthorizer(t, model.Room{Name: "room", PasswordProtected: true}, model.AffiliationNone)
	muc.sysadmins["alice@example.com"] = true

	if d, _ := resolve(t, a, roomJID, aliceFull); d != model.Forbidden {
		t.Fatalf("sysadmin not joined want forbidden, got %v", d)
	}
}

func TestResolve_LookupFailure(t *testing.T) {
	a, muc := newRoomAuthorizer(t, model.Room{}, model.AffiliationOwner)
	boom := errors.New("registry down")
	muc.err = boom

	_, _, err := a.Resolve(context.Background(), jid.MustParse(roomJID), jid.MustParse(aliceFull))
	if !errors.Is(err, boom) {
		t.Fatalf("want registry error, got %v", err)
	}
}

func TestStaticAdmins(t *testing.T) {
	admins, err := NewStaticAdmins([]string{"root@example.com/console"})
	if err != nil {
		t.Fatalf("admins: %v", err)
	}
	if !admins.IsAdmin(jid.MustParse("root@example.com/other")) {
		t.Fatalf("want admin by bare jid")
	}
	if admins.IsAdmin(jid.MustParse("alice@example.com")) {
		t.Fatalf("alice is not an admin")
	}

	if _, err := NewStaticAdmins([]string{"@example.com"}); err == nil {
		t.Fatalf("want parse error")
	}
}
