package service

import (
	"context"
	"encoding/xml"
	"sync"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/and161185/mam-keeper/internal/errs"
	"github.com/and161185/mam-keeper/internal/model"
	"github.com/and161185/mam-keeper/internal/repository"
	"github.com/and161185/mam-keeper/internal/rsm"
	"github.com/and161185/mam-keeper/internal/stanza"
)

type fakeMUC struct {
	services  map[string]bool
	rooms     map[string]*model.Room
	affs      map[string]model.Affiliation // room|user
	sysadmins map[string]bool
	occupants map[string]bool // room|full
	err       error
}

var _ repository.MUCRegistry = (*fakeMUC)(nil)

func (f *fakeMUC) ServiceFor(_ context.Context, domain string) (*model.Service, error) {
	if f.err != nil {
		return nil, f.err
	}
	if !f.services[domain] {
		return nil, errs.ErrNotFound
	}
	return &model.Service{Domain: domain}, nil
}

func (f *fakeMUC) Room(_ context.Context, room jid.JID) (*model.Room, error) {
	r, ok := f.rooms[room.String()]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return r, nil
}

func (f *fakeMUC) Affiliation(_ context.Context, room, user jid.JID) (model.Affiliation, error) {
	return f.affs[room.String()+"|"+user.String()], nil
}

func (f *fakeMUC) IsSysadmin(_ context.Context, _ string, user jid.JID) (bool, error) {
	return f.sysadmins[user.String()], nil
}

func (f *fakeMUC) IsOccupant(_ context.Context, room, full jid.JID) (bool, error) {
	return f.occupants[room.String()+"|"+full.String()], nil
}

type fakeOracle struct {
	etas  []time.Duration
	err   error
	calls int
}

var _ repository.AvailabilityOracle = (*fakeOracle)(nil)

func (f *fakeOracle) AvailabilityETA(_ context.Context, _ time.Time) (time.Duration, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	if len(f.etas) == 0 {
		return 0, nil
	}
	eta := f.etas[0]
	f.etas = f.etas[1:]
	return eta, nil
}

type fakeStore struct {
	records  []model.ArchivedRecord
	complete *bool
	err      error
	panicMsg string

	calls     int
	gotQuery  model.RecordQuery
	gotRS     *rsm.ResultSet
	gotStable bool
}

var _ repository.ArchiveRepository = (*fakeStore)(nil)

func (f *fakeStore) FindRecords(ctx context.Context, q model.RecordQuery, rs *rsm.ResultSet, stable bool) ([]model.ArchivedRecord, error) {
	f.calls++
	f.gotQuery, f.gotRS, f.gotStable = q, rs, stable
	// pgx refuses to run on a done context.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return nil, f.err
	}
	if rs != nil && f.complete != nil {
		rs.SetComplete(*f.complete)
	}
	return append([]model.ArchivedRecord(nil), f.records...), nil
}

type fakeRouter struct {
	mu   sync.Mutex
	sent []stanza.Stanza
	err  error
}

func (f *fakeRouter) Route(ctx context.Context, s stanza.Stanza) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, s)
	return f.err
}

func (f *fakeRouter) stanzas() []stanza.Stanza {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stanza.Stanza(nil), f.sent...)
}

// syncPool runs tasks inline.
type syncPool struct {
	closed bool
	ran    int
}

func (p *syncPool) Submit(task func(ctx context.Context)) error {
	if p.closed {
		return errs.ErrPoolClosed
	}
	p.ran++
	task(context.Background())
	return nil
}

func boolPtr(b bool) *bool { return &b }

func xmlName(space, local string) xml.Name { return xml.Name{Space: space, Local: local} }

func attrs(kv ...string) []xml.Attr {
	var out []xml.Attr
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, xml.Attr{Name: xml.Name{Local: kv[i]}, Value: kv[i+1]})
	}
	return out
}
