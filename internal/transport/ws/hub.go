// Package ws carries stanzas over WebSocket connections, one authenticated address per connection.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/and161185/mam-keeper/internal/errs"
	"github.com/and161185/mam-keeper/internal/limiter"
	"github.com/and161185/mam-keeper/internal/metrics"
	"github.com/and161185/mam-keeper/internal/model"
	"github.com/and161185/mam-keeper/internal/stanza"
)

// IQHandler answers IQ requests carrying one kind of payload. A nil reply means the handler
// responds later through the hub.
type IQHandler interface {
	HandleIQ(ctx context.Context, iq *stanza.IQ) (*stanza.IQ, error)
}

// Archiver accepts chat messages for the archive.
type Archiver interface {
	Archive(msg model.PendingMessage)
}

// Config tunes connections.
type Config struct {
	Domain       string
	SigningKey   []byte
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	SendBuffer   int
	MaxFrame     int64
}

func (c *Config) defaults() {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = 1 << 20
	}
}

type handlerKey struct{ name, space string }

// Hub authenticates connections, dispatches inbound stanzas and routes outbound ones.
type Hub struct {
	cfg      Config
	archiver Archiver
	limiter  limiter.Limiter
	logger   *zap.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	handlers map[handlerKey]IQHandler
	features []string
	sessions map[string]map[string]*session
}

// NewHub constructs a hub. archiver and lim may be nil.
func NewHub(cfg Config, archiver Archiver, lim limiter.Limiter, logger *zap.Logger) *Hub {
	cfg.defaults()
	if lim == nil {
		lim = limiter.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:      cfg,
		archiver: archiver,
		limiter:  lim,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[handlerKey]IQHandler),
		sessions: make(map[string]map[string]*session),
	}
}

// Handle registers h for IQ payloads named name in namespace space.
func (h *Hub) Handle(name, space string, handler IQHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[handlerKey{name, space}] = handler
}

func (h *Hub) handler(name, space string) (IQHandler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hd, ok := h.handlers[handlerKey{name, space}]
	return hd, ok
}

// ServeHTTP authenticates the bearer token and upgrades the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := bearer(r.Header.Get("Authorization"))
	if raw == "" {
		raw = r.URL.Query().Get("access_token")
	}
	subject, addrHash := claimedSubject(raw), limiter.HashAddr(remoteHost(r))

	ok, retry, err := h.limiter.Allow(r.Context(), subject, addrHash)
	if err != nil {
		h.logger.Error("limiter allow", zap.Error(err))
	} else if !ok {
		metrics.Handshakes.WithLabelValues("rate_limited").Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)))
		http.Error(w, errs.ErrRateLimited.Error(), http.StatusTooManyRequests)
		return
	}

	addr, err := h.authenticate(raw)
	if err != nil {
		metrics.Handshakes.WithLabelValues("unauthorized").Inc()
		if _, _, lerr := h.limiter.Failure(r.Context(), subject, addrHash); lerr != nil {
			h.logger.Error("limiter failure", zap.Error(lerr))
		}
		h.logger.Info("handshake rejected", zap.String("subject", subject), zap.Error(err))
		http.Error(w, errs.ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}
	if err := h.limiter.Success(r.Context(), subject, addrHash); err != nil {
		h.logger.Error("limiter success", zap.Error(err))
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.Handshakes.WithLabelValues("upgrade_failed").Inc()
		h.logger.Warn("upgrade", zap.Error(err))
		return
	}
	metrics.Handshakes.WithLabelValues("accepted").Inc()

	s := newSession(h, conn, addr)
	if !h.register(s) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(h.cfg.WriteWait))
		_ = conn.Close()
		return
	}
	go func() {
		defer h.wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer h.wg.Done()
		defer h.unregister(s)
		s.readLoop(h.ctx)
	}()
}

// authenticate verifies the token and assigns a resource when the token names a bare address.
func (h *Hub) authenticate(raw string) (jid.JID, error) {
	if raw == "" {
		return jid.JID{}, fmt.Errorf("%w: missing token", errs.ErrUnauthorized)
	}
	addr, err := ParseToken(h.cfg.SigningKey, raw)
	if err != nil {
		return jid.JID{}, err
	}
	if !strings.EqualFold(addr.Domainpart(), h.cfg.Domain) {
		return jid.JID{}, fmt.Errorf("%w: foreign domain %q", errs.ErrUnauthorized, addr.Domainpart())
	}
	if addr.Resourcepart() == "" {
		addr, err = jid.New(addr.Localpart(), addr.Domainpart(), ulid.Make().String())
		if err != nil {
			return jid.JID{}, fmt.Errorf("assign resource: %w", err)
		}
	}
	return addr, nil
}

// register adds s, replacing a previous session of the same address, and reserves its loops in wg.
func (h *Hub) register(s *session) bool {
	bare, full := s.addr.Bare().String(), s.addr.String()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	resources := h.sessions[bare]
	if resources == nil {
		resources = make(map[string]*session)
		h.sessions[bare] = resources
	}
	old := resources[full]
	resources[full] = s
	h.wg.Add(2)
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("session replaced", zap.String("jid", full))
		old.close()
	} else {
		metrics.Sessions.Inc()
	}
	h.logger.Debug("session open", zap.String("jid", full))
	return true
}

func (h *Hub) unregister(s *session) {
	bare, full := s.addr.Bare().String(), s.addr.String()

	h.mu.Lock()
	removed := false
	if resources := h.sessions[bare]; resources != nil && resources[full] == s {
		delete(resources, full)
		if len(resources) == 0 {
			delete(h.sessions, bare)
		}
		removed = true
	}
	h.mu.Unlock()

	s.close()
	if removed {
		metrics.Sessions.Dec()
	}
	h.logger.Debug("session closed", zap.String("jid", full))
}

// Sessions returns the number of live sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, resources := range h.sessions {
		n += len(resources)
	}
	return n
}

// Route delivers s to its addressee: one session for a full address, every session for a bare one.
// It waits for room in a slow session's buffer until that session closes or ctx is done.
func (h *Hub) Route(ctx context.Context, s stanza.Stanza) error {
	return h.route(s, func(sess *session, data []byte) error { return sess.deliver(ctx, data) })
}

// relay is Route for the read loop: a full buffer drops the stanza instead of waiting.
func (h *Hub) relay(s stanza.Stanza) error {
	return h.route(s, (*session).enqueue)
}

func (h *Hub) route(s stanza.Stanza, send func(*session, []byte) error) error {
	to, err := jid.Parse(s.Addressee())
	if err != nil {
		return fmt.Errorf("route to %q: %w", s.Addressee(), err)
	}
	data, err := stanza.Encode(s)
	if err != nil {
		return fmt.Errorf("encode stanza: %w", err)
	}

	var targets []*session
	h.mu.RLock()
	resources := h.sessions[to.Bare().String()]
	if to.Resourcepart() != "" {
		if sess, ok := resources[to.String()]; ok {
			targets = append(targets, sess)
		}
	} else {
		for _, sess := range resources {
			targets = append(targets, sess)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", errs.ErrNotConnected, to)
	}
	var sendErr error
	for _, sess := range targets {
		sendErr = errors.Join(sendErr, send(sess, data))
	}
	return sendErr
}

// Close disconnects every session and waits for their loops to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*session
	for _, resources := range h.sessions {
		for _, s := range resources {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	h.cancel()
	for _, s := range all {
		s.close()
	}
	h.wg.Wait()
}

func (h *Hub) isLocal(addr jid.JID) bool {
	return addr.Localpart() != "" && strings.EqualFold(addr.Domainpart(), h.cfg.Domain)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
