package ws

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/and161185/mam-keeper/internal/errs"
	"github.com/and161185/mam-keeper/internal/model"
	"github.com/and161185/mam-keeper/internal/stanza"
)

var (
	errSessionClosed = errors.New("session closed")
	errSendBuffer    = errors.New("send buffer full")
)

// session is one authenticated connection.
type session struct {
	hub  *Hub
	conn *websocket.Conn
	addr jid.JID
	log  *zap.Logger

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newSession(h *Hub, conn *websocket.Conn, addr jid.JID) *session {
	return &session{
		hub:  h,
		conn: conn,
		addr: addr,
		log:  h.logger.With(zap.String("jid", addr.String())),
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

// enqueue queues data without blocking; a full buffer drops it. The read loop sends this way.
func (s *session) enqueue(data []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("%w: %s", errSessionClosed, s.addr)
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return fmt.Errorf("%w: %s", errSendBuffer, s.addr)
	}
}

// deliver queues data, waiting for buffer space until the session closes or ctx is done.
func (s *session) deliver(ctx context.Context, data []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("%w: %s", errSessionClosed, s.addr)
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("%w: %s", errSessionClosed, s.addr)
	case <-ctx.Done():
		return fmt.Errorf("deliver to %s: %w", s.addr, ctx.Err())
	}
}

func (s *session) readLoop(ctx context.Context) {
	cfg := s.hub.cfg
	s.conn.SetReadLimit(cfg.MaxFrame)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read", zap.Error(err))
			}
			return
		}
		s.dispatch(ctx, data)
	}
}

func (s *session) writeLoop() {
	cfg := s.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(cfg.WriteWait))
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug("write", zap.Error(err))
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.Debug("ping", zap.Error(err))
				s.close()
				return
			}
		}
	}
}

func (s *session) dispatch(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic", zap.Any("reason", r), zap.ByteString("stack", debug.Stack()))
		}
	}()

	st, err := stanza.Decode(data)
	if err != nil {
		s.log.Debug("undecodable frame", zap.Error(err))
		return
	}
	switch v := st.(type) {
	case *stanza.IQ:
		s.handleIQ(ctx, v)
	case *stanza.Message:
		s.handleMessage(ctx, v)
	}
}

func (s *session) handleIQ(ctx context.Context, iq *stanza.IQ) {
	iq.From = s.addr.String()
	if !iq.IsRequest() {
		s.log.Debug("ignoring iq response", zap.String("id", iq.ID), zap.String("type", string(iq.Type)))
		return
	}
	if iq.Payload == nil {
		s.reply(stanza.ErrorIQ(iq, stanza.ErrorTypeModify, stanza.CondBadRequest))
		return
	}
	name := iq.Payload.XMLName
	if name.Local == "query" && name.Space == NSDiscoInfo {
		s.reply(s.hub.discoInfo(iq))
		return
	}
	h, ok := s.hub.handler(name.Local, name.Space)
	if !ok {
		s.reply(stanza.ErrorIQ(iq, stanza.ErrorTypeCancel, stanza.CondFeatureNotImplemented))
		return
	}

	reply, err := h.HandleIQ(ctx, iq)
	if err != nil {
		s.log.Error("iq handler", zap.String("ns", name.Space), zap.Error(err))
		reply = stanza.ErrorIQ(iq, stanza.ErrorTypeCancel, stanza.CondInternalServerError)
	}
	if reply != nil {
		s.reply(reply)
	}
}

func (s *session) reply(iq *stanza.IQ) {
	data, err := stanza.Encode(iq)
	if err != nil {
		s.log.Error("encode reply", zap.Error(err))
		return
	}
	if err := s.enqueue(data); err != nil {
		s.log.Warn("reply dropped", zap.Error(err))
	}
}

// handleMessage relays one-to-one chat and archives it for the local parties.
func (s *session) handleMessage(_ context.Context, m *stanza.Message) {
	if m.Type != "chat" {
		s.log.Debug("ignoring message", zap.String("type", m.Type))
		return
	}
	to, err := jid.Parse(m.To)
	if err != nil || m.To == "" {
		s.log.Debug("message without a valid recipient", zap.String("to", m.To))
		return
	}
	m.From = s.addr.String()
	m.Result, m.Fin = nil, nil

	if err := s.hub.relay(m); err != nil && !errors.Is(err, errs.ErrNotConnected) {
		s.log.Warn("deliver message", zap.String("to", m.To), zap.Error(err))
	}
	if m.Body != "" {
		s.hub.archive(m, s.addr, to)
	}
}

func (h *Hub) archive(m *stanza.Message, from, to jid.JID) {
	if h.archiver == nil {
		return
	}
	data, err := stanza.Encode(m)
	if err != nil {
		h.logger.Warn("encode for archive", zap.Error(err))
		return
	}
	sent := h.now().UTC()
	if h.isLocal(from) {
		h.archiver.Archive(model.PendingMessage{
			StableID: uuid.Must(uuid.NewV4()), Owner: from.Bare(), With: to.Bare(),
			WithResource: to.Resourcepart(), Time: sent, Stanza: string(data), Body: m.Body,
		})
	}
	if h.isLocal(to) && !to.Bare().Equal(from.Bare()) {
		h.archiver.Archive(model.PendingMessage{
			StableID: uuid.Must(uuid.NewV4()), Owner: to.Bare(), With: from.Bare(),
			WithResource: from.Resourcepart(), Time: sent, Stanza: string(data), Body: m.Body,
		})
	}
}
