package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketchat/internal/bus"
	"marketchat/internal/dispatch"
	"marketchat/internal/domain"
	"marketchat/internal/metrics"
	"marketchat/internal/protocol"
)

// CloseSuperseded is sent to a connection replaced by a newer one for the same user.
const CloseSuperseded = 4000

// session is one authenticated connection. It implements registry.Conn.
type session struct {
	srv     *Server
	conn    *websocket.Conn
	id      domain.Identity
	limiter *frameLimiter
	logger  *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(srv *Server, conn *websocket.Conn, id domain.Identity) *session {
	return &session{
		srv:     srv,
		conn:    conn,
		id:      id,
		limiter: newFrameLimiter(srv.cfg.FrameBurst, srv.cfg.FramesPerMinute),
		logger:  srv.logger.With("user_id", id.UserID),
		done:    make(chan struct{}),
	}
}

// Send writes one JSON frame. Safe for concurrent use.
func (s *session) Send(frame any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(frame)
}

// Close sends a close frame with code and drops the connection. Only the first call has effect.
func (s *session) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.srv.cfg.WriteTimeout))
		err = s.conn.Close()
	})
	return err
}

func (s *session) run(ctx context.Context) {
	if prev, replaced := s.srv.registry.Register(s.id.UserID, s.id.DisplayName, s); replaced {
		s.logger.Info("closing superseded session")
		prev.Close(CloseSuperseded, "session superseded")
	}
	metrics.ConnectionsActive.Set(int64(s.srv.registry.Count()))
	s.srv.events.Emit(bus.Event{Type: bus.EventSessionOpened, Source: "gateway", UserID: s.id.UserID})
	s.logger.Info("chat session opened", "username", s.id.DisplayName)

	defer func() {
		s.srv.registry.Release(s.id.UserID, s)
		metrics.ConnectionsActive.Set(int64(s.srv.registry.Count()))
		s.Close(websocket.CloseNormalClosure, "")
		s.srv.events.Emit(bus.Event{Type: bus.EventSessionClosed, Source: "gateway", UserID: s.id.UserID})
		s.logger.Info("chat session closed")
	}()

	if err := s.Send(protocol.NewConnected(s.id)); err != nil {
		s.logger.Warn("send connected frame failed", "err", err)
		return
	}

	s.conn.SetReadLimit(s.srv.cfg.MaxFrameBytes)
	s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.PongTimeout))
	})
	go s.keepalive()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, CloseSuperseded) {
				s.logger.Warn("websocket read error", "err", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.PongTimeout))
		s.handle(ctx, data)
	}
}

func (s *session) keepalive() {
	ticker := time.NewTicker(s.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.srv.cfg.WriteTimeout)); err != nil {
				s.logger.Debug("ping failed", "err", err)
				return
			}
		}
	}
}

// handle processes one inbound frame. Every failure is answered on this
// connection and none of them end the session.
func (s *session) handle(ctx context.Context, data []byte) {
	// Every inbound frame spends a token, decodable or not.
	if !s.limiter.Allow() {
		s.fail(domain.ErrRateLimited)
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.fail(fmt.Errorf("%w: invalid JSON", domain.ErrMalformedFrame))
		return
	}
	metrics.Frames(env.Type).Inc()

	var err error
	switch env.Type {
	case protocol.TypeGetConversations:
		err = s.getConversations(ctx)
	case protocol.TypeJoinConversation:
		err = s.joinConversation(ctx, data)
	case protocol.TypeMessage:
		err = s.sendMessage(ctx, data)
	case protocol.TypeTyping:
		err = s.typing(ctx, data)
	case protocol.TypeReadReceipt:
		err = s.readReceipt(ctx, data)
	case "":
		err = fmt.Errorf("%w: missing frame type", domain.ErrMalformedFrame)
	default:
		err = fmt.Errorf("%w: unknown frame type %q", domain.ErrMalformedFrame, env.Type)
	}
	if err != nil {
		s.fail(err)
	}
}

func (s *session) getConversations(ctx context.Context) error {
	convs, err := s.srv.conversations.Summaries(ctx, s.id.UserID)
	if err != nil {
		return err
	}
	return s.reply(protocol.NewConversations(convs))
}

func (s *session) joinConversation(ctx context.Context, data []byte) error {
	var req protocol.JoinConversation
	if err := s.decode(data, &req); err != nil {
		return err
	}
	key, err := domain.ParseConversationKey(req.ConversationID)
	if err != nil {
		return err
	}
	msgs, err := s.srv.conversations.History(ctx, s.id.UserID, key)
	if err != nil {
		return err
	}
	return s.reply(protocol.NewConversationMessages(key, msgs))
}

func (s *session) sendMessage(ctx context.Context, data []byte) error {
	var req protocol.SendMessage
	if err := s.decode(data, &req); err != nil {
		return err
	}
	target := dispatch.Target{RecipientID: req.RecipientID}
	switch {
	case req.ConversationID != "":
		key, err := domain.ParseConversationKey(req.ConversationID)
		if err != nil {
			return err
		}
		target.Key = key
	case req.ProductID != "":
		target.Key = domain.ConversationKey{ProductID: req.ProductID, CounterpartyID: req.RecipientID}
	}
	_, err := s.srv.dispatcher.Send(ctx, s.origin(), target, req.Content, req.MessageType)
	return err
}

func (s *session) typing(ctx context.Context, data []byte) error {
	var req protocol.Typing
	if err := s.decode(data, &req); err != nil {
		return err
	}
	key, err := domain.ParseConversationKey(req.ConversationID)
	if err != nil {
		return err
	}
	return s.srv.dispatcher.SignalTyping(ctx, s.id, key)
}

func (s *session) readReceipt(ctx context.Context, data []byte) error {
	var req protocol.ReadReceipt
	if err := s.decode(data, &req); err != nil {
		return err
	}
	_, err := s.srv.dispatcher.MarkRead(ctx, s.origin(), req.MessageID)
	return err
}

func (s *session) origin() dispatch.Origin {
	return dispatch.Origin{Identity: s.id, Conn: s}
}

// decode unmarshals a typed frame and checks its validation tags.
func (s *session) decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedFrame, err)
	}
	if err := s.srv.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrMalformedFrame, describeValidation(err))
	}
	return nil
}

func (s *session) reply(frame any) error {
	if err := s.Send(frame); err != nil {
		s.logger.Debug("reply failed", "err", err)
	}
	return nil
}

// fail reports err to the client as an error frame.
func (s *session) fail(err error) {
	metrics.FrameErrors.Inc()
	if errors.Is(err, domain.ErrStoreFailure) {
		s.logger.Warn("frame failed", "err", err)
	} else {
		s.logger.Debug("frame rejected", "err", err)
	}
	if sendErr := s.Send(protocol.NewError(clientMessage(err))); sendErr != nil {
		s.logger.Debug("send error frame failed", "err", sendErr)
	}
}
