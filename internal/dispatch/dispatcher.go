// Package dispatch persists chat messages and fans them out to live sessions.
//
// Delivery is best-effort: a message is pushed to the recipient only if they
// are connected at the moment it is sent. The message store is the record
// clients reconcile against, so an offline recipient finds the message the
// next time they list conversations or open one.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"marketchat/internal/bus"
	"marketchat/internal/domain"
	"marketchat/internal/metrics"
	"marketchat/internal/protocol"
	"marketchat/internal/registry"
)

const defaultMaxContentLength = 4000

// Origin is the session an operation was requested from.
type Origin struct {
	domain.Identity
	Conn registry.Conn
}

// Target addresses a message. Key must be complete; RecipientID alone is
// not enough to place a message in a conversation.
type Target struct {
	Key         domain.ConversationKey
	RecipientID string
}

// Resolve returns the conversation key the message belongs to.
func (t Target) Resolve() (domain.ConversationKey, error) {
	if t.Key.ProductID != "" && t.Key.CounterpartyID != "" {
		return t.Key, nil
	}
	if t.RecipientID != "" {
		return domain.ConversationKey{}, fmt.Errorf("%w: recipient %s given without a product", domain.ErrMissingContext, t.RecipientID)
	}
	return domain.ConversationKey{}, domain.ErrMissingContext
}

type Config struct {
	StoreTimeout     time.Duration
	MaxContentLength int
}

type Dispatcher struct {
	store    domain.MessageStore
	registry registry.Registry
	events   *bus.EventBus
	logger   *slog.Logger
	cfg      Config
}

func New(store domain.MessageStore, reg registry.Registry, events *bus.EventBus, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = defaultMaxContentLength
	}
	return &Dispatcher{store: store, registry: reg, events: events, logger: logger, cfg: cfg}
}

// Send persists a message and delivers it to the sender as acknowledgement
// and to the recipient if online. The message is durable before any frame
// is written. Nothing is pushed when persisting fails.
func (d *Dispatcher) Send(ctx context.Context, from Origin, target Target, content, messageType string) (domain.Message, error) {
	key, err := target.Resolve()
	if err != nil {
		return domain.Message{}, err
	}
	if err := d.validateContent(content); err != nil {
		return domain.Message{}, err
	}

	sctx, cancel := d.storeContext(ctx)
	start := time.Now()
	msg, err := d.store.InsertMessage(sctx, domain.NewMessage{
		ProductID:   key.ProductID,
		SenderID:    from.UserID,
		RecipientID: key.CounterpartyID,
		Content:     content,
		MessageType: messageType,
	})
	metrics.StoreLatency.ObserveSince(start)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrSelfMessage) || errors.Is(err, domain.ErrMissingContext) {
			return domain.Message{}, err
		}
		d.logger.Error("persist message failed", "sender", from.UserID, "product", key.ProductID, "err", err)
		return domain.Message{}, fmt.Errorf("%w: %v", domain.ErrStoreFailure, err)
	}

	d.events.Emit(bus.Event{Type: bus.EventMessageSent, Source: "dispatch", UserID: from.UserID, Message: msg})

	frame := protocol.NewNewMessage(key, msg)
	if err := from.Conn.Send(frame); err != nil {
		metrics.PushFailures.Inc()
		d.logger.Warn("send acknowledgement failed", "user_id", from.UserID, "message_id", msg.ID, "err", err)
	}

	if d.push(msg.RecipientID, frame) {
		metrics.LiveDeliveries.Inc()
	} else {
		metrics.OfflineDeliveries.Inc()
	}

	d.logger.Debug("message dispatched", "message_id", msg.ID, "conversation", key.String())
	return msg, nil
}

// SignalTyping tells the other participant of key that from is typing.
// An offline counterparty is not an error.
func (d *Dispatcher) SignalTyping(_ context.Context, from domain.Identity, key domain.ConversationKey) error {
	if key.ProductID == "" || key.CounterpartyID == "" {
		return fmt.Errorf("%w: incomplete conversation key", domain.ErrMalformedFrame)
	}
	if key.CounterpartyID == from.UserID {
		return nil
	}
	d.push(key.CounterpartyID, protocol.NewTypingSignal(key.Mirror(from.UserID), from))
	return nil
}

// MarkRead flags a message read when the caller is its recipient and
// confirms it to the caller. The original sender is told as well if online.
// Receipts for unknown messages, or from anyone but the recipient, change
// nothing and report ok=false without an error.
func (d *Dispatcher) MarkRead(ctx context.Context, caller Origin, messageID string) (ok bool, err error) {
	sctx, cancel := d.storeContext(ctx)
	defer cancel()

	start := time.Now()
	msg, err := d.store.GetMessage(sctx, messageID)
	metrics.StoreLatency.ObserveSince(start)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		d.logger.Error("load message for read receipt failed", "message_id", messageID, "err", err)
		return false, fmt.Errorf("%w: %v", domain.ErrStoreFailure, err)
	}
	if msg.RecipientID != caller.UserID {
		d.logger.Debug("read receipt ignored", "message_id", messageID, "caller", caller.UserID)
		return false, nil
	}

	if !msg.IsRead {
		start = time.Now()
		err := d.store.SetRead(sctx, messageID)
		metrics.StoreLatency.ObserveSince(start)
		if err != nil {
			d.logger.Error("set read failed", "message_id", messageID, "err", err)
			return false, fmt.Errorf("%w: %v", domain.ErrStoreFailure, err)
		}
		msg.IsRead = true
		d.events.Emit(bus.Event{Type: bus.EventMessageRead, Source: "dispatch", UserID: caller.UserID, Message: msg})
	}

	frame := protocol.NewMessageRead(messageID)
	if err := caller.Conn.Send(frame); err != nil {
		metrics.PushFailures.Inc()
		d.logger.Warn("read confirmation failed", "user_id", caller.UserID, "err", err)
	}
	d.push(msg.SenderID, frame)
	return true, nil
}

// push writes frame to userID's live session, reporting whether it was delivered.
func (d *Dispatcher) push(userID string, frame any) bool {
	s, ok := d.registry.Lookup(userID)
	if !ok {
		return false
	}
	if err := s.Conn.Send(frame); err != nil {
		metrics.PushFailures.Inc()
		d.logger.Warn("push to live session failed", "user_id", userID, "err", err)
		return false
	}
	return true
}

func (d *Dispatcher) validateContent(content string) error {
	switch {
	case strings.TrimSpace(content) == "":
		return fmt.Errorf("%w: message is empty", domain.ErrInvalidContent)
	case !utf8.ValidString(content):
		return fmt.Errorf("%w: message is not valid UTF-8", domain.ErrInvalidContent)
	case utf8.RuneCountInString(content) > d.cfg.MaxContentLength:
		return fmt.Errorf("%w: message exceeds %d characters", domain.ErrInvalidContent, d.cfg.MaxContentLength)
	}
	return nil
}

func (d *Dispatcher) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.cfg.StoreTimeout)
}
