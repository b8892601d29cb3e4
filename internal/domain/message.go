package domain

import (
	"context"
	"fmt"
	"time"
)

// MessageTypeText is the default message tag. The core does not enforce the set of tags.
const MessageTypeText = "text"

// Message is one entry of the durable message log.
type Message struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"-"`
	ProductID   string    `json:"product_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Content     string    `json:"content"`
	MessageType string    `json:"message_type"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewMessage carries the caller-supplied fields of a message about to be persisted.
type NewMessage struct {
	ProductID   string
	SenderID    string
	RecipientID string
	Content     string
	MessageType string
}

// Validate checks the fields the store cannot default.
func (n NewMessage) Validate() error {
	switch {
	case n.ProductID == "":
		return fmt.Errorf("%w: product id is required", ErrMissingContext)
	case n.SenderID == "" || n.RecipientID == "":
		return fmt.Errorf("%w: sender and recipient are required", ErrMissingContext)
	case n.SenderID == n.RecipientID:
		return ErrSelfMessage
	}
	return nil
}

// MessageFilter selects messages from the store. Participant is required.
// When Counterparty is set only messages exchanged between the two are returned,
// and when ProductID is set only messages about that product.
type MessageFilter struct {
	Participant  string
	Counterparty string
	ProductID    string
}

// MessageStore is the durable, append-only message log.
// QueryMessages returns rows ordered by creation time, then by insertion sequence.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg NewMessage) (Message, error)
	QueryMessages(ctx context.Context, filter MessageFilter) ([]Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	SetRead(ctx context.Context, id string) error
	Close() error
}

// Before reports whether m sorts before other in the log's total order.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.Seq < other.Seq
}

// Counterparty returns the participant of m that is not viewer.
func (m Message) Counterparty(viewer string) string {
	if m.SenderID == viewer {
		return m.RecipientID
	}
	return m.SenderID
}

// Involves reports whether userID sent or received m.
func (m Message) Involves(userID string) bool {
	return m.SenderID == userID || m.RecipientID == userID
}
