package domain

import (
	"fmt"
	"strings"
	"time"
)

// KeySeparator joins the two halves of a conversation key in its wire form.
const KeySeparator = "-"

// ConversationKey identifies a conversation relative to one viewer:
// the product being discussed and the other participant.
type ConversationKey struct {
	ProductID      string
	CounterpartyID string
}

// KeyFor returns the key of m as seen by viewer.
func KeyFor(viewer string, m Message) ConversationKey {
	return ConversationKey{ProductID: m.ProductID, CounterpartyID: m.Counterparty(viewer)}
}

// ParseConversationKey decodes the wire form "productId-counterpartyId".
// The product id ends at the first separator, so only counterparty ids may contain one.
func ParseConversationKey(s string) (ConversationKey, error) {
	product, counterparty, ok := strings.Cut(s, KeySeparator)
	if !ok || product == "" || counterparty == "" {
		return ConversationKey{}, fmt.Errorf("%w: invalid conversation id %q", ErrMalformedFrame, s)
	}
	return ConversationKey{ProductID: product, CounterpartyID: counterparty}, nil
}

// String renders the wire form of the key.
func (k ConversationKey) String() string {
	return k.ProductID + KeySeparator + k.CounterpartyID
}

// IsZero reports whether the key is unset.
func (k ConversationKey) IsZero() bool {
	return k.ProductID == "" && k.CounterpartyID == ""
}

// Mirror returns the same conversation keyed for the counterparty.
func (k ConversationKey) Mirror(viewer string) ConversationKey {
	return ConversationKey{ProductID: k.ProductID, CounterpartyID: viewer}
}

// Conversation is a summary derived from the message log. It is never stored.
type Conversation struct {
	ID                 string    `json:"id"`
	ProductID          string    `json:"product_id"`
	OtherUserID        string    `json:"other_user_id"`
	LastMessageID      string    `json:"last_message_id"`
	LastMessageContent string    `json:"last_message_content"`
	LastMessageAt      time.Time `json:"last_message_at"`
	UnreadCount        int       `json:"unread_count"`

	lastSeq int64
}

// Summarize reduces the messages of one conversation to its summary.
// msgs must be non-empty and all share key when seen by viewer.
func Summarize(viewer string, key ConversationKey, msgs []Message) Conversation {
	latest := msgs[0]
	unread := 0
	for _, m := range msgs {
		if latest.Before(m) {
			latest = m
		}
		if m.RecipientID == viewer && !m.IsRead {
			unread++
		}
	}
	return Conversation{
		ID:                 key.String(),
		ProductID:          key.ProductID,
		OtherUserID:        key.CounterpartyID,
		LastMessageID:      latest.ID,
		LastMessageContent: latest.Content,
		LastMessageAt:      latest.CreatedAt,
		UnreadCount:        unread,
		lastSeq:            latest.Seq,
	}
}

// NewerThan orders summaries newest first.
func (c Conversation) NewerThan(other Conversation) bool {
	if !c.LastMessageAt.Equal(other.LastMessageAt) {
		return c.LastMessageAt.After(other.LastMessageAt)
	}
	return c.lastSeq > other.lastSeq
}
