package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseConversationKey(t *testing.T) {
	req := require.New(t)

	key, err := ParseConversationKey("p1-u2")
	req.NoError(err)
	req.Equal(ConversationKey{ProductID: "p1", CounterpartyID: "u2"}, key)
	req.Equal("p1-u2", key.String())

	key, err = ParseConversationKey("p1-7f3c-uuid")
	req.NoError(err)
	req.Equal("7f3c-uuid", key.CounterpartyID)

	for _, bad := range []string{"", "p1", "-u2", "p1-", "-"} {
		_, err := ParseConversationKey(bad)
		req.Truef(errors.Is(err, ErrMalformedFrame), "input %q: got %v", bad, err)
	}
}

func TestKeyFor_IsRelativeToViewer(t *testing.T) {
	req := require.New(t)
	m := Message{ProductID: "p1", SenderID: "u1", RecipientID: "u2"}

	req.Equal("p1-u2", KeyFor("u1", m).String())
	req.Equal("p1-u1", KeyFor("u2", m).String())
	req.Equal(KeyFor("u2", m), KeyFor("u1", m).Mirror("u1"))
}

func TestSummarize_TieBrokenBySequence(t *testing.T) {
	req := require.New(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: "b", Seq: 2, ProductID: "p1", SenderID: "u2", RecipientID: "u1", Content: "second", CreatedAt: at},
		{ID: "a", Seq: 1, ProductID: "p1", SenderID: "u1", RecipientID: "u2", Content: "first", CreatedAt: at},
		{ID: "c", Seq: 3, ProductID: "p1", SenderID: "u2", RecipientID: "u1", Content: "read", CreatedAt: at.Add(-time.Minute), IsRead: true},
	}

	conv := Summarize("u1", ConversationKey{ProductID: "p1", CounterpartyID: "u2"}, msgs)
	req.Equal("p1-u2", conv.ID)
	req.Equal("second", conv.LastMessageContent)
	req.Equal("b", conv.LastMessageID)
	req.Equal(1, conv.UnreadCount)
}

func TestNewMessage_Validate(t *testing.T) {
	req := require.New(t)

	req.NoError(NewMessage{ProductID: "p1", SenderID: "u1", RecipientID: "u2"}.Validate())
	req.ErrorIs(NewMessage{SenderID: "u1", RecipientID: "u2"}.Validate(), ErrMissingContext)
	req.ErrorIs(NewMessage{ProductID: "p1", SenderID: "u1", RecipientID: "u1"}.Validate(), ErrSelfMessage)
}
