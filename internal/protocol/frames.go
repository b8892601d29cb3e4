// Package protocol defines the JSON frames exchanged over a chat connection.
// Every frame carries a "type" discriminator.
package protocol

import "marketchat/internal/domain"

// Inbound frame types.
const (
	TypeGetConversations = "get_conversations"
	TypeJoinConversation = "join_conversation"
	TypeMessage          = "message"
	TypeTyping           = "typing"
	TypeReadReceipt      = "read_receipt"
)

// Outbound frame types.
const (
	TypeConnected            = "connected"
	TypeConversations        = "conversations"
	TypeConversationMessages = "conversation_messages"
	TypeNewMessage           = "new_message"
	TypeMessageRead          = "message_read"
	TypeError                = "error"
)

// Envelope is decoded first to route a frame by type.
type Envelope struct {
	Type string `json:"type"`
}

type JoinConversation struct {
	ConversationID string `json:"conversationId" validate:"required,max=512"`
}

// SendMessage addresses a message either by conversationId, or by productId
// plus recipientId. A bare recipientId carries no product context.
type SendMessage struct {
	ConversationID string `json:"conversationId,omitempty" validate:"max=512"`
	ProductID      string `json:"productId,omitempty" validate:"max=256,excludes=-"`
	RecipientID    string `json:"recipientId,omitempty" validate:"max=256"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType,omitempty" validate:"omitempty,alphanum,max=32"`
}

type Typing struct {
	ConversationID string `json:"conversationId" validate:"required,max=512"`
}

type ReadReceipt struct {
	MessageID string `json:"messageId" validate:"required,max=128"`
}

type Connected struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type Conversations struct {
	Type string                `json:"type"`
	Data []domain.Conversation `json:"data"`
}

type ConversationMessages struct {
	Type           string           `json:"type"`
	ConversationID string           `json:"conversationId"`
	Messages       []domain.Message `json:"messages"`
}

type NewMessage struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversationId"`
	Message        domain.Message `json:"message"`
}

type TypingSignal struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Username       string `json:"username"`
}

type MessageRead struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewConnected(id domain.Identity) Connected {
	return Connected{Type: TypeConnected, UserID: id.UserID, Username: id.DisplayName}
}

func NewConversations(convs []domain.Conversation) Conversations {
	if convs == nil {
		convs = []domain.Conversation{}
	}
	return Conversations{Type: TypeConversations, Data: convs}
}

func NewConversationMessages(key domain.ConversationKey, msgs []domain.Message) ConversationMessages {
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return ConversationMessages{Type: TypeConversationMessages, ConversationID: key.String(), Messages: msgs}
}

func NewNewMessage(key domain.ConversationKey, m domain.Message) NewMessage {
	return NewMessage{Type: TypeNewMessage, ConversationID: key.String(), Message: m}
}

func NewTypingSignal(key domain.ConversationKey, from domain.Identity) TypingSignal {
	return TypingSignal{Type: TypeTyping, ConversationID: key.String(), UserID: from.UserID, Username: from.DisplayName}
}

func NewMessageRead(messageID string) MessageRead {
	return MessageRead{Type: TypeMessageRead, MessageID: messageID}
}

func NewError(msg string) Error {
	return Error{Type: TypeError, Message: msg}
}
