package gateway

import (
	"encoding/json"
	"time"

	"github.com/yourorg/social-messaging/internal/models"
)

// Client -> server events.
const (
	EventMessageSend      = "message:send"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
	EventConvJoin         = "conversation:join"
	EventConvLeave        = "conversation:leave"
)

// Server -> client events.
const (
	EventMessageReceive  = "message:receive"
	EventMessageStatus   = "message:status"
	EventTypingIndicator = "typing:indicator"
	EventUserStatus      = "user:status"
	EventOfflineMessages = "offline:messages"
	EventError           = "error:message"
)

// Error codes surfaced in error:message events.
const (
	CodeForbidden   = "FORBIDDEN"
	CodeRateLimited = "RATE_LIMITED"
	CodeNotFound    = "NOT_FOUND"
	CodeBadRequest  = "BAD_REQUEST"
	CodeInternal    = "INTERNAL_ERROR"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type sendPayload struct {
	ReceiverID  int64               `json:"receiverId"`
	Content     string              `json:"content"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	TempID      string              `json:"tempId,omitempty"`
}

type deliveredPayload struct {
	MessageID string `json:"messageId"`
}

type readPayload struct {
	MessageIDs     []string `json:"messageIds"`
	ConversationID string   `json:"conversationId"`
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	ReceiverID     int64  `json:"receiverId"`
}

type roomPayload struct {
	ConversationID string `json:"conversationId"`
}

type statusEvent struct {
	TempID     string    `json:"tempId,omitempty"`
	MessageID  string    `json:"messageId,omitempty"`
	MessageIDs []string  `json:"messageIds,omitempty"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	ReadBy     int64     `json:"readBy,omitempty"`
}

type typingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         int64  `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type userStatusEvent struct {
	UserID    int64     `json:"userId"`
	Status    string    `json:"status"` // online | offline
	Timestamp time.Time `json:"timestamp"`
}

type errorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// envelope marshals a server->client frame. Marshal errors cannot happen
// for the fixed payload types above.
func envelope(event string, data any) []byte {
	raw, _ := json.Marshal(data)
	b, _ := json.Marshal(Envelope{Event: event, Data: raw})
	return b
}
