package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Conversation is a two-participant thread. Participant1 is always the
// numerically smaller user ID so a pair of users maps to exactly one
// document regardless of who opened it.
type Conversation struct {
	ID              primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Participant1    int64              `bson:"participant1" json:"participant1"`
	Participant2    int64              `bson:"participant2" json:"participant2"`
	LastMessageID   primitive.ObjectID `bson:"last_message_id,omitempty" json:"lastMessageId,omitempty"`
	LastMessageText string             `bson:"last_message_text,omitempty" json:"lastMessageText,omitempty"`
	LastMessageAt   time.Time          `bson:"last_message_at,omitempty" json:"lastMessageAt,omitempty"`
	CreatedAt       time.Time          `bson:"created_at" json:"createdAt"`
	UpdatedAt       time.Time          `bson:"updated_at" json:"updatedAt"`
}

// CanonicalPair orders two user IDs smaller-first.
func CanonicalPair(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID int64) bool {
	return c.Participant1 == userID || c.Participant2 == userID
}

// OtherParticipant returns the participant that is not userID.
func (c *Conversation) OtherParticipant(userID int64) int64 {
	if c.Participant1 == userID {
		return c.Participant2
	}
	return c.Participant1
}

// Attachment is an opaque descriptor recorded with a message. Upload and
// validation happen in the media service; the core never inspects the file.
type Attachment struct {
	FileName  string `bson:"file_name" json:"fileName"`
	MediaType string `bson:"media_type" json:"mediaType"`
	Size      int64  `bson:"size" json:"size"`
	Path      string `bson:"path" json:"path"`
}

// Message is the durable record of one direct message. DeliveredAt and
// ReadAt are each set at most once, by the conditional status update.
type Message struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ConversationID primitive.ObjectID `bson:"conversation_id" json:"conversationId"`
	SenderID       int64              `bson:"sender_id" json:"senderId"`
	ReceiverID     int64              `bson:"receiver_id" json:"receiverId"`
	Content        string             `bson:"content" json:"content"`
	Attachments    []Attachment       `bson:"attachments,omitempty" json:"attachments,omitempty"`
	Status         MessageStatus      `bson:"status" json:"status"`
	StreamID       string             `bson:"stream_id,omitempty" json:"-"`
	CreatedAt      time.Time          `bson:"created_at" json:"createdAt"`
	DeliveredAt    *time.Time         `bson:"delivered_at,omitempty" json:"deliveredAt,omitempty"`
	ReadAt         *time.Time         `bson:"read_at,omitempty" json:"readAt,omitempty"`
}

// Snippet returns content truncated for the conversation list denorm.
func Snippet(content string, max int) string {
	if len(content) <= max {
		return content
	}
	return content[:max]
}
