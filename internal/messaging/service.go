// Package messaging holds the business logic of the direct-message core:
// authorization checks, conversation resolution, the single message write
// path, guarded status transitions and the read-side aggregations.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/yourorg/social-messaging/internal/config"
	"github.com/yourorg/social-messaging/internal/models"
)

var (
	ErrForbidden   = errors.New("forbidden")
	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("rate limited")
	ErrInvalid     = errors.New("invalid request")
)

// ConversationStore is satisfied by repository.ConversationRepo.
type ConversationStore interface {
	GetOrCreate(ctx context.Context, userA, userB int64) (*models.Conversation, error)
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.Conversation, error)
	ListForUser(ctx context.Context, userID int64, page, pageSize int) ([]*models.Conversation, error)
	SetLastMessage(ctx context.Context, convID, msgID primitive.ObjectID, snippet string, at time.Time) error
}

// MessageStore is satisfied by repository.MessageRepo.
type MessageStore interface {
	Insert(ctx context.Context, m *models.Message) (*models.Message, error)
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.Message, error)
	GetByIDs(ctx context.Context, ids []primitive.ObjectID) ([]*models.Message, error)
	SetStreamID(ctx context.Context, id primitive.ObjectID, streamID string) error
	AdvanceStatus(ctx context.Context, id primitive.ObjectID, receiverID int64, next models.MessageStatus, at time.Time) (bool, error)
	AdvanceStatusBulk(ctx context.Context, ids []primitive.ObjectID, receiverID int64, next models.MessageStatus, at time.Time) (int64, error)
	History(ctx context.Context, convID primitive.ObjectID, page, pageSize int) ([]*models.Message, error)
	Search(ctx context.Context, convID primitive.ObjectID, query string, limit int) ([]*models.Message, error)
	CountUnread(ctx context.Context, userID int64) (int64, error)
}

// Gate is satisfied by follow.Gate.
type Gate interface {
	CanMessage(ctx context.Context, a, b int64) (bool, error)
	Contacts(ctx context.Context, userID int64) ([]int64, error)
}

// Cache is the slice of the coordination store the service consumes.
type Cache interface {
	CacheMessage(ctx context.Context, convID string, payload []byte, ttl time.Duration) (string, error)
	RecentMessages(ctx context.Context, convID string, count int) ([][]byte, error)
	IncrUnread(ctx context.Context, userID int64, convID string) (int64, error)
	ResetUnread(ctx context.Context, userID int64, convID string) error
	UnreadCount(ctx context.Context, userID int64, convID string) (int64, error)
	IsOnline(ctx context.Context, userID int64) (bool, error)
	IsTyping(ctx context.Context, convID string, userID int64) (bool, error)
	LastSeen(ctx context.Context, userID int64) (int64, error)
}

// EventSink is satisfied by events.Publisher. Emission failures are
// logged, never propagated: notifications are best-effort.
type EventSink interface {
	MessageSent(ctx context.Context, senderID, receiverID int64, messageID string) error
	MessagesRead(ctx context.Context, readerID int64, messageIDs []string) error
}

type Service struct {
	convs  ConversationStore
	msgs   MessageStore
	gate   Gate
	cache  Cache
	sink   EventSink
	limits config.LimitsCfg
	log    *zap.SugaredLogger

	// cacheBreaker guards the coordination-store fast path. When Redis
	// misbehaves the breaker opens and reads go straight to Mongo.
	cacheBreaker *gobreaker.CircuitBreaker
}

func NewService(convs ConversationStore, msgs MessageStore, gate Gate, cache Cache, sink EventSink, limits config.LimitsCfg, log *zap.SugaredLogger) *Service {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "history-cache",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Service{
		convs: convs, msgs: msgs, gate: gate, cache: cache, sink: sink,
		limits: limits, log: log, cacheBreaker: cb,
	}
}

// CanMessage exposes the authorization gate.
func (s *Service) CanMessage(ctx context.Context, a, b int64) (bool, error) {
	return s.gate.CanMessage(ctx, a, b)
}

// GetOrCreateConversation resolves the conversation for a pair, enforcing
// the mutual-follow gate before creating anything.
func (s *Service) GetOrCreateConversation(ctx context.Context, userID, otherID int64) (*models.Conversation, error) {
	ok, err := s.gate.CanMessage(ctx, userID, otherID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: users must follow each other", ErrForbidden)
	}
	return s.convs.GetOrCreate(ctx, userID, otherID)
}

// SendMessage is the single write path for messages. The durable insert
// is authoritative; the cache write and event emission are best-effort
// overlays whose failure leaves the message valid but absent from the
// fast path until the next durable read.
func (s *Service) SendMessage(ctx context.Context, senderID, receiverID int64, content string, attachments []models.Attachment) (*models.Message, error) {
	if content == "" && len(attachments) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalid)
	}
	if len(content) > s.limits.ContentMaxBytes {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalid, s.limits.ContentMaxBytes)
	}
	if len(attachments) > s.limits.MaxAttachments {
		return nil, fmt.Errorf("%w: at most %d attachments", ErrInvalid, s.limits.MaxAttachments)
	}

	// Re-verify on every send: the receiver may have unfollowed since the
	// client last checked.
	ok, err := s.gate.CanMessage(ctx, senderID, receiverID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: users must follow each other", ErrForbidden)
	}

	conv, err := s.convs.GetOrCreate(ctx, senderID, receiverID)
	if err != nil {
		return nil, err
	}

	msg, err := s.msgs.Insert(ctx, &models.Message{
		ConversationID: conv.ID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		Attachments:    attachments,
	})
	if err != nil {
		return nil, err
	}

	convHex := conv.ID.Hex()
	if payload, err := json.Marshal(msg); err == nil {
		streamID, err := s.cache.CacheMessage(ctx, convHex, payload, s.limits.CacheTTL())
		if err != nil {
			s.log.Warnw("message cache write failed", "messageId", msg.ID.Hex(), "err", err)
		} else {
			msg.StreamID = streamID
			if err := s.msgs.SetStreamID(ctx, msg.ID, streamID); err != nil {
				s.log.Warnw("stream id persist failed", "messageId", msg.ID.Hex(), "err", err)
			}
		}
	}

	snippet := models.Snippet(content, s.limits.SnippetMaxBytes)
	if err := s.convs.SetLastMessage(ctx, conv.ID, msg.ID, snippet, msg.CreatedAt); err != nil {
		s.log.Warnw("last message denorm failed", "conversationId", convHex, "err", err)
	}

	if _, err := s.cache.IncrUnread(ctx, receiverID, convHex); err != nil {
		s.log.Warnw("unread increment failed", "userId", receiverID, "err", err)
	}

	if err := s.sink.MessageSent(ctx, senderID, receiverID, msg.ID.Hex()); err != nil {
		s.log.Warnw("event emission failed", "type", "message.sent", "err", err)
	}

	return msg, nil
}

// MarkDelivered advances a message to DELIVERED. Only the receiver may
// transition it; a message already DELIVERED or READ is left untouched
// and advanced is false.
func (s *Service) MarkDelivered(ctx context.Context, messageID string, callerID int64) (*models.Message, bool, error) {
	id, err := parseObjectID(messageID)
	if err != nil {
		return nil, false, err
	}
	msg, err := s.msgs.GetByID(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if msg.ReceiverID != callerID {
		return nil, false, fmt.Errorf("%w: only the receiver may acknowledge delivery", ErrForbidden)
	}
	advanced, err := s.msgs.AdvanceStatus(ctx, id, callerID, models.StatusDelivered, time.Now().UTC())
	if err != nil {
		return nil, false, err
	}
	return msg, advanced, nil
}

// MarkRead bulk-advances messages to READ for their receiver and resets
// the per-conversation unread counter. Already-read messages are skipped.
// Returns the messages addressed to the caller among ids, for status
// fan-out to their senders.
func (s *Service) MarkRead(ctx context.Context, messageIDs []string, conversationID string, callerID int64) ([]*models.Message, error) {
	ids := make([]primitive.ObjectID, 0, len(messageIDs))
	for _, h := range messageIDs {
		id, err := parseObjectID(h)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if _, err := s.msgs.AdvanceStatusBulk(ctx, ids, callerID, models.StatusRead, time.Now().UTC()); err != nil {
		return nil, err
	}
	if conversationID != "" {
		if err := s.cache.ResetUnread(ctx, callerID, conversationID); err != nil {
			s.log.Warnw("unread reset failed", "userId", callerID, "err", err)
		}
	}
	if err := s.sink.MessagesRead(ctx, callerID, messageIDs); err != nil {
		s.log.Warnw("event emission failed", "type", "messages.read", "err", err)
	}

	msgs, err := s.msgs.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.ReceiverID == callerID {
			out = append(out, m)
		}
	}
	return out, nil
}

// Message fetches one message by ID.
func (s *Service) Message(ctx context.Context, messageID string) (*models.Message, error) {
	id, err := parseObjectID(messageID)
	if err != nil {
		return nil, err
	}
	msg, err := s.msgs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	return msg, nil
}

// HistoryPage is one page of chat history. Source records whether the
// cache or the durable store served it; callers must treat it as a
// diagnostic only.
type HistoryPage struct {
	Messages []*models.Message `json:"messages"`
	Source   string            `json:"source"`
}

// GetChatHistory serves the most recent page from the coordination-store
// cache when possible and falls back to the durable store otherwise.
func (s *Service) GetChatHistory(ctx context.Context, conversationID string, callerID int64, page, pageSize int) (*HistoryPage, error) {
	convID, err := parseObjectID(conversationID)
	if err != nil {
		return nil, err
	}
	conv, err := s.convs.GetByID(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if !conv.HasParticipant(callerID) {
		return nil, fmt.Errorf("%w: not a participant", ErrForbidden)
	}
	if pageSize <= 0 {
		pageSize = s.limits.HistoryPageSize
	}

	// The cache only holds the newest entries, so it can serve page one.
	if page <= 1 {
		if msgs := s.historyFromCache(ctx, conversationID, pageSize); len(msgs) > 0 {
			return &HistoryPage{Messages: msgs, Source: "cache"}, nil
		}
	}

	msgs, err := s.msgs.History(ctx, convID, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &HistoryPage{Messages: msgs, Source: "database"}, nil
}

func (s *Service) historyFromCache(ctx context.Context, convID string, count int) []*models.Message {
	res, err := s.cacheBreaker.Execute(func() (interface{}, error) {
		return s.cache.RecentMessages(ctx, convID, count)
	})
	if err != nil {
		s.log.Warnw("history cache read failed, using durable store", "conversationId", convID, "err", err)
		return nil
	}
	payloads := res.([][]byte)
	msgs := make([]*models.Message, 0, len(payloads))
	for _, p := range payloads {
		var m models.Message
		if err := json.Unmarshal(p, &m); err != nil {
			s.log.Warnw("cache payload decode failed", "conversationId", convID, "err", err)
			return nil
		}
		msgs = append(msgs, &m)
	}
	return msgs
}

// ConversationSummary decorates a conversation for list rendering.
type ConversationSummary struct {
	*models.Conversation
	OtherUserID int64 `json:"otherUserId"`
	UnreadCount int64 `json:"unreadCount"`
	IsOnline    bool  `json:"isOnline"`
	LastSeen    int64 `json:"lastSeen,omitempty"`
}

// GetConversations lists the user's conversations newest-activity-first,
// decorated with unread counts and the other participant's presence.
// Presence and counters degrade to zero values when the coordination
// store is unreachable.
func (s *Service) GetConversations(ctx context.Context, userID int64, page, pageSize int) ([]*ConversationSummary, error) {
	if pageSize <= 0 {
		pageSize = s.limits.ConversationPageSize
	}
	convs, err := s.convs.ListForUser(ctx, userID, page, pageSize)
	if err != nil {
		return nil, err
	}
	out := make([]*ConversationSummary, 0, len(convs))
	for _, c := range convs {
		other := c.OtherParticipant(userID)
		sum := &ConversationSummary{Conversation: c, OtherUserID: other}
		if n, err := s.cache.UnreadCount(ctx, userID, c.ID.Hex()); err == nil {
			sum.UnreadCount = n
		}
		if online, err := s.cache.IsOnline(ctx, other); err == nil {
			sum.IsOnline = online
		}
		if ts, err := s.cache.LastSeen(ctx, other); err == nil {
			sum.LastSeen = ts
		}
		out = append(out, sum)
	}
	return out, nil
}

// GetUnreadCount returns the total unread message count from the durable
// store.
func (s *Service) GetUnreadCount(ctx context.Context, userID int64) (int64, error) {
	return s.msgs.CountUnread(ctx, userID)
}

// GetUserContacts returns the user's mutual follows.
func (s *Service) GetUserContacts(ctx context.Context, userID int64) ([]int64, error) {
	return s.gate.Contacts(ctx, userID)
}

// SearchMessages finds messages by substring within one conversation.
func (s *Service) SearchMessages(ctx context.Context, conversationID string, callerID int64, query string) ([]*models.Message, error) {
	convID, err := parseObjectID(conversationID)
	if err != nil {
		return nil, err
	}
	conv, err := s.convs.GetByID(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if !conv.HasParticipant(callerID) {
		return nil, fmt.Errorf("%w: not a participant", ErrForbidden)
	}
	return s.msgs.Search(ctx, convID, query, s.limits.HistoryPageSize)
}

// TypingState reports whether otherID is currently typing in the
// conversation. Advisory only: it self-expires.
func (s *Service) TypingState(ctx context.Context, conversationID string, callerID, otherID int64) (bool, error) {
	convID, err := parseObjectID(conversationID)
	if err != nil {
		return false, err
	}
	conv, err := s.convs.GetByID(ctx, convID)
	if err != nil {
		return false, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if !conv.HasParticipant(callerID) {
		return false, fmt.Errorf("%w: not a participant", ErrForbidden)
	}
	return s.cache.IsTyping(ctx, conversationID, otherID)
}

// IsParticipant reports whether userID belongs to the conversation.
func (s *Service) IsParticipant(ctx context.Context, conversationID string, userID int64) (bool, error) {
	convID, err := parseObjectID(conversationID)
	if err != nil {
		return false, err
	}
	conv, err := s.convs.GetByID(ctx, convID)
	if err != nil {
		return false, nil
	}
	return conv.HasParticipant(userID), nil
}

func parseObjectID(hex string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: bad id %q", ErrNotFound, hex)
	}
	return id, nil
}
