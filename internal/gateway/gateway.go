// Package gateway hosts the per-connection actors of the event protocol.
// Each websocket runs independently; anything that must be visible across
// connections or instances goes through the coordination store.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/social-messaging/internal/config"
	"github.com/yourorg/social-messaging/internal/messaging"
	"github.com/yourorg/social-messaging/internal/models"
)

// Coordinator is the slice of the coordination store the gateway consumes.
type Coordinator interface {
	SetOnline(ctx context.Context, userID int64, instanceID string, ttl time.Duration) error
	RefreshPresence(ctx context.Context, userID int64, ttl time.Duration) error
	SetOffline(ctx context.Context, userID int64) error
	IsOnline(ctx context.Context, userID int64) (bool, error)
	UpdateLastSeen(ctx context.Context, userID int64) error
	SetTyping(ctx context.Context, convID string, userID int64, ttl time.Duration) error
	ClearTyping(ctx context.Context, convID string, userID int64) error
	AllowSend(ctx context.Context, userID int64, limit int, window time.Duration) (bool, error)
	QueueOffline(ctx context.Context, userID int64, payload []byte, ttl time.Duration) error
	DrainOffline(ctx context.Context, userID int64) ([][]byte, error)
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Messenger is the slice of the messaging service the gateway consumes.
type Messenger interface {
	SendMessage(ctx context.Context, senderID, receiverID int64, content string, attachments []models.Attachment) (*models.Message, error)
	MarkDelivered(ctx context.Context, messageID string, callerID int64) (*models.Message, bool, error)
	MarkRead(ctx context.Context, messageIDs []string, conversationID string, callerID int64) ([]*models.Message, error)
	GetUserContacts(ctx context.Context, userID int64) ([]int64, error)
	IsParticipant(ctx context.Context, conversationID string, userID int64) (bool, error)
}

// TokenVerifier is satisfied by auth.Validator.
type TokenVerifier interface {
	Validate(tokenStr string) (int64, error)
}

// Fan-out channels shared by all instances.
const (
	ChannelMessageNew    = "fanout:message:new"
	ChannelMessageStatus = "fanout:message:status"
	ChannelTyping        = "fanout:typing"
	ChannelUserStatus    = "fanout:user:status"
)

// frame is the cross-instance fan-out record. Origin lets an instance
// skip frames it published itself, since it already delivered locally.
type frame struct {
	Origin  string          `json:"origin"`
	Target  int64           `json:"target,omitempty"`
	Targets []int64         `json:"targets,omitempty"`
	ConvID  string          `json:"conversationId,omitempty"`
	Except  int64           `json:"except,omitempty"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

type Gateway struct {
	InstanceID string

	hub    *Hub
	svc    Messenger
	store  Coordinator
	auth   TokenVerifier
	limits config.LimitsCfg
	log    *zap.SugaredLogger
}

func New(hub *Hub, svc Messenger, store Coordinator, auth TokenVerifier, limits config.LimitsCfg, log *zap.SugaredLogger) *Gateway {
	return &Gateway{
		InstanceID: uuid.NewString(),
		hub:        hub,
		svc:        svc,
		store:      store,
		auth:       auth,
		limits:     limits,
		log:        log,
	}
}

func (g *Gateway) Hub() *Hub { return g.hub }

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// Handle runs one connection through its lifecycle: authenticate, register
// presence, replay the offline queue, serve the event protocol, clean up.
// An unauthenticated socket is closed without emitting any event.
func (g *Gateway) Handle(conn *websocket.Conn) {
	token := conn.Query("token")
	if token == "" {
		_ = conn.Close()
		return
	}
	userID, err := g.auth.Validate(token)
	if err != nil {
		g.log.Debugw("connection refused", "err", err)
		_ = conn.Close()
		return
	}

	client := NewClient(userID, uuid.NewString(), conn)
	go client.writePump()

	g.register(client)
	defer g.unregister(client)

	conn.SetReadLimit(maxMessageLen)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			client.Send(envelope(EventError, errorEvent{Code: CodeBadRequest, Message: "malformed envelope"}))
			continue
		}
		g.Dispatch(client, env)
	}
}

func (g *Gateway) register(c *Client) {
	ctx, cancel := opCtx()
	defer cancel()

	g.hub.Add(c.UserID, c)
	if err := g.store.SetOnline(ctx, c.UserID, g.InstanceID, g.limits.PresenceTTL()); err != nil {
		g.log.Warnw("presence register failed", "userId", c.UserID, "err", err)
	}
	_ = g.store.UpdateLastSeen(ctx, c.UserID)

	g.replayOffline(ctx, c)
	g.broadcastUserStatus(ctx, c.UserID, "online")
}

func (g *Gateway) unregister(c *Client) {
	ctx, cancel := opCtx()
	defer cancel()

	// A fast reconnect may already have replaced this client; only the
	// current registration tears down shared state.
	if g.hub.RemoveIf(c.UserID, c) {
		if err := g.store.SetOffline(ctx, c.UserID); err != nil {
			g.log.Warnw("presence remove failed", "userId", c.UserID, "err", err)
		}
		_ = g.store.UpdateLastSeen(ctx, c.UserID)
		g.broadcastUserStatus(ctx, c.UserID, "offline")
	}
	c.Close()
}

func (g *Gateway) replayOffline(ctx context.Context, c *Client) {
	payloads, err := g.store.DrainOffline(ctx, c.UserID)
	if err != nil {
		g.log.Warnw("offline queue drain failed", "userId", c.UserID, "err", err)
		return
	}
	if len(payloads) == 0 {
		return
	}
	batch := make([]json.RawMessage, 0, len(payloads))
	for _, p := range payloads {
		batch = append(batch, json.RawMessage(p))
	}
	c.Send(envelope(EventOfflineMessages, batch))
	g.log.Infow("offline messages replayed", "userId", c.UserID, "count", len(batch))
}

// Dispatch routes one inbound event. A panic or error in a handler is
// contained here and surfaced as error:message; the connection survives.
func (g *Gateway) Dispatch(c *Client, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Errorw("event handler panic", "event", env.Event, "userId", c.UserID, "panic", r)
			c.Send(envelope(EventError, errorEvent{Code: CodeInternal, Message: "internal error"}))
		}
	}()

	ctx, cancel := opCtx()
	defer cancel()

	// Any inbound traffic proves liveness.
	_ = g.store.RefreshPresence(ctx, c.UserID, g.limits.PresenceTTL())

	switch env.Event {
	case EventMessageSend:
		g.handleSend(ctx, c, env.Data)
	case EventMessageDelivered:
		g.handleDelivered(ctx, c, env.Data)
	case EventMessageRead:
		g.handleRead(ctx, c, env.Data)
	case EventTypingStart:
		g.handleTyping(ctx, c, env.Data, true)
	case EventTypingStop:
		g.handleTyping(ctx, c, env.Data, false)
	case EventConvJoin:
		g.handleJoin(ctx, c, env.Data)
	case EventConvLeave:
		g.handleLeave(c, env.Data)
	default:
		c.Send(envelope(EventError, errorEvent{Code: CodeBadRequest, Message: "unknown event: " + env.Event}))
	}
}

func (g *Gateway) handleSend(ctx context.Context, c *Client, data json.RawMessage) {
	var p sendPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.Send(envelope(EventError, errorEvent{Code: CodeBadRequest, Message: "malformed send payload"}))
		return
	}

	allowed, err := g.store.AllowSend(ctx, c.UserID, g.limits.RateLimitMax, g.limits.RateWindow())
	if err != nil {
		g.log.Warnw("rate limiter unavailable", "userId", c.UserID, "err", err)
		c.Send(envelope(EventError, errorEvent{Code: CodeInternal, Message: "failed to send message"}))
		return
	}
	if !allowed {
		// The message is dropped, not queued; the sender must resend.
		c.Send(envelope(EventError, errorEvent{Code: CodeRateLimited, Message: "rate limit exceeded, slow down"}))
		return
	}

	msg, err := g.svc.SendMessage(ctx, c.UserID, p.ReceiverID, p.Content, p.Attachments)
	if err != nil {
		c.Send(envelope(EventError, toErrorEvent(err)))
		return
	}

	// Ack the sender first so the client can reconcile its temp ID.
	c.Send(envelope(EventMessageStatus, statusEvent{
		TempID:    p.TempID,
		MessageID: msg.ID.Hex(),
		Status:    string(models.StatusSent),
		Timestamp: msg.CreatedAt,
	}))

	g.DeliverSent(msg)
}

// DeliverSent fans out a message persisted outside the socket path (the
// HTTP fallback) exactly like handleSend does after persistence: local
// delivery, cross-instance publish, offline queue when absent everywhere.
func (g *Gateway) DeliverSent(msg *models.Message) {
	ctx, cancel := opCtx()
	defer cancel()

	msgJSON, err := json.Marshal(msg)
	if err != nil {
		g.log.Errorw("message marshal failed", "messageId", msg.ID.Hex(), "err", err)
		return
	}
	if rc := g.hub.Get(msg.ReceiverID); rc != nil {
		rc.Send(envelope(EventMessageReceive, json.RawMessage(msgJSON)))
	}
	g.publish(ctx, ChannelMessageNew, frame{
		Origin: g.InstanceID,
		Target: msg.ReceiverID,
		Event:  EventMessageReceive,
		Data:   msgJSON,
	})
	online, err := g.store.IsOnline(ctx, msg.ReceiverID)
	if err != nil {
		g.log.Warnw("presence lookup failed", "userId", msg.ReceiverID, "err", err)
		return
	}
	if !online {
		if err := g.store.QueueOffline(ctx, msg.ReceiverID, msgJSON, g.limits.OfflineTTL()); err != nil {
			g.log.Warnw("offline enqueue failed", "userId", msg.ReceiverID, "err", err)
		}
	}
}

func (g *Gateway) handleDelivered(ctx context.Context, c *Client, data json.RawMessage) {
	var p deliveredPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.Send(envelope(EventError, errorEvent{Code: CodeBadRequest, Message: "malformed delivered payload"}))
		return
	}
	msg, advanced, err := g.svc.MarkDelivered(ctx, p.MessageID, c.UserID)
	if err != nil {
		c.Send(envelope(EventError, toErrorEvent(err)))
		return
	}
	if !advanced {
		// Already DELIVERED or READ; nothing to announce.
		return
	}
	g.deliverToUser(ctx, msg.SenderID, EventMessageStatus, statusEvent{
		MessageID: p.MessageID,
		Status:    string(models.StatusDelivered),
		Timestamp: time.Now().UTC(),
	})
}

func (g *Gateway) handleRead(ctx context.Context, c *Client, data json.RawMessage) {
	var p readPayload
	if err := json.Unmarshal(data, &p); err != nil || len(p.MessageIDs) == 0 {
		c.Send(envelope(EventError, errorEvent{Code: CodeBadRequest, Message: "malformed read payload"}))
		return
	}
	msgs, err := g.svc.MarkRead(ctx, p.MessageIDs, p.ConversationID, c.UserID)
	if err != nil {
		c.Send(envelope(EventError, toErrorEvent(err)))
		return
	}

	now := time.Now().UTC()
	bySender := make(map[int64][]string)
	for _, m := range msgs {
		bySender[m.SenderID] = append(bySender[m.SenderID], m.ID.Hex())
	}
	for senderID, ids := range bySender {
		g.deliverToUser(ctx, senderID, EventMessageStatus, statusEvent{
			MessageIDs: ids,
			Status:     string(models.StatusRead),
			Timestamp:  now,
			ReadBy:     c.UserID,
		})
	}
}

func (g *Gateway) handleTyping(ctx context.Context, c *Client, data json.RawMessage, start bool) {
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
		c.Send(envelope(EventError, errorEvent{Code: CodeBadRequest, Message: "malformed typing payload"}))
		return
	}
	ok, err := g.svc.IsParticipant(ctx, p.ConversationID, c.UserID)
	if err != nil || !ok {
		c.Send(envelope(EventError, errorEvent{Code: CodeForbidden, Message: "not a participant"}))
		return
	}

	if start {
		// Short expiry: the client refreshes while typing, or the flag
		// self-heals to "not typing".
		if err := g.store.SetTyping(ctx, p.ConversationID, c.UserID, g.limits.TypingTTL()); err != nil {
			g.log.Warnw("typing flag write failed", "conversationId", p.ConversationID, "err", err)
		}
	} else {
		if err := g.store.ClearTyping(ctx, p.ConversationID, c.UserID); err != nil {
			g.log.Warnw("typing flag clear failed", "conversationId", p.ConversationID, "err", err)
		}
	}

	ev := typingEvent{ConversationID: p.ConversationID, UserID: c.UserID, IsTyping: start}
	payload := envelope(EventTypingIndicator, ev)
	g.hub.BroadcastRoom(p.ConversationID, c.UserID, payload)
	if rc := g.hub.Get(p.ReceiverID); rc != nil && !g.hub.InRoom(p.ConversationID, p.ReceiverID) {
		rc.Send(payload)
	}

	raw, _ := json.Marshal(ev)
	g.publish(ctx, ChannelTyping, frame{
		Origin: g.InstanceID,
		ConvID: p.ConversationID,
		Target: p.ReceiverID,
		Except: c.UserID,
		Event:  EventTypingIndicator,
		Data:   raw,
	})
}

func (g *Gateway) handleJoin(ctx context.Context, c *Client, data json.RawMessage) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
		c.Send(envelope(EventError, errorEvent{Code: CodeBadRequest, Message: "malformed join payload"}))
		return
	}
	ok, err := g.svc.IsParticipant(ctx, p.ConversationID, c.UserID)
	if err != nil || !ok {
		c.Send(envelope(EventError, errorEvent{Code: CodeForbidden, Message: "not a participant"}))
		return
	}
	g.hub.JoinRoom(p.ConversationID, c.UserID)
}

func (g *Gateway) handleLeave(c *Client, data json.RawMessage) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
		return
	}
	g.hub.LeaveRoom(p.ConversationID, c.UserID)
}

func (g *Gateway) broadcastUserStatus(ctx context.Context, userID int64, status string) {
	contacts, err := g.svc.GetUserContacts(ctx, userID)
	if err != nil {
		g.log.Warnw("contacts lookup failed", "userId", userID, "err", err)
		return
	}
	if len(contacts) == 0 {
		return
	}
	ev := userStatusEvent{UserID: userID, Status: status, Timestamp: time.Now().UTC()}
	payload := envelope(EventUserStatus, ev)
	for _, contactID := range contacts {
		if cc := g.hub.Get(contactID); cc != nil {
			cc.Send(payload)
		}
	}
	raw, _ := json.Marshal(ev)
	g.publish(ctx, ChannelUserStatus, frame{
		Origin:  g.InstanceID,
		Targets: contacts,
		Event:   EventUserStatus,
		Data:    raw,
	})
}

// deliverToUser sends an event to a user's socket wherever it lives:
// locally when this instance holds it, via fan-out otherwise.
func (g *Gateway) deliverToUser(ctx context.Context, userID int64, event string, data any) {
	raw, _ := json.Marshal(data)
	if c := g.hub.Get(userID); c != nil {
		c.Send(envelope(event, json.RawMessage(raw)))
		return
	}
	g.publish(ctx, ChannelMessageStatus, frame{
		Origin: g.InstanceID,
		Target: userID,
		Event:  event,
		Data:   raw,
	})
}

func (g *Gateway) publish(ctx context.Context, channel string, f frame) {
	b, _ := json.Marshal(f)
	if err := g.store.Publish(ctx, channel, b); err != nil {
		g.log.Warnw("fanout publish failed", "channel", channel, "err", err)
	}
}

// HandleFanout delivers one inbound fan-out frame to local sockets.
// Frames published by this instance are skipped: local delivery already
// happened at publish time.
func (g *Gateway) HandleFanout(payload []byte) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		g.log.Warnw("fanout frame decode failed", "err", err)
		return
	}
	if f.Origin == g.InstanceID {
		return
	}

	if f.ConvID != "" {
		g.hub.BroadcastRoom(f.ConvID, f.Except, envelope(f.Event, f.Data))
		if f.Target != 0 && !g.hub.InRoom(f.ConvID, f.Target) {
			if c := g.hub.Get(f.Target); c != nil {
				c.Send(envelope(f.Event, f.Data))
			}
		}
		return
	}
	if f.Target != 0 {
		if c := g.hub.Get(f.Target); c != nil {
			c.Send(envelope(f.Event, f.Data))
		}
	}
	for _, t := range f.Targets {
		if c := g.hub.Get(t); c != nil {
			c.Send(envelope(f.Event, f.Data))
		}
	}
}

func toErrorEvent(err error) errorEvent {
	switch {
	case errors.Is(err, messaging.ErrForbidden):
		return errorEvent{Code: CodeForbidden, Message: err.Error()}
	case errors.Is(err, messaging.ErrRateLimited):
		return errorEvent{Code: CodeRateLimited, Message: err.Error()}
	case errors.Is(err, messaging.ErrNotFound):
		return errorEvent{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, messaging.ErrInvalid):
		return errorEvent{Code: CodeBadRequest, Message: err.Error()}
	default:
		return errorEvent{Code: CodeInternal, Message: "failed to process event"}
	}
}
