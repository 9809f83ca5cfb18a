package messaging_test

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/yourorg/social-messaging/internal/config"
	"github.com/yourorg/social-messaging/internal/messaging"
	"github.com/yourorg/social-messaging/internal/models"
)

// ---- fakes ----

type fakeConvStore struct {
	byPair map[[2]int64]*models.Conversation
	byID   map[primitive.ObjectID]*models.Conversation
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{
		byPair: make(map[[2]int64]*models.Conversation),
		byID:   make(map[primitive.ObjectID]*models.Conversation),
	}
}

func (f *fakeConvStore) GetOrCreate(_ context.Context, a, b int64) (*models.Conversation, error) {
	p1, p2 := models.CanonicalPair(a, b)
	key := [2]int64{p1, p2}
	if c, ok := f.byPair[key]; ok {
		return c, nil
	}
	now := time.Now().UTC()
	c := &models.Conversation{
		ID:           primitive.NewObjectID(),
		Participant1: p1,
		Participant2: p2,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	f.byPair[key] = c
	f.byID[c.ID] = c
	return c, nil
}

func (f *fakeConvStore) GetByID(_ context.Context, id primitive.ObjectID) (*models.Conversation, error) {
	if c, ok := f.byID[id]; ok {
		return c, nil
	}
	return nil, errors.New("no documents")
}

func (f *fakeConvStore) ListForUser(_ context.Context, userID int64, page, pageSize int) ([]*models.Conversation, error) {
	var out []*models.Conversation
	for _, c := range f.byID {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (f *fakeConvStore) SetLastMessage(_ context.Context, convID, msgID primitive.ObjectID, snippet string, at time.Time) error {
	c, ok := f.byID[convID]
	if !ok {
		return errors.New("no documents")
	}
	c.LastMessageID = msgID
	c.LastMessageText = snippet
	c.LastMessageAt = at
	c.UpdatedAt = time.Now().UTC()
	return nil
}

type fakeMsgStore struct {
	byID map[primitive.ObjectID]*models.Message
}

func newFakeMsgStore() *fakeMsgStore {
	return &fakeMsgStore{byID: make(map[primitive.ObjectID]*models.Message)}
}

func (f *fakeMsgStore) Insert(_ context.Context, m *models.Message) (*models.Message, error) {
	m.ID = primitive.NewObjectID()
	m.CreatedAt = time.Now().UTC()
	m.Status = models.StatusSent
	f.byID[m.ID] = m
	return m, nil
}

func (f *fakeMsgStore) GetByID(_ context.Context, id primitive.ObjectID) (*models.Message, error) {
	if m, ok := f.byID[id]; ok {
		return m, nil
	}
	return nil, errors.New("no documents")
}

func (f *fakeMsgStore) GetByIDs(_ context.Context, ids []primitive.ObjectID) ([]*models.Message, error) {
	var out []*models.Message
	for _, id := range ids {
		if m, ok := f.byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMsgStore) SetStreamID(_ context.Context, id primitive.ObjectID, streamID string) error {
	if m, ok := f.byID[id]; ok {
		m.StreamID = streamID
	}
	return nil
}

func (f *fakeMsgStore) AdvanceStatus(_ context.Context, id primitive.ObjectID, receiverID int64, next models.MessageStatus, at time.Time) (bool, error) {
	m, ok := f.byID[id]
	if !ok || m.ReceiverID != receiverID || !m.Status.CanAdvanceTo(next) {
		return false, nil
	}
	m.Status = next
	switch next {
	case models.StatusDelivered:
		m.DeliveredAt = &at
	case models.StatusRead:
		m.ReadAt = &at
	}
	return true, nil
}

func (f *fakeMsgStore) AdvanceStatusBulk(ctx context.Context, ids []primitive.ObjectID, receiverID int64, next models.MessageStatus, at time.Time) (int64, error) {
	var n int64
	for _, id := range ids {
		ok, _ := f.AdvanceStatus(ctx, id, receiverID, next, at)
		if ok {
			n++
		}
	}
	return n, nil
}

func (f *fakeMsgStore) History(_ context.Context, convID primitive.ObjectID, page, pageSize int) ([]*models.Message, error) {
	var out []*models.Message
	for _, m := range f.byID {
		if m.ConversationID == convID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(out) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func (f *fakeMsgStore) Search(_ context.Context, convID primitive.ObjectID, query string, limit int) ([]*models.Message, error) {
	var out []*models.Message
	for _, m := range f.byID {
		if m.ConversationID == convID && strings.Contains(strings.ToLower(m.Content), strings.ToLower(query)) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMsgStore) CountUnread(_ context.Context, userID int64) (int64, error) {
	var n int64
	for _, m := range f.byID {
		if m.ReceiverID == userID && m.Status != models.StatusRead {
			n++
		}
	}
	return n, nil
}

type fakeGate struct {
	mutual   map[[2]int64]bool
	contacts map[int64][]int64
}

func newFakeGate(pairs ...[2]int64) *fakeGate {
	g := &fakeGate{mutual: make(map[[2]int64]bool), contacts: make(map[int64][]int64)}
	for _, p := range pairs {
		a, b := models.CanonicalPair(p[0], p[1])
		g.mutual[[2]int64{a, b}] = true
	}
	return g
}

func (g *fakeGate) CanMessage(_ context.Context, a, b int64) (bool, error) {
	x, y := models.CanonicalPair(a, b)
	return g.mutual[[2]int64{x, y}], nil
}

func (g *fakeGate) Contacts(_ context.Context, userID int64) ([]int64, error) {
	return g.contacts[userID], nil
}

type fakeCache struct {
	streams    map[string][][]byte
	unread     map[string]int64
	online     map[int64]bool
	typing     map[string]bool
	lastSeen   map[int64]int64
	failRecent bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		streams:  make(map[string][][]byte),
		unread:   make(map[string]int64),
		online:   make(map[int64]bool),
		typing:   make(map[string]bool),
		lastSeen: make(map[int64]int64),
	}
}

func unreadKey(userID int64, convID string) string {
	return convID + "/" + strconv.FormatInt(userID, 10)
}

func (f *fakeCache) CacheMessage(_ context.Context, convID string, payload []byte, _ time.Duration) (string, error) {
	f.streams[convID] = append([][]byte{payload}, f.streams[convID]...)
	return "stream-" + strconv.Itoa(len(f.streams[convID])), nil
}

func (f *fakeCache) RecentMessages(_ context.Context, convID string, count int) ([][]byte, error) {
	if f.failRecent {
		return nil, errors.New("redis down")
	}
	msgs := f.streams[convID]
	if len(msgs) > count {
		msgs = msgs[:count]
	}
	return msgs, nil
}

func (f *fakeCache) IncrUnread(_ context.Context, userID int64, convID string) (int64, error) {
	k := unreadKey(userID, convID)
	f.unread[k]++
	return f.unread[k], nil
}

func (f *fakeCache) ResetUnread(_ context.Context, userID int64, convID string) error {
	delete(f.unread, unreadKey(userID, convID))
	return nil
}

func (f *fakeCache) UnreadCount(_ context.Context, userID int64, convID string) (int64, error) {
	return f.unread[unreadKey(userID, convID)], nil
}

func (f *fakeCache) IsOnline(_ context.Context, userID int64) (bool, error) {
	return f.online[userID], nil
}

func (f *fakeCache) IsTyping(_ context.Context, convID string, userID int64) (bool, error) {
	return f.typing[convID+"/"+strconv.FormatInt(userID, 10)], nil
}

func (f *fakeCache) LastSeen(_ context.Context, userID int64) (int64, error) {
	return f.lastSeen[userID], nil
}

type fakeSink struct {
	sent []string
	read [][]string
}

func (f *fakeSink) MessageSent(_ context.Context, _, _ int64, messageID string) error {
	f.sent = append(f.sent, messageID)
	return nil
}

func (f *fakeSink) MessagesRead(_ context.Context, _ int64, messageIDs []string) error {
	f.read = append(f.read, messageIDs)
	return nil
}

// ---- harness ----

type harness struct {
	svc   *messaging.Service
	convs *fakeConvStore
	msgs  *fakeMsgStore
	gate  *fakeGate
	cache *fakeCache
	sink  *fakeSink
}

func newHarness(t *testing.T, pairs ...[2]int64) *harness {
	t.Helper()
	h := &harness{
		convs: newFakeConvStore(),
		msgs:  newFakeMsgStore(),
		gate:  newFakeGate(pairs...),
		cache: newFakeCache(),
		sink:  &fakeSink{},
	}
	limits := config.LimitsCfg{
		ContentMaxBytes: 5000, MaxAttachments: 5, SnippetMaxBytes: 255,
		HistoryPageSize: 50, ConversationPageSize: 20,
		CacheTTLSeconds: 604800,
	}
	h.svc = messaging.NewService(h.convs, h.msgs, h.gate, h.cache, h.sink, limits, zap.NewNop().Sugar())
	return h
}

// ---- tests ----

func TestGetOrCreateConversationCanonical(t *testing.T) {
	h := newHarness(t, [2]int64{1, 2})
	ctx := context.Background()

	c1, err := h.svc.GetOrCreateConversation(ctx, 1, 2)
	require.NoError(t, err)
	c2, err := h.svc.GetOrCreateConversation(ctx, 2, 1)
	require.NoError(t, err)

	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, int64(1), c1.Participant1)
	assert.Equal(t, int64(2), c1.Participant2)
}

func TestGetOrCreateConversationForbidden(t *testing.T) {
	h := newHarness(t) // nobody follows anybody
	_, err := h.svc.GetOrCreateConversation(context.Background(), 1, 3)
	assert.ErrorIs(t, err, messaging.ErrForbidden)
	assert.Empty(t, h.convs.byID)
}

func TestSendMessagePersists(t *testing.T) {
	h := newHarness(t, [2]int64{1, 2})
	ctx := context.Background()

	msg, err := h.svc.SendMessage(ctx, 1, 2, "hello", nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusSent, msg.Status)
	assert.Equal(t, int64(1), msg.SenderID)
	assert.Equal(t, int64(2), msg.ReceiverID)
	assert.NotEmpty(t, msg.StreamID)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.Nil(t, msg.DeliveredAt)
	assert.Nil(t, msg.ReadAt)

	conv := h.convs.byID[msg.ConversationID]
	require.NotNil(t, conv)
	assert.Equal(t, "hello", conv.LastMessageText)
	assert.Equal(t, msg.ID, conv.LastMessageID)

	// cache overlay written, unread bumped, event emitted
	assert.Len(t, h.cache.streams[conv.ID.Hex()], 1)
	n, _ := h.cache.UnreadCount(ctx, 2, conv.ID.Hex())
	assert.EqualValues(t, 1, n)
	assert.Equal(t, []string{msg.ID.Hex()}, h.sink.sent)
}

func TestSendMessageForbiddenNotPersisted(t *testing.T) {
	h := newHarness(t, [2]int64{1, 2}) // 1<->2 only
	_, err := h.svc.SendMessage(context.Background(), 1, 3, "hi", nil)
	assert.ErrorIs(t, err, messaging.ErrForbidden)
	assert.Empty(t, h.msgs.byID)
	assert.Empty(t, h.convs.byID)
	assert.Empty(t, h.sink.sent)
}

func TestSendMessageValidation(t *testing.T) {
	h := newHarness(t, [2]int64{1, 2})
	ctx := context.Background()

	_, err := h.svc.SendMessage(ctx, 1, 2, "", nil)
	assert.ErrorIs(t, err, messaging.ErrInvalid)

	_, err = h.svc.SendMessage(ctx, 1, 2, strings.Repeat("x", 5001), nil)
	assert.ErrorIs(t, err, messaging.ErrInvalid)

	atts := make([]models.Attachment, 6)
	_, err = h.svc.SendMessage(ctx, 1, 2, "hi", atts)
	assert.ErrorIs(t, err, messaging.ErrInvalid)

	// attachments without text are fine
	_, err = h.svc.SendMessage(ctx, 1, 2, "", []models.Attachment{{FileName: "a.png"}})
	assert.NoError(t, err)
}

func TestMarkDeliveredReceiverOnly(t *testing.T) {
	h := newHarness(t, [2]int64{1, 2})
	ctx := context.Background()
	msg, err := h.svc.SendMessage(ctx, 1, 2, "hello", nil)
	require.NoError(t, err)

	// the sender may not acknowledge delivery
	_, _, err = h.svc.MarkDelivered(ctx, msg.ID.Hex(), 1)
	assert.ErrorIs(t, err, messaging.ErrForbidden)

	_, advanced, err := h.svc.MarkDelivered(ctx, msg.ID.Hex(), 2)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, models.StatusDelivered, h.msgs.byID[msg.ID].Status)
	require.NotNil(t, h.msgs.byID[msg.ID].DeliveredAt)
}

func TestMarkDeliveredIdempotentAndMonotonic(t *testing.T) {
	h := newHarness(t, [2]int64{1, 2})
	ctx := context.Background()
	msg, err := h.svc.SendMessage(ctx, 1, 2, "hello", nil)
	require.NoError(t, err)

	_, advanced, err := h.svc.MarkDelivered(ctx, msg.ID.Hex(), 2)
	require.NoError(t, err)
	require.True(t, advanced)
	firstAt := *h.msgs.byID[msg.ID].DeliveredAt

	// second ack: no-op, timestamp untouched
	_, advanced, err = h.svc.MarkDelivered(ctx, msg.ID.Hex(), 2)
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, firstAt, *h.msgs.byID[msg.ID].DeliveredAt)

	// after READ a late delivered ack must not regress
	_, err = h.svc.MarkRead(ctx, []string{msg.ID.Hex()}, msg.ConversationID.Hex(), 2)
	require.NoError(t, err)
	require.Equal(t, models.StatusRead, h.msgs.byID[msg.ID].Status)

	_, advanced, err = h.svc.MarkDelivered(ctx, msg.ID.Hex(), 2)
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, models.StatusRead, h.msgs.byID[msg.ID].Status)
}

func TestMarkDeliveredNotFound(t *testing.T) {
	h := newHarness(t, [2]int64{1, 2})
	_, _, err := h.svc.MarkDelivered(context.Background(), primitive.NewObjectID().Hex(), 2)
	assert.ErrorIs(t, err, messaging.ErrNotFound)

	_, _, err = h.svc.MarkDelivered(context.Background(), "not-an-id", 2)
	assert.ErrorIs(t, err, messaging.ErrNotFound)
}

func TestMarkReadBulkIdempotent(t *testing.T) {
	h := newHarness(t, [2]int64{1, 2})
	ctx := context.Background()

	m1, err := h.svc.SendMessage(ctx, 1, 2, "one", nil)
	require.NoError(t, err)
	m2, err := h.svc.SendMessage(ctx, 1, 2, "two", nil)
	require.NoError(t, err)

	convHex := m1.ConversationID.Hex()
	ids := []string{m1.ID.Hex(), m2.ID.Hex()}

	affected, err := h.svc.MarkRead(ctx, ids, convHex, 2)
	require.NoError(t, err)
	assert.Len(t, affected, 2)
	assert.Equal(t, models.StatusRead, h.msgs.byID[m1.ID].Status)
	assert.Equal(t, models.StatusRead, h.msgs.byID[m2.ID].Status)
	firstReadAt := *h.msgs.byID[m1.ID].ReadAt

	n, _ := h.cache.UnreadCount(ctx, 2, convHex)
	assert.Zero(t, n)

	// repeat: same end state, no timestamp overwrite
	_, err = h.svc.MarkRead(ctx, ids, convHex, 2)
	require.NoError(t, err)
	assert.Equal(t, firstReadAt, *h.msgs.byID[m1.ID].ReadAt)
}

func TestMarkReadSkipsOtherReceivers(t *testing.T) {
	h := newHarness(t, [2]int64{1, 2})
	ctx := context.Background()
	msg, err := h.svc.SendMessage(ctx, 1, 2, "hello", nil)
	require.NoError(t, err)

	// sender calling mark-read on its own outbound message changes nothing
	affected, err := h.svc.MarkRead(ctx, []string{msg.ID.Hex()}, msg.ConversationID.Hex(), 1)
	require.NoError(t, err)
	assert.Empty(t, affected)
	assert.Equal(t, models.StatusSent, h.msgs.byID[msg.ID].Status)
}

func TestGetChatHistoryCacheFastPath(t *testing.T) {
	h := newHarness(t, [2]int64{1, 2})
	ctx := context.Background()
	msg, err := h.svc.SendMessage(ctx, 1, 2, "hello", nil)
	require.NoError(t, err)

	page, err := h.svc.GetChatHistory(ctx, msg.ConversationID.Hex(), 1, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, "cache", page.Source)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hello", page.Messages[0].Content)
}

func TestGetChatHistoryFallsBackToDatabase(t *testing.T) {
	h := newHarness(t, [2]int64{1, 2})
	ctx := context.Background()
	msg, err := h.svc.SendMessage(ctx, 1, 2, "hello", nil)
	require.NoError(t, err)

	// unreachable cache degrades to the durable store
	h.cache.failRecent = true
	page, err := h.svc.GetChatHistory(ctx, msg.ConversationID.Hex(), 2, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, "database", page.Source)
	require.Len(t, page.Messages, 1)

	// pages past the first always come from the durable store
	h.cache.failRecent = false
	page, err = h.svc.GetChatHistory(ctx, msg.ConversationID.Hex(), 2, 2, 50)
	require.NoError(t, err)
	assert.Equal(t, "database", page.Source)
}

func TestGetChatHistoryAccessControl(t *testing.T) {
	h := newHarness(t, [2]int64{1, 2})
	ctx := context.Background()
	msg, err := h.svc.SendMessage(ctx, 1, 2, "hello", nil)
	require.NoError(t, err)

	_, err = h.svc.GetChatHistory(ctx, msg.ConversationID.Hex(), 99, 1, 50)
	assert.ErrorIs(t, err, messaging.ErrForbidden)

	_, err = h.svc.GetChatHistory(ctx, primitive.NewObjectID().Hex(), 1, 1, 50)
	assert.ErrorIs(t, err, messaging.ErrNotFound)
}

func TestGetConversationsDecorated(t *testing.T) {
	h := newHarness(t, [2]int64{1, 2})
	ctx := context.Background()
	msg, err := h.svc.SendMessage(ctx, 1, 2, "hello", nil)
	require.NoError(t, err)
	h.cache.online[1] = true

	convs, err := h.svc.GetConversations(ctx, 2, 1, 20)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, int64(1), convs[0].OtherUserID)
	assert.EqualValues(t, 1, convs[0].UnreadCount)
	assert.True(t, convs[0].IsOnline)
	assert.Equal(t, msg.ID, convs[0].LastMessageID)
}

func TestGetUnreadCount(t *testing.T) {
	h := newHarness(t, [2]int64{1, 2})
	ctx := context.Background()

	_, err := h.svc.SendMessage(ctx, 1, 2, "one", nil)
	require.NoError(t, err)
	m2, err := h.svc.SendMessage(ctx, 1, 2, "two", nil)
	require.NoError(t, err)

	n, err := h.svc.GetUnreadCount(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, _, err = h.svc.MarkDelivered(ctx, m2.ID.Hex(), 2)
	require.NoError(t, err)
	n, err = h.svc.GetUnreadCount(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "delivered still counts as unread")

	_, err = h.svc.MarkRead(ctx, []string{m2.ID.Hex()}, m2.ConversationID.Hex(), 2)
	require.NoError(t, err)
	n, err = h.svc.GetUnreadCount(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSearchMessages(t *testing.T) {
	h := newHarness(t, [2]int64{1, 2})
	ctx := context.Background()
	msg, err := h.svc.SendMessage(ctx, 1, 2, "Hello World", nil)
	require.NoError(t, err)
	_, err = h.svc.SendMessage(ctx, 1, 2, "unrelated", nil)
	require.NoError(t, err)

	out, err := h.svc.SearchMessages(ctx, msg.ConversationID.Hex(), 2, "world")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Hello World", out[0].Content)

	_, err = h.svc.SearchMessages(ctx, msg.ConversationID.Hex(), 99, "world")
	assert.ErrorIs(t, err, messaging.ErrForbidden)
}

func TestTypingState(t *testing.T) {
	h := newHarness(t, [2]int64{1, 2})
	ctx := context.Background()
	msg, err := h.svc.SendMessage(ctx, 1, 2, "hello", nil)
	require.NoError(t, err)
	convHex := msg.ConversationID.Hex()

	typing, err := h.svc.TypingState(ctx, convHex, 2, 1)
	require.NoError(t, err)
	assert.False(t, typing)

	h.cache.typing[convHex+"/1"] = true
	typing, err = h.svc.TypingState(ctx, convHex, 2, 1)
	require.NoError(t, err)
	assert.True(t, typing)

	_, err = h.svc.TypingState(ctx, convHex, 99, 1)
	assert.ErrorIs(t, err, messaging.ErrForbidden)
}
