package repository

import (
	"context"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/yourorg/social-messaging/internal/models"
)

type MessageRepo struct {
	coll *mongo.Collection
}

func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{coll: db.Collection("messages")}
}

func (r *MessageRepo) Insert(ctx context.Context, m *models.Message) (*models.Message, error) {
	m.CreatedAt = time.Now().UTC()
	m.Status = models.StatusSent
	res, err := r.coll.InsertOne(ctx, m)
	if err != nil {
		return nil, err
	}
	m.ID = res.InsertedID.(primitive.ObjectID)
	return m, nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Message, error) {
	var m models.Message
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MessageRepo) GetByIDs(ctx context.Context, ids []primitive.ObjectID) ([]*models.Message, error) {
	cur, err := r.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	return decodeMessages(ctx, cur)
}

// SetStreamID records the coordination-store cache pointer for a message.
func (r *MessageRepo) SetStreamID(ctx context.Context, id primitive.ObjectID, streamID string) error {
	_, err := r.coll.UpdateByID(ctx, id, bson.M{"$set": bson.M{"stream_id": streamID}})
	return err
}

// AdvanceStatus conditionally moves a message to next. The filter only
// matches when the stored status still precedes next, so out-of-order
// acknowledgements and repeats are no-ops: MatchedCount 0, no error, no
// timestamp overwrite.
func (r *MessageRepo) AdvanceStatus(ctx context.Context, id primitive.ObjectID, receiverID int64, next models.MessageStatus, at time.Time) (bool, error) {
	below := models.StatusesBelow(next)
	if len(below) == 0 {
		return false, nil
	}
	set := bson.M{"status": next}
	switch next {
	case models.StatusDelivered:
		set["delivered_at"] = at
	case models.StatusRead:
		set["read_at"] = at
	}
	res, err := r.coll.UpdateOne(ctx, bson.M{
		"_id":         id,
		"receiver_id": receiverID,
		"status":      bson.M{"$in": below},
	}, bson.M{"$set": set})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// AdvanceStatusBulk applies AdvanceStatus semantics to many messages at
// once; messages already at or past next are silently skipped.
func (r *MessageRepo) AdvanceStatusBulk(ctx context.Context, ids []primitive.ObjectID, receiverID int64, next models.MessageStatus, at time.Time) (int64, error) {
	below := models.StatusesBelow(next)
	if len(below) == 0 || len(ids) == 0 {
		return 0, nil
	}
	set := bson.M{"status": next}
	switch next {
	case models.StatusDelivered:
		set["delivered_at"] = at
	case models.StatusRead:
		set["read_at"] = at
	}
	res, err := r.coll.UpdateMany(ctx, bson.M{
		"_id":         bson.M{"$in": ids},
		"receiver_id": receiverID,
		"status":      bson.M{"$in": below},
	}, bson.M{"$set": set})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// History returns one page of a conversation's messages, newest first.
func (r *MessageRepo) History(ctx context.Context, convID primitive.ObjectID, page, pageSize int) ([]*models.Message, error) {
	if page < 1 {
		page = 1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64((page - 1) * pageSize)).
		SetLimit(int64(pageSize))
	cur, err := r.coll.Find(ctx, bson.M{"conversation_id": convID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	return decodeMessages(ctx, cur)
}

// Search finds messages in a conversation whose content contains query,
// case-insensitively, newest first.
func (r *MessageRepo) Search(ctx context.Context, convID primitive.ObjectID, query string, limit int) ([]*models.Message, error) {
	filter := bson.M{
		"conversation_id": convID,
		"content": bson.M{
			"$regex":   regexp.QuoteMeta(query),
			"$options": "i",
		},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	return decodeMessages(ctx, cur)
}

// CountUnread counts messages addressed to userID not yet read. The
// durable store is authoritative here; the per-conversation Redis counter
// is a display overlay.
func (r *MessageRepo) CountUnread(ctx context.Context, userID int64) (int64, error) {
	return r.coll.CountDocuments(ctx, bson.M{
		"receiver_id": userID,
		"status":      bson.M{"$in": []models.MessageStatus{models.StatusSent, models.StatusDelivered}},
	})
}

func decodeMessages(ctx context.Context, cur *mongo.Cursor) ([]*models.Message, error) {
	var out []*models.Message
	for cur.Next(ctx) {
		var m models.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, cur.Err()
}
