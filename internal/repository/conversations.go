package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/yourorg/social-messaging/internal/models"
)

type ConversationRepo struct {
	coll *mongo.Collection
}

func NewConversationRepo(db *mongo.Database) *ConversationRepo {
	return &ConversationRepo{coll: db.Collection("conversations")}
}

// GetOrCreate resolves the single conversation for a user pair, creating
// it lazily. The upsert is atomic at the store, so two simultaneous
// first-contact requests from both directions converge on one document.
func (r *ConversationRepo) GetOrCreate(ctx context.Context, userA, userB int64) (*models.Conversation, error) {
	p1, p2 := models.CanonicalPair(userA, userB)
	now := time.Now().UTC()

	filter := bson.M{"participant1": p1, "participant2": p2}
	update := bson.M{
		"$setOnInsert": bson.M{
			"participant1": p1,
			"participant2": p2,
			"created_at":   now,
			"updated_at":   now,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var conv models.Conversation
	err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&conv)
	if err != nil {
		// A concurrent upsert can still surface a duplicate key error on
		// some topologies; the document exists, so re-fetch.
		if mongo.IsDuplicateKeyError(err) {
			err = r.coll.FindOne(ctx, filter).Decode(&conv)
		}
		if err != nil {
			return nil, err
		}
	}
	return &conv, nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListForUser returns the user's conversations newest-activity-first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID int64, page, pageSize int) ([]*models.Conversation, error) {
	if page < 1 {
		page = 1
	}
	filter := bson.M{"$or": []bson.M{
		{"participant1": userID},
		{"participant2": userID},
	}}
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}}).
		SetSkip(int64((page - 1) * pageSize)).
		SetLimit(int64(pageSize))

	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*models.Conversation
	for cur.Next(ctx) {
		var c models.Conversation
		if err := cur.Decode(&c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, cur.Err()
}

// SetLastMessage updates the denormalized last-message summary used by
// the conversation list.
func (r *ConversationRepo) SetLastMessage(ctx context.Context, convID, msgID primitive.ObjectID, snippet string, at time.Time) error {
	_, err := r.coll.UpdateByID(ctx, convID, bson.M{"$set": bson.M{
		"last_message_id":   msgID,
		"last_message_text": snippet,
		"last_message_at":   at,
		"updated_at":        time.Now().UTC(),
	}})
	return err
}
