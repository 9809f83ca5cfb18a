package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrNotFound = mongo.ErrNoDocuments

// Connect opens a Mongo client and pings it.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return client, nil
}

// EnsureIndexes creates the indexes the messaging core relies on. The
// unique compound index on the canonical participant pair is what makes
// concurrent first-contact safe: the loser of the race hits a duplicate
// key error and re-fetches.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection("conversations").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "participant1", Value: 1}, {Key: "participant2", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("participants_unique"),
	})
	if err != nil {
		return err
	}
	_, err = db.Collection("messages").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}},
		Options: options.Index().SetName("conv_created_idx"),
	})
	if err != nil {
		return err
	}
	_, err = db.Collection("messages").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "receiver_id", Value: 1}, {Key: "status", Value: 1}},
		Options: options.Index().SetName("receiver_status_idx"),
	})
	if err != nil {
		return err
	}
	_, err = db.Collection("follows").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "follower_id", Value: 1}, {Key: "following_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("follow_pair_unique"),
	})
	return err
}
