package repository

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// FollowRepo is the read side of the relationship store. Follow mutation
// lives in the social graph service; messaging only asks who follows whom.
type FollowRepo struct {
	coll *mongo.Collection
}

func NewFollowRepo(db *mongo.Database) *FollowRepo {
	return &FollowRepo{coll: db.Collection("follows")}
}

// MutualCount counts how many of the two directed edges between a and b
// exist. 2 means mutual.
func (r *FollowRepo) MutualCount(ctx context.Context, a, b int64) (int64, error) {
	return r.coll.CountDocuments(ctx, bson.M{"$or": []bson.M{
		{"follower_id": a, "following_id": b},
		{"follower_id": b, "following_id": a},
	}})
}

// FollowingIDs returns the users that userID follows.
func (r *FollowRepo) FollowingIDs(ctx context.Context, userID int64) ([]int64, error) {
	return r.edgeIDs(ctx, bson.M{"follower_id": userID}, "following_id")
}

// FollowerIDs returns the users following userID.
func (r *FollowRepo) FollowerIDs(ctx context.Context, userID int64) ([]int64, error) {
	return r.edgeIDs(ctx, bson.M{"following_id": userID}, "follower_id")
}

func (r *FollowRepo) edgeIDs(ctx context.Context, filter bson.M, field string) ([]int64, error) {
	cur, err := r.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []int64
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		switch v := doc[field].(type) {
		case int64:
			out = append(out, v)
		case int32:
			out = append(out, int64(v))
		}
	}
	return out, cur.Err()
}
