// Package follow exposes the read side of the social graph that the
// messaging core consumes: the mutual-follow predicate and the contact
// list. Graph mutation is an external collaborator.
package follow

import (
	"context"

	"github.com/samber/lo"
)

// GraphReader is implemented by repository.FollowRepo.
type GraphReader interface {
	MutualCount(ctx context.Context, a, b int64) (int64, error)
	FollowingIDs(ctx context.Context, userID int64) ([]int64, error)
	FollowerIDs(ctx context.Context, userID int64) ([]int64, error)
}

type Gate struct {
	graph GraphReader
}

func NewGate(graph GraphReader) *Gate {
	return &Gate{graph: graph}
}

// CanMessage reports whether a and b may message each other. Both directed
// follow edges must exist; one-directional following is insufficient.
func (g *Gate) CanMessage(ctx context.Context, a, b int64) (bool, error) {
	if a == b {
		return false, nil
	}
	n, err := g.graph.MutualCount(ctx, a, b)
	if err != nil {
		return false, err
	}
	return n == 2, nil
}

// Contacts returns the users mutually followed with userID: the
// intersection of "users I follow" and "users who follow me".
func (g *Gate) Contacts(ctx context.Context, userID int64) ([]int64, error) {
	following, err := g.graph.FollowingIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	followers, err := g.graph.FollowerIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	return lo.Intersect(following, followers), nil
}
