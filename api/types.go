package api

import (
	"context"

	"github.com/bronifty/trellix-replicache/replicache"
)

const pushMaxSize = 256 * 1024 // 256 KiB
const pullMaxSize = 4 * 1024

// Processor applies pushes and produces pull snapshots.
type Processor interface {
	Push(ctx context.Context, accountID string, req replicache.PushRequest) (replicache.PushResult, error)
	Pull(ctx context.Context, accountID string, req replicache.PullRequest) (replicache.PullResponse, error)
}

// Authenticator is implemented by types able to resolve account IDs from
// Authorization headers.
type Authenticator interface {
	AccountIDFromAuthHeader(string) (string, error)
}

// Poker tells the other replicas of an account that new state is
// available to pull. Pokes are advisory; a lost poke only delays
// convergence until the next pull.
type Poker interface {
	Poke(ctx context.Context, accountID string) error
}

// POST /api/push response body. Empty object on full success.
type pushResponse struct {
	Rejected []replicache.RejectedMutation `json:"rejected,omitempty"`
	Error    string                        `json:"error,omitempty"`
}
