package replicache

import (
	"context"

	"github.com/bytedance/sonic"

	"github.com/bronifty/trellix-replicache/domain"
)

// Patch operation kinds understood by replicas.
const (
	OpClear = "clear"
	OpPut   = "put"
	OpDel   = "del"
)

// PushRequest is the body of a push: every mutation queued by replicas in
// the client group, in per-client id order.
type PushRequest struct {
	ClientGroupID string            `json:"clientGroupID"`
	Mutations     []domain.Mutation `json:"mutations"`
}

// RejectedMutation reports a mutation whose own transaction failed
// without aborting the rest of the push.
type RejectedMutation struct {
	ClientID string `json:"clientID"`
	ID       int64  `json:"id"`
	Reason   string `json:"reason"`
}

// PushResult summarizes one processed push.
type PushResult struct {
	Applied  int                `json:"applied"`
	Skipped  int                `json:"skipped"`
	Rejected []RejectedMutation `json:"rejected,omitempty"`
}

// PullRequest asks for a fresh snapshot. Cookie is whatever the previous
// pull returned; the server never interprets it.
type PullRequest struct {
	ClientGroupID string                 `json:"clientGroupID"`
	Cookie        sonic.NoCopyRawMessage `json:"cookie,omitempty"`
}

// PatchOperation is one step of the reset-view patch.
type PatchOperation struct {
	Op    string                 `json:"op"`
	Key   string                 `json:"key,omitempty"`
	Value sonic.NoCopyRawMessage `json:"value,omitempty"`
}

// PullResponse carries the full authoritative state for the account plus
// the last applied mutation id for every client in the group.
type PullResponse struct {
	Cookie                int64            `json:"cookie"`
	LastMutationIDChanges map[string]int64 `json:"lastMutationIDChanges"`
	Patch                 []PatchOperation `json:"patch"`
}

// Store is the persistence surface the processor needs. Group and Client
// return nil, not an error, for rows that do not exist yet; rows are
// created lazily by the first committed mutation.
type Store interface {
	Group(ctx context.Context, groupID string) (*domain.ClientGroup, error)
	Client(ctx context.Context, groupID, clientID string) (*domain.Client, error)
	Clients(ctx context.Context, groupID string) ([]domain.Client, error)

	// Resolve finds an entity by composite key regardless of account and
	// returns its value and owning account. Returns domain.ErrNotFound
	// when no such entity exists.
	Resolve(ctx context.Context, key string) (value []byte, accountID string, err error)

	// Entities returns every live entity owned by the account, ordered
	// by composite key.
	Entities(ctx context.Context, accountID string) ([]domain.Entity, error)

	// Begin opens a write transaction scoped to the account. Writes are
	// buffered until Commit; a transaction that is never committed has
	// no effect.
	Begin(ctx context.Context, accountID string) (Tx, error)
}

// Tx is one mutation's transaction: entity writes plus the sync-state
// upserts that mark the mutation applied.
type Tx interface {
	domain.WriteTx
	PutGroup(g domain.ClientGroup)
	PutClient(c domain.Client)
	Commit(ctx context.Context) error
}

// AppliedMutation is the envelope forwarded to the mutation feed after a
// mutation commits.
type AppliedMutation struct {
	AccountID     string          `json:"accountId"`
	ClientGroupID string          `json:"clientGroupId"`
	Mutation      domain.Mutation `json:"mutation"`
}

// Feed receives applied mutations for downstream consumers. Feed errors
// never fail a push; the store remains the source of truth.
type Feed interface {
	EnqueueApplied(ctx context.Context, env AppliedMutation) error
}
