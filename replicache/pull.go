package replicache

import (
	"context"
	"fmt"
	"time"

	"github.com/bronifty/trellix-replicache/domain"
)

// Pull builds the reset-view snapshot: a patch that clears the mirror and
// puts every live entity the account owns, plus the last applied mutation
// id for every client in the requesting group. The cookie is wall-clock
// millis the client echoes back untouched; this strategy never computes
// incremental diffs.
func (p *Processor) Pull(ctx context.Context, accountID string, req PullRequest) (PullResponse, error) {
	var resp PullResponse

	group, err := p.store.Group(ctx, req.ClientGroupID)
	if err != nil {
		return resp, fmt.Errorf("load client group: %w", err)
	}
	if group != nil && group.AccountID != accountID {
		return resp, fmt.Errorf("client group %s: %w", req.ClientGroupID, domain.ErrForbidden)
	}

	ents, err := p.store.Entities(ctx, accountID)
	if err != nil {
		return resp, fmt.Errorf("load entities: %w", err)
	}
	patch := make([]PatchOperation, 0, len(ents)+1)
	patch = append(patch, PatchOperation{Op: OpClear})
	for _, ent := range ents {
		patch = append(patch, PatchOperation{Op: OpPut, Key: ent.Key, Value: ent.Value})
	}

	clients, err := p.store.Clients(ctx, req.ClientGroupID)
	if err != nil {
		return resp, fmt.Errorf("load clients: %w", err)
	}
	changes := make(map[string]int64, len(clients))
	for _, c := range clients {
		changes[c.ID] = c.LastMutationID
	}

	resp.Cookie = time.Now().UnixMilli()
	resp.LastMutationIDChanges = changes
	resp.Patch = patch
	return resp, nil
}
