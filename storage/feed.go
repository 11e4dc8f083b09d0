package storage

import (
	"context"
	"encoding/json"

	"github.com/bronifty/trellix-replicache/replicache"
)

// EnqueueApplied sends an applied-mutation envelope to the feed queue for
// downstream consumers. The caller treats failures as advisory; the
// entity table remains the source of truth.
func (s *Storage) EnqueueApplied(ctx context.Context, env replicache.AppliedMutation) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = s.feedQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}
