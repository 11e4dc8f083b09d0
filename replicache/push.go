package replicache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/bronifty/trellix-replicache/domain"
)

// ErrFutureMutation indicates a pushed mutation id skipped ahead of the
// client's counter. This signals client/server divergence (typically a
// server data reset during development) and aborts the remaining push;
// the client must clear its local state.
var ErrFutureMutation = errors.New("mutation from the future")

// Processor applies pushed mutations and produces pull snapshots.
type Processor struct {
	store  Store
	feed   Feed
	logger *log.Logger
}

// NewProcessor creates a processor. feed may be nil when no downstream
// consumer is configured.
func NewProcessor(store Store, feed Feed, logger *log.Logger) *Processor {
	if store == nil {
		panic("store is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Processor{store: store, feed: feed, logger: logger}
}

// Push applies the request's mutations sequentially, one transaction per
// mutation, preserving per-client order. Duplicates are skipped, a
// future id aborts the rest of the push, and ownership or not-found
// failures reject only the offending mutation: its entity writes are
// discarded but its counter still advances, so later mutations from the
// same client stay applicable. Mutations committed before an abort
// remain applied.
func (p *Processor) Push(ctx context.Context, accountID string, req PushRequest) (PushResult, error) {
	var res PushResult

	group, err := p.store.Group(ctx, req.ClientGroupID)
	if err != nil {
		return res, fmt.Errorf("load client group: %w", err)
	}
	if group != nil && group.AccountID != accountID {
		return res, fmt.Errorf("client group %s: %w", req.ClientGroupID, domain.ErrForbidden)
	}

	for _, m := range req.Mutations {
		if !m.Name.Known() {
			return res, fmt.Errorf("unknown mutation %q from client %s", m.Name, m.ClientID)
		}

		client, err := p.store.Client(ctx, req.ClientGroupID, m.ClientID)
		if err != nil {
			return res, fmt.Errorf("load client %s: %w", m.ClientID, err)
		}
		var last int64
		if client != nil {
			last = client.LastMutationID
		}
		next := last + 1

		if m.ID < next {
			p.logger.WithFields(log.Fields{
				"client":   m.ClientID,
				"mutation": m.ID,
			}).Debug("mutation already processed, skipping")
			res.Skipped++
			continue
		}
		if m.ID > next {
			return res, fmt.Errorf("mutation %d from client %s, expected %d: %w",
				m.ID, m.ClientID, next, ErrFutureMutation)
		}

		if err := p.apply(ctx, accountID, req.ClientGroupID, m, next); err != nil {
			if errors.Is(err, domain.ErrNotFound) ||
				errors.Is(err, domain.ErrForbidden) ||
				errors.Is(err, domain.ErrAlreadyExists) {
				p.logger.WithFields(log.Fields{
					"account":  accountID,
					"client":   m.ClientID,
					"mutation": m.ID,
					"name":     m.Name,
					"error":    err.Error(),
				}).Warn("mutation rejected")
				res.Rejected = append(res.Rejected, RejectedMutation{
					ClientID: m.ClientID,
					ID:       m.ID,
					Reason:   err.Error(),
				})
				// The counter must still move past the rejected id or the
				// client's next mutation would read as one from the future
				// and the replica could never sync again.
				if err := p.advance(ctx, accountID, req.ClientGroupID, m.ClientID, next); err != nil {
					return res, fmt.Errorf("advance counter past rejected mutation %d from client %s: %w",
						m.ID, m.ClientID, err)
				}
				continue
			}
			return res, fmt.Errorf("apply mutation %d from client %s: %w", m.ID, m.ClientID, err)
		}
		res.Applied++

		if p.feed != nil {
			env := AppliedMutation{AccountID: accountID, ClientGroupID: req.ClientGroupID, Mutation: m}
			if err := p.feed.EnqueueApplied(ctx, env); err != nil {
				p.logger.Errorf("mutation feed enqueue failed for client %s mutation %d: %v",
					m.ClientID, m.ID, err)
			}
		}
	}
	return res, nil
}

// advance commits a counter-only transaction marking the mutation
// processed without any entity writes. The next pull acknowledges the
// rejected id away and its successors stay expected.
func (p *Processor) advance(ctx context.Context, accountID, groupID, clientID string, next int64) error {
	tx, err := p.store.Begin(ctx, accountID)
	if err != nil {
		return err
	}
	tx.PutGroup(domain.ClientGroup{ID: groupID, AccountID: accountID})
	tx.PutClient(domain.Client{ID: clientID, ClientGroupID: groupID, LastMutationID: next})
	return tx.Commit(ctx)
}

func (p *Processor) apply(ctx context.Context, accountID, groupID string, m domain.Mutation, next int64) error {
	if err := p.verifyOwnership(ctx, accountID, m); err != nil {
		return err
	}

	tx, err := p.store.Begin(ctx, accountID)
	if err != nil {
		return err
	}
	// Children before the parent so the parent row's delete lands in
	// the final storage batch; a crash mid-commit leaves the parent
	// live and the mutation retryable with a fresh cascade scan.
	if err := p.cascade(ctx, accountID, tx, m); err != nil {
		return err
	}
	if err := domain.Apply(tx, m.Name, m.Args); err != nil {
		return err
	}
	tx.PutGroup(domain.ClientGroup{ID: groupID, AccountID: accountID})
	tx.PutClient(domain.Client{ID: m.ClientID, ClientGroupID: groupID, LastMutationID: next})
	return tx.Commit(ctx)
}

// verifyOwnership walks the FK chain for the entity the mutation touches
// and fails with ErrForbidden when the resolved account differs from the
// authenticated one. Client-supplied ids are never trusted.
func (p *Processor) verifyOwnership(ctx context.Context, accountID string, m domain.Mutation) error {
	switch m.Name {
	case domain.CreateBoard:
		// A new board is owned by the pushing account by construction,
		// but its id must be free across every account; composite keys
		// are globally unique like the relational schema's primary keys.
		var b domain.Board
		if err := json.Unmarshal(m.Args, &b); err != nil {
			return fmt.Errorf("%s args: %w", m.Name, err)
		}
		return p.requireUnclaimed(ctx, domain.BoardKey(b.ID))
	case domain.UpdateBoard, domain.DeleteBoard:
		id, err := targetID(m)
		if err != nil {
			return err
		}
		return p.requireBoardOwner(ctx, accountID, id)
	case domain.CreateColumn:
		var c domain.Column
		if err := json.Unmarshal(m.Args, &c); err != nil {
			return fmt.Errorf("%s args: %w", m.Name, err)
		}
		if err := p.requireUnclaimed(ctx, domain.ColumnKey(c.ID)); err != nil {
			return err
		}
		return p.requireBoardOwner(ctx, accountID, c.BoardID)
	case domain.UpdateColumn, domain.DeleteColumn:
		id, err := targetID(m)
		if err != nil {
			return err
		}
		return p.requireColumnOwner(ctx, accountID, id)
	case domain.CreateItem:
		var it domain.Item
		if err := json.Unmarshal(m.Args, &it); err != nil {
			return fmt.Errorf("%s args: %w", m.Name, err)
		}
		if err := p.requireUnclaimed(ctx, domain.ItemKey(it.ID)); err != nil {
			return err
		}
		return p.requireColumnOwner(ctx, accountID, it.ColumnID)
	case domain.UpdateItem, domain.DeleteItem:
		id, err := targetID(m)
		if err != nil {
			return err
		}
		raw, _, err := p.store.Resolve(ctx, domain.ItemKey(id))
		if err != nil {
			return err
		}
		var it domain.Item
		if err := json.Unmarshal(raw, &it); err != nil {
			return err
		}
		return p.requireColumnOwner(ctx, accountID, it.ColumnID)
	}
	return nil
}

// requireUnclaimed rejects a create whose key is already taken in any
// partition, otherwise Resolve could later return a foreign row for it.
func (p *Processor) requireUnclaimed(ctx context.Context, key string) error {
	_, _, err := p.store.Resolve(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s: %w", key, domain.ErrAlreadyExists)
}

func (p *Processor) requireBoardOwner(ctx context.Context, accountID, boardID string) error {
	_, owner, err := p.store.Resolve(ctx, domain.BoardKey(boardID))
	if err != nil {
		return err
	}
	if owner != accountID {
		return fmt.Errorf("board %s: %w", boardID, domain.ErrForbidden)
	}
	return nil
}

func (p *Processor) requireColumnOwner(ctx context.Context, accountID, columnID string) error {
	raw, _, err := p.store.Resolve(ctx, domain.ColumnKey(columnID))
	if err != nil {
		return err
	}
	var c domain.Column
	if err := json.Unmarshal(raw, &c); err != nil {
		return err
	}
	return p.requireBoardOwner(ctx, accountID, c.BoardID)
}

// cascade removes the children of a deleted board or column in the same
// transaction, mirroring the relational schema's delete cascades.
func (p *Processor) cascade(ctx context.Context, accountID string, tx Tx, m domain.Mutation) error {
	if m.Name != domain.DeleteBoard && m.Name != domain.DeleteColumn {
		return nil
	}
	id, err := targetID(m)
	if err != nil {
		return err
	}
	ents, err := p.store.Entities(ctx, accountID)
	if err != nil {
		return err
	}
	for _, ent := range ents {
		kind, _ := domain.SplitKey(ent.Key)
		switch {
		case m.Name == domain.DeleteBoard && kind == domain.KindColumn:
			var c domain.Column
			if err := json.Unmarshal(ent.Value, &c); err != nil {
				return err
			}
			if c.BoardID == id {
				if err := tx.Del(ent.Key); err != nil {
					return err
				}
			}
		case m.Name == domain.DeleteBoard && kind == domain.KindItem:
			var it domain.Item
			if err := json.Unmarshal(ent.Value, &it); err != nil {
				return err
			}
			if it.BoardID == id {
				if err := tx.Del(ent.Key); err != nil {
					return err
				}
			}
		case m.Name == domain.DeleteColumn && kind == domain.KindItem:
			var it domain.Item
			if err := json.Unmarshal(ent.Value, &it); err != nil {
				return err
			}
			if it.ColumnID == id {
				if err := tx.Del(ent.Key); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// targetID decodes the bare string id carried by update and delete args.
// Update args are objects; delete args are plain strings.
func targetID(m domain.Mutation) (string, error) {
	var id string
	if err := json.Unmarshal(m.Args, &id); err == nil {
		return id, nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(m.Args, &obj); err != nil {
		return "", fmt.Errorf("%s args: %w", m.Name, err)
	}
	if obj.ID == "" {
		return "", fmt.Errorf("%s args: missing id", m.Name)
	}
	return obj.ID, nil
}
