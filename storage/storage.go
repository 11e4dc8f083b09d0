package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/bronifty/trellix-replicache/domain"
	"github.com/bronifty/trellix-replicache/replicache"
)

const (
	groupRowKey     = "group"
	clientRowPrefix = "client/"

	edmInt64 = "Edm.Int64"
)

// Storage provides access to underlying persistence mechanisms: the
// entity table (one partition per account), the sync-state table (one
// partition per client group) and the applied-mutation feed queue.
type Storage struct {
	entityTable *aztables.Client
	syncTable   *aztables.Client
	feedQueue   *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, entitiesTable, syncTable, feedQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	et := svc.NewClient(entitiesTable)
	st := svc.NewClient(syncTable)
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	fq, err := azqueue.NewQueueClientFromConnectionString(connStr, feedQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{entityTable: et, syncTable: st, feedQueue: fq}, nil
}

type entityRow struct {
	aztables.Entity
	Value string `json:"Value"`
}

type groupRow struct {
	aztables.Entity
	AccountID string `json:"AccountId"`
}

type clientRow struct {
	aztables.Entity
	LastMutationID     int64  `json:"LastMutationId,string"`
	LastMutationIDType string `json:"LastMutationId@odata.type"`
}

// Group returns the client group row, or nil when it does not exist yet.
func (s *Storage) Group(ctx context.Context, groupID string) (*domain.ClientGroup, error) {
	ent, err := s.syncTable.GetEntity(ctx, groupID, groupRowKey, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var row groupRow
	if err := json.Unmarshal(ent.Value, &row); err != nil {
		return nil, err
	}
	return &domain.ClientGroup{ID: groupID, AccountID: row.AccountID}, nil
}

// Client returns the replica's counter row, or nil when the replica has
// never had a mutation applied.
func (s *Storage) Client(ctx context.Context, groupID, clientID string) (*domain.Client, error) {
	ent, err := s.syncTable.GetEntity(ctx, groupID, clientRowPrefix+clientID, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var row clientRow
	if err := json.Unmarshal(ent.Value, &row); err != nil {
		return nil, err
	}
	return &domain.Client{
		ID:             clientID,
		ClientGroupID:  groupID,
		LastMutationID: row.LastMutationID,
	}, nil
}

// Clients returns every replica row in the group.
func (s *Storage) Clients(ctx context.Context, groupID string) ([]domain.Client, error) {
	// RowKey range scan over the client/ prefix; '0' is the byte after '/'.
	filter := fmt.Sprintf("PartitionKey eq '%s' and RowKey ge '%s' and RowKey lt 'client0'",
		escapeQuery(groupID), clientRowPrefix)
	pager := s.syncTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	clients := []domain.Client{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var row clientRow
			if err := json.Unmarshal(e, &row); err != nil {
				return nil, err
			}
			clients = append(clients, domain.Client{
				ID:             strings.TrimPrefix(row.RowKey, clientRowPrefix),
				ClientGroupID:  groupID,
				LastMutationID: row.LastMutationID,
			})
		}
	}
	return clients, nil
}

// Resolve finds an entity by composite key across all accounts and
// returns its value and the owning account (the partition key).
func (s *Storage) Resolve(ctx context.Context, key string) ([]byte, string, error) {
	filter := fmt.Sprintf("RowKey eq '%s'", escapeQuery(key))
	pager := s.entityTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, "", err
		}
		for _, e := range resp.Entities {
			var row entityRow
			if err := json.Unmarshal(e, &row); err != nil {
				return nil, "", err
			}
			return []byte(row.Value), row.PartitionKey, nil
		}
	}
	return nil, "", fmt.Errorf("%s: %w", key, domain.ErrNotFound)
}

// Entities returns every live entity owned by the account, ordered by
// composite key so snapshots are deterministic.
func (s *Storage) Entities(ctx context.Context, accountID string) ([]domain.Entity, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", escapeQuery(accountID))
	pager := s.entityTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	ents := []domain.Entity{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var row entityRow
			if err := json.Unmarshal(e, &row); err != nil {
				return nil, err
			}
			ents = append(ents, domain.Entity{Key: row.RowKey, Value: []byte(row.Value)})
		}
	}
	sort.Slice(ents, func(i, j int) bool { return ents[i].Key < ents[j].Key })
	return ents, nil
}

// Begin opens a buffered write transaction over the account's entity
// partition plus the group's sync-state partition.
func (s *Storage) Begin(ctx context.Context, accountID string) (replicache.Tx, error) {
	return &tableTx{ctx: ctx, store: s, accountID: accountID}, nil
}

type txAction struct {
	key   string
	value []byte
	del   bool
}

// tableTx buffers entity writes and sync-state upserts. Commit submits
// the entity batch first and the sync-state batch second; the counter
// upsert is the commit point, so a crash in between re-runs an
// idempotent entity write on redelivery.
type tableTx struct {
	// ctx is the push request context; WriteTx reads cannot carry their
	// own because the reducer interface is shared with the client mirror.
	ctx       context.Context
	store     *Storage
	accountID string
	actions   []txAction
	group     *domain.ClientGroup
	client    *domain.Client
}

func (t *tableTx) Get(key string) ([]byte, bool, error) {
	for i := len(t.actions) - 1; i >= 0; i-- {
		if t.actions[i].key == key {
			if t.actions[i].del {
				return nil, false, nil
			}
			return t.actions[i].value, true, nil
		}
	}
	ent, err := t.store.entityTable.GetEntity(t.ctx, t.accountID, key, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var row entityRow
	if err := json.Unmarshal(ent.Value, &row); err != nil {
		return nil, false, err
	}
	return []byte(row.Value), true, nil
}

func (t *tableTx) Set(key string, value []byte) error {
	t.actions = append(t.actions, txAction{key: key, value: value})
	return nil
}

func (t *tableTx) Del(key string) error {
	t.actions = append(t.actions, txAction{key: key, del: true})
	return nil
}

func (t *tableTx) PutGroup(g domain.ClientGroup) { t.group = &g }
func (t *tableTx) PutClient(c domain.Client)     { t.client = &c }

func (t *tableTx) Commit(ctx context.Context) error {
	if len(t.actions) > 0 {
		batch := make([]aztables.TransactionAction, 0, len(t.actions))
		seen := map[string]int{}
		for _, a := range t.actions {
			row := entityRow{
				Entity: aztables.Entity{PartitionKey: t.accountID, RowKey: a.key},
				Value:  string(a.value),
			}
			payload, err := json.Marshal(row)
			if err != nil {
				return err
			}
			action := aztables.TransactionAction{Entity: payload, ActionType: aztables.TransactionTypeInsertReplace}
			if a.del {
				action.ActionType = aztables.TransactionTypeDelete
			}
			// Last write to a key wins within the batch; the table
			// service rejects duplicate row keys in one transaction.
			if idx, ok := seen[a.key]; ok {
				batch[idx] = action
				continue
			}
			seen[a.key] = len(batch)
			batch = append(batch, action)
		}
		for _, part := range chunkActions(batch, maxBatchActions) {
			if _, err := t.store.entityTable.SubmitTransaction(ctx, part, nil); err != nil {
				return fmt.Errorf("entity batch: %w", err)
			}
		}
	}

	state := make([]aztables.TransactionAction, 0, 2)
	if t.group != nil {
		row := groupRow{
			Entity:    aztables.Entity{PartitionKey: t.group.ID, RowKey: groupRowKey},
			AccountID: t.group.AccountID,
		}
		payload, err := json.Marshal(row)
		if err != nil {
			return err
		}
		state = append(state, aztables.TransactionAction{Entity: payload, ActionType: aztables.TransactionTypeInsertReplace})
	}
	if t.client != nil {
		row := clientRow{
			Entity:             aztables.Entity{PartitionKey: t.client.ClientGroupID, RowKey: clientRowPrefix + t.client.ID},
			LastMutationID:     t.client.LastMutationID,
			LastMutationIDType: edmInt64,
		}
		payload, err := json.Marshal(row)
		if err != nil {
			return err
		}
		state = append(state, aztables.TransactionAction{Entity: payload, ActionType: aztables.TransactionTypeInsertReplace})
	}
	if len(state) > 0 {
		if _, err := t.store.syncTable.SubmitTransaction(ctx, state, nil); err != nil {
			return fmt.Errorf("sync state batch: %w", err)
		}
	}
	return nil
}

// The table service caps a transaction at 100 operations. Oversized
// batches (a large board's delete cascade) are split in order, so the
// parent row's delete stays in the final chunk and a crash between
// chunks leaves the mutation retryable.
const maxBatchActions = 100

func chunkActions(actions []aztables.TransactionAction, size int) [][]aztables.TransactionAction {
	var out [][]aztables.TransactionAction
	for start := 0; start < len(actions); start += size {
		end := start + size
		if end > len(actions) {
			end = len(actions)
		}
		out = append(out, actions[start:end])
	}
	return out
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

// escapeQuery doubles single quotes for use inside an OData filter
// string literal.
func escapeQuery(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
