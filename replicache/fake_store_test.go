package replicache

import (
	"context"
	"sort"

	"github.com/bronifty/trellix-replicache/domain"
)

// fakeStore keeps per-account entity partitions and sync-state rows in
// memory. Transactions buffer writes and only touch the maps on Commit,
// matching the batch semantics of the real store.
type fakeStore struct {
	entities map[string]map[string][]byte
	groups   map[string]domain.ClientGroup
	clients  map[string]map[string]domain.Client
	commits  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entities: map[string]map[string][]byte{},
		groups:   map[string]domain.ClientGroup{},
		clients:  map[string]map[string]domain.Client{},
	}
}

func (f *fakeStore) seed(accountID, key string, value []byte) {
	if f.entities[accountID] == nil {
		f.entities[accountID] = map[string][]byte{}
	}
	f.entities[accountID][key] = value
}

func (f *fakeStore) Group(ctx context.Context, groupID string) (*domain.ClientGroup, error) {
	g, ok := f.groups[groupID]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (f *fakeStore) Client(ctx context.Context, groupID, clientID string) (*domain.Client, error) {
	c, ok := f.clients[groupID][clientID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (f *fakeStore) Clients(ctx context.Context, groupID string) ([]domain.Client, error) {
	out := []domain.Client{}
	for _, c := range f.clients[groupID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) Resolve(ctx context.Context, key string) ([]byte, string, error) {
	for account, part := range f.entities {
		if v, ok := part[key]; ok {
			return v, account, nil
		}
	}
	return nil, "", domain.ErrNotFound
}

func (f *fakeStore) Entities(ctx context.Context, accountID string) ([]domain.Entity, error) {
	part := f.entities[accountID]
	keys := make([]string, 0, len(part))
	for k := range part {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]domain.Entity, 0, len(keys))
	for _, k := range keys {
		out = append(out, domain.Entity{Key: k, Value: part[k]})
	}
	return out, nil
}

func (f *fakeStore) Begin(ctx context.Context, accountID string) (Tx, error) {
	return &fakeTx{store: f, accountID: accountID}, nil
}

type txOp struct {
	key   string
	value []byte
	del   bool
}

type fakeTx struct {
	store     *fakeStore
	accountID string
	ops       []txOp
	group     *domain.ClientGroup
	client    *domain.Client
}

func (t *fakeTx) Get(key string) ([]byte, bool, error) {
	for i := len(t.ops) - 1; i >= 0; i-- {
		if t.ops[i].key == key {
			if t.ops[i].del {
				return nil, false, nil
			}
			return t.ops[i].value, true, nil
		}
	}
	v, ok := t.store.entities[t.accountID][key]
	return v, ok, nil
}

func (t *fakeTx) Set(key string, value []byte) error {
	t.ops = append(t.ops, txOp{key: key, value: value})
	return nil
}

func (t *fakeTx) Del(key string) error {
	t.ops = append(t.ops, txOp{key: key, del: true})
	return nil
}

func (t *fakeTx) PutGroup(g domain.ClientGroup) { t.group = &g }
func (t *fakeTx) PutClient(c domain.Client)     { t.client = &c }

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.store.entities[t.accountID] == nil {
		t.store.entities[t.accountID] = map[string][]byte{}
	}
	for _, op := range t.ops {
		if op.del {
			delete(t.store.entities[t.accountID], op.key)
		} else {
			t.store.entities[t.accountID][op.key] = op.value
		}
	}
	if t.group != nil {
		t.store.groups[t.group.ID] = *t.group
	}
	if t.client != nil {
		if t.store.clients[t.client.ClientGroupID] == nil {
			t.store.clients[t.client.ClientGroupID] = map[string]domain.Client{}
		}
		t.store.clients[t.client.ClientGroupID][t.client.ID] = *t.client
	}
	t.store.commits++
	return nil
}

// fakeFeed collects applied-mutation envelopes.
type fakeFeed struct {
	envs []AppliedMutation
	err  error
}

func (f *fakeFeed) EnqueueApplied(ctx context.Context, env AppliedMutation) error {
	if f.err != nil {
		return f.err
	}
	f.envs = append(f.envs, env)
	return nil
}
