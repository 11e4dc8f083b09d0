package client

import (
	"sort"
	"strings"
	"sync"

	"github.com/bronifty/trellix-replicache/replicache"
)

// Mirror is the replica's materialized view of server state: a
// composite-key map with ordered prefix scans. Mutations apply here
// optimistically; each pull replaces the contents wholesale.
//
// Mirror implements domain.WriteTx so the shared reducers run against
// it unchanged. Its Get/Set/Del never return errors.
type Mirror struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// Entry is one key/value pair returned by Scan.
type Entry struct {
	Key   string
	Value []byte
}

func NewMirror() *Mirror {
	return &Mirror{entries: make(map[string][]byte)}
}

func (m *Mirror) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *Mirror) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *Mirror) Del(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Scan returns every entry whose key starts with prefix, in
// lexicographic key order. Callers listing columns or items re-sort by
// the domain order field afterwards.
func (m *Mirror) Scan(prefix string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for k, v := range m.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Entry{Key: k, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// ApplyPatch applies a pull patch in order. A clear op drops everything
// accumulated so far, which is how the reset-view snapshot replaces the
// previous state.
func (m *Mirror) ApplyPatch(patch []replicache.PatchOperation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range patch {
		switch op.Op {
		case replicache.OpClear:
			m.entries = make(map[string][]byte)
		case replicache.OpPut:
			m.entries[op.Key] = op.Value
		case replicache.OpDel:
			delete(m.entries, op.Key)
		}
	}
}
