// services/fleet/internal/backend/memory.go
package backend

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store. The simulator runs on it, and it backs
// the store contract tests.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]json.RawMessage
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]json.RawMessage)}
}

func (m *MemoryStore) Get(_ context.Context, key string, out interface{}) error {
	m.mu.RLock()
	raw, ok := m.docs[key]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, out)
}

func (m *MemoryStore) Set(_ context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Update(_ context.Context, key string, fn func(raw json.RawMessage) (interface{}, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, err := fn(m.docs[key])
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.docs[key] = raw
	return nil
}

func (m *MemoryStore) Query(_ context.Context, prefix string) ([]KeyedDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []KeyedDocument
	for key, raw := range m.docs {
		if strings.HasPrefix(key, prefix) {
			doc := make(json.RawMessage, len(raw))
			copy(doc, raw)
			out = append(out, KeyedDocument{Key: key, Value: doc})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.docs, key)
	m.mu.Unlock()
	return nil
}
