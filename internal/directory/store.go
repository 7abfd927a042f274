package directory

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Store is the read side of the agent directory.
type Store interface {
	GetBySlug(ctx context.Context, handle, slug string) (*AgentRecord, error)
	GetByID(ctx context.Context, id string) (*AgentRecord, error)
	// UpdateCachedOwner records the last owner seen on-chain. The value
	// is informational only.
	UpdateCachedOwner(ctx context.Context, id, owner string) error
}

// MemoryStore is a thread-safe in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*AgentRecord
	byPath map[string]string // lower(handle)/lower(slug) -> id
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*AgentRecord),
		byPath: make(map[string]string),
	}
}

func pathKey(handle, slug string) string {
	return strings.ToLower(handle) + "/" + strings.ToLower(slug)
}

// Put inserts or replaces an agent.
func (m *MemoryStore) Put(agent *AgentRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	a := agent.clone()
	if prev, ok := m.byID[a.ID]; ok {
		delete(m.byPath, pathKey(prev.Handle, prev.Slug))
		a.CreatedAt = prev.CreatedAt
	} else {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	m.byID[a.ID] = a
	m.byPath[pathKey(a.Handle, a.Slug)] = a.ID
}

func (m *MemoryStore) GetBySlug(_ context.Context, handle, slug string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPath[pathKey(handle, slug)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.byID[id].clone(), nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

func (m *MemoryStore) UpdateCachedOwner(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	a.CachedOwner = strings.ToLower(owner)
	a.UpdatedAt = time.Now()
	return nil
}
