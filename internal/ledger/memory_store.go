package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/paygate/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]*PaymentRecord
	feedback map[string]uint64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*PaymentRecord),
		feedback: make(map[string]uint64),
	}
}

func (m *MemoryStore) Begin(_ context.Context, rec *PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.RequestID]; ok {
		return nil
	}
	r := *rec
	r.Status = StatusVerified
	r.TxHash = ""
	r.FinalizedAt = nil
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.records[rec.RequestID] = &r
	return nil
}

func (m *MemoryStore) Finalize(_ context.Context, requestID string, out Outcome) error {
	if !out.Status.valid() {
		return ErrInvalidStatus
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[requestID]
	if !ok {
		return ErrNotFound
	}
	if r.FinalizedAt != nil {
		if sameOutcome(r, out) {
			return nil
		}
		return ErrFinalizeConflict
	}

	now := time.Now().UTC()
	r.Status = out.Status
	r.TxHash = out.TxHash
	r.HTTPStatus = out.HTTPStatus
	r.ErrorCode = out.ErrorCode
	r.ForwardMs = out.ForwardMs
	r.SettleMs = out.SettleMs
	r.TotalMs = out.TotalMs
	r.FeedbackIndex = out.FeedbackIndex
	r.FinalizedAt = &now
	return nil
}

func (m *MemoryStore) Get(_ context.Context, requestID string) (*PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListByAgent(_ context.Context, agentID string, limit int, cursor *pagination.Cursor) ([]*PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*PaymentRecord
	for _, r := range m.records {
		if r.AgentID != agentID {
			continue
		}
		if cursor != nil && !before(r, cursor) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RequestID > out[j].RequestID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListUnsettled(_ context.Context, after pagination.Cursor, to time.Time, limit int) ([]*PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*PaymentRecord
	for _, r := range m.records {
		if r.Status != StatusVerified || !r.CreatedAt.Before(to) || !sortsAfter(r, after) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortsAfter reports whether r sorts after the cursor in (created_at, id) ASC order.
func sortsAfter(r *PaymentRecord, c pagination.Cursor) bool {
	if r.CreatedAt.Equal(c.CreatedAt) {
		return r.RequestID > c.ID
	}
	return r.CreatedAt.After(c.CreatedAt)
}

// before reports whether r sorts after the cursor in (created_at, id) DESC order.
func before(r *PaymentRecord, c *pagination.Cursor) bool {
	if r.CreatedAt.Equal(c.CreatedAt) {
		return r.RequestID < c.ID
	}
	return r.CreatedAt.Before(c.CreatedAt)
}

func (m *MemoryStore) ReserveFeedbackIndex(_ context.Context, agentID, client string, floor uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := agentID + "|" + strings.ToLower(client)
	next := max(m.feedback[key], floor) + 1
	m.feedback[key] = next
	return next, nil
}
