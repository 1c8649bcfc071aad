package dispatch

import (
	"sync"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/models"
)

// RequestStore defines persistence for transport requests. Terminal requests
// are archived, never deleted.
type RequestStore interface {
	Save(r *models.Request) error
	Update(r *models.Request) error
	Get(id string) (*models.Request, error)
	Pending() ([]models.Request, error)
	Archive(r *models.Request) error
}

type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.Request
	history  []models.Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*models.Request)}
}

func (m *MemoryStore) Save(r *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Update(r *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return apperr.NotFound("request", r.ID)
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(id string) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		for i := range m.history {
			if m.history[i].ID == id {
				cp := m.history[i]
				return &cp, nil
			}
		}
		return nil, apperr.NotFound("request", id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Pending() ([]models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Request
	for _, r := range m.requests {
		if r.Status == models.RequestPending {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryStore) Archive(r *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, r.ID)
	m.history = append(m.history, *r)
	return nil
}
