package identity

import (
	"context"
	"sync"
	"time"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
)

type memRepo struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]*Person
	byNID  map[string]int64
}

// NewMemRepo returns a process-local Store.
func NewMemRepo() Store {
	return &memRepo{
		byID:  make(map[int64]*Person),
		byNID: make(map[string]int64),
	}
}

func (m *memRepo) Create(_ context.Context, p *Person) error {
	p.NationalID = NormalizeNationalID(p.NationalID)
	if p.NationalID == "" {
		return apperr.Validation("national_id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byNID[p.NationalID]; dup {
		return apperr.Validation("national id %s is already registered", p.NationalID)
	}
	m.nextID++
	p.ID = m.nextID
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cp := *p
	m.byID[p.ID] = &cp
	m.byNID[p.NationalID] = p.ID
	return nil
}

func (m *memRepo) SetActive(_ context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return apperr.NotFound(apperr.ReasonPatientNotFound, "person %d not found", id)
	}
	p.Active = active
	return nil
}

func (m *memRepo) GetByID(_ context.Context, id int64) (*Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, apperr.NotFound(apperr.ReasonPatientNotFound, "person %d not found", id)
	}
	cp := *p
	return &cp, nil
}

func (m *memRepo) LookupByNationalID(_ context.Context, nationalID string) (*Person, error) {
	nid := NormalizeNationalID(nationalID)
	if nid == "" {
		return nil, apperr.Validation("national_id is required")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byNID[nid]
	if !ok {
		return nil, apperr.NotFound(apperr.ReasonPatientNotFound, "no person with national id %s", nid)
	}
	p := m.byID[id]
	if !p.Active {
		return nil, apperr.NotFound(apperr.ReasonPatientInactive, "person %d is inactive", p.ID)
	}
	cp := *p
	return &cp, nil
}

func (m *memRepo) GetByIDs(_ context.Context, ids []int64) (map[int64]*Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]*Person, len(ids))
	for _, id := range ids {
		if p, ok := m.byID[id]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *memRepo) ActiveRole(_ context.Context, id int64) (auth.Role, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok || !p.Active {
		return "", false, nil
	}
	return p.Role, true, nil
}
