package identity

import (
	"context"

	"github.com/ehr/intake/internal/platform/auth"
)

// Directory is the read side consumed by the visit workflow and the queue.
type Directory interface {
	GetByID(ctx context.Context, id int64) (*Person, error)
	// LookupByNationalID returns NotFound(patient_not_found) or
	// NotFound(patient_inactive).
	LookupByNationalID(ctx context.Context, nationalID string) (*Person, error)
	GetByIDs(ctx context.Context, ids []int64) (map[int64]*Person, error)
	ActiveRole(ctx context.Context, id int64) (auth.Role, bool, error)
}

// Store adds the writes used by provisioning and tests.
type Store interface {
	Directory
	Create(ctx context.Context, p *Person) error
	SetActive(ctx context.Context, id int64, active bool) error
}
