package reporting

import (
	"context"

	"github.com/ehr/intake/internal/domain/visit"
	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
)

// Summary is the dashboard panel. Admins see facility totals, other staff
// see the current load.
type Summary struct {
	Scope            string `json:"scope"`
	TotalVisits      *int   `json:"total_visits,omitempty"`
	DistinctPatients *int   `json:"distinct_patients,omitempty"`
	ActiveVisits     *int   `json:"active_visits,omitempty"`
	UrgentCases      *int   `json:"urgent_cases,omitempty"`
}

func (a *Aggregator) Summary(ctx context.Context, role auth.Role) (*Summary, error) {
	if !role.IsStaff() {
		return nil, apperr.Forbidden("role %s may not view the dashboard", role)
	}
	st, err := a.visits.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return summaryFor(role, st), nil
}

func summaryFor(role auth.Role, st *visit.Stats) *Summary {
	if role == auth.RoleAdmin {
		return &Summary{Scope: "facility", TotalVisits: &st.TotalVisits, DistinctPatients: &st.DistinctPatients}
	}
	return &Summary{Scope: "current", ActiveVisits: &st.ActiveVisits, UrgentCases: &st.UrgentActive}
}
