package queue

import (
	"context"
	"strings"

	"github.com/ehr/intake/internal/domain/identity"
	"github.com/ehr/intake/internal/domain/visit"
)

// Reader loads the rows of a queue. Implementations apply the filter but
// need not order the result.
type Reader interface {
	Rows(ctx context.Context, f Filter) ([]Row, error)
}

// PeopleDirectory is the batch lookup the store reader needs.
type PeopleDirectory interface {
	GetByIDs(ctx context.Context, ids []int64) (map[int64]*identity.Person, error)
}

type storeReader struct {
	visits visit.Reader
	people PeopleDirectory
}

// NewStoreReader composes the queue from the visit read side and the
// patient directory. It works against any visit.Reader.
func NewStoreReader(visits visit.Reader, people PeopleDirectory) Reader {
	return &storeReader{visits: visits, people: people}
}

func (r *storeReader) Rows(ctx context.Context, f Filter) ([]Row, error) {
	vs, err := r.visits.ListInStages(ctx, f.Stages)
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(vs))
	pids := make([]int64, 0, len(vs))
	for _, v := range vs {
		ids = append(ids, v.ID)
		pids = append(pids, v.PatientID)
	}
	people, err := r.people.GetByIDs(ctx, pids)
	if err != nil {
		return nil, err
	}
	risks, err := r.visits.RisksFor(ctx, ids)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(f.Text)
	rows := make([]Row, 0, len(vs))
	for _, v := range vs {
		p, ok := people[v.PatientID]
		if !ok {
			p = &identity.Person{ID: v.PatientID}
		}
		if needle != "" && !strings.Contains(strings.ToLower(p.Name), needle) {
			continue
		}
		row := Row{Visit: v, Patient: p}
		if risk, ok := risks[v.ID]; ok {
			row.Risk = &risk
		}
		rows = append(rows, row)
	}
	return rows, nil
}
