package visit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ehr/intake/internal/platform/apperr"
)

// memRepo keeps every facility's visits in process memory. Atomic holds the
// store-wide lock for the whole unit and restores a snapshot when fn fails.
type memRepo struct {
	mu    sync.RWMutex
	state memState
}

type memState struct {
	nextVisitID  int64
	nextChangeID int64
	visits       map[int64]Visit
	active       map[int64]int64 // patient id -> non-discharged visit id
	triage       map[int64]TriageRecord
	diagnosis    map[int64]DiagnosisRecord
	history      []StageChange
}

type memTxKey struct{}

func NewMemRepo() Repository {
	return &memRepo{state: memState{
		visits:    make(map[int64]Visit),
		active:    make(map[int64]int64),
		triage:    make(map[int64]TriageRecord),
		diagnosis: make(map[int64]DiagnosisRecord),
	}}
}

func (s memState) clone() memState {
	c := memState{
		nextVisitID:  s.nextVisitID,
		nextChangeID: s.nextChangeID,
		visits:       make(map[int64]Visit, len(s.visits)),
		active:       make(map[int64]int64, len(s.active)),
		triage:       make(map[int64]TriageRecord, len(s.triage)),
		diagnosis:    make(map[int64]DiagnosisRecord, len(s.diagnosis)),
		history:      append([]StageChange(nil), s.history...),
	}
	for k, v := range s.visits {
		c.visits[k] = v
	}
	for k, v := range s.active {
		c.active[k] = v
	}
	for k, v := range s.triage {
		c.triage[k] = v
	}
	for k, v := range s.diagnosis {
		c.diagnosis[k] = v
	}
	return c
}

func (m *memRepo) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(memTxKey{}).(*memRepo)
	return owner == m
}

func (m *memRepo) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.inTx(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return apperr.Unavailable(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.state.clone()
	if err := fn(context.WithValue(ctx, memTxKey{}, m)); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// read and write take the lock unless the caller is already inside Atomic.
func (m *memRepo) read(ctx context.Context, fn func(s *memState) error) error {
	if !m.inTx(ctx) {
		m.mu.RLock()
		defer m.mu.RUnlock()
	}
	return fn(&m.state)
}

func (m *memRepo) write(ctx context.Context, fn func(s *memState) error) error {
	if !m.inTx(ctx) {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	return fn(&m.state)
}

func (m *memRepo) CreateIfNoActive(ctx context.Context, v *Visit) error {
	return m.write(ctx, func(s *memState) error {
		if id, ok := s.active[v.PatientID]; ok {
			return apperr.Guard(apperr.ReasonActiveVisitExists, "patient %d already has an active visit (%d)", v.PatientID, id)
		}
		s.nextVisitID++
		v.ID = s.nextVisitID
		v.UpdatedAt = v.ArrivedAt
		s.visits[v.ID] = *v
		if v.Stage.Active() {
			s.active[v.PatientID] = v.ID
		}
		return nil
	})
}

func (m *memRepo) GetByID(ctx context.Context, id int64) (*Visit, error) {
	var out *Visit
	err := m.read(ctx, func(s *memState) error {
		v, ok := s.visits[id]
		if !ok {
			return apperr.NotFound(apperr.ReasonVisitNotFound, "visit %d not found", id)
		}
		out = &v
		return nil
	})
	return out, err
}

func (m *memRepo) LockByID(ctx context.Context, id int64) (*Visit, error) {
	return m.GetByID(ctx, id)
}

func (m *memRepo) LockByPatientInStage(ctx context.Context, patientID int64, stage Stage) (*Visit, error) {
	var out *Visit
	err := m.read(ctx, func(s *memState) error {
		for _, v := range s.visits {
			if v.PatientID != patientID || v.Stage != stage {
				continue
			}
			if out == nil || v.ArrivedAt.After(out.ArrivedAt) || (v.ArrivedAt.Equal(out.ArrivedAt) && v.ID > out.ID) {
				cp := v
				out = &cp
			}
		}
		if out == nil {
			return apperr.Guard(apperr.ReasonNoVisitInStage, "patient %d has no visit in stage %s", patientID, stage)
		}
		return nil
	})
	return out, err
}

func (m *memRepo) UpdateStage(ctx context.Context, v *Visit) error {
	return m.write(ctx, func(s *memState) error {
		if _, ok := s.visits[v.ID]; !ok {
			return apperr.NotFound(apperr.ReasonVisitNotFound, "visit %d not found", v.ID)
		}
		if v.Stage.Active() {
			if other, ok := s.active[v.PatientID]; ok && other != v.ID {
				return apperr.Guard(apperr.ReasonActiveVisitExists, "patient %d already has an active visit (%d)", v.PatientID, other)
			}
			s.active[v.PatientID] = v.ID
		} else if s.active[v.PatientID] == v.ID {
			delete(s.active, v.PatientID)
		}
		s.visits[v.ID] = *v
		return nil
	})
}

func (m *memRepo) InsertTriage(ctx context.Context, rec *TriageRecord) error {
	return m.write(ctx, func(s *memState) error {
		if _, ok := s.visits[rec.VisitID]; !ok {
			return apperr.NotFound(apperr.ReasonVisitNotFound, "visit %d not found", rec.VisitID)
		}
		if _, dup := s.triage[rec.VisitID]; dup {
			return apperr.Guard(apperr.ReasonTriageAlreadyRecorded, "visit %d already has a triage record", rec.VisitID)
		}
		s.triage[rec.VisitID] = *rec
		return nil
	})
}

func (m *memRepo) GetTriage(ctx context.Context, visitID int64) (*TriageRecord, error) {
	var out *TriageRecord
	err := m.read(ctx, func(s *memState) error {
		rec, ok := s.triage[visitID]
		if !ok {
			return apperr.NotFound(apperr.ReasonRecordNotFound, "no triage record for visit %d", visitID)
		}
		out = &rec
		return nil
	})
	return out, err
}

func (m *memRepo) InsertDiagnosis(ctx context.Context, rec *DiagnosisRecord) error {
	return m.write(ctx, func(s *memState) error {
		if _, ok := s.visits[rec.VisitID]; !ok {
			return apperr.NotFound(apperr.ReasonVisitNotFound, "visit %d not found", rec.VisitID)
		}
		if _, dup := s.diagnosis[rec.VisitID]; dup {
			return apperr.Guard(apperr.ReasonDiagnosisAlreadyRecorded, "visit %d already has a diagnosis record", rec.VisitID)
		}
		s.diagnosis[rec.VisitID] = *rec
		return nil
	})
}

func (m *memRepo) GetDiagnosis(ctx context.Context, visitID int64) (*DiagnosisRecord, error) {
	var out *DiagnosisRecord
	err := m.read(ctx, func(s *memState) error {
		rec, ok := s.diagnosis[visitID]
		if !ok {
			return apperr.NotFound(apperr.ReasonRecordNotFound, "no diagnosis record for visit %d", visitID)
		}
		out = &rec
		return nil
	})
	return out, err
}

func (m *memRepo) AddStageChange(ctx context.Context, ch *StageChange) error {
	return m.write(ctx, func(s *memState) error {
		s.nextChangeID++
		ch.ID = s.nextChangeID
		s.history = append(s.history, *ch)
		return nil
	})
}

func (m *memRepo) ListStageChanges(ctx context.Context, visitID int64, limit, offset int) ([]*StageChange, int, error) {
	var out []*StageChange
	var total int
	err := m.read(ctx, func(s *memState) error {
		for _, ch := range s.history {
			if ch.VisitID != visitID {
				continue
			}
			if total >= offset && len(out) < limit {
				cp := ch
				out = append(out, &cp)
			}
			total++
		}
		return nil
	})
	return out, total, err
}

func (m *memRepo) ListInStages(ctx context.Context, stages []Stage) ([]*Visit, error) {
	want := make(map[Stage]bool, len(stages))
	for _, st := range stages {
		want[st] = true
	}
	return m.filter(ctx, func(v *Visit) bool { return want[v.Stage] })
}

func (m *memRepo) ListArrivedBetween(ctx context.Context, from, to time.Time) ([]*Visit, error) {
	return m.filter(ctx, func(v *Visit) bool {
		return !v.ArrivedAt.Before(from) && !v.ArrivedAt.After(to)
	})
}

func (m *memRepo) WaitSpans(ctx context.Context, from, to, now time.Time) (*WaitSpans, error) {
	vs, err := m.ListArrivedBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return SummarizeSpans(vs, now), nil
}

func (m *memRepo) filter(ctx context.Context, keep func(v *Visit) bool) ([]*Visit, error) {
	var out []*Visit
	err := m.read(ctx, func(s *memState) error {
		for _, v := range s.visits {
			cp := v
			if keep(&cp) {
				out = append(out, &cp)
			}
		}
		return nil
	})
	SortByArrival(out)
	return out, err
}

func (m *memRepo) RisksFor(ctx context.Context, visitIDs []int64) (map[int64]Risk, error) {
	out := make(map[int64]Risk, len(visitIDs))
	err := m.read(ctx, func(s *memState) error {
		for _, id := range visitIDs {
			if rec, ok := s.triage[id]; ok {
				out[id] = rec.RiskClassification
			}
		}
		return nil
	})
	return out, err
}

func (m *memRepo) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := m.read(ctx, func(s *memState) error {
		patients := make(map[int64]struct{})
		for _, v := range s.visits {
			st.TotalVisits++
			patients[v.PatientID] = struct{}{}
			if !v.Stage.Active() {
				continue
			}
			st.ActiveVisits++
			if rec, ok := s.triage[v.ID]; ok && rec.RiskClassification.Urgent() {
				st.UrgentActive++
			}
		}
		st.DistinctPatients = len(patients)
		return nil
	})
	return &st, err
}

// SortByArrival orders visits first-arrived first, breaking ties by id.
func SortByArrival(vs []*Visit) {
	sort.SliceStable(vs, func(i, j int) bool {
		if !vs[i].ArrivedAt.Equal(vs[j].ArrivedAt) {
			return vs[i].ArrivedAt.Before(vs[j].ArrivedAt)
		}
		return vs[i].ID < vs[j].ID
	})
}
