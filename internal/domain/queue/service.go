package queue

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ehr/intake/internal/domain/visit"
	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/clock"
)

const maxTextFilter = 100

// ActiveStages is what an unfiltered queue lists.
var ActiveStages = []visit.Stage{
	visit.StageArrived,
	visit.StageInTriage,
	visit.StageWaitingConsultation,
	visit.StageInConsultation,
}

// stagesByRole limits which stages each clinical role may list. Roles
// missing here may list any stage and may omit the filter.
var stagesByRole = map[auth.Role][]visit.Stage{
	auth.RoleNurse:     {visit.StageArrived, visit.StageInTriage, visit.StageWaitingConsultation},
	auth.RolePhysician: {visit.StageWaitingConsultation, visit.StageInConsultation},
}

// Scope turns the stage a caller asked for into the stages to list.
func Scope(role auth.Role, requested *visit.Stage) ([]visit.Stage, error) {
	if !role.IsStaff() {
		return nil, apperr.Forbidden("role %s may not list the queue", role)
	}
	allowed, limited := stagesByRole[role]
	if requested == nil {
		if limited {
			return nil, apperr.Validation("stage is required for role %s", role)
		}
		return ActiveStages, nil
	}
	if limited && !containsStage(allowed, *requested) {
		return nil, apperr.Forbidden("role %s may not list stage %s", role, *requested)
	}
	return []visit.Stage{*requested}, nil
}

func containsStage(list []visit.Stage, s visit.Stage) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

type Service struct {
	reader Reader
	clock  clock.Clock
}

func NewService(reader Reader, clk clock.Clock) *Service {
	return &Service{reader: reader, clock: clk}
}

// ListQueue returns the visits matching f, first arrived first, with
// 1-based positions. Equal arrival times are ordered by visit id.
func (s *Service) ListQueue(ctx context.Context, f Filter) ([]Entry, error) {
	if len(f.Stages) == 0 {
		return nil, apperr.Validation("at least one stage is required")
	}
	for _, st := range f.Stages {
		if !st.Valid() {
			return nil, apperr.ValidationFor(apperr.ReasonInvalidStage, "unknown stage %q", st)
		}
	}
	f.Text = strings.TrimSpace(f.Text)
	if utf8.RuneCountInString(f.Text) > maxTextFilter {
		return nil, apperr.Validation("text filter must be at most %d characters", maxTextFilter)
	}

	rows, err := s.reader.Rows(ctx, f)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].Visit, rows[j].Visit
		if !a.ArrivedAt.Equal(b.ArrivedAt) {
			return a.ArrivedAt.Before(b.ArrivedAt)
		}
		return a.ID < b.ID
	})

	now := s.clock.Now()
	entries := make([]Entry, len(rows))
	for i, row := range rows {
		entries[i] = newEntry(i+1, row, now)
	}
	return entries, nil
}

func newEntry(pos int, row Row, now time.Time) Entry {
	v := row.Visit
	started := v.StageStartedAt()
	e := Entry{
		Position:       pos,
		VisitID:        v.ID,
		PatientID:      v.PatientID,
		Stage:          v.Stage,
		StageLabel:     v.Stage.Label(),
		ArrivedAt:      v.ArrivedAt,
		StageStartedAt: started,
		ElapsedMinutes: elapsedMinutes(started, now),
		Risk:           row.Risk,
	}
	if row.Patient != nil {
		e.PatientName = row.Patient.Name
		e.Sex = row.Patient.Sex
		e.AgeYears = row.Patient.AgeAt(now)
	}
	if row.Risk != nil {
		label := row.Risk.Label()
		e.RiskLabel = &label
	}
	return e
}

// elapsedMinutes floors to whole minutes and never goes negative.
func elapsedMinutes(since, now time.Time) int {
	d := now.Sub(since)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}
