package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/domain/identity"
	"github.com/ehr/intake/internal/domain/visit"
	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/clock"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type stubReader struct {
	rows []Row
	err  error
	got  Filter
}

func (s *stubReader) Rows(_ context.Context, f Filter) ([]Row, error) {
	s.got = f
	return s.rows, s.err
}

func ptrTime(t time.Time) *time.Time { return &t }

func row(id int64, arrived time.Time, stage visit.Stage) Row {
	return Row{
		Visit:   &visit.Visit{ID: id, PatientID: id * 10, Stage: stage, ArrivedAt: arrived},
		Patient: &identity.Person{ID: id * 10, Name: "patient"},
	}
}

func TestListQueue_OrdersByArrivalThenID(t *testing.T) {
	r := &stubReader{rows: []Row{
		row(3, t0.Add(20*time.Minute), visit.StageWaitingConsultation),
		row(2, t0, visit.StageWaitingConsultation),
		row(1, t0.Add(10*time.Minute), visit.StageWaitingConsultation),
		row(9, t0, visit.StageWaitingConsultation),
	}}
	svc := NewService(r, clock.NewManaged(t0.Add(time.Hour)))

	entries, err := svc.ListQueue(context.Background(), Filter{Stages: []visit.Stage{visit.StageWaitingConsultation}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int64{2, 9, 1, 3}
	for i, e := range entries {
		if e.VisitID != want[i] || e.Position != i+1 {
			t.Errorf("position %d: expected visit %d, got %d at %d", i+1, want[i], e.VisitID, e.Position)
		}
		if i > 0 && e.ArrivedAt.Before(entries[i-1].ArrivedAt) {
			t.Error("arrival order violated")
		}
	}
}

func TestListQueue_ElapsedAndAnnotations(t *testing.T) {
	birth := time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	risk := visit.RiskOrange
	sex := "F"
	r := &stubReader{rows: []Row{{
		Visit: &visit.Visit{
			ID: 1, PatientID: 7, Stage: visit.StageInTriage, ArrivedAt: t0,
			TriageStartedAt: ptrTime(t0.Add(15 * time.Minute)),
		},
		Patient: &identity.Person{ID: 7, Name: "Ana", Sex: &sex, BirthDate: &birth},
		Risk:    &risk,
	}}}
	now := t0.Add(15*time.Minute + 4*time.Minute + 59*time.Second)
	svc := NewService(r, clock.NewManaged(now))

	entries, err := svc.ListQueue(context.Background(), Filter{Stages: []visit.Stage{visit.StageInTriage}})
	if err != nil {
		t.Fatal(err)
	}
	e := entries[0]
	if e.ElapsedMinutes != 4 {
		t.Errorf("expected elapsed to floor to 4, got %d", e.ElapsedMinutes)
	}
	if e.RiskLabel == nil || *e.RiskLabel != "orange" {
		t.Errorf("expected orange label, got %v", e.RiskLabel)
	}
	if e.AgeYears == nil || *e.AgeYears != 46 {
		t.Errorf("expected age 46, got %v", e.AgeYears)
	}
	if e.StageLabel != "In triage" || e.PatientName != "Ana" {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestListQueue_NoTriageHasNullRisk(t *testing.T) {
	r := &stubReader{rows: []Row{row(1, t0, visit.StageArrived)}}
	svc := NewService(r, clock.NewManaged(t0.Add(-time.Minute)))

	entries, _ := svc.ListQueue(context.Background(), Filter{Stages: []visit.Stage{visit.StageArrived}})
	if entries[0].Risk != nil || entries[0].RiskLabel != nil {
		t.Error("expected null risk before triage")
	}
	if entries[0].ElapsedMinutes != 0 {
		t.Errorf("expected clock skew to clamp to 0, got %d", entries[0].ElapsedMinutes)
	}

	b, _ := json.Marshal(entries[0])
	if !strings.Contains(string(b), `"risk_classification":null`) {
		t.Errorf("expected explicit null in %s", b)
	}
}

func TestListQueue_Validation(t *testing.T) {
	svc := NewService(&stubReader{}, clock.NewManaged(t0))
	ctx := context.Background()

	if _, err := svc.ListQueue(ctx, Filter{}); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error without stages, got %v", err)
	}
	if _, err := svc.ListQueue(ctx, Filter{Stages: []visit.Stage{"bogus"}}); !apperr.Is(err, apperr.KindValidation, apperr.ReasonInvalidStage) {
		t.Errorf("expected invalid_stage, got %v", err)
	}
	long := make([]byte, maxTextFilter+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := svc.ListQueue(ctx, Filter{Stages: ActiveStages, Text: string(long)}); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error for long text, got %v", err)
	}
}

func TestListQueue_PropagatesReaderError(t *testing.T) {
	boom := apperr.Unavailable(errors.New("dial tcp"))
	svc := NewService(&stubReader{err: boom}, clock.NewManaged(t0))
	if _, err := svc.ListQueue(context.Background(), Filter{Stages: ActiveStages}); apperr.KindOf(err) != apperr.KindUnavailable {
		t.Errorf("expected unavailable, got %v", err)
	}
}

func TestScope(t *testing.T) {
	waiting := visit.StageWaitingConsultation
	inConsult := visit.StageInConsultation
	arrived := visit.StageArrived

	tests := []struct {
		name      string
		role      auth.Role
		requested *visit.Stage
		kind      apperr.Kind
		want      int
	}{
		{"admin unfiltered", auth.RoleAdmin, nil, "", len(ActiveStages)},
		{"receptionist unfiltered", auth.RoleReceptionist, nil, "", len(ActiveStages)},
		{"nurse unfiltered", auth.RoleNurse, nil, apperr.KindValidation, 0},
		{"nurse waiting", auth.RoleNurse, &waiting, "", 1},
		{"nurse in consultation", auth.RoleNurse, &inConsult, apperr.KindForbidden, 0},
		{"physician arrived", auth.RolePhysician, &arrived, apperr.KindForbidden, 0},
		{"physician in consultation", auth.RolePhysician, &inConsult, "", 1},
		{"patient", auth.RolePatient, &waiting, apperr.KindForbidden, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Scope(tt.role, tt.requested)
			if tt.kind != "" {
				if apperr.KindOf(err) != tt.kind {
					t.Errorf("expected %s, got %v", tt.kind, err)
				}
				return
			}
			if err != nil || len(got) != tt.want {
				t.Errorf("expected %d stages, got %v (%v)", tt.want, got, err)
			}
		})
	}
}

func seedStore(t *testing.T) (visit.Repository, identity.Store) {
	t.Helper()
	ctx := context.Background()
	repo := visit.NewMemRepo()
	people := identity.NewMemRepo()

	names := []string{"Maria Silva", "João Souza", "Mariana Costa"}
	for i, name := range names {
		p := &identity.Person{NationalID: string(rune('1' + i)), Name: name, Role: auth.RolePatient, Active: true}
		if err := people.Create(ctx, p); err != nil {
			t.Fatal(err)
		}
		v := &visit.Visit{PatientID: p.ID, ReceptionistID: 1, Stage: visit.StageWaitingConsultation, ArrivedAt: t0.Add(time.Duration(3-i) * time.Minute)}
		if err := repo.CreateIfNoActive(ctx, v); err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			_ = repo.InsertTriage(ctx, &visit.TriageRecord{VisitID: v.ID, RiskClassification: visit.RiskRed, NurseID: 2})
		}
	}
	return repo, people
}

func TestStoreReader_TextFilterAndRisk(t *testing.T) {
	repo, people := seedStore(t)
	svc := NewService(NewStoreReader(repo, people), clock.NewManaged(t0.Add(time.Hour)))

	entries, err := svc.ListQueue(context.Background(), Filter{Stages: []visit.Stage{visit.StageWaitingConsultation}, Text: "  MARI "})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two matches, got %d", len(entries))
	}
	// Mariana arrived first.
	if entries[0].PatientName != "Mariana Costa" || entries[1].PatientName != "Maria Silva" {
		t.Errorf("unexpected order %s, %s", entries[0].PatientName, entries[1].PatientName)
	}
	if entries[1].Risk == nil || *entries[1].Risk != visit.RiskRed {
		t.Errorf("expected red risk on Maria, got %v", entries[1].Risk)
	}

	none, _ := svc.ListQueue(context.Background(), Filter{Stages: []visit.Stage{visit.StageInTriage}})
	if len(none) != 0 {
		t.Errorf("expected empty queue, got %d", len(none))
	}
}

func TestHandler_ListQueue(t *testing.T) {
	repo, people := seedStore(t)
	h := NewHandler(NewService(NewStoreReader(repo, people), clock.NewManaged(t0.Add(time.Hour))))
	e := echo.New()

	call := func(query string, role auth.Role) (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/queue"+query, nil)
		req = req.WithContext(auth.ContextWithPrincipal(req.Context(), auth.Principal{SubjectID: 1, Role: role}))
		rec := httptest.NewRecorder()
		return rec, h.ListQueue(e.NewContext(req, rec))
	}

	rec, err := call("?stage=3", auth.RolePhysician)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body queueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 3 || body.Entries[0].Position != 1 || body.Entries[2].Position != 3 {
		t.Errorf("unexpected response %+v", body)
	}

	if _, err := call("?stage=in_triage", auth.RolePhysician); apperr.KindOf(err) != apperr.KindForbidden {
		t.Errorf("expected forbidden, got %v", err)
	}
	if _, err := call("?stage=7", auth.RoleAdmin); !apperr.Is(err, apperr.KindValidation, apperr.ReasonInvalidStage) {
		t.Errorf("expected invalid_stage, got %v", err)
	}
	if _, err := call("", auth.RoleNurse); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected nurse to need a stage, got %v", err)
	}
	rec, err = call("", auth.RoleReceptionist)
	if err != nil || !strings.Contains(rec.Body.String(), `"count":3`) {
		t.Errorf("expected unfiltered queue for receptionist, got %v %s", err, rec.Body.String())
	}
}
