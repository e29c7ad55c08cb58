package visit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/identity"
	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/clock"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/events"
)

// PatientDirectory resolves the patient a visit is opened for.
type PatientDirectory interface {
	GetByID(ctx context.Context, id int64) (*identity.Person, error)
}

// DefaultMaxAttempts bounds how often a transition is replayed after a
// serialization failure.
const DefaultMaxAttempts = 3

// Workflow is the visit state machine. It is the only writer of Visit.Stage.
type Workflow struct {
	repo        Repository
	patients    PatientDirectory
	clock       clock.Clock
	publisher   events.Publisher
	logger      zerolog.Logger
	maxAttempts int
}

func NewWorkflow(repo Repository, patients PatientDirectory, clk clock.Clock, pub events.Publisher, logger zerolog.Logger) *Workflow {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Workflow{
		repo:        repo,
		patients:    patients,
		clock:       clk,
		publisher:   pub,
		logger:      logger.With().Str("component", "visit_workflow").Logger(),
		maxAttempts: DefaultMaxAttempts,
	}
}

// SetMaxAttempts changes the conflict retry bound. Values below 1 mean 1.
func (w *Workflow) SetMaxAttempts(n int) {
	if n < 1 {
		n = 1
	}
	w.maxAttempts = n
}

// txn collects what a unit of work committed so it can be announced after
// the commit.
type txn struct {
	changes []events.Event
}

func (w *Workflow) run(ctx context.Context, op string, fn func(ctx context.Context, t *txn) error) error {
	var t *txn
	var err error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		t = &txn{}
		err = w.repo.Atomic(ctx, func(ctx context.Context) error { return fn(ctx, t) })
		if err == nil || apperr.KindOf(err) != apperr.KindConflict || ctx.Err() != nil {
			break
		}
		w.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt).Msg("serialization conflict")
	}
	if err != nil {
		return err
	}
	w.publish(ctx, t.changes)
	return nil
}

// advance moves v to stage `to` and records the change.
func (w *Workflow) advance(ctx context.Context, t *txn, v *Visit, to Stage, actor int64, at time.Time) error {
	from := v.Stage
	v.Stage = to
	v.UpdatedAt = at
	if err := w.repo.UpdateStage(ctx, v); err != nil {
		return err
	}
	return w.record(ctx, t, v, &from, actor, at)
}

// record appends the history row for v's current stage and queues the event.
func (w *Workflow) record(ctx context.Context, t *txn, v *Visit, from *Stage, actor int64, at time.Time) error {
	ch := &StageChange{VisitID: v.ID, FromStage: from, ToStage: v.Stage, ChangedAt: at, ChangedBy: actor}
	if err := w.repo.AddStageChange(ctx, ch); err != nil {
		return err
	}

	ev := events.Event{
		ID:         uuid.NewString(),
		Type:       events.TypeVisitStageChanged,
		Facility:   db.FacilityFromContext(ctx),
		VisitID:    v.ID,
		PatientID:  v.PatientID,
		ToStage:    string(v.Stage),
		ActorID:    actor,
		OccurredAt: at,
	}
	if from != nil {
		ev.FromStage = string(*from)
	}
	t.changes = append(t.changes, ev)
	return nil
}

func (w *Workflow) publish(ctx context.Context, evs []events.Event) {
	ctx = context.WithoutCancel(ctx)
	for _, ev := range evs {
		w.logger.Info().
			Int64("visit_id", ev.VisitID).
			Int64("patient_id", ev.PatientID).
			Str("from", ev.FromStage).
			Str("to", ev.ToStage).
			Int64("actor_id", ev.ActorID).
			Msg("visit stage changed")
		if err := w.publisher.Publish(ctx, ev); err != nil {
			w.logger.Warn().Err(err).Int64("visit_id", ev.VisitID).Msg("publish stage change")
		}
	}
}

// locate finds the visit ref points at and checks it is in stage want.
func (w *Workflow) locate(ctx context.Context, ref Ref, want Stage) (*Visit, error) {
	if ref.VisitID == 0 {
		return w.repo.LockByPatientInStage(ctx, ref.PatientID, want)
	}
	v, err := w.repo.LockByID(ctx, ref.VisitID)
	if err != nil {
		return nil, err
	}
	if ref.PatientID != 0 && v.PatientID != ref.PatientID {
		return nil, apperr.Validation("visit %d does not belong to patient %d", v.ID, ref.PatientID)
	}
	if v.Stage != want {
		return nil, apperr.Guard(apperr.ReasonNoVisitInStage, "visit %d is %s, expected %s", v.ID, v.Stage, want)
	}
	return v, nil
}

func checkRef(ref Ref) error {
	if ref.VisitID < 0 || ref.PatientID < 0 {
		return apperr.Validation("visit_id and patient_id must be positive")
	}
	if ref.IsZero() {
		return apperr.Validation("visit_id or patient_id is required")
	}
	return nil
}

func checkActor(name string, id int64) error {
	if id <= 0 {
		return apperr.Validation("%s is required", name)
	}
	return nil
}

// CreateVisit opens a visit in stage arrived. It fails with
// active_visit_exists when the patient already has a visit that is not
// discharged. Staff accounts are not patients and give patient_not_found.
func (w *Workflow) CreateVisit(ctx context.Context, patientID, receptionistID int64) (*Visit, error) {
	if patientID <= 0 {
		return nil, apperr.Validation("patient_id is required")
	}
	if err := checkActor("receptionist_id", receptionistID); err != nil {
		return nil, err
	}
	p, err := w.patients.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if p.Role != auth.RolePatient {
		return nil, apperr.NotFound(apperr.ReasonPatientNotFound, "patient %d not found", patientID)
	}
	if !p.Active {
		return nil, apperr.NotFound(apperr.ReasonPatientInactive, "patient %d is inactive", patientID)
	}

	var out *Visit
	err = w.run(ctx, "create_visit", func(ctx context.Context, t *txn) error {
		now := w.clock.Now()
		v := &Visit{PatientID: patientID, ReceptionistID: receptionistID, Stage: StageArrived, ArrivedAt: now}
		if err := w.repo.CreateIfNoActive(ctx, v); err != nil {
			return err
		}
		if err := w.record(ctx, t, v, nil, receptionistID, now); err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// BeginTriage moves an arrived visit into triage.
func (w *Workflow) BeginTriage(ctx context.Context, ref Ref, nurseID int64) (*Visit, error) {
	if err := checkRef(ref); err != nil {
		return nil, err
	}
	if err := checkActor("nurse_id", nurseID); err != nil {
		return nil, err
	}
	var out *Visit
	err := w.run(ctx, "begin_triage", func(ctx context.Context, t *txn) error {
		v, err := w.locate(ctx, ref, StageArrived)
		if err != nil {
			return err
		}
		now := w.clock.Now()
		v.TriageStartedAt = &now
		v.NurseID = &nurseID
		if err := w.advance(ctx, t, v, StageInTriage, nurseID, now); err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func validateTriage(rec *TriageRecord) error {
	if rec == nil {
		return apperr.Validation("triage record is required")
	}
	rec.ChiefComplaint = strings.TrimSpace(rec.ChiefComplaint)
	if rec.ChiefComplaint == "" {
		return apperr.Validation("chief_complaint is required")
	}
	if !rec.RiskClassification.Valid() {
		return apperr.Validation("risk_classification must be between 1 and 5")
	}
	if rec.PainLevel < 0 || rec.PainLevel > 10 {
		return apperr.Validation("pain_level must be between 0 and 10")
	}
	if rec.OxygenSaturation != nil && (*rec.OxygenSaturation < 0 || *rec.OxygenSaturation > 100) {
		return apperr.Validation("oxygen_saturation must be between 0 and 100")
	}
	return checkActor("nurse_id", rec.NurseID)
}

// RecordTriage attaches the triage record to a visit in triage and moves it
// to waiting_consultation. If the visit already has a record the stage is
// still advanced and the outcome is already_recorded.
func (w *Workflow) RecordTriage(ctx context.Context, ref Ref, rec *TriageRecord) (*Outcome, error) {
	if err := checkRef(ref); err != nil {
		return nil, err
	}
	if err := validateTriage(rec); err != nil {
		return nil, err
	}
	var out *Outcome
	err := w.run(ctx, "record_triage", func(ctx context.Context, t *txn) error {
		v, err := w.locate(ctx, ref, StageInTriage)
		if err != nil {
			return err
		}
		now := w.clock.Now()
		status := StatusRecorded
		completed := now

		existing, err := w.repo.GetTriage(ctx, v.ID)
		switch {
		case err == nil:
			status = StatusAlreadyRecorded
			completed = existing.RecordedAt
		case apperr.KindOf(err) == apperr.KindNotFound:
			row := *rec
			row.VisitID = v.ID
			row.RecordedAt = now
			if err := w.repo.InsertTriage(ctx, &row); err != nil {
				return err
			}
		default:
			return err
		}

		v.TriageCompletedAt = &completed
		if err := w.advance(ctx, t, v, StageWaitingConsultation, rec.NurseID, now); err != nil {
			return err
		}
		out = &Outcome{Visit: v, Status: status}
		return nil
	})
	if err == nil && out.AlreadyRecorded() {
		w.logger.Warn().Int64("visit_id", out.Visit.ID).Msg("triage already recorded, stage repaired")
	}
	return out, err
}

// BeginConsultation moves a waiting visit into consultation.
func (w *Workflow) BeginConsultation(ctx context.Context, ref Ref, physicianID int64) (*Visit, error) {
	if err := checkRef(ref); err != nil {
		return nil, err
	}
	if err := checkActor("physician_id", physicianID); err != nil {
		return nil, err
	}
	var out *Visit
	err := w.run(ctx, "begin_consultation", func(ctx context.Context, t *txn) error {
		v, err := w.locate(ctx, ref, StageWaitingConsultation)
		if err != nil {
			return err
		}
		now := w.clock.Now()
		v.ConsultationStartedAt = &now
		v.PhysicianID = &physicianID
		if err := w.advance(ctx, t, v, StageInConsultation, physicianID, now); err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func validateDiagnosis(rec *DiagnosisRecord) error {
	if rec == nil {
		return apperr.Validation("diagnosis record is required")
	}
	rec.Diagnosis = strings.TrimSpace(rec.Diagnosis)
	if rec.Diagnosis == "" {
		return apperr.Validation("diagnosis is required")
	}
	return checkActor("physician_id", rec.PhysicianID)
}

// RecordDiagnosis attaches the diagnosis to a visit in consultation and
// discharges it, with the same already_recorded repair as RecordTriage.
func (w *Workflow) RecordDiagnosis(ctx context.Context, ref Ref, rec *DiagnosisRecord) (*Outcome, error) {
	if err := checkRef(ref); err != nil {
		return nil, err
	}
	if err := validateDiagnosis(rec); err != nil {
		return nil, err
	}
	var out *Outcome
	err := w.run(ctx, "record_diagnosis", func(ctx context.Context, t *txn) error {
		v, err := w.locate(ctx, ref, StageInConsultation)
		if err != nil {
			return err
		}
		now := w.clock.Now()
		status := StatusRecorded
		discharged := now

		existing, err := w.repo.GetDiagnosis(ctx, v.ID)
		switch {
		case err == nil:
			status = StatusAlreadyRecorded
			discharged = existing.RecordedAt
		case apperr.KindOf(err) == apperr.KindNotFound:
			row := *rec
			row.VisitID = v.ID
			row.RecordedAt = now
			if err := w.repo.InsertDiagnosis(ctx, &row); err != nil {
				return err
			}
		default:
			return err
		}

		v.DischargedAt = &discharged
		if err := w.advance(ctx, t, v, StageDischarged, rec.PhysicianID, now); err != nil {
			return err
		}
		out = &Outcome{Visit: v, Status: status}
		return nil
	})
	if err == nil && out.AlreadyRecorded() {
		w.logger.Warn().Int64("visit_id", out.Visit.ID).Msg("diagnosis already recorded, stage repaired")
	}
	return out, err
}

// Details is a visit with whatever child records it has.
type Details struct {
	Visit     *Visit           `json:"visit"`
	Triage    *TriageRecord    `json:"triage,omitempty"`
	Diagnosis *DiagnosisRecord `json:"diagnosis,omitempty"`
}

func (w *Workflow) GetVisit(ctx context.Context, id int64) (*Visit, error) {
	return w.repo.GetByID(ctx, id)
}

func (w *Workflow) GetDetails(ctx context.Context, id int64) (*Details, error) {
	v, err := w.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &Details{Visit: v}

	tr, err := w.repo.GetTriage(ctx, id)
	if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}
	d.Triage = tr

	diag, err := w.repo.GetDiagnosis(ctx, id)
	if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}
	d.Diagnosis = diag
	return d, nil
}

func (w *Workflow) GetTriage(ctx context.Context, visitID int64) (*TriageRecord, error) {
	return w.repo.GetTriage(ctx, visitID)
}

func (w *Workflow) GetDiagnosis(ctx context.Context, visitID int64) (*DiagnosisRecord, error) {
	return w.repo.GetDiagnosis(ctx, visitID)
}

// StageHistory lists the transitions of a visit in commit order.
func (w *Workflow) StageHistory(ctx context.Context, visitID int64, limit, offset int) ([]*StageChange, int, error) {
	if _, err := w.repo.GetByID(ctx, visitID); err != nil {
		return nil, 0, err
	}
	return w.repo.ListStageChanges(ctx, visitID, limit, offset)
}
