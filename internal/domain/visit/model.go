package visit

import (
	"strconv"
	"strings"
	"time"

	"github.com/ehr/intake/internal/platform/apperr"
)

// Stage is the position of a visit in the intake workflow.
type Stage string

const (
	StageArrived             Stage = "arrived"
	StageInTriage            Stage = "in_triage"
	StageWaitingConsultation Stage = "waiting_consultation"
	StageInConsultation      Stage = "in_consultation"
	StageDischarged          Stage = "discharged"
)

// Stages lists every stage in workflow order.
var Stages = []Stage{
	StageArrived,
	StageInTriage,
	StageWaitingConsultation,
	StageInConsultation,
	StageDischarged,
}

var stageLabels = map[Stage]string{
	StageArrived:             "Arrived",
	StageInTriage:            "In triage",
	StageWaitingConsultation: "Waiting for consultation",
	StageInConsultation:      "In consultation",
	StageDischarged:          "Discharged",
}

// ParseStage accepts a stage code or the numeric codes 1-5 used by older
// clients. Anything else is a validation error.
func ParseStage(raw string) (Stage, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 1 || n > len(Stages) {
			return "", apperr.ValidationFor(apperr.ReasonInvalidStage, "stage must be between 1 and %d, got %d", len(Stages), n)
		}
		return Stages[n-1], nil
	}
	st := Stage(s)
	if _, ok := stageLabels[st]; !ok {
		return "", apperr.ValidationFor(apperr.ReasonInvalidStage, "unknown stage %q", raw)
	}
	return st, nil
}

func (s Stage) Valid() bool {
	_, ok := stageLabels[s]
	return ok
}

func (s Stage) Label() string { return stageLabels[s] }

func (s Stage) Active() bool { return s != StageDischarged }

// Risk is the triage urgency rating, 1 (low) to 5 (critical).
type Risk int

const (
	RiskBlue Risk = iota + 1
	RiskGreen
	RiskYellow
	RiskOrange
	RiskRed
)

var riskLabels = map[Risk]string{
	RiskBlue:   "blue",
	RiskGreen:  "green",
	RiskYellow: "yellow",
	RiskOrange: "orange",
	RiskRed:    "red",
}

func (r Risk) Valid() bool { return r >= RiskBlue && r <= RiskRed }

func (r Risk) Label() string { return riskLabels[r] }

// Urgent is true for orange and red.
func (r Risk) Urgent() bool { return r >= RiskOrange }

// Visit is one episode of a patient's presence in the facility.
type Visit struct {
	ID                    int64      `db:"id" json:"visit_id"`
	PatientID             int64      `db:"patient_id" json:"patient_id"`
	ReceptionistID        int64      `db:"receptionist_id" json:"receptionist_id"`
	Stage                 Stage      `db:"stage" json:"stage"`
	ArrivedAt             time.Time  `db:"arrived_at" json:"arrived_at"`
	TriageStartedAt       *time.Time `db:"triage_started_at" json:"triage_started_at,omitempty"`
	TriageCompletedAt     *time.Time `db:"triage_completed_at" json:"triage_completed_at,omitempty"`
	ConsultationStartedAt *time.Time `db:"consultation_started_at" json:"consultation_started_at,omitempty"`
	DischargedAt          *time.Time `db:"discharged_at" json:"discharged_at,omitempty"`
	NurseID               *int64     `db:"nurse_id" json:"nurse_id,omitempty"`
	PhysicianID           *int64     `db:"physician_id" json:"physician_id,omitempty"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// StageStartedAt returns when the visit entered its current stage.
func (v *Visit) StageStartedAt() time.Time {
	var t *time.Time
	switch v.Stage {
	case StageInTriage:
		t = v.TriageStartedAt
	case StageWaitingConsultation:
		t = v.TriageCompletedAt
	case StageInConsultation:
		t = v.ConsultationStartedAt
	case StageDischarged:
		t = v.DischargedAt
	}
	if t == nil {
		return v.ArrivedAt
	}
	return *t
}

// TriageRecord is the nursing assessment attached to a visit.
type TriageRecord struct {
	VisitID            int64     `db:"visit_id" json:"visit_id"`
	ChiefComplaint     string    `db:"chief_complaint" json:"chief_complaint"`
	TemperatureC       *float64  `db:"temperature_c" json:"temperature_c,omitempty"`
	BloodPressure      *string   `db:"blood_pressure" json:"blood_pressure,omitempty"`
	HeartRate          *int      `db:"heart_rate" json:"heart_rate,omitempty"`
	OxygenSaturation   *int      `db:"oxygen_saturation" json:"oxygen_saturation,omitempty"`
	PainLevel          int       `db:"pain_level" json:"pain_level"`
	Allergies          string    `db:"allergies" json:"allergies"`
	CurrentMedications string    `db:"current_medications" json:"current_medications"`
	RiskClassification Risk      `db:"risk_classification" json:"risk_classification"`
	NurseID            int64     `db:"nurse_id" json:"nurse_id"`
	RecordedAt         time.Time `db:"recorded_at" json:"recorded_at"`
}

// DiagnosisRecord closes a visit.
type DiagnosisRecord struct {
	VisitID              int64     `db:"visit_id" json:"visit_id"`
	Diagnosis            string    `db:"diagnosis" json:"diagnosis"`
	Prescription         string    `db:"prescription" json:"prescription"`
	InternalPrescription string    `db:"internal_prescription" json:"internal_prescription"`
	PhysicianID          int64     `db:"physician_id" json:"physician_id"`
	RecordedAt           time.Time `db:"recorded_at" json:"recorded_at"`
}

// StageChange is one row of a visit's transition history.
type StageChange struct {
	ID        int64     `db:"id" json:"id"`
	VisitID   int64     `db:"visit_id" json:"visit_id"`
	FromStage *Stage    `db:"from_stage" json:"from_stage"`
	ToStage   Stage     `db:"to_stage" json:"to_stage"`
	ChangedAt time.Time `db:"changed_at" json:"changed_at"`
	ChangedBy int64     `db:"changed_by" json:"changed_by"`
}

// Ref points at the visit a transition applies to. VisitID wins when both
// are set; with only PatientID the patient's visit at the expected stage is
// used.
type Ref struct {
	VisitID   int64
	PatientID int64
}

func (r Ref) IsZero() bool { return r.VisitID == 0 && r.PatientID == 0 }

// OutcomeStatus tells a recorded child row apart from a repaired stage.
type OutcomeStatus string

const (
	StatusRecorded        OutcomeStatus = "recorded"
	StatusAlreadyRecorded OutcomeStatus = "already_recorded"
)

// Outcome is the result of RecordTriage and RecordDiagnosis.
type Outcome struct {
	Visit  *Visit        `json:"visit"`
	Status OutcomeStatus `json:"outcome"`
}

func (o *Outcome) AlreadyRecorded() bool { return o.Status == StatusAlreadyRecorded }
