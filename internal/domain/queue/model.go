package queue

import (
	"time"

	"github.com/ehr/intake/internal/domain/identity"
	"github.com/ehr/intake/internal/domain/visit"
)

// Row is one visit as a Reader returns it, before ranking.
type Row struct {
	Visit   *visit.Visit
	Patient *identity.Person
	Risk    *visit.Risk
}

// Entry is one ranked line of the staff queue.
type Entry struct {
	Position       int         `json:"position"`
	VisitID        int64       `json:"visit_id"`
	PatientID      int64       `json:"patient_id"`
	PatientName    string      `json:"patient_name"`
	Sex            *string     `json:"sex,omitempty"`
	AgeYears       *int        `json:"age_years,omitempty"`
	Stage          visit.Stage `json:"stage"`
	StageLabel     string      `json:"stage_label"`
	ArrivedAt      time.Time   `json:"arrived_at"`
	StageStartedAt time.Time   `json:"stage_started_at"`
	ElapsedMinutes int         `json:"elapsed_minutes"`
	Risk           *visit.Risk `json:"risk_classification"`
	RiskLabel      *string     `json:"risk_label"`
}

// Filter selects the visits to list. Text is matched case-insensitively
// against the patient name.
type Filter struct {
	Stages []visit.Stage
	Text   string
}
