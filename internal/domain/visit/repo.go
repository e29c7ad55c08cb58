package visit

import (
	"context"
	"time"
)

// Repository is the durable store behind the workflow. Calls made with the
// context handed to Atomic's fn belong to that unit of work.
type Repository interface {
	// Atomic runs fn as one serializable unit. A non-nil error from fn rolls
	// every write back.
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error

	// CreateIfNoActive inserts v unless the patient already has a visit that
	// is not discharged, in which case it fails with active_visit_exists.
	CreateIfNoActive(ctx context.Context, v *Visit) error
	GetByID(ctx context.Context, id int64) (*Visit, error)
	// LockByID and LockByPatientInStage read a visit for update.
	LockByID(ctx context.Context, id int64) (*Visit, error)
	LockByPatientInStage(ctx context.Context, patientID int64, stage Stage) (*Visit, error)
	UpdateStage(ctx context.Context, v *Visit) error

	InsertTriage(ctx context.Context, rec *TriageRecord) error
	GetTriage(ctx context.Context, visitID int64) (*TriageRecord, error)
	InsertDiagnosis(ctx context.Context, rec *DiagnosisRecord) error
	GetDiagnosis(ctx context.Context, visitID int64) (*DiagnosisRecord, error)

	AddStageChange(ctx context.Context, ch *StageChange) error
	ListStageChanges(ctx context.Context, visitID int64, limit, offset int) ([]*StageChange, int, error)

	Reader
}

// Reader is the read side used by the queue and the reports. It never
// writes.
type Reader interface {
	// ListInStages returns visits whose stage is one of stages, ordered by
	// arrival then id.
	ListInStages(ctx context.Context, stages []Stage) ([]*Visit, error)
	// ListArrivedBetween returns visits with from <= arrived_at <= to.
	ListArrivedBetween(ctx context.Context, from, to time.Time) ([]*Visit, error)
	// WaitSpans averages the stage intervals of visits with
	// from <= arrived_at <= to, ignoring intervals that end after now.
	WaitSpans(ctx context.Context, from, to, now time.Time) (*WaitSpans, error)
	// RisksFor maps visit ids to their triage risk. Visits without a triage
	// record are absent.
	RisksFor(ctx context.Context, visitIDs []int64) (map[int64]Risk, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Stats are the facility-wide counters shown on the dashboard.
type Stats struct {
	TotalVisits      int `json:"total_visits"`
	DistinctPatients int `json:"distinct_patients"`
	ActiveVisits     int `json:"active_visits"`
	UrgentActive     int `json:"urgent_cases"`
}
