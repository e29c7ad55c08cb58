package visit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *repoPG) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, db.Serializable, fn)
}

const visitCols = `id, patient_id, receptionist_id, stage, arrived_at,
	triage_started_at, triage_completed_at, consultation_started_at, discharged_at,
	nurse_id, physician_id, updated_at`

func (r *repoPG) CreateIfNoActive(ctx context.Context, v *Visit) error {
	// The partial unique index backs this up if two inserts race past the
	// NOT EXISTS check.
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit (patient_id, receptionist_id, stage, arrived_at, updated_at)
		SELECT $1::bigint, $2::bigint, $3::varchar, $4::timestamptz, $4::timestamptz
		WHERE NOT EXISTS (
			SELECT 1 FROM visit WHERE patient_id = $1 AND stage <> $5
		)
		RETURNING id`,
		v.PatientID, v.ReceptionistID, string(v.Stage), v.ArrivedAt, string(StageDischarged),
	).Scan(&v.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Guard(apperr.ReasonActiveVisitExists, "patient %d already has an active visit", v.PatientID)
	}
	if err != nil {
		return db.Classify(fmt.Errorf("insert visit: %w", err))
	}
	v.UpdatedAt = v.ArrivedAt
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id int64) (*Visit, error) {
	return r.getVisit(ctx, `SELECT `+visitCols+` FROM visit WHERE id = $1`, id)
}

func (r *repoPG) LockByID(ctx context.Context, id int64) (*Visit, error) {
	return r.getVisit(ctx, `SELECT `+visitCols+` FROM visit WHERE id = $1 FOR UPDATE`, id)
}

func (r *repoPG) getVisit(ctx context.Context, sql string, id int64) (*Visit, error) {
	v, err := scanVisit(r.conn(ctx).QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(apperr.ReasonVisitNotFound, "visit %d not found", id)
	}
	if err != nil {
		return nil, db.Classify(err)
	}
	return v, nil
}

func (r *repoPG) LockByPatientInStage(ctx context.Context, patientID int64, stage Stage) (*Visit, error) {
	v, err := scanVisit(r.conn(ctx).QueryRow(ctx, `
		SELECT `+visitCols+` FROM visit
		WHERE patient_id = $1 AND stage = $2
		ORDER BY arrived_at DESC, id DESC
		LIMIT 1
		FOR UPDATE`, patientID, string(stage)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Guard(apperr.ReasonNoVisitInStage, "patient %d has no visit in stage %s", patientID, stage)
	}
	if err != nil {
		return nil, db.Classify(err)
	}
	return v, nil
}

func (r *repoPG) UpdateStage(ctx context.Context, v *Visit) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE visit SET
			stage = $2, triage_started_at = $3, triage_completed_at = $4,
			consultation_started_at = $5, discharged_at = $6,
			nurse_id = $7, physician_id = $8, updated_at = $9
		WHERE id = $1`,
		v.ID, string(v.Stage), v.TriageStartedAt, v.TriageCompletedAt,
		v.ConsultationStartedAt, v.DischargedAt,
		v.NurseID, v.PhysicianID, v.UpdatedAt,
	)
	if err != nil {
		return db.Classify(fmt.Errorf("update visit %d: %w", v.ID, err))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(apperr.ReasonVisitNotFound, "visit %d not found", v.ID)
	}
	return nil
}

func (r *repoPG) InsertTriage(ctx context.Context, rec *TriageRecord) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO triage_record (
			visit_id, chief_complaint, temperature_c, blood_pressure, heart_rate,
			oxygen_saturation, pain_level, allergies, current_medications,
			risk_classification, nurse_id, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.VisitID, rec.ChiefComplaint, rec.TemperatureC, rec.BloodPressure, rec.HeartRate,
		rec.OxygenSaturation, rec.PainLevel, rec.Allergies, rec.CurrentMedications,
		int(rec.RiskClassification), rec.NurseID, rec.RecordedAt,
	)
	if err != nil {
		return db.Classify(fmt.Errorf("insert triage record: %w", err))
	}
	return nil
}

func (r *repoPG) GetTriage(ctx context.Context, visitID int64) (*TriageRecord, error) {
	var rec TriageRecord
	var risk int16
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT visit_id, chief_complaint, temperature_c, blood_pressure, heart_rate,
			oxygen_saturation, pain_level, allergies, current_medications,
			risk_classification, nurse_id, recorded_at
		FROM triage_record WHERE visit_id = $1`, visitID).Scan(
		&rec.VisitID, &rec.ChiefComplaint, &rec.TemperatureC, &rec.BloodPressure, &rec.HeartRate,
		&rec.OxygenSaturation, &rec.PainLevel, &rec.Allergies, &rec.CurrentMedications,
		&risk, &rec.NurseID, &rec.RecordedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(apperr.ReasonRecordNotFound, "no triage record for visit %d", visitID)
	}
	if err != nil {
		return nil, db.Classify(err)
	}
	rec.RiskClassification = Risk(risk)
	return &rec, nil
}

func (r *repoPG) InsertDiagnosis(ctx context.Context, rec *DiagnosisRecord) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO diagnosis_record (
			visit_id, diagnosis, prescription, internal_prescription, physician_id, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.VisitID, rec.Diagnosis, rec.Prescription, rec.InternalPrescription, rec.PhysicianID, rec.RecordedAt,
	)
	if err != nil {
		return db.Classify(fmt.Errorf("insert diagnosis record: %w", err))
	}
	return nil
}

func (r *repoPG) GetDiagnosis(ctx context.Context, visitID int64) (*DiagnosisRecord, error) {
	var rec DiagnosisRecord
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT visit_id, diagnosis, prescription, internal_prescription, physician_id, recorded_at
		FROM diagnosis_record WHERE visit_id = $1`, visitID).Scan(
		&rec.VisitID, &rec.Diagnosis, &rec.Prescription, &rec.InternalPrescription, &rec.PhysicianID, &rec.RecordedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(apperr.ReasonRecordNotFound, "no diagnosis record for visit %d", visitID)
	}
	if err != nil {
		return nil, db.Classify(err)
	}
	return &rec, nil
}

func (r *repoPG) AddStageChange(ctx context.Context, ch *StageChange) error {
	var from *string
	if ch.FromStage != nil {
		s := string(*ch.FromStage)
		from = &s
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit_stage_history (visit_id, from_stage, to_stage, changed_at, changed_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		ch.VisitID, from, string(ch.ToStage), ch.ChangedAt, ch.ChangedBy,
	).Scan(&ch.ID)
	if err != nil {
		return db.Classify(fmt.Errorf("insert stage change: %w", err))
	}
	return nil
}

func (r *repoPG) ListStageChanges(ctx context.Context, visitID int64, limit, offset int) ([]*StageChange, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM visit_stage_history WHERE visit_id = $1`, visitID).Scan(&total); err != nil {
		return nil, 0, db.Classify(err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, visit_id, from_stage, to_stage, changed_at, changed_by
		FROM visit_stage_history WHERE visit_id = $1
		ORDER BY id
		LIMIT $2 OFFSET $3`, visitID, limit, offset)
	if err != nil {
		return nil, 0, db.Classify(err)
	}
	defer rows.Close()

	var out []*StageChange
	for rows.Next() {
		var ch StageChange
		var from *string
		var to string
		if err := rows.Scan(&ch.ID, &ch.VisitID, &from, &to, &ch.ChangedAt, &ch.ChangedBy); err != nil {
			return nil, 0, db.Classify(err)
		}
		if from != nil {
			s := Stage(*from)
			ch.FromStage = &s
		}
		ch.ToStage = Stage(to)
		out = append(out, &ch)
	}
	return out, total, db.Classify(rows.Err())
}

func (r *repoPG) ListInStages(ctx context.Context, stages []Stage) ([]*Visit, error) {
	codes := make([]string, len(stages))
	for i, s := range stages {
		codes[i] = string(s)
	}
	return r.listVisits(ctx, `
		SELECT `+visitCols+` FROM visit
		WHERE stage = ANY($1)
		ORDER BY arrived_at, id`, codes)
}

func (r *repoPG) ListArrivedBetween(ctx context.Context, from, to time.Time) ([]*Visit, error) {
	return r.listVisits(ctx, `
		SELECT `+visitCols+` FROM visit
		WHERE arrived_at BETWEEN $1 AND $2
		ORDER BY arrived_at, id`, from, to)
}

// waitSpansSQL averages each interval in the database. A NULL end fails
// BETWEEN, so unfinished intervals drop out of both the count and the mean.
const waitSpansSQL = `
	SELECT COUNT(*),
		COUNT(*) FILTER (WHERE triage_started_at BETWEEN arrived_at AND $3),
		COALESCE(AVG(EXTRACT(EPOCH FROM triage_started_at - arrived_at))
			FILTER (WHERE triage_started_at BETWEEN arrived_at AND $3), 0)::float8,
		COUNT(*) FILTER (WHERE triage_completed_at BETWEEN triage_started_at AND $3),
		COALESCE(AVG(EXTRACT(EPOCH FROM triage_completed_at - triage_started_at))
			FILTER (WHERE triage_completed_at BETWEEN triage_started_at AND $3), 0)::float8,
		COUNT(*) FILTER (WHERE consultation_started_at BETWEEN triage_completed_at AND $3),
		COALESCE(AVG(EXTRACT(EPOCH FROM consultation_started_at - triage_completed_at))
			FILTER (WHERE consultation_started_at BETWEEN triage_completed_at AND $3), 0)::float8,
		COUNT(*) FILTER (WHERE discharged_at BETWEEN consultation_started_at AND $3),
		COALESCE(AVG(EXTRACT(EPOCH FROM discharged_at - consultation_started_at))
			FILTER (WHERE discharged_at BETWEEN consultation_started_at AND $3), 0)::float8,
		COUNT(*) FILTER (WHERE discharged_at BETWEEN arrived_at AND $3),
		COALESCE(AVG(EXTRACT(EPOCH FROM discharged_at - arrived_at))
			FILTER (WHERE discharged_at BETWEEN arrived_at AND $3), 0)::float8
	FROM visit
	WHERE arrived_at BETWEEN $1 AND $2`

func (r *repoPG) WaitSpans(ctx context.Context, from, to, now time.Time) (*WaitSpans, error) {
	var out WaitSpans
	spans := []*Span{&out.ToTriage, &out.InTriage, &out.ToConsultation, &out.InConsultation, &out.ToDischarge}
	seconds := make([]float64, len(spans))

	dest := []interface{}{&out.Visits}
	for i, sp := range spans {
		dest = append(dest, &sp.Samples, &seconds[i])
	}
	if err := r.conn(ctx).QueryRow(ctx, waitSpansSQL, from, to, now).Scan(dest...); err != nil {
		return nil, db.Classify(err)
	}
	for i, sp := range spans {
		if sp.Samples > 0 {
			sp.Mean = time.Duration(seconds[i] * float64(time.Second))
		}
	}
	return &out, nil
}

func (r *repoPG) listVisits(ctx context.Context, sql string, args ...interface{}) ([]*Visit, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()

	var out []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, db.Classify(err)
		}
		out = append(out, v)
	}
	return out, db.Classify(rows.Err())
}

func (r *repoPG) RisksFor(ctx context.Context, visitIDs []int64) (map[int64]Risk, error) {
	out := make(map[int64]Risk, len(visitIDs))
	if len(visitIDs) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT visit_id, risk_classification FROM triage_record WHERE visit_id = ANY($1)`, visitIDs)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var risk int16
		if err := rows.Scan(&id, &risk); err != nil {
			return nil, db.Classify(err)
		}
		out[id] = Risk(risk)
	}
	return out, db.Classify(rows.Err())
}

func (r *repoPG) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(DISTINCT v.patient_id),
			COUNT(*) FILTER (WHERE v.stage <> $1),
			COUNT(*) FILTER (WHERE v.stage <> $1 AND t.risk_classification >= $2)
		FROM visit v
		LEFT JOIN triage_record t ON t.visit_id = v.id`,
		string(StageDischarged), int(RiskOrange),
	).Scan(&s.TotalVisits, &s.DistinctPatients, &s.ActiveVisits, &s.UrgentActive)
	if err != nil {
		return nil, db.Classify(err)
	}
	return &s, nil
}

func scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	var stage string
	err := row.Scan(
		&v.ID, &v.PatientID, &v.ReceptionistID, &stage, &v.ArrivedAt,
		&v.TriageStartedAt, &v.TriageCompletedAt, &v.ConsultationStartedAt, &v.DischargedAt,
		&v.NurseID, &v.PhysicianID, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	v.Stage = Stage(stage)
	return &v, nil
}
