package queue

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/intake/internal/domain/identity"
	"github.com/ehr/intake/internal/domain/visit"
	"github.com/ehr/intake/internal/platform/db"
)

type readerPG struct {
	pool *pgxpool.Pool
}

// NewPGReader reads the queue with a single join.
func NewPGReader(pool *pgxpool.Pool) Reader {
	return &readerPG{pool: pool}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func (r *readerPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *readerPG) Rows(ctx context.Context, f Filter) ([]Row, error) {
	stages := make([]string, len(f.Stages))
	for i, s := range f.Stages {
		stages[i] = string(s)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT v.id, v.patient_id, v.receptionist_id, v.stage, v.arrived_at,
			v.triage_started_at, v.triage_completed_at, v.consultation_started_at, v.discharged_at,
			v.nurse_id, v.physician_id, v.updated_at,
			u.name, u.sex, u.birth_date, t.risk_classification
		FROM visit v
		JOIN app_user u ON u.id = v.patient_id
		LEFT JOIN triage_record t ON t.visit_id = v.id
		WHERE v.stage = ANY($1)
			AND ($2 = '' OR strpos(lower(u.name), lower($2)) > 0)
		ORDER BY v.arrived_at, v.id`, stages, f.Text)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var v visit.Visit
		var p identity.Person
		var stage string
		var risk *int16
		if err := rows.Scan(
			&v.ID, &v.PatientID, &v.ReceptionistID, &stage, &v.ArrivedAt,
			&v.TriageStartedAt, &v.TriageCompletedAt, &v.ConsultationStartedAt, &v.DischargedAt,
			&v.NurseID, &v.PhysicianID, &v.UpdatedAt,
			&p.Name, &p.Sex, &p.BirthDate, &risk,
		); err != nil {
			return nil, db.Classify(err)
		}
		v.Stage = visit.Stage(stage)
		p.ID = v.PatientID
		row := Row{Visit: &v, Patient: &p}
		if risk != nil {
			rc := visit.Risk(*risk)
			row.Risk = &rc
		}
		out = append(out, row)
	}
	return out, db.Classify(rows.Err())
}
