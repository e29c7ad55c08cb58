package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Store {
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

const personCols = `id, national_id, name, email, sex, birth_date, role, active, created_at`

func (r *repoPG) Create(ctx context.Context, p *Person) error {
	p.NationalID = NormalizeNationalID(p.NationalID)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO app_user (national_id, name, email, sex, birth_date, role, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		p.NationalID, p.Name, p.Email, p.Sex, p.BirthDate, string(p.Role), p.Active,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return db.Classify(fmt.Errorf("insert person: %w", err))
	}
	return nil
}

func (r *repoPG) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE app_user SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(apperr.ReasonPatientNotFound, "person %d not found", id)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id int64) (*Person, error) {
	p, err := scanPerson(r.conn(ctx).QueryRow(ctx, `SELECT `+personCols+` FROM app_user WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(apperr.ReasonPatientNotFound, "person %d not found", id)
	}
	return p, db.Classify(err)
}

func (r *repoPG) LookupByNationalID(ctx context.Context, nationalID string) (*Person, error) {
	nid := NormalizeNationalID(nationalID)
	if nid == "" {
		return nil, apperr.Validation("national_id is required")
	}
	p, err := scanPerson(r.conn(ctx).QueryRow(ctx, `SELECT `+personCols+` FROM app_user WHERE national_id = $1`, nid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(apperr.ReasonPatientNotFound, "no person with national id %s", nid)
	}
	if err != nil {
		return nil, db.Classify(err)
	}
	if !p.Active {
		return nil, apperr.NotFound(apperr.ReasonPatientInactive, "person %d is inactive", p.ID)
	}
	return p, nil
}

func (r *repoPG) GetByIDs(ctx context.Context, ids []int64) (map[int64]*Person, error) {
	out := make(map[int64]*Person, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+personCols+` FROM app_user WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, db.Classify(rows.Err())
}

func (r *repoPG) ActiveRole(ctx context.Context, id int64) (auth.Role, bool, error) {
	var role string
	err := r.conn(ctx).QueryRow(ctx, `SELECT role FROM app_user WHERE id = $1 AND active`, id).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, db.Classify(err)
	}
	return auth.Role(role), true, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPerson(row scanner) (*Person, error) {
	var p Person
	var role string
	if err := row.Scan(&p.ID, &p.NationalID, &p.Name, &p.Email, &p.Sex, &p.BirthDate, &role, &p.Active, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Role = auth.Role(role)
	return &p, nil
}
