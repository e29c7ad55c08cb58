package db

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/intake/internal/platform/apperr"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
)

// Unique constraints whose violation means a workflow guard lost a race.
var uniqueGuards = map[string]apperr.Reason{
	"visit_one_active_per_patient": apperr.ReasonActiveVisitExists,
	"triage_record_pkey":           apperr.ReasonTriageAlreadyRecorded,
	"diagnosis_record_pkey":        apperr.ReasonDiagnosisAlreadyRecorded,
}

var foreignKeys = map[string]apperr.Reason{
	"visit_patient_id_fkey": apperr.ReasonPatientNotFound,
}

// Classify maps driver errors onto the apperr taxonomy. Errors that are
// already structured, and errors it does not recognize, are returned as is.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return apperr.Conflict(err)
		case codeUniqueViolation:
			if reason, ok := uniqueGuards[pgErr.ConstraintName]; ok {
				return &apperr.Error{Kind: apperr.KindGuard, Reason: reason, Message: "constraint " + pgErr.ConstraintName + " violated", Err: err}
			}
		case codeForeignKeyViolation:
			if reason, ok := foreignKeys[pgErr.ConstraintName]; ok {
				return &apperr.Error{Kind: apperr.KindNotFound, Reason: reason, Message: "constraint " + pgErr.ConstraintName + " violated", Err: err}
			}
		}
		return err
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return apperr.Unavailable(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.Timeout(err) {
		return apperr.Unavailable(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Unavailable(err)
	}
	return err
}
