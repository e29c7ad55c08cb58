package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/intake/internal/platform/apperr"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   apperr.Kind
		wantReason apperr.Reason
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, apperr.KindConflict, apperr.ReasonSerializationFailure},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, apperr.KindConflict, apperr.ReasonSerializationFailure},
		{"wrapped serialization failure", fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"}), apperr.KindConflict, apperr.ReasonSerializationFailure},
		{"active visit index", &pgconn.PgError{Code: "23505", ConstraintName: "visit_one_active_per_patient"}, apperr.KindGuard, apperr.ReasonActiveVisitExists},
		{"triage pkey", &pgconn.PgError{Code: "23505", ConstraintName: "triage_record_pkey"}, apperr.KindGuard, apperr.ReasonTriageAlreadyRecorded},
		{"diagnosis pkey", &pgconn.PgError{Code: "23505", ConstraintName: "diagnosis_record_pkey"}, apperr.KindGuard, apperr.ReasonDiagnosisAlreadyRecorded},
		{"patient fk", &pgconn.PgError{Code: "23503", ConstraintName: "visit_patient_id_fkey"}, apperr.KindNotFound, apperr.ReasonPatientNotFound},
		{"unknown unique", &pgconn.PgError{Code: "23505", ConstraintName: "other_key"}, apperr.KindInternal, ""},
		{"deadline", context.DeadlineExceeded, apperr.KindUnavailable, apperr.ReasonDatabaseUnavailable},
		{"plain", errors.New("boom"), apperr.KindInternal, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if apperr.KindOf(got) != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, apperr.KindOf(got))
			}
			if apperr.ReasonOf(got) != tt.wantReason {
				t.Errorf("expected reason %q, got %q", tt.wantReason, apperr.ReasonOf(got))
			}
			if !errors.Is(got, tt.err) {
				t.Error("expected original error to stay in the chain")
			}
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("expected nil")
	}
}

func TestClassify_KeepsStructuredErrors(t *testing.T) {
	in := apperr.Guard(apperr.ReasonNoVisitInStage, "no visit")
	if got := Classify(in); got != error(in) {
		t.Errorf("expected structured error to pass through, got %v", got)
	}
}

func TestTxFromContext_Empty(t *testing.T) {
	if TxFromContext(context.Background()) != nil {
		t.Error("expected no transaction in empty context")
	}
}
