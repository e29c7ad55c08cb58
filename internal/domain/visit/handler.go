package visit

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/domain/identity"
	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/validate"
	"github.com/ehr/intake/pkg/pagination"
)

// PatientLookup resolves the national id a front desk types in.
type PatientLookup interface {
	LookupByNationalID(ctx context.Context, nationalID string) (*identity.Person, error)
}

type Handler struct {
	wf     *Workflow
	lookup PatientLookup
}

func NewHandler(wf *Workflow, lookup PatientLookup) *Handler {
	return &Handler{wf: wf, lookup: lookup}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	desk := api.Group("", auth.RequireRole(auth.RoleReceptionist))
	desk.POST("/visits", h.CreateVisit)

	nursing := api.Group("", auth.RequireRole(auth.RoleNurse))
	nursing.POST("/visits/triage/begin", h.BeginTriage)
	nursing.POST("/visits/triage", h.RecordTriage)

	clinical := api.Group("", auth.RequireRole(auth.RolePhysician))
	clinical.POST("/visits/consultation/begin", h.BeginConsultation)
	clinical.POST("/visits/diagnosis", h.RecordDiagnosis)

	staff := api.Group("", auth.RequireRole(auth.RoleReceptionist, auth.RoleNurse, auth.RolePhysician))
	staff.GET("/visits/:id", h.GetVisit)
	staff.GET("/visits/:id/history", h.GetHistory)
}

// patientRef is the patient reference accepted by every transition body.
type patientRef struct {
	VisitID    int64  `json:"visit_id" validate:"omitempty,min=1"`
	PatientID  int64  `json:"patient_id" validate:"omitempty,min=1"`
	NationalID string `json:"national_id" validate:"omitempty,max=20"`
}

func (h *Handler) resolve(ctx context.Context, in patientRef) (Ref, error) {
	ref := Ref{VisitID: in.VisitID, PatientID: in.PatientID}
	if ref.PatientID == 0 && in.NationalID != "" {
		p, err := h.lookup.LookupByNationalID(ctx, in.NationalID)
		if err != nil {
			return Ref{}, err
		}
		ref.PatientID = p.ID
	}
	if ref.IsZero() {
		return Ref{}, apperr.Validation("visit_id, patient_id or national_id is required")
	}
	return ref, nil
}

func actor(c echo.Context) (int64, error) {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return 0, apperr.Unauthorized(apperr.ReasonTokenMissing, "missing authorization header")
	}
	return p.SubjectID, nil
}

type createVisitRequest struct {
	PatientID  int64  `json:"patient_id" validate:"required_without=NationalID,omitempty,min=1"`
	NationalID string `json:"national_id" validate:"required_without=PatientID,omitempty,max=20"`
}

func (h *Handler) CreateVisit(c echo.Context) error {
	var req createVisitRequest
	if err := validate.Bind(c, &req); err != nil {
		return err
	}
	by, err := actor(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	patientID := req.PatientID
	if patientID == 0 {
		p, err := h.lookup.LookupByNationalID(ctx, req.NationalID)
		if err != nil {
			return err
		}
		patientID = p.ID
	}

	v, err := h.wf.CreateVisit(ctx, patientID, by)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) BeginTriage(c echo.Context) error {
	return h.begin(c, h.wf.BeginTriage)
}

func (h *Handler) BeginConsultation(c echo.Context) error {
	return h.begin(c, h.wf.BeginConsultation)
}

func (h *Handler) begin(c echo.Context, fn func(context.Context, Ref, int64) (*Visit, error)) error {
	var req patientRef
	if err := validate.Bind(c, &req); err != nil {
		return err
	}
	by, err := actor(c)
	if err != nil {
		return err
	}
	ref, err := h.resolve(c.Request().Context(), req)
	if err != nil {
		return err
	}
	v, err := fn(c.Request().Context(), ref, by)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

type triageRequest struct {
	patientRef
	ChiefComplaint     string   `json:"chief_complaint" validate:"required,max=2000"`
	TemperatureC       *float64 `json:"temperature_c" validate:"omitempty,gte=25,lte=45"`
	BloodPressure      *string  `json:"blood_pressure" validate:"omitempty,blood_pressure"`
	HeartRate          *int     `json:"heart_rate" validate:"omitempty,gte=20,lte=300"`
	OxygenSaturation   *int     `json:"oxygen_saturation" validate:"omitempty,gte=0,lte=100"`
	PainLevel          int      `json:"pain_level" validate:"gte=0,lte=10"`
	Allergies          string   `json:"allergies" validate:"max=2000"`
	CurrentMedications string   `json:"current_medications" validate:"max=2000"`
	RiskClassification int      `json:"risk_classification" validate:"required,gte=1,lte=5"`
}

func (h *Handler) RecordTriage(c echo.Context) error {
	var req triageRequest
	if err := validate.Bind(c, &req); err != nil {
		return err
	}
	by, err := actor(c)
	if err != nil {
		return err
	}
	ref, err := h.resolve(c.Request().Context(), req.patientRef)
	if err != nil {
		return err
	}
	out, err := h.wf.RecordTriage(c.Request().Context(), ref, &TriageRecord{
		ChiefComplaint:     req.ChiefComplaint,
		TemperatureC:       req.TemperatureC,
		BloodPressure:      req.BloodPressure,
		HeartRate:          req.HeartRate,
		OxygenSaturation:   req.OxygenSaturation,
		PainLevel:          req.PainLevel,
		Allergies:          req.Allergies,
		CurrentMedications: req.CurrentMedications,
		RiskClassification: Risk(req.RiskClassification),
		NurseID:            by,
	})
	if err != nil {
		return err
	}
	return c.JSON(outcomeStatus(out), out)
}

type diagnosisRequest struct {
	patientRef
	Diagnosis            string `json:"diagnosis" validate:"required,max=4000"`
	Prescription         string `json:"prescription" validate:"max=4000"`
	InternalPrescription string `json:"internal_prescription" validate:"max=4000"`
}

func (h *Handler) RecordDiagnosis(c echo.Context) error {
	var req diagnosisRequest
	if err := validate.Bind(c, &req); err != nil {
		return err
	}
	by, err := actor(c)
	if err != nil {
		return err
	}
	ref, err := h.resolve(c.Request().Context(), req.patientRef)
	if err != nil {
		return err
	}
	out, err := h.wf.RecordDiagnosis(c.Request().Context(), ref, &DiagnosisRecord{
		Diagnosis:            req.Diagnosis,
		Prescription:         req.Prescription,
		InternalPrescription: req.InternalPrescription,
		PhysicianID:          by,
	})
	if err != nil {
		return err
	}
	return c.JSON(outcomeStatus(out), out)
}

// A repaired stage is reported as 200 so clients can tell it from a fresh
// record.
func outcomeStatus(o *Outcome) int {
	if o.AlreadyRecorded() {
		return http.StatusOK
	}
	return http.StatusCreated
}

func visitID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid visit id %q", c.Param("id"))
	}
	return id, nil
}

func (h *Handler) GetVisit(c echo.Context) error {
	id, err := visitID(c)
	if err != nil {
		return err
	}
	d, err := h.wf.GetDetails(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := visitID(c)
	if err != nil {
		return err
	}
	pg, err := pagination.FromContext(c)
	if err != nil {
		return err
	}
	changes, total, err := h.wf.StageHistory(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	if changes == nil {
		changes = []*StageChange{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(changes, total, pg).WithLinks(c.Request().URL))
}
