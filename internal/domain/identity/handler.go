package identity

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
)

type Handler struct {
	dir Directory
}

func NewHandler(dir Directory) *Handler {
	return &Handler{dir: dir}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole(auth.RoleReceptionist, auth.RoleNurse, auth.RolePhysician))
	staff.GET("/patients/lookup", h.Lookup)
}

type lookupResponse struct {
	PatientID int64   `json:"patient_id"`
	Name      string  `json:"name"`
	Sex       *string `json:"sex,omitempty"`
}

// Lookup resolves a national id to a patient id for the front desk.
func (h *Handler) Lookup(c echo.Context) error {
	nid := c.QueryParam("national_id")
	if NormalizeNationalID(nid) == "" {
		return apperr.Validation("national_id is required")
	}
	p, err := h.dir.LookupByNationalID(c.Request().Context(), nid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, lookupResponse{PatientID: p.ID, Name: p.Name, Sex: p.Sex})
}
