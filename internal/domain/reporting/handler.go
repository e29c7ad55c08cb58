package reporting

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
)

const dateLayout = "2006-01-02"

type Handler struct {
	agg *Aggregator
}

func NewHandler(agg *Aggregator) *Handler {
	return &Handler{agg: agg}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole(auth.RoleReceptionist, auth.RoleNurse, auth.RolePhysician))
	staff.GET("/wait-times", h.WaitTimes)
	staff.GET("/dashboard", h.Dashboard)
}

// parseBound accepts RFC 3339 timestamps or plain dates. A plain date used
// as an upper bound covers the whole day.
func parseBound(name, raw string, upper bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, apperr.Validation("%s must be an RFC 3339 timestamp or a YYYY-MM-DD date", name)
	}
	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func (h *Handler) WaitTimes(c echo.Context) error {
	from, err := parseBound("from", c.QueryParam("from"), false)
	if err != nil {
		return err
	}
	to, err := parseBound("to", c.QueryParam("to"), true)
	if err != nil {
		return err
	}
	start, end, err := h.agg.Window(from, to)
	if err != nil {
		return err
	}
	wt, err := h.agg.AverageWaitTimes(c.Request().Context(), start, end)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wt)
}

func (h *Handler) Dashboard(c echo.Context) error {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return apperr.Unauthorized(apperr.ReasonTokenMissing, "missing authorization header")
	}
	s, err := h.agg.Summary(c.Request().Context(), p.Role)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s)
}
