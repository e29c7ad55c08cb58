package queue

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/domain/visit"
	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole(auth.RoleReceptionist, auth.RoleNurse, auth.RolePhysician))
	staff.GET("/queue", h.ListQueue)
}

type queueResponse struct {
	Stages      []visit.Stage `json:"stages"`
	Text        string        `json:"text,omitempty"`
	Count       int           `json:"count"`
	GeneratedAt time.Time     `json:"generated_at"`
	Entries     []Entry       `json:"entries"`
}

func (h *Handler) ListQueue(c echo.Context) error {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return apperr.Unauthorized(apperr.ReasonTokenMissing, "missing authorization header")
	}

	var requested *visit.Stage
	if raw := c.QueryParam("stage"); raw != "" {
		st, err := visit.ParseStage(raw)
		if err != nil {
			return err
		}
		requested = &st
	}
	stages, err := Scope(p.Role, requested)
	if err != nil {
		return err
	}

	f := Filter{Stages: stages, Text: strings.TrimSpace(c.QueryParam("text"))}
	entries, err := h.svc.ListQueue(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return c.JSON(http.StatusOK, queueResponse{
		Stages:      stages,
		Text:        f.Text,
		Count:       len(entries),
		GeneratedAt: h.svc.clock.Now(),
		Entries:     entries,
	})
}
