package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/auth"
)

// AuditEntry records who touched which clinical resource and with what
// outcome.
type AuditEntry struct {
	ActorID    int64
	Role       auth.Role
	Resource   string
	VisitID    int64
	Action     string // read, create
	Route      string
	Method     string
	RemoteIP   string
	RequestID  string
	Facility   string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries in addition to the log line.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit emits one "clinical_access" log line for every request under
// /api/v1/ that reached a handler. Requests rejected before authentication
// carry actor 0.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Route:      c.Path(),
				Method:     req.Method,
				RemoteIP:   c.RealIP(),
				Action:     methodAction(req.Method),
				Resource:   resourceOf(req.URL.Path),
				StatusCode: c.Response().Status,
			}
			if err != nil {
				entry.StatusCode, _ = Render(err)
			}
			if p, ok := auth.PrincipalFromContext(req.Context()); ok {
				entry.ActorID = p.SubjectID
				entry.Role = p.Role
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.Facility, _ = c.Get("facility_id").(string)
			if id, perr := strconv.ParseInt(c.Param("id"), 10, 64); perr == nil {
				entry.VisitID = id
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			evt := logger.Info().
				Str("type", "clinical_access").
				Str("request_id", entry.RequestID).
				Str("facility_id", entry.Facility).
				Int64("actor_id", entry.ActorID).
				Str("role", string(entry.Role)).
				Str("resource", entry.Resource).
				Str("action", entry.Action).
				Str("route", entry.Route).
				Int("status", entry.StatusCode).
				Str("remote_ip", entry.RemoteIP)
			if entry.VisitID > 0 {
				evt = evt.Int64("visit_id", entry.VisitID)
			}
			evt.Msg("access")

			return err
		}
	}
}

func methodAction(method string) string {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return "create"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// resourceOf returns the first path segment after /api/v1/.
//
//	/api/v1/visits/12/history -> visits
//	/api/v1/queue             -> queue
func resourceOf(path string) string {
	rest := strings.TrimPrefix(path, "/api/v1/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "unknown"
	}
	return rest
}
