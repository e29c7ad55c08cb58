package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
)

func newContext(method, target string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	rec := httptest.NewRecorder()
	return e.NewContext(httptest.NewRequest(method, target, nil), rec), rec
}

func TestRequestID_GeneratesNew(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/")

	var fromCtx string
	h := RequestID()(func(c echo.Context) error {
		fromCtx = RequestIDFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rid := rec.Header().Get(RequestIDHeader)
	if rid == "" || rid != fromCtx || c.Get("request_id") != rid {
		t.Errorf("expected one generated id everywhere, header=%q ctx=%q", rid, fromCtx)
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/")
	c.Request().Header.Set(RequestIDHeader, "desk-7")

	_ = RequestID()(func(c echo.Context) error { return nil })(c)
	if rec.Header().Get(RequestIDHeader) != "desk-7" {
		t.Errorf("expected desk-7, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesOversized(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/")
	c.Request().Header.Set(RequestIDHeader, strings.Repeat("a", 200))

	_ = RequestID()(func(c echo.Context) error { return nil })(c)
	if len(rec.Header().Get(RequestIDHeader)) > 128 {
		t.Error("expected oversized id to be replaced")
	}
}

func TestLogger_UsesErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	c, _ := newContext(http.MethodPost, "/api/v1/visits")
	c.Set("request_id", "r-1")

	err := Logger(logger)(func(c echo.Context) error {
		return apperr.Guard(apperr.ReasonActiveVisitExists, "active visit exists")
	})(c)
	if err == nil {
		t.Fatal("expected error to be returned")
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["status"].(float64) != http.StatusConflict || line["level"] != "warn" || line["request_id"] != "r-1" {
		t.Errorf("unexpected log line %v", line)
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/panic")
	err := Recovery(zerolog.Nop())(func(c echo.Context) error {
		panic("boom")
	})(c)

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}
}

func TestRecovery_LogsRequestContext(t *testing.T) {
	c, _ := newContext(http.MethodPost, "/api/v1/visits")
	c.SetPath("/api/v1/visits")
	c.Set("request_id", "req-9")
	c.Set("facility_id", "north_wing")
	ctx := auth.ContextWithPrincipal(c.Request().Context(), auth.Principal{SubjectID: 12, Role: auth.RoleReceptionist})
	c.SetRequest(c.Request().WithContext(ctx))

	var buf bytes.Buffer
	_ = Recovery(zerolog.New(&buf))(func(c echo.Context) error {
		panic(errors.New("nil visit"))
	})(c)

	out := buf.String()
	for _, want := range []string{`"request_id":"req-9"`, `"facility_id":"north_wing"`, `"actor_id":12`, `"route":"/api/v1/visits"`, `"panic":"nil visit"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in log, got %s", want, out)
		}
	}
}

func TestRecovery_ReraisesAbortHandler(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/api/v1/ws")
	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Errorf("expected http.ErrAbortHandler to propagate, got %v", r)
		}
	}()
	_ = Recovery(zerolog.Nop())(func(c echo.Context) error {
		panic(http.ErrAbortHandler)
	})(c)
	t.Error("expected panic")
}

func TestRecovery_PassesThrough(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/ok")
	if err := Recovery(zerolog.Nop())(func(c echo.Context) error { return nil })(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout_CompletesWithinDeadline(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/api/v1/queue")
	var hasDeadline bool
	err := RequestTimeout(time.Second)(func(c echo.Context) error {
		_, hasDeadline = c.Request().Context().Deadline()
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil || !hasDeadline {
		t.Fatalf("expected deadline and no error, got %v", err)
	}
}

func TestRequestTimeout_ReturnsGatewayTimeout(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/api/v1/queue")
	err := RequestTimeout(20*time.Millisecond)(func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	})(c)

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %v", err)
	}
}

func TestRequestTimeout_SkipsWebsocket(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/api/v1/ws")
	var hasDeadline bool
	_ = RequestTimeout(time.Second)(func(c echo.Context) error {
		_, hasDeadline = c.Request().Context().Deadline()
		return nil
	})(c)
	if hasDeadline {
		t.Error("expected websocket path to have no deadline")
	}
}

func TestSecurityHeaders(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/api/v1/queue")
	_ = SecurityHeaders(false)(func(c echo.Context) error { return nil })(c)
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("missing headers: %v", rec.Header())
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("expected no HSTS when disabled")
	}

	c, rec = newContext(http.MethodGet, "/")
	_ = SecurityHeaders(true)(func(c echo.Context) error { return nil })(c)
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("expected HSTS when enabled")
	}
}

func TestErrorHandler_RendersAppErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
		wantReason string
		retryable  bool
	}{
		{"guard", apperr.Guard(apperr.ReasonNoVisitInStage, "no visit in stage"), http.StatusConflict, "guard_violation", "no_visit_in_stage", false},
		{"conflict", apperr.Conflict(errors.New("40001")), http.StatusConflict, "concurrency_conflict", "serialization_failure", true},
		{"unavailable", apperr.Unavailable(errors.New("dial")), http.StatusServiceUnavailable, "store_unavailable", "database_unavailable", false},
		{"echo 404", echo.ErrNotFound, http.StatusNotFound, "not_found", "", false},
		{"plain", errors.New("secret detail"), http.StatusInternalServerError, "internal", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newContext(http.MethodGet, "/")
			ErrorHandler(zerolog.Nop())(tt.err, c)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			var body ErrorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Kind != tt.wantKind || body.Reason != tt.wantReason || body.Retryable != tt.retryable {
				t.Errorf("unexpected body %+v", body)
			}
			if strings.Contains(body.Error, "secret") {
				t.Error("expected internal error detail to be hidden")
			}
		})
	}
}

func TestErrorHandler_SkipsCommitted(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/")
	_ = c.String(http.StatusOK, "done")
	ErrorHandler(zerolog.Nop())(errors.New("late"), c)
	if rec.Body.String() != "done" {
		t.Errorf("expected committed response untouched, got %q", rec.Body.String())
	}
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2}, func() time.Time { return now })
	h := rateLimit(l)(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	for i := 0; i < 2; i++ {
		c, _ := newContext(http.MethodGet, "/")
		if err := h(c); err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
	}

	c, rec := newContext(http.MethodGet, "/")
	err := h(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	now = now.Add(time.Second)
	c, _ = newContext(http.MethodGet, "/")
	if err := h(c); err != nil {
		t.Errorf("expected refill after one second, got %v", err)
	}
}

func TestRateLimit_EvictsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute}, func() time.Time { return now })

	l.take("a")
	l.take("b")
	now = now.Add(2 * time.Minute)
	l.take("c")

	if l.size() != 1 {
		t.Errorf("expected idle buckets to be evicted, have %d", l.size())
	}
}

func TestRender_DefaultsForUnknownContextErrors(t *testing.T) {
	status, body := Render(context.Canceled)
	if status != http.StatusInternalServerError || body.Kind != "internal" {
		t.Errorf("unexpected render %d %+v", status, body)
	}
}
