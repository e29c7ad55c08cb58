package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/db"
)

func newAuthContext(header string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	c, _ := newAuthContext("")
	err := JWTMiddleware(newTestVerifier(nil), nil)(okHandler)(c)
	if !apperr.Is(err, apperr.KindUnauthorized, apperr.ReasonTokenMissing) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	for _, header := range []string{"Token abc", "Bearer", "Bearer   ", "Basic dXNlcjpwYXNz"} {
		c, _ := newAuthContext(header)
		err := JWTMiddleware(newTestVerifier(nil), nil)(okHandler)(c)
		if !apperr.Is(err, apperr.KindUnauthorized, apperr.ReasonTokenInvalid) {
			t.Errorf("%q: expected invalid format error, got %v", header, err)
		}
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	v := newTestVerifier(nil)
	tok := mustIssue(t, v, Principal{SubjectID: 9, Role: RoleReceptionist, Facility: "north"}, time.Hour)
	c, rec := newAuthContext("Bearer " + tok)

	var seen Principal
	h := JWTMiddleware(v, nil)(func(c echo.Context) error {
		seen, _ = PrincipalFromContext(c.Request().Context())
		return okHandler(c)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || seen.SubjectID != 9 || seen.Role != RoleReceptionist {
		t.Errorf("unexpected principal %+v", seen)
	}
	if c.Get(db.FacilityClaimKey) != "north" {
		t.Errorf("expected facility claim to be exposed, got %v", c.Get(db.FacilityClaimKey))
	}
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())
	c.SetPath("/health")
	if err := JWTMiddleware(newTestVerifier(nil), AuthSkipper)(okHandler)(c); err != nil {
		t.Fatalf("expected public path to skip auth, got %v", err)
	}
}

func TestAuthSkipper_MatchesRoute(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())
	c.SetPath("/api/v1/queue")
	if AuthSkipper(c) {
		t.Error("expected an api route to need a token whatever the URL")
	}
	c.SetPath(HealthDBPath)
	if !AuthSkipper(c) {
		t.Error("expected the db health route to be public")
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	v := newTestVerifier(nil)

	c, _ := newAuthContext("")
	var seen Principal
	h := DevAuthMiddleware(v, nil)(func(c echo.Context) error {
		seen, _ = PrincipalFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen.SubjectID != 1 || seen.Role != RoleAdmin {
		t.Errorf("expected dev admin principal, got %+v", seen)
	}

	c, _ = newAuthContext("Bearer junk")
	if err := h(c); apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Errorf("expected a sent token to still be validated, got %v", err)
	}
}

func TestActiveSubject(t *testing.T) {
	v := newTestVerifier(fakeSubjects{3: RoleNurse})

	c, _ := newAuthContext("")
	c.SetRequest(c.Request().WithContext(ContextWithPrincipal(c.Request().Context(), Principal{SubjectID: 4, Role: RoleNurse})))
	err := ActiveSubject(v, nil)(okHandler)(c)
	if !apperr.Is(err, apperr.KindUnauthorized, apperr.ReasonUnknownSubject) {
		t.Fatalf("expected inactive subject rejection, got %v", err)
	}

	c, _ = newAuthContext("")
	err = ActiveSubject(v, nil)(okHandler)(c)
	if !apperr.Is(err, apperr.KindUnauthorized, apperr.ReasonTokenMissing) {
		t.Fatalf("expected missing principal rejection, got %v", err)
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		role    Role
		allowed []Role
		wantErr bool
	}{
		{RoleNurse, []Role{RoleNurse}, false},
		{RoleAdmin, []Role{RoleNurse}, false},
		{RolePhysician, []Role{RoleNurse, RolePhysician}, false},
		{RoleReceptionist, []Role{RoleNurse}, true},
		{RolePatient, []Role{RoleNurse, RolePhysician, RoleReceptionist}, true},
	}
	for _, tt := range tests {
		c, _ := newAuthContext("")
		c.SetRequest(c.Request().WithContext(ContextWithPrincipal(c.Request().Context(), Principal{SubjectID: 1, Role: tt.role})))
		err := RequireRole(tt.allowed...)(okHandler)(c)
		if tt.wantErr && apperr.KindOf(err) != apperr.KindForbidden {
			t.Errorf("%s: expected forbidden, got %v", tt.role, err)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("%s: unexpected error %v", tt.role, err)
		}
	}
}

func TestIsPublicPath(t *testing.T) {
	if !IsPublicPath("/health") || !IsPublicPath("/health/db") {
		t.Error("expected health endpoints to be public")
	}
	if IsPublicPath("/api/v1/queue") {
		t.Error("expected api routes to require auth")
	}
}
