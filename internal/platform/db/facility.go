package db

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/platform/apperr"
)

type contextKey string

const (
	FacilityIDKey contextKey = "facility_id"
	DBConnKey     contextKey = "db_conn"

	// FacilityClaimKey is the echo context key the auth middleware uses for a
	// facility carried in the bearer token.
	FacilityClaimKey = "jwt_facility_id"

	schemaPrefix = "facility_"
)

var facilityIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,48}$`)

func ValidFacilityID(id string) bool {
	return facilityIDPattern.MatchString(id)
}

// SchemaFor returns the schema holding a facility's tables.
func SchemaFor(facilityID string) string {
	return schemaPrefix + facilityID
}

// FacilityMiddleware pins one pooled connection to the request, points its
// search_path at the facility schema and stores it in the request context.
// allowOverride lets the X-Facility-ID header or the facility_id query
// parameter pick the facility when the token carries no claim; it is only
// set in development.
func FacilityMiddleware(pool *pgxpool.Pool, defaultFacility string, allowOverride bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			facilityID := extractFacilityID(c, defaultFacility, allowOverride)
			if !ValidFacilityID(facilityID) {
				return apperr.Validation("invalid facility identifier")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return apperr.Unavailable(err)
			}
			defer conn.Release()

			if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaFor(facilityID))); err != nil {
				return Classify(fmt.Errorf("set facility search_path: %w", err))
			}

			ctx = ContextWithConn(context.WithValue(ctx, FacilityIDKey, facilityID), conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("facility_id", facilityID)

			return next(c)
		}
	}
}

func extractFacilityID(c echo.Context, defaultFacility string, allowOverride bool) string {
	if fid, ok := c.Get(FacilityClaimKey).(string); ok && fid != "" {
		return fid
	}
	if !allowOverride {
		return defaultFacility
	}
	if fid := c.Request().Header.Get("X-Facility-ID"); fid != "" {
		return fid
	}
	if fid := c.QueryParam("facility_id"); fid != "" {
		return fid
	}
	return defaultFacility
}

// ContextWithConn stores a connection whose search_path is already set.
func ContextWithConn(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, DBConnKey, conn)
}

// ConnFromContext returns the facility-scoped connection, or nil.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

func FacilityFromContext(ctx context.Context) string {
	fid, _ := ctx.Value(FacilityIDKey).(string)
	return fid
}

// CreateFacilitySchema creates the facility schema and migrates it. A nil
// migrations FS only creates the schema.
func CreateFacilitySchema(ctx context.Context, pool *pgxpool.Pool, facilityID string, migrations fs.FS) (int, error) {
	if !ValidFacilityID(facilityID) {
		return 0, fmt.Errorf("invalid facility identifier: %s", facilityID)
	}
	schema := SchemaFor(facilityID)

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return 0, fmt.Errorf("create schema %s: %w", schema, err)
	}
	if migrations == nil {
		return 0, nil
	}

	n, err := NewMigrator(pool, migrations).Up(ctx, schema)
	if err != nil {
		return n, fmt.Errorf("run migrations for %s: %w", schema, err)
	}
	return n, nil
}
