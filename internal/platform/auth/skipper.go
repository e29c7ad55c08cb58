package auth

import (
	"github.com/labstack/echo/v4"
)

// Routes served without a bearer token.
const (
	HealthPath   = "/health"
	HealthDBPath = "/health/db"
)

// AuthSkipper lets the health routes past the bearer and subject checks. It
// matches the registered route rather than the raw URL.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

func IsPublicPath(route string) bool {
	return route == HealthPath || route == HealthDBPath
}
