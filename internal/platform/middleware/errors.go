package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/apperr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Render maps an error returned by a handler to a status and body. Messages
// of unstructured errors are not exposed.
func Render(err error) (int, ErrorBody) {
	if ae, ok := apperr.As(err); ok {
		msg := ae.Message
		if ae.Kind == apperr.KindInternal {
			msg = "internal server error"
		}
		return ae.HTTPStatus(), ErrorBody{
			Error:     msg,
			Kind:      string(ae.Kind),
			Reason:    string(ae.Reason),
			Retryable: ae.Retryable(),
		}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, ErrorBody{
			Error: fmt.Sprintf("%v", he.Message),
			Kind:  kindForStatus(he.Code),
		}
	}

	return http.StatusInternalServerError, ErrorBody{
		Error: "internal server error",
		Kind:  string(apperr.KindInternal),
	}
}

func kindForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(apperr.KindValidation)
	case http.StatusUnauthorized:
		return string(apperr.KindUnauthorized)
	case http.StatusForbidden:
		return string(apperr.KindForbidden)
	case http.StatusNotFound:
		return string(apperr.KindNotFound)
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusGatewayTimeout:
		return "timeout"
	case http.StatusServiceUnavailable:
		return string(apperr.KindUnavailable)
	default:
		if status >= 500 {
			return string(apperr.KindInternal)
		}
		return "http_error"
	}
}

// ErrorHandler is the echo HTTPErrorHandler for the service.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := Render(err)
		if status >= 500 {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Int("status", status).Msg("request failed")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Warn().Err(err).Msg("write error response")
		}
	}
}
