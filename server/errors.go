package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"goa.design/clue/log"

	"github.com/uiforge/renderbridge/fault"
)

// statusByKind maps failure classes to HTTP statuses.
var statusByKind = map[fault.Kind]int{
	fault.KindStoreUnavailable:       http.StatusServiceUnavailable,
	fault.KindAuthenticationFailed:   http.StatusUnauthorized,
	fault.KindAuthorizationFailed:    http.StatusForbidden,
	fault.KindRateLimited:            http.StatusTooManyRequests,
	fault.KindUnknownTool:            http.StatusBadRequest,
	fault.KindInvalidArguments:       http.StatusBadRequest,
	fault.KindValidationError:        http.StatusBadRequest,
	fault.KindToolTimeout:            http.StatusGatewayTimeout,
	fault.KindToolParse:              http.StatusBadGateway,
	fault.KindBrowserPool:            http.StatusBadGateway,
	fault.KindConnectionBackpressure: http.StatusServiceUnavailable,
	fault.KindResultSerialize:        http.StatusInternalServerError,
	fault.KindInternal:               http.StatusInternalServerError,
}

// errorHandler renders every handler error as the JSON error envelope:
// error, error_code, optional details and the request id assigned by the
// request-id middleware.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	code := strings.ToUpper(string(fault.KindInternal))
	message := "internal server error"
	var details map[string]any

	var fe *fault.Error
	var he *echo.HTTPError
	switch {
	case errors.As(err, &fe):
		if s, ok := statusByKind[fe.Kind]; ok {
			status = s
		}
		code = strings.ToUpper(string(fe.Kind))
		message = fe.Message
		details = fe.Details
	case errors.As(err, &he):
		status = he.Code
		code = strings.ToUpper(strings.ReplaceAll(http.StatusText(he.Code), " ", "_"))
		if m, ok := he.Message.(string); ok {
			message = m
		} else {
			message = http.StatusText(he.Code)
		}
	default:
		log.Error(c.Request().Context(), err, log.KV{K: "msg", V: "unclassified handler error"})
	}

	envelope := map[string]any{
		"error":      message,
		"error_code": code,
	}
	if details != nil {
		envelope["details"] = details
	}
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		envelope["request_id"] = id
	}
	if err := c.JSON(status, envelope); err != nil {
		log.Error(c.Request().Context(), err, log.KV{K: "msg", V: "write error envelope"})
	}
}
