package api

import (
	"errors"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/parley-dev/parley/pkg/engine"
)

// errorBody is the wire error envelope.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// statusForKind maps engine error kinds to HTTP statuses.
func statusForKind(kind engine.Kind) int {
	switch kind {
	case engine.KindUnauthenticated:
		return http.StatusUnauthorized
	case engine.KindUnauthorized, engine.KindNotAddressed, engine.KindBindingMismatch:
		return http.StatusForbidden
	case engine.KindRateLimited:
		return http.StatusTooManyRequests
	case engine.KindNonceReplay, engine.KindAlreadyTerminal:
		return http.StatusConflict
	case engine.KindNotFound, engine.KindUnknownTarget:
		return http.StatusNotFound
	case engine.KindSchemaInvalid:
		return http.StatusUnprocessableEntity
	case engine.KindInvalidArgument:
		return http.StatusBadRequest
	case engine.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError renders the error envelope for an engine failure. Rate
// limit denials additionally carry a Retry-After hint.
func writeEngineError(c *echo.Context, err error) error {
	kind := engine.KindOf(err)
	detail := "internal error"
	var engErr *engine.Error
	if errors.As(err, &engErr) {
		detail = engErr.Detail
		if engErr.RetryAfter > 0 {
			secs := int(engErr.RetryAfter.Seconds()) + 1
			c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	return c.JSON(statusForKind(kind), errorBody{Error: string(kind), Detail: detail})
}

func badRequest(c *echo.Context, detail string) error {
	return c.JSON(http.StatusBadRequest, errorBody{
		Error:  string(engine.KindInvalidArgument),
		Detail: detail,
	})
}
