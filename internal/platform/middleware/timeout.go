package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout sets a deadline on each request context. When it passes
// before the handler has written anything, the client gets 504: an
// OperationOutcome on /fhir routes, a JSON message elsewhere. The handler
// runs on the request goroutine and must honour the context; whatever it
// writes after the deadline is discarded.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			res := c.Response()
			orig := res.Writer
			dw := &deadlineWriter{ResponseWriter: orig, ctx: ctx}
			res.Writer = dw
			err := next(c)
			res.Writer = orig

			if dw.wrote || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return err
			}
			res.Committed = false
			res.Status = http.StatusOK
			res.Size = 0
			return gatewayTimeoutError(c)
		}
	}
}

// deadlineWriter drops output that starts after ctx's deadline.
type deadlineWriter struct {
	http.ResponseWriter
	ctx   context.Context
	wrote bool
}

func (w *deadlineWriter) discard() bool {
	return !w.wrote && errors.Is(w.ctx.Err(), context.DeadlineExceeded)
}

func (w *deadlineWriter) WriteHeader(code int) {
	if w.discard() {
		return
	}
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *deadlineWriter) Write(b []byte) (int, error) {
	if w.discard() {
		return 0, http.ErrHandlerTimeout
	}
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *deadlineWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func gatewayTimeoutError(c echo.Context) error {
	if c.Response().Committed {
		return nil
	}
	const msg = "Request processing exceeded the allowed time limit"
	if strings.HasPrefix(c.Request().URL.Path, "/fhir") {
		return c.JSON(http.StatusGatewayTimeout, map[string]interface{}{
			"resourceType": "OperationOutcome",
			"issue": []map[string]interface{}{
				{"severity": "error", "code": "timeout", "diagnostics": msg},
			},
		})
	}
	return c.JSON(http.StatusGatewayTimeout, map[string]string{"message": msg})
}
