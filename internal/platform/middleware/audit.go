package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/riskpredict/internal/platform/auth"
)

// AuditEntry records who touched which patient's risk data, and how.
type AuditEntry struct {
	UserID       string
	UserRoles    []string
	ResourceType string
	PatientID    string
	Action       string // read, search, execute
	IPAddress    string
	UserAgent    string
	Path         string
	Method       string
	Timestamp    time.Time
	RequestID    string
	StatusCode   int
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs access to /api/v1 and /fhir routes after the handler runs. Each
// entry is always written to the logger and handed to the recorders, if any.
// Recorder failures are logged and never fail the request.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			ctx := req.Context()
			entry := AuditEntry{
				Timestamp:    time.Now().UTC(),
				Path:         path,
				Method:       req.Method,
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				StatusCode:   status,
				UserID:       auth.UserIDFromContext(ctx),
				UserRoles:    auth.RolesFromContext(ctx),
				Action:       auditAction(req.Method, path),
				ResourceType: extractResourceType(path),
				PatientID:    extractPatientID(c),
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "phi_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource_type", entry.ResourceType).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/fhir/") || strings.HasPrefix(path, "/api/v1/")
}

// auditAction maps a request to read, search or execute. Scoring endpoints
// are POSTs that create nothing the caller can address, so they are
// "execute".
func auditAction(method, path string) string {
	if method != http.MethodGet && method != http.MethodHead {
		return "execute"
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	// /fhir/RiskAssessment/<id> and /api/v1/predictions/<id> are reads; the
	// collection endpoints are searches.
	if (segments[0] == "fhir" && len(segments) >= 3) || (segments[0] == "api" && len(segments) >= 4) {
		return "read"
	}
	return "search"
}

// extractResourceType returns the first path segment after the route prefix:
//   - /fhir/RiskAssessment/123 -> RiskAssessment
//   - /api/v1/predict/batch    -> predict
func extractResourceType(path string) string {
	var rest string
	switch {
	case strings.HasPrefix(path, "/fhir/"):
		rest = strings.TrimPrefix(path, "/fhir/")
	case strings.HasPrefix(path, "/api/v1/"):
		rest = strings.TrimPrefix(path, "/api/v1/")
	}
	if seg := strings.SplitN(rest, "/", 2)[0]; seg != "" {
		return seg
	}
	return "unknown"
}

// extractPatientID looks for a patient identifier in the query string
// (?patient=Patient/<id>, ?subject=..., ?patient_id=<id>).
func extractPatientID(c echo.Context) string {
	for _, key := range []string{"patient", "subject", "patient_id"} {
		v := strings.TrimPrefix(c.QueryParam(key), "Patient/")
		if isUUIDLike(v) {
			return v
		}
	}
	return ""
}

func isUUIDLike(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
