// Package api is the HTTP surface of the Clasper control plane. Error
// responses are RFC 7807 Problem Details; the taxonomy-to-status map
// lives here and nowhere else.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/AppLetico/clasper/pkg/errs"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// statusFor maps each taxonomy kind to a status code exactly once.
var statusFor = map[errs.Kind]int{
	errs.KindMissingToken:     http.StatusUnauthorized,
	errs.KindTokenExpired:     http.StatusUnauthorized,
	errs.KindInvalidSignature: http.StatusUnauthorized,
	errs.KindMissingTenant:    http.StatusUnauthorized,
	errs.KindPermissionDenied: http.StatusForbidden,

	errs.KindSchemaInvalid:        http.StatusBadRequest,
	errs.KindPayloadTooLarge:      http.StatusRequestEntityTooLarge,
	errs.KindUnsupportedAlgorithm: http.StatusBadRequest,

	errs.KindAdapterUnknown:        http.StatusNotFound,
	errs.KindAdapterDisabled:       http.StatusForbidden,
	errs.KindCapabilityNotDeclared: http.StatusForbidden,
	errs.KindBlockedByPolicy:       http.StatusForbidden,
	errs.KindRequiresApproval:      http.StatusConflict,
	errs.KindBudgetExceeded:        http.StatusForbidden,

	errs.KindDecisionNotFound:      http.StatusNotFound,
	errs.KindAlreadyResolved:       http.StatusConflict,
	errs.KindRoleInsufficient:      http.StatusForbidden,
	errs.KindJustificationTooShort: http.StatusBadRequest,
	errs.KindDecisionExpired:       http.StatusConflict,

	errs.KindInvalidToolToken: http.StatusUnauthorized,
	errs.KindToolTokenExpired: http.StatusUnauthorized,
	errs.KindToolTokenUsed:    http.StatusConflict,

	errs.KindPayloadHashMismatch: http.StatusUnprocessableEntity,
	errs.KindTimestampSkew:       http.StatusUnprocessableEntity,
	errs.KindMissingKey:          http.StatusUnprocessableEntity,
	errs.KindKeyRevoked:          http.StatusUnprocessableEntity,

	errs.KindStoreConflict:    http.StatusConflict,
	errs.KindTimeout:          http.StatusGatewayTimeout,
	errs.KindStoreUnavailable: http.StatusServiceUnavailable,

	errs.KindNotFound: http.StatusNotFound,
	errs.KindInternal: http.StatusInternalServerError,
}

// StatusFor resolves the HTTP status for an error.
func StatusFor(err error) int {
	if status, ok := statusFor[errs.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteError writes the RFC 7807 response for a taxonomy error.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	status := StatusFor(err)

	detail := err.Error()
	if status >= 500 {
		// Internals are logged, never exposed.
		slog.Error("internal server error", "error", err, "path", r.URL.Path)
		detail = "An unexpected error occurred."
	}

	writeProblem(w, r, &ProblemDetail{
		Type:   "https://clasper.dev/errors/" + string(kind),
		Title:  string(kind),
		Status: status,
		Detail: detail,
	})
}

// WriteKind writes a response for a bare kind with a custom detail.
func WriteKind(w http.ResponseWriter, r *http.Request, kind errs.Kind, detail string) {
	WriteError(w, r, errs.New(kind, detail))
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	p.Instance = r.URL.Path
	p.TraceID = w.Header().Get("X-Request-ID")
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteJSON writes a success payload.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
