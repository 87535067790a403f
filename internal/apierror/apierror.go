// Package apierror maps the gateway's error taxonomy (spec.md §7) onto
// HTTP status codes and the {"detail": ...} response envelope.
package apierror

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Error is a policy-pipeline error carrying the HTTP status it maps to
// and the detail text shown to the caller. Unlike the teacher's
// sanitized-generic-message handlers, detail here is the literal message
// (e.g. "Tenant tag conflict", "Insufficient role: required contributor,
// got viewer") — operators grep on it, per spec.md §9's "default deny"
// note, and it is part of the documented contract in spec.md §7.
type Error struct {
	Status int
	Detail string
	// Reason, if set, is what the audit emitter records; defaults to
	// Detail when empty.
	Reason string
}

func (e *Error) Error() string { return e.Detail }

// New builds an Error with the given status and detail text.
func New(status int, detail string) *Error {
	return &Error{Status: status, Detail: detail}
}

// WithReason attaches a distinct audit reason (used for the generic 500
// body, whose Detail is deliberately vague but whose Reason is specific).
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// Internal builds the generic 500 the spec requires: a vague detail for
// the caller, with the real error logged (never in the body) and a
// specific audit reason.
func Internal(err error) *Error {
	log.Error().Err(err).Msg("unhandled gateway error")
	return &Error{Status: http.StatusInternalServerError, Detail: "Internal Server Error", Reason: "internal_error"}
}

// Write sends {"detail": err.Detail} with err.Status, logging 5xx errors
// at Error level. requestID, if non-empty, is echoed as X-Request-ID —
// every error path guarantees this header per spec.md §4.5 step 1.
func Write(w http.ResponseWriter, requestID string, err *Error) {
	if err.Status >= 500 {
		log.Error().Str("request_id", requestID).Int("status", err.Status).Msg(err.Detail)
	}
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": err.Detail})
}
