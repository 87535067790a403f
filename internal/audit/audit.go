// Package audit emits the one structured JSON event per terminated
// request that is part of the gateway's external contract (spec.md §4.6).
package audit

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"
)

const schemaVersion = "1"

// Event carries every field of a single audit record. Tenant and Subject
// are pointers because the schema requires the keys to always be present
// — as JSON null when unknown (e.g. a request that failed before a
// tenant/subject could be resolved) rather than omitted.
type Event struct {
	RequestID  string
	Tenant     *string
	Subject    *string
	Method     string
	Path       string
	StatusCode int
	Upstream   string
	Reason     string
}

// DecisionFor derives the audit "decision" field from a final HTTP status
// code: allow for <400, deny for 400-499, error for >=500.
func DecisionFor(statusCode int) string {
	switch {
	case statusCode >= 500:
		return "error"
	case statusCode >= 400:
		return "deny"
	default:
		return "allow"
	}
}

// Emitter writes audit events as JSON lines to a dedicated writer, kept
// separate from the operational log stream so the audit trail stays a
// stable, greppable contract independent of log-level/formatting changes
// to the rest of the service.
type Emitter struct {
	logger zerolog.Logger
}

// NewEmitter builds an Emitter writing raw JSON lines to w (no console
// formatting, no level prefix — one compact JSON object per line).
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{logger: zerolog.New(w).With().Logger()}
}

// Emit writes one audit event. It never returns an error: a failure to
// write the audit trail must not interfere with the response already
// decided for the caller.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	decision := DecisionFor(ev.StatusCode)

	entry := e.logger.Info()
	entry = entry.
		Str("schema_version", schemaVersion).
		Str("timestamp", time.Now().UTC().Format(time.RFC3339)).
		Str("request_id", ev.RequestID).
		Interface("tenant", stringOrNil(ev.Tenant)).
		Interface("subject", stringOrNil(ev.Subject)).
		Str("method", ev.Method).
		Str("path", ev.Path).
		Int("status_code", ev.StatusCode).
		Str("upstream", ev.Upstream).
		Str("decision", decision)

	if ev.Reason != "" {
		entry = entry.Str("reason", ev.Reason)
	}

	entry.Send()
}

func stringOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
