// Package tenantpolicy implements the tenant-tag and tenant-filter
// rewriting rules that keep a shared MLflow backend isolated per tenant:
// tag injection on create, filter injection on search, and tag extraction
// from upstream responses for preflight ownership checks.
package tenantpolicy

import (
	"fmt"
	"strings"

	"github.com/vitas/mlflow-enterprise-gateway/internal/mlflowroute"
)

// Tag is a single (key, value) pair as carried on runs, registered models,
// and model versions.
type Tag struct {
	Key   string
	Value string
}

// PayloadError indicates a malformed request body (tags or search filter
// of the wrong shape) — mapped to 400 by callers. Upstream response bodies
// never produce a PayloadError: a response the gateway cannot decode is
// treated as not belonging to the caller's tenant (403), not as a 502.
type PayloadError struct {
	msg string
}

func (e *PayloadError) Error() string { return e.msg }

func payloadErrorf(format string, args ...any) *PayloadError {
	return &PayloadError{msg: fmt.Sprintf(format, args...)}
}

// ConflictError indicates a request tried to set the tenant tag to a
// value other than the caller's own tenant — mapped to 403.
type ConflictError struct {
	msg string
}

func (e *ConflictError) Error() string { return e.msg }

// NormalizeTags accepts the polymorphic "tags" field MLflow allows on the
// wire (a sequence of {key, value} objects, or a mapping from key to
// value) and returns the canonical sequence form. A nil input yields an
// empty slice.
func NormalizeTags(raw any) ([]Tag, error) {
	if raw == nil {
		return []Tag{}, nil
	}
	switch v := raw.(type) {
	case []any:
		tags := make([]Tag, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, payloadErrorf("Invalid MLflow payload: tag entries must be objects")
			}
			key, _ := obj["key"].(string)
			value, _ := obj["value"].(string)
			tags = append(tags, Tag{Key: key, Value: value})
		}
		return tags, nil
	case map[string]any:
		tags := make([]Tag, 0, len(v))
		for key, value := range v {
			s, ok := value.(string)
			if !ok {
				s = fmt.Sprintf("%v", value)
			}
			tags = append(tags, Tag{Key: key, Value: s})
		}
		return tags, nil
	default:
		return nil, payloadErrorf("Invalid MLflow payload: tags must be a list or object")
	}
}

func tagsToWire(tags []Tag) []any {
	wire := make([]any, 0, len(tags))
	for _, t := range tags {
		wire = append(wire, map[string]any{"key": t.Key, "value": t.Value})
	}
	return wire
}

// EnsureTagForCreate normalizes payload["tags"] and ensures it carries the
// tenant tag for the caller's tenant. If the tag is already present with a
// different value, it returns a *ConflictError and leaves payload
// unmodified. On success payload["tags"] is replaced with the normalized,
// sequence-form list, including the tenant tag.
func EnsureTagForCreate(payload map[string]any, tenant, tenantTagKey string) error {
	tags, err := NormalizeTags(payload["tags"])
	if err != nil {
		return err
	}

	found := false
	for _, t := range tags {
		if t.Key == tenantTagKey {
			found = true
			if t.Value != tenant {
				return &ConflictError{msg: "Tenant tag conflict"}
			}
		}
	}
	if !found {
		tags = append(tags, Tag{Key: tenantTagKey, Value: tenant})
	}

	payload["tags"] = tagsToWire(tags)
	return nil
}

// FilterClause builds the MLflow search-filter clause that scopes a query
// to a single tenant's tag value. Single quotes in the tenant value are
// doubled to match MLflow's SQL-ish filter grammar; no other escaping is
// attempted (spec.md §9).
func FilterClause(tenant, tenantTagKey string) string {
	safe := strings.ReplaceAll(tenant, "'", "''")
	return fmt.Sprintf("tags.%s = '%s'", tenantTagKey, safe)
}

// EnsureFilterForSearch appends the tenant filter clause to payload[field]
// (field is "filter" for runs/search, "filter_string" for
// registered-models/search — the two upstream endpoints use different
// field names for an otherwise identical filter grammar).
func EnsureFilterForSearch(payload map[string]any, field, tenant, tenantTagKey string) error {
	clause := FilterClause(tenant, tenantTagKey)
	raw, present := payload[field]

	if !present || raw == nil {
		payload[field] = clause
		return nil
	}

	existing, ok := raw.(string)
	if !ok {
		return payloadErrorf("Invalid MLflow payload: %s must be a string", field)
	}

	trimmed := strings.TrimSpace(existing)
	if trimmed == "" {
		payload[field] = clause
		return nil
	}
	if strings.Contains(trimmed, clause) {
		payload[field] = trimmed
		return nil
	}

	payload[field] = fmt.Sprintf("(%s) and %s", trimmed, clause)
	return nil
}

// extractFromTags finds the value of the tag with the given key, in
// either wire form (sequence of {key,value} objects or a flat mapping).
// It returns ("", false) when the tag is absent, which callers treat as
// "not this tenant" (spec.md §4.4 "Response-extractor policy").
func extractFromTags(raw any, tenantTagKey string) (string, bool) {
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if key, _ := obj["key"].(string); key == tenantTagKey {
				if value, ok := obj["value"].(string); ok {
					return value, true
				}
				return "", false
			}
		}
		return "", false
	case map[string]any:
		if value, ok := v[tenantTagKey]; ok {
			if s, ok := value.(string); ok {
				return s, true
			}
		}
		return "", false
	default:
		return "", false
	}
}

func nestedObject(body map[string]any, path ...string) (map[string]any, bool) {
	cur := body
	for _, key := range path {
		next, ok := cur[key].(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// ExtractTenantTag locates and returns the tenant tag's value from an
// upstream JSON response body, dispatching on the route kind to the
// correct nested location:
//
//	RunsGet/RunsMutation             → run.data.tags
//	RegisteredModelGet/*Mutation     → registered_model.tags
//	ModelVersionGet/*Mutation        → model_version.tags
//
// ok is false when the tag is absent or the expected nesting isn't
// present, which the caller must treat as "not this tenant".
func ExtractTenantTag(body map[string]any, kind mlflowroute.Kind, tenantTagKey string) (string, bool) {
	switch kind {
	case mlflowroute.RunsGet, mlflowroute.RunsMutation:
		run, ok := body["run"].(map[string]any)
		if !ok {
			return "", false
		}
		data, ok := nestedObject(run, "data")
		if !ok {
			return "", false
		}
		return extractFromTags(data["tags"], tenantTagKey)
	case mlflowroute.RegisteredModelGet, mlflowroute.RegisteredModelMutation:
		model, ok := body["registered_model"].(map[string]any)
		if !ok {
			return "", false
		}
		return extractFromTags(model["tags"], tenantTagKey)
	case mlflowroute.ModelVersionGet, mlflowroute.ModelVersionMutation:
		version, ok := body["model_version"].(map[string]any)
		if !ok {
			return "", false
		}
		return extractFromTags(version["tags"], tenantTagKey)
	default:
		return "", false
	}
}
