// Package rbac resolves an effective role from JWT claims and enforces the
// role required by a given MLflow route kind.
package rbac

import (
	"fmt"
	"strings"

	"github.com/vitas/mlflow-enterprise-gateway/internal/mlflowroute"
)

// Role is a totally-ordered permission level.
type Role int

const (
	// NoRole is the zero value; never a valid effective or required role.
	NoRole Role = iota
	// Viewer can read runs, registered models, and model versions.
	Viewer
	// Contributor can additionally create and mutate resources.
	Contributor
	// Admin satisfies every requirement, including default-deny routes.
	Admin
)

func (r Role) String() string {
	switch r {
	case Viewer:
		return "viewer"
	case Contributor:
		return "contributor"
	case Admin:
		return "admin"
	default:
		return "none"
	}
}

var builtinRoles = map[string]Role{
	"viewer":      Viewer,
	"contributor": Contributor,
	"admin":       Admin,
}

// Error is returned by EffectiveRole and Enforce; its message is the exact
// operator-facing text the gateway surfaces in the 403 response body.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func newError(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Aliases holds the three configured comma-separated alias lists.
type Aliases struct {
	Viewer      string
	Contributor string
	Admin       string
}

// RequiredRole returns the role a caller needs to perform an action of the
// given route kind, per spec.md §4.2. A zero Role means no requirement.
func RequiredRole(kind mlflowroute.Kind, defaultDeny bool) Role {
	switch kind {
	case mlflowroute.RunsCreate, mlflowroute.RegisteredModelCreate, mlflowroute.ModelVersionCreate,
		mlflowroute.RunsMutation, mlflowroute.RegisteredModelMutation, mlflowroute.ModelVersionMutation:
		return Contributor
	case mlflowroute.RunsGet, mlflowroute.RunsSearch,
		mlflowroute.RegisteredModelGet, mlflowroute.RegisteredModelsSearch, mlflowroute.ModelVersionGet:
		return Viewer
	case mlflowroute.Other:
		if defaultDeny {
			return Admin
		}
		return NoRole
	default:
		return NoRole
	}
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func buildAliasMap(aliases Aliases) map[string]Role {
	m := make(map[string]Role)
	for alias := range builtinRoles {
		m[alias] = builtinRoles[alias]
	}
	for _, alias := range parseCSV(aliases.Viewer) {
		m[alias] = Viewer
	}
	for _, alias := range parseCSV(aliases.Contributor) {
		m[alias] = Contributor
	}
	for _, alias := range parseCSV(aliases.Admin) {
		m[alias] = Admin
	}
	return m
}

// collectCandidates gathers every string value found under any of the
// configured role-claim keys present in claims, and separately reports
// which of those keys were actually present (so "missing claim" and
// "present but unrecognized" can be distinguished, per gateway/rbac.py).
func collectCandidates(claims map[string]any, roleClaims []string) (candidates, presentClaims []string) {
	for _, key := range roleClaims {
		raw, ok := claims[key]
		if !ok {
			continue
		}
		presentClaims = append(presentClaims, key)
		switch v := raw.(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				candidates = append(candidates, s)
			}
		case []string:
			for _, item := range v {
				if s := strings.TrimSpace(item); s != "" {
					candidates = append(candidates, s)
				}
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					if s = strings.TrimSpace(s); s != "" {
						candidates = append(candidates, s)
					}
				}
			}
		}
	}
	return candidates, presentClaims
}

// EffectiveRole computes the maximum role, under viewer < contributor <
// admin, derivable from claims via the configured role-claim keys and
// alias map. roleClaim is a comma-separated list of claim keys, defaulting
// to "roles" when empty.
func EffectiveRole(claims map[string]any, roleClaim string, aliases Aliases) (Role, error) {
	roleClaims := parseCSV(roleClaim)
	if len(roleClaims) == 0 {
		roleClaims = []string{"roles"}
	}

	candidates, present := collectCandidates(claims, roleClaims)
	if len(present) == 0 {
		return NoRole, newError("Missing role claim(s): %s", strings.Join(roleClaims, ", "))
	}

	aliasMap := buildAliasMap(aliases)
	effective := NoRole
	for _, candidate := range candidates {
		mapped, ok := aliasMap[strings.ToLower(candidate)]
		if !ok {
			continue
		}
		if mapped > effective {
			effective = mapped
		}
	}

	if effective == NoRole {
		return NoRole, newError("No recognized roles found in claim(s): %s", strings.Join(roleClaims, ", "))
	}
	return effective, nil
}

// Enforce checks that the caller's claims satisfy the role required by
// kind. A required role of NoRole (route kind Other, default-deny off)
// always passes without inspecting claims.
func Enforce(kind mlflowroute.Kind, defaultDeny bool, claims map[string]any, roleClaim string, aliases Aliases) error {
	required := RequiredRole(kind, defaultDeny)
	if required == NoRole {
		return nil
	}

	effective, err := EffectiveRole(claims, roleClaim, aliases)
	if err != nil {
		return err
	}

	if effective < required {
		msg := fmt.Sprintf("Insufficient role: required %s, got %s", required, effective)
		if defaultDeny && kind == mlflowroute.Other {
			msg = fmt.Sprintf("Insufficient role: required %s, got %s (default deny)", required, effective)
		}
		return newError("%s", msg)
	}
	return nil
}
