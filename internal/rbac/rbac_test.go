package rbac_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitas/mlflow-enterprise-gateway/internal/mlflowroute"
	"github.com/vitas/mlflow-enterprise-gateway/internal/rbac"
)

func TestRequiredRole(t *testing.T) {
	assert.Equal(t, rbac.Contributor, rbac.RequiredRole(mlflowroute.RunsCreate, false))
	assert.Equal(t, rbac.Contributor, rbac.RequiredRole(mlflowroute.RunsMutation, false))
	assert.Equal(t, rbac.Viewer, rbac.RequiredRole(mlflowroute.RunsGet, false))
	assert.Equal(t, rbac.Viewer, rbac.RequiredRole(mlflowroute.RunsSearch, false))
	assert.Equal(t, rbac.NoRole, rbac.RequiredRole(mlflowroute.Other, false))
	assert.Equal(t, rbac.Admin, rbac.RequiredRole(mlflowroute.Other, true))
}

func TestEffectiveRole_MissingClaim(t *testing.T) {
	_, err := rbac.EffectiveRole(map[string]any{}, "roles,groups", rbac.Aliases{})
	require.Error(t, err)
	assert.Equal(t, "Missing role claim(s): roles, groups", err.Error())
}

func TestEffectiveRole_NoRecognizedRoles(t *testing.T) {
	_, err := rbac.EffectiveRole(map[string]any{"roles": []any{"astronaut"}}, "roles", rbac.Aliases{})
	require.Error(t, err)
	assert.Equal(t, "No recognized roles found in claim(s): roles", err.Error())
}

func TestEffectiveRole_MaximumWins(t *testing.T) {
	claims := map[string]any{"roles": []any{"viewer", "contributor"}}
	role, err := rbac.EffectiveRole(claims, "roles", rbac.Aliases{})
	require.NoError(t, err)
	assert.Equal(t, rbac.Contributor, role)
}

func TestEffectiveRole_Aliases(t *testing.T) {
	claims := map[string]any{"roles": "data-scientist"}
	role, err := rbac.EffectiveRole(claims, "roles", rbac.Aliases{Contributor: "data-scientist, ml-engineer"})
	require.NoError(t, err)
	assert.Equal(t, rbac.Contributor, role)
}

func TestEffectiveRole_StringClaimValue(t *testing.T) {
	claims := map[string]any{"roles": "admin"}
	role, err := rbac.EffectiveRole(claims, "", rbac.Aliases{})
	require.NoError(t, err)
	assert.Equal(t, rbac.Admin, role)
}

func TestEnforce_InsufficientRole(t *testing.T) {
	claims := map[string]any{"roles": []any{"viewer"}}
	err := rbac.Enforce(mlflowroute.RunsCreate, false, claims, "roles", rbac.Aliases{})
	require.Error(t, err)
	assert.Equal(t, "Insufficient role: required contributor, got viewer", err.Error())
}

func TestEnforce_DefaultDenySuffix(t *testing.T) {
	claims := map[string]any{"roles": []any{"contributor"}}
	err := rbac.Enforce(mlflowroute.Other, true, claims, "roles", rbac.Aliases{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default deny")
}

func TestEnforce_AdminPassesDefaultDeny(t *testing.T) {
	claims := map[string]any{"roles": []any{"admin"}}
	err := rbac.Enforce(mlflowroute.Other, true, claims, "roles", rbac.Aliases{})
	assert.NoError(t, err)
}

func TestEnforce_OtherNoDefaultDenyAlwaysPasses(t *testing.T) {
	err := rbac.Enforce(mlflowroute.Other, false, map[string]any{}, "roles", rbac.Aliases{})
	assert.NoError(t, err)
}
