package tenantpolicy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitas/mlflow-enterprise-gateway/internal/mlflowroute"
	"github.com/vitas/mlflow-enterprise-gateway/internal/tenantpolicy"
)

func TestEnsureTagForCreate_AppendsWhenAbsent(t *testing.T) {
	payload := map[string]any{
		"experiment_id": "1",
		"tags":          []any{map[string]any{"key": "project", "value": "demo"}},
	}
	err := tenantpolicy.EnsureTagForCreate(payload, "tenant-a", "tenant")
	require.NoError(t, err)

	tags := payload["tags"].([]any)
	require.Len(t, tags, 2)
	assert.Contains(t, tags, map[string]any{"key": "project", "value": "demo"})
	assert.Contains(t, tags, map[string]any{"key": "tenant", "value": "tenant-a"})
}

func TestEnsureTagForCreate_ConflictOnMismatch(t *testing.T) {
	payload := map[string]any{"tags": []any{map[string]any{"key": "tenant", "value": "other-tenant"}}}
	err := tenantpolicy.EnsureTagForCreate(payload, "tenant-a", "tenant")
	require.Error(t, err)
	assert.Equal(t, "Tenant tag conflict", err.Error())
}

func TestEnsureTagForCreate_AcceptsOwnTenant(t *testing.T) {
	payload := map[string]any{"tags": []any{map[string]any{"key": "tenant", "value": "tenant-a"}}}
	err := tenantpolicy.EnsureTagForCreate(payload, "tenant-a", "tenant")
	require.NoError(t, err)
}

func TestEnsureTagForCreate_CustomTenantTagKeyReplacesDefault(t *testing.T) {
	payload := map[string]any{}
	err := tenantpolicy.EnsureTagForCreate(payload, "tenant-a", "org")
	require.NoError(t, err)
	tags := payload["tags"].([]any)
	require.Len(t, tags, 1)
	assert.Equal(t, map[string]any{"key": "org", "value": "tenant-a"}, tags[0])
}

func TestEnsureFilterForSearch_EmptyBecomesClauseAlone(t *testing.T) {
	payload := map[string]any{}
	err := tenantpolicy.EnsureFilterForSearch(payload, "filter", "tenant-a", "tenant")
	require.NoError(t, err)
	assert.Equal(t, "tags.tenant = 'tenant-a'", payload["filter"])
}

func TestEnsureFilterForSearch_AppendsWithAnd(t *testing.T) {
	payload := map[string]any{"filter": "attributes.status = 'RUNNING'"}
	err := tenantpolicy.EnsureFilterForSearch(payload, "filter", "tenant-a", "tenant")
	require.NoError(t, err)
	assert.Equal(t, "(attributes.status = 'RUNNING') and tags.tenant = 'tenant-a'", payload["filter"])
}

func TestEnsureFilterForSearch_KeepsExistingWhenClauseAlreadyPresent(t *testing.T) {
	existing := "(tags.tenant = 'tenant-a')"
	payload := map[string]any{"filter": existing}
	err := tenantpolicy.EnsureFilterForSearch(payload, "filter", "tenant-a", "tenant")
	require.NoError(t, err)
	assert.Equal(t, existing, payload["filter"])
}

func TestEnsureFilterForSearch_RegisteredModelsUsesFilterStringField(t *testing.T) {
	payload := map[string]any{}
	err := tenantpolicy.EnsureFilterForSearch(payload, "filter_string", "tenant-a", "tenant")
	require.NoError(t, err)
	assert.Equal(t, "tags.tenant = 'tenant-a'", payload["filter_string"])
}

func TestFilterClause_DoublesSingleQuotes(t *testing.T) {
	assert.Equal(t, "tags.tenant = 'o''brien'", tenantpolicy.FilterClause("o'brien", "tenant"))
}

func TestExtractTenantTag_RunsGet(t *testing.T) {
	body := map[string]any{
		"run": map[string]any{
			"data": map[string]any{
				"tags": []any{map[string]any{"key": "tenant", "value": "tenant-b"}},
			},
		},
	}
	tenant, ok := tenantpolicy.ExtractTenantTag(body, mlflowroute.RunsGet, "tenant")
	require.True(t, ok)
	assert.Equal(t, "tenant-b", tenant)
}

func TestExtractTenantTag_MissingTagReportsNotFound(t *testing.T) {
	body := map[string]any{"run": map[string]any{"data": map[string]any{}}}
	_, ok := tenantpolicy.ExtractTenantTag(body, mlflowroute.RunsGet, "tenant")
	assert.False(t, ok)
}

func TestExtractTenantTag_RegisteredModel(t *testing.T) {
	body := map[string]any{
		"registered_model": map[string]any{
			"tags": map[string]any{"tenant": "tenant-a"},
		},
	}
	tenant, ok := tenantpolicy.ExtractTenantTag(body, mlflowroute.RegisteredModelMutation, "tenant")
	require.True(t, ok)
	assert.Equal(t, "tenant-a", tenant)
}

func TestNormalizeTags_MappingForm(t *testing.T) {
	tags, err := tenantpolicy.NormalizeTags(map[string]any{"project": "demo"})
	require.NoError(t, err)
	assert.Equal(t, []tenantpolicy.Tag{{Key: "project", Value: "demo"}}, tags)
}

func TestNormalizeTags_InvalidEntryFails(t *testing.T) {
	_, err := tenantpolicy.NormalizeTags([]any{"not-an-object"})
	assert.Error(t, err)
}
