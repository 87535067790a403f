package apierror_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitas/mlflow-enterprise-gateway/internal/apierror"
)

func TestWrite_SetsRequestIDAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	apierror.Write(rec, "req-1", apierror.New(http.StatusForbidden, "Resource is not accessible for tenant"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Resource is not accessible for tenant", body["detail"])
}

func TestInternal_GenericDetailHidesRealError(t *testing.T) {
	err := apierror.Internal(errors.New("pq: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, err.Status)
	assert.Equal(t, "Internal Server Error", err.Detail)
	assert.Equal(t, "internal_error", err.Reason)
	assert.NotContains(t, err.Detail, "connection refused")
}

func TestWithReason(t *testing.T) {
	err := apierror.New(http.StatusBadGateway, "Upstream request failed").WithReason("upstream_server_error")
	assert.Equal(t, "upstream_server_error", err.Reason)
}
