package gwauth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitas/mlflow-enterprise-gateway/internal/gwauth"
)

const testSecret = "this-is-a-test-secret-at-least-32-bytes-long"

func signedToken(t *testing.T, kid string, claims map[string]any) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte(testSecret)},
		(&jose.SignerOptions{}).WithHeader("kid", kid),
	)
	require.NoError(t, err)
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return token
}

func jwksJSON(t *testing.T, kid string) string {
	t.Helper()
	ks := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: []byte(testSecret), KeyID: kid, Algorithm: "HS256", Use: "sig"},
	}}
	raw, err := json.Marshal(ks)
	require.NoError(t, err)
	return string(raw)
}

func validClaims() map[string]any {
	return map[string]any{
		"sub":       "user-1",
		"tenant_id": "tenant-a",
		"exp":       time.Now().Add(time.Hour).Unix(),
		"iat":       time.Now().Unix(),
	}
}

func TestValidate_Success(t *testing.T) {
	v, err := gwauth.NewValidator(gwauth.Config{
		Algorithms: []string{"HS256"},
		JWKSJSON:   jwksJSON(t, "key-1"),
	})
	require.NoError(t, err)

	token := signedToken(t, "key-1", validClaims())
	claims, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject())

	tenant, err := claims.Tenant("tenant_id")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", tenant)
}

func TestValidate_KidMissTriggersExactlyOneRefresh(t *testing.T) {
	var fetches atomic.Int32
	jwks := jwksJSON(t, "key-1")
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(jwks))
	}))
	defer jwksServer.Close()

	v, err := gwauth.NewValidator(gwauth.Config{
		Algorithms: []string{"HS256"},
		JWKSURI:    jwksServer.URL,
	})
	require.NoError(t, err)

	// The first validation performs the initial JWKS load.
	_, err = v.Validate(context.Background(), signedToken(t, "key-1", validClaims()))
	require.NoError(t, err)
	require.Equal(t, int32(1), fetches.Load())

	// A kid absent from the cached JWKS forces exactly one re-fetch; the
	// refreshed set still lacks it, so validation fails.
	token := signedToken(t, "key-2", validClaims())
	_, err = v.Validate(context.Background(), token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no signing key found for kid")
	assert.Equal(t, int32(2), fetches.Load())
}

func TestValidate_MissingKidFails(t *testing.T) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(testSecret)}, nil)
	require.NoError(t, err)
	token, err := jwt.Signed(signer).Claims(validClaims()).Serialize()
	require.NoError(t, err)

	v, err := gwauth.NewValidator(gwauth.Config{
		Algorithms: []string{"HS256"},
		JWKSJSON:   jwksJSON(t, "key-1"),
	})
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing kid")
}

func TestValidate_DisallowedAlgorithm(t *testing.T) {
	v, err := gwauth.NewValidator(gwauth.Config{
		Algorithms: []string{"RS256"},
		JWKSJSON:   jwksJSON(t, "key-1"),
	})
	require.NoError(t, err)

	token := signedToken(t, "key-1", validClaims())
	_, err = v.Validate(context.Background(), token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not permitted")
}

func TestClaims_TenantMissingFails(t *testing.T) {
	claims := gwauth.Claims{"sub": "user-1"}
	_, err := claims.Tenant("tenant_id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant claim")
}

func TestClaims_TenantBlankFails(t *testing.T) {
	claims := gwauth.Claims{"tenant_id": "   "}
	_, err := claims.Tenant("tenant_id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant claim")
}

func TestExtractBearerToken(t *testing.T) {
	token, err := gwauth.ExtractBearerToken("Bearer abc.def.ghi")
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", token)

	_, err = gwauth.ExtractBearerToken("")
	assert.Error(t, err)

	_, err = gwauth.ExtractBearerToken("Basic abc")
	assert.Error(t, err)
}
