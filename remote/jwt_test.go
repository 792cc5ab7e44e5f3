package remote

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestJWTAuth_RoundTrip(t *testing.T) {
	ja := NewJWTAuth(testSecret)
	token, err := ja.GenerateToken("acme", "inspector-1", "device-1", time.Hour)
	require.NoError(t, err)

	claims, err := ja.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "acme", claims.TenantID)
	require.Equal(t, "inspector-1", claims.Subject)
	require.Equal(t, "device-1", claims.DeviceID)

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	id, err := ja.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, &Identity{TenantID: "acme", UserID: "inspector-1", DeviceID: "device-1"}, id)
}

func TestJWTAuth_Rejects(t *testing.T) {
	ja := NewJWTAuth(testSecret)

	other, err := NewJWTAuth("other-secret").GenerateToken("acme", "u", "d", time.Hour)
	require.NoError(t, err)
	_, err = ja.ValidateToken(other)
	require.Error(t, err)

	expired, err := ja.GenerateToken("acme", "u", "d", -time.Minute)
	require.NoError(t, err)
	_, err = ja.ValidateToken(expired)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)

	noTenant, err := ja.GenerateToken("", "u", "d", time.Hour)
	require.NoError(t, err)
	_, err = ja.ValidateToken(noTenant)
	require.ErrorContains(t, err, "tid")

	r := httptest.NewRequest("GET", "/", nil)
	_, err = ja.Authenticate(r)
	require.ErrorContains(t, err, "authorization header required")

	r.Header.Set("Authorization", "Token abc")
	_, err = ja.Authenticate(r)
	require.ErrorContains(t, err, "bearer token required")
}
