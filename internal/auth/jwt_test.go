package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier("secret")
	token, err := v.Issue(Identity{UserID: 42, Username: "alice"}, time.Minute)
	require.NoError(t, err)

	identity, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: 42, Username: "alice"}, identity)
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier("secret")

	_, err := v.Verify("")
	assert.True(t, IsUnauthenticated(err))

	other, err := NewVerifier("other").Issue(Identity{UserID: 1}, time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(other)
	assert.True(t, IsUnauthenticated(err))

	expired, err := v.Issue(Identity{UserID: 1}, -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.True(t, IsUnauthenticated(err))

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"id": 1}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(none)
	assert.True(t, IsUnauthenticated(err))
}

func TestVerifier_StringID(t *testing.T) {
	v := NewVerifier("secret")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"id": "17"}).SignedString([]byte("secret"))
	require.NoError(t, err)

	identity, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(17), identity.UserID)
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("secret")
	var seen Identity
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"authentication required"}`, rec.Body.String())

	token, err := v.Issue(Identity{UserID: 5}, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(5), seen.UserID)

	req = httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	assert.Equal(t, token, TokenFromRequest(req))
}
