package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyIssuedToken(t *testing.T) {
	v := NewVerifier("secret")
	token, err := v.Issue("alice", time.Hour, time.Now())
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)
}

func TestVerifySubjectClaim(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "bob"}).SignedString([]byte("secret"))
	require.NoError(t, err)

	id, err := NewVerifier("secret").Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", id)
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("secret")

	expired, err := v.Issue("alice", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	other, err := NewVerifier("other").Issue("alice", 0, time.Now())
	require.NoError(t, err)
	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iat": 1}).SignedString([]byte("secret"))
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":     "",
		"garbage":   "not-a-jwt",
		"expired":   expired,
		"wrong key": other,
		"no user":   noUser,
		"alg none":  none,
	} {
		_, err := v.Verify(token)
		assert.ErrorIs(t, err, ErrUnauthenticated, name)
	}

	_, err = NewVerifier("").Verify(other)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", TokenFromRequest(r))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := NewVerifier("secret")
	token, err := v.Issue("alice", time.Hour, time.Now())
	require.NoError(t, err)

	r := gin.New()
	r.GET("/required", Middleware(v, true), func(c *gin.Context) {
		id, _ := UserID(c)
		c.String(http.StatusOK, id)
	})
	r.GET("/optional", Middleware(v, false), func(c *gin.Context) {
		_, ok := UserID(c)
		c.String(http.StatusOK, "%v", ok)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/required", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/required", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/optional", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "false", w.Body.String())
}
