// Package auth verifies client identity tokens (HS256 JWTs).
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	userIDKey    = "user_id"
	bearerPrefix = "Bearer "
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify returns the user id carried by token in its user_id claim, or sub
// when user_id is absent.
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" || len(v.secret) == 0 {
		return "", ErrUnauthenticated
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	if id, ok := claims[userIDKey].(string); ok && id != "" {
		return id, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", fmt.Errorf("%w: token has no user id", ErrUnauthenticated)
}

// Issue signs a token for userID. A zero ttl yields a token without expiry.
func (v *Verifier) Issue(userID string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		userIDKey: userID,
		"iat":     now.Unix(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest reads a bearer token from the Authorization header or the
// token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}
	return r.URL.Query().Get("token")
}

func (v *Verifier) UserFromRequest(r *http.Request) (string, error) {
	return v.Verify(TokenFromRequest(r))
}

// Middleware stores the verified user id in the gin context. With required
// set, requests without a valid token are answered with 401.
func Middleware(v *Verifier, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := v.UserFromRequest(c.Request)
		if err != nil {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
				return
			}
			c.Next()
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func UserID(c *gin.Context) (string, bool) {
	id := c.GetString(userIDKey)
	return id, id != ""
}
