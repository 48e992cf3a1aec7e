package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const userTokenLifetime = 30 * 24 * time.Hour

// UserAuth validates user bearer tokens on the chat and receipt surfaces.
// Session management itself lives outside the core; this only checks that a
// token was minted with our signing key.
type UserAuth struct {
	secret []byte
}

// NewUserAuth creates a validator with the given signing secret.
func NewUserAuth(secret string) *UserAuth {
	return &UserAuth{secret: []byte(secret)}
}

// MintToken issues a signed token for a user. Used by tests and by the
// operator CLI; the dashboard mints through the same path.
func (a *UserAuth) MintToken(userID string) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(userTokenLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken returns the user ID carried by a token, or empty string.
func (a *UserAuth) ValidateToken(tokenString string) string {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return ""
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	sub, ok := claims["sub"].(string)
	if !ok {
		return ""
	}
	return sub
}

// UserFromRequest extracts and validates the bearer token, returning the
// user ID or empty string.
func (a *UserAuth) UserFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return a.ValidateToken(strings.TrimPrefix(header, "Bearer "))
}
