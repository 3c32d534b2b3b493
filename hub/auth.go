package hub

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	rise "github.com/rise-support/rise-go"
)

var (
	// ErrAuthDisabled is returned when no signing secret is configured.
	ErrAuthDisabled = errors.New("auth disabled: no secret configured")
	// ErrInvalidToken is returned for any token that fails validation.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the JWT claims of a Rise caller. Subject is the user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator signs and verifies HS256 caller tokens.
type Authenticator struct {
	secret []byte
	expiry time.Duration
}

// NewAuthenticator builds an authenticator. expiry <= 0 issues tokens
// without an expiry.
func NewAuthenticator(secret string, expiry time.Duration) *Authenticator {
	return &Authenticator{secret: []byte(secret), expiry: expiry}
}

// Issue signs a token for user.
func (a *Authenticator) Issue(user rise.UserContext) (string, error) {
	if a == nil || len(a.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(user.ID) == "" {
		return "", errors.New("user id required")
	}

	now := time.Now()
	claims := Claims{
		Name: strings.TrimSpace(user.DisplayName),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  user.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if a.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.expiry))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses token and returns the caller it names.
func (a *Authenticator) Verify(token string) (rise.UserContext, error) {
	if a == nil || len(a.secret) == 0 {
		return rise.UserContext{}, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return rise.UserContext{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return rise.UserContext{}, ErrInvalidToken
	}
	return rise.UserContext{ID: claims.Subject, DisplayName: claims.Name}, nil
}

// Authenticate reads the bearer token of r. Browsers cannot set headers on a
// websocket upgrade, so the access_token query parameter is accepted too.
func (a *Authenticator) Authenticate(r *http.Request) (rise.UserContext, error) {
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(h), "bearer ") {
		token = strings.TrimSpace(h[7:])
	}
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return rise.UserContext{}, ErrInvalidToken
	}
	return a.Verify(token)
}
