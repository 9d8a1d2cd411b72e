package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures admin authentication. At least one mechanism must be set.
type AuthConfig struct {
	BearerToken string
	JWTSecret   string
	ClockSkew   time.Duration
}

// Authenticator accepts either the static bearer token or an HS256 JWT.
type Authenticator struct {
	bearerToken string
	secret      []byte
	clockSkew   time.Duration
}

// Principal describes an authenticated caller.
type Principal struct {
	Method  string
	Subject string
}

type principalContextKey struct{}

// PrincipalFromContext extracts the authenticated principal from ctx.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || principal == nil {
		return nil, false
	}
	return principal, true
}

// NewAuthenticator constructs an authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	secret := strings.TrimSpace(cfg.JWTSecret)
	if token == "" && secret == "" {
		return nil, fmt.Errorf("at least one authentication mechanism must be configured")
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &Authenticator{bearerToken: token, secret: []byte(secret), clockSkew: skew}, nil
}

// Middleware rejects unauthenticated requests with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, http.StatusInternalServerError, "authentication unavailable")
			return
		}
		principal, ok := a.authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (*Principal, bool) {
	token := parseBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return nil, false
	}
	if a.bearerToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) == 1 {
		return &Principal{Method: "bearer"}, true
	}
	if len(a.secret) == 0 {
		return nil, false
	}
	subject, err := a.parseJWT(token)
	if err != nil {
		return nil, false
	}
	return &Principal{Method: "jwt", Subject: subject}, true
}

func (a *Authenticator) parseJWT(raw string) (string, error) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.clockSkew), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token invalid")
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	return subject, nil
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
