package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the identity baked into admin tokens.
type Claims struct {
	User string `json:"user"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// authenticator issues and validates HMAC-signed admin tokens.
type authenticator struct {
	secret   []byte
	user     string
	password string
	ttl      time.Duration
}

func newAuthenticator(secret, user, password string) *authenticator {
	return &authenticator{
		secret:   []byte(secret),
		user:     user,
		password: password,
		ttl:      12 * time.Hour,
	}
}

// enabled reports whether admin auth is configured. With no secret the admin
// endpoints are open, which is only acceptable for local development.
func (a *authenticator) enabled() bool {
	return len(a.secret) > 0
}

func (a *authenticator) issue(user, password string) (string, error) {
	if user != a.user || password != a.password || a.password == "" {
		return "", errors.New("invalid credentials")
	}

	now := time.Now()
	claims := Claims{
		User: user,
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *authenticator) validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// requireAdmin wraps handlers that mutate the market registry.
func (a *authenticator) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled() {
			next(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, errors.New("missing authorization header"))
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, errors.New("invalid authorization header"))
			return
		}

		claims, err := a.validate(parts[1])
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("token validation: %w", err))
			return
		}
		if claims.Role != "admin" {
			writeError(w, http.StatusForbidden, errors.New("admin role required"))
			return
		}

		next(w, r)
	}
}
