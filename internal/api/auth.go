// Package api implements the command API (C7): eleven RPC-shaped endpoints
// behind JWT authentication and per-user rate limiting, dispatching to the
// pipeline engine and status poller and rendering the uniform error
// envelope from §6.
package api

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meshforge/orchestrator/internal/classify"
	"github.com/meshforge/orchestrator/internal/logging"
)

// Claims is the JWT payload an authenticated command request carries.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// LoadRSAPublicKey reads an RSA public key in PEM format from path, for
// AuthMiddleware's token verification.
func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("invalid PEM in %s", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("jwt public key in %s is not RSA", path)
	}
	return rsaPub, nil
}

// AuthMiddleware verifies the Authorization: Bearer <token> header on every
// request and stashes the authenticated user id and role in the request
// context under logging.UserIDKey/RoleKey.
type AuthMiddleware struct {
	publicKey *rsa.PublicKey
	logger    *logging.Logger
}

// NewAuthMiddleware builds an AuthMiddleware verifying RS256 tokens against
// publicKey.
func NewAuthMiddleware(publicKey *rsa.PublicKey, logger *logging.Logger) *AuthMiddleware {
	return &AuthMiddleware{publicKey: publicKey, logger: logger}
}

// Handler wraps next, rejecting any request without a valid bearer token.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithTraceID(r.Context(), r.Header.Get("X-Trace-Id"))

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeServiceError(w, r, classify.Unauthenticated("missing Authorization header"))
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeServiceError(w, r, classify.Unauthenticated("invalid Authorization header format"))
			return
		}

		claims, err := m.validateToken(parts[1])
		if err != nil {
			m.logger.WithContext(ctx).WithError(err).Warn("token validation failed")
			writeServiceError(w, r, classify.InvalidToken(err))
			return
		}

		ctx = context.WithValue(ctx, logging.UserIDKey, claims.UserID)
		if claims.Role != "" {
			ctx = context.WithValue(ctx, logging.RoleKey, claims.Role)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.publicKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("token not valid")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return nil, fmt.Errorf("missing user_id claim")
	}
	return claims, nil
}
