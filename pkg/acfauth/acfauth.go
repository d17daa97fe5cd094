// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package acfauth validates bearer JWTs against a JWKS endpoint and
// guards the channel-adapter HTTP surface with the resulting claims.
// There is no gRPC surface in the fabric, so only the HTTP path is
// carried forward.
package acfauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Common authentication errors.
var (
	ErrUnauthorized = errors.New("unauthorized: authentication required")
	ErrForbidden    = errors.New("forbidden: insufficient permissions")
)

// Claims are the validated claims a request carries. TenantID and
// AgentID scope the caller to the SessionKey components it's allowed
// to address; Custom holds every other claim the provider sent.
type Claims struct {
	Subject  string
	Email    string
	Role     string
	TenantID string
	AgentID  string
	Custom   map[string]any
}

// HasRole reports whether the caller has the given role.
func (c *Claims) HasRole(role string) bool { return c.Role == role }

type contextKey string

const claimsContextKey contextKey = "acf_auth_claims"

// ClaimsFromContext extracts claims set by Middleware. Returns nil if
// the request was never authenticated (e.g. in tests).
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

// Validator validates a bearer token against a JWKS endpoint.
type Validator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// ValidatorConfig configures NewValidator.
type ValidatorConfig struct {
	JWKSURL         string
	Issuer          string
	Audience        string
	RefreshInterval time.Duration
}

func (c *ValidatorConfig) withDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 15 * time.Minute
	}
}

// NewValidator builds a Validator that auto-fetches and periodically
// refreshes the JWKS at cfg.JWKSURL.
func NewValidator(ctx context.Context, cfg ValidatorConfig) (*Validator, error) {
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("acfauth: jwks url is required")
	}
	cfg.withDefaults()

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(cfg.RefreshInterval)); err != nil {
		return nil, fmt.Errorf("acfauth: register jwks url: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("acfauth: fetch jwks from %s: %w", cfg.JWKSURL, err)
	}

	return &Validator{
		jwksURL:  cfg.JWKSURL,
		cache:    cache,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}, nil
}

// ValidateToken verifies signature, issuer, audience and expiry, and
// extracts Claims.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("acfauth: fetch jwks: %w", err)
	}

	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("acfauth: invalid token: %w", err)
	}

	claims := &Claims{Subject: token.Subject(), Custom: make(map[string]any)}
	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			claims.Email = s
		}
	}
	if role, ok := token.Get("role"); ok {
		if s, ok := role.(string); ok {
			claims.Role = s
		}
	}
	if tenantID, ok := token.Get("tenant_id"); ok {
		if s, ok := tenantID.(string); ok {
			claims.TenantID = s
		}
	}
	if agentID, ok := token.Get("agent_id"); ok {
		if s, ok := agentID.(string); ok {
			claims.AgentID = s
		}
	}

	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		key, ok := pair.Key.(string)
		if !ok {
			continue
		}
		switch key {
		case "sub", "email", "role", "tenant_id", "agent_id", "iss", "aud", "exp", "iat", "nbf":
			continue
		}
		claims.Custom[key] = pair.Value
	}

	return claims, nil
}

// Middleware extracts the bearer token, validates it, and stores the
// resulting Claims on the request context. A missing or invalid token
// is rejected with 401 before the handler runs.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			writeJSONError(w, http.StatusUnauthorized, "expected: Bearer <token>")
			return
		}

		claims, err := v.ValidateToken(r.Context(), tokenString)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireTenant wraps Middleware with a check that the authenticated
// caller's TenantID is one of allowed.
func (v *Validator) RequireTenant(allowed ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			for _, tenantID := range allowed {
				if claims.TenantID == tenantID {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeJSONError(w, http.StatusForbidden, "access denied for this tenant")
		}))
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
}
