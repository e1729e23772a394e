// Package auth validates bearer JWTs at the HTTP boundary and issues the
// shared-secret service tokens carried on internal cross-service calls.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/haasonsaas/relay/pkg/models"
)

var (
	// ErrInvalidToken is returned for malformed, expired, or badly
	// signed tokens.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrAuthDisabled is returned when auth operations are used without
	// configuration.
	ErrAuthDisabled = errors.New("auth: disabled")
)

// Validator validates a bearer token and extracts the caller.
type Validator interface {
	Validate(ctx context.Context, token string) (*models.User, error)
}

// JWKSValidator validates JWTs issued by the external authorisation
// server against its published key set. The JWKS document is cached and
// refreshed in the background.
type JWKSValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// JWKSConfig configures the validator.
type JWKSConfig struct {
	// JWKSURL is the authorisation server's key-set endpoint.
	JWKSURL string

	// Issuer and Audience are enforced on every token when non-empty.
	Issuer   string
	Audience string

	// Refresh is the minimum cache refresh interval; default one hour.
	Refresh time.Duration
}

// NewJWKSValidator creates a validator and performs the initial key
// fetch so misconfiguration fails at startup, not per request.
func NewJWKSValidator(ctx context.Context, config JWKSConfig) (*JWKSValidator, error) {
	if strings.TrimSpace(config.JWKSURL) == "" {
		return nil, errors.New("auth: jwks url is required")
	}
	if config.Refresh <= 0 {
		config.Refresh = time.Hour
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(config.JWKSURL, jwk.WithMinRefreshInterval(config.Refresh)); err != nil {
		return nil, fmt.Errorf("register jwks url: %w", err)
	}
	if _, err := cache.Refresh(ctx, config.JWKSURL); err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}

	return &JWKSValidator{
		jwksURL:  config.JWKSURL,
		cache:    cache,
		issuer:   config.Issuer,
		audience: config.Audience,
	}, nil
}

// Validate parses and verifies the token and returns the caller.
func (v *JWKSValidator) Validate(ctx context.Context, token string) (*models.User, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("get jwks: %w", err)
	}

	options := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.Parse([]byte(token), options...)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(parsed.Subject()) == "" {
		return nil, ErrInvalidToken
	}

	user := &models.User{ID: parsed.Subject()}
	if email, ok := parsed.Get("email"); ok {
		if s, ok := email.(string); ok {
			user.Email = s
		}
	}
	if name, ok := parsed.Get("name"); ok {
		if s, ok := name.(string); ok {
			user.Name = s
		}
	}
	return user, nil
}

// userKey carries the authenticated caller in the request context.
type userKey struct{}

// WithUser attaches the authenticated user to the context.
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the authenticated caller, if any.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userKey{}).(*models.User)
	return user, ok
}

// ExtractBearer pulls the token out of an Authorization header value.
func ExtractBearer(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return header
}
