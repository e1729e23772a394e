package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ServiceHeader carries the shared-secret token on internal calls.
const ServiceHeader = "X-Service-Token"

// ServiceTokens signs and verifies the HS256 tokens exchanged between
// internal services. External callers never see these.
type ServiceTokens struct {
	secret []byte
	expiry time.Duration
}

// NewServiceTokens builds the helper. A zero expiry issues tokens valid
// for five minutes, long enough for one hop.
func NewServiceTokens(secret string, expiry time.Duration) *ServiceTokens {
	if expiry <= 0 {
		expiry = 5 * time.Minute
	}
	return &ServiceTokens{secret: []byte(secret), expiry: expiry}
}

type serviceClaims struct {
	Service string `json:"svc"`
	jwt.RegisteredClaims
}

// Issue signs a token naming the calling service.
func (s *ServiceTokens) Issue(service string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(service) == "" {
		return "", errors.New("auth: service name required")
	}

	claims := serviceClaims{
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   service,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks a token and returns the calling service name.
func (s *ServiceTokens) Verify(token string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &serviceClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*serviceClaims)
	if !ok || !parsed.Valid || claims.Service == "" {
		return "", ErrInvalidToken
	}
	return claims.Service, nil
}
