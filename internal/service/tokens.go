package service

import (
	"fmt"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried by BaaS access tokens.
const (
	RoleAuthenticated = "authenticated"
	RoleServiceRole   = "service_role"
)

// Claims is the subset of a Supabase access token we act on.
type Claims struct {
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 access tokens issued by the BaaS. Issuing
// tokens is the BaaS's job; this side only checks them.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier keyed by the project's JWT secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses and validates a bearer token.
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, &domain.ErrUnauthorized{Message: "token verification not configured"}
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, &domain.ErrUnauthorized{Message: "invalid or expired token"}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, &domain.ErrUnauthorized{Message: "invalid token"}
	}
	if claims.Role == RoleAuthenticated && claims.Subject == "" {
		return nil, &domain.ErrUnauthorized{Message: "token has no subject"}
	}

	return claims, nil
}
