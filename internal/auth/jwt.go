package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"warden/internal/tenant"
)

// TokenService issues and validates the admin surface's bearer tokens.
type TokenService struct {
	secret []byte
	expiry time.Duration
}

// NewTokenService creates the service. expiry is the session lifetime.
func NewTokenService(secret string, expiry time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), expiry: expiry}
}

// Claims are the JWT claims for an admin session.
type Claims struct {
	Role  string `json:"role"`
	OrgID string `json:"org_id,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs a token for an authenticated admin.
func (s *TokenService) Issue(u *AdminUser) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role:  u.Role,
		OrgID: u.OrgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Username,
			Issuer:    "warden",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token string.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// ScopeFor maps validated claims to the tenant scope every storage read
// runs under. Super admins get the audited cross-tenant scope; org
// admins get their organization; anything malformed gets the zero scope,
// which matches nothing.
func ScopeFor(c *Claims) tenant.Scope {
	switch {
	case c == nil:
		return tenant.Scope{}
	case c.Role == RoleSuper:
		return tenant.Super(c.Subject)
	case c.Role == RoleOrgAdmin && c.OrgID != "":
		return tenant.ForOrg(c.OrgID)
	}
	return tenant.Scope{}
}
