// Package auth adapts bearer tokens into principals for the fraud monitor.
//
// Authentication model:
//   - Every API and live-channel request carries a signed token
//   - The token names a user, a display name, and a role
//   - Admins may review and export; viewers read redacted data
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrInvalidRole  = errors.New("unknown role")
)

// Role is the access level of a caller.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleViewer
}

// ParseRole converts a string to a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// Principal is the authenticated caller.
type Principal struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// IsAdmin reports whether p has admin rights.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// claims is the token payload.
type claims struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 tokens.
type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewIssuer creates an issuer for the given shared secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: "fraudwatch", now: time.Now}
}

// Issue signs a token for p that expires after ttl.
func (i *Issuer) Issue(p Principal, ttl time.Duration) (string, error) {
	if !p.Role.Valid() {
		return "", ErrInvalidRole
	}
	if p.UserID == "" {
		return "", errors.New("user id required")
	}
	now := i.now()
	c := claims{
		Role: string(p.Role),
		Name: p.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns its principal.
func (i *Issuer) Verify(token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrNoToken
	}

	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	role, err := ParseRole(c.Role)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	name := c.Name
	if name == "" {
		name = c.Subject
	}
	return Principal{UserID: c.Subject, DisplayName: name, Role: role}, nil
}
