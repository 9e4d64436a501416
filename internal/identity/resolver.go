// Package identity resolves a connecting caller's identity from the signed
// bearer token minted by the help-desk auth service. Resolution is a pure
// function of the credentials: the resolver holds only the verification key
// and never consults storage.
package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the caller's position in the help desk.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleAdmin    Role = "admin"
)

// IsAgent reports whether the role posts messages as an agent. Admins reply
// on behalf of the desk, so they count.
func (r Role) IsAgent() bool {
	return r == RoleAgent || r == RoleAdmin
}

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleAgent, RoleAdmin:
		return true
	}
	return false
}

// Identity is the resolved caller: stable user id, role, and display name.
// It is derived once at connect time and immutable for the connection's
// lifetime.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Name string `json:"name"`
}

// ErrInvalidToken is returned when the credentials cannot be verified or the
// claims are malformed.
var ErrInvalidToken = errors.New("identity: invalid token")

// claims is the JWT claim set issued by the auth service.
type claims struct {
	Role string `json:"role"`
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Resolver verifies HS256 tokens with a shared secret.
type Resolver struct {
	secret []byte
}

// NewResolver creates a Resolver for the given shared secret.
func NewResolver(secret []byte) *Resolver {
	return &Resolver{secret: secret}
}

// Resolve parses and verifies a bearer token and returns the identity it
// encodes. The token subject becomes the user id.
func (r *Resolver) Resolve(token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return r.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	if c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role := Role(c.Role)
	if !role.Valid() {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, c.Role)
	}

	return Identity{ID: c.Subject, Role: role, Name: c.Name}, nil
}

// Sign mints a token for the given identity. The gateway never calls this in
// production (tokens come from the auth service); it exists for tooling and
// tests that need valid credentials.
func (r *Resolver) Sign(id Identity) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: string(id.Role),
		Name: id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: id.ID,
		},
	})
	signed, err := token.SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}
