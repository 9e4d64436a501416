package identity

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Sign then Resolve round-trips the identity
// ---------------------------------------------------------------------------

func TestResolver_RoundTrip(t *testing.T) {
	r := NewResolver([]byte("test-secret"))

	original := Identity{ID: "user-1", Role: RoleAgent, Name: "Ana Costa"}
	token, err := r.Sign(original)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	got, err := r.Resolve(token)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got != original {
		t.Errorf("expected %+v, got %+v", original, got)
	}
}

// ---------------------------------------------------------------------------
// Test: Token signed with a different secret is rejected
// ---------------------------------------------------------------------------

func TestResolver_WrongSecret(t *testing.T) {
	signer := NewResolver([]byte("secret-a"))
	verifier := NewResolver([]byte("secret-b"))

	token, err := signer.Sign(Identity{ID: "user-1", Role: RoleCustomer, Name: "Bob"})
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	if _, err := verifier.Resolve(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed input and missing claims
// ---------------------------------------------------------------------------

func TestResolver_Invalid(t *testing.T) {
	r := NewResolver([]byte("test-secret"))

	cases := []struct {
		name string
		id   Identity
	}{
		{"missing subject", Identity{ID: "", Role: RoleAgent, Name: "x"}},
		{"unknown role", Identity{ID: "user-1", Role: Role("superuser"), Name: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token, err := r.Sign(tc.id)
			if err != nil {
				t.Fatalf("sign failed: %v", err)
			}
			if _, err := r.Resolve(token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}

	if _, err := r.Resolve(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
	if _, err := r.Resolve("not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage token, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Role helpers
// ---------------------------------------------------------------------------

func TestRole_IsAgent(t *testing.T) {
	if RoleCustomer.IsAgent() {
		t.Error("customer should not count as agent")
	}
	if !RoleAgent.IsAgent() {
		t.Error("agent should count as agent")
	}
	if !RoleAdmin.IsAgent() {
		t.Error("admin should count as agent")
	}
}
