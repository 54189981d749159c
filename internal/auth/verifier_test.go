package auth

import (
	"errors"
	"testing"
	"time"
)

func TestVerifierRoundTrip(t *testing.T) {
	verifier, err := NewVerifier("secret")
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	token, err := verifier.Issue("alice", []string{"member"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	id, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.Subject != "alice" {
		t.Fatalf("expected subject alice, got %q", id.Subject)
	}
	if id.IsAdmin() {
		t.Fatal("member should not be admin")
	}
}

func TestVerifierAdminRole(t *testing.T) {
	verifier, _ := NewVerifier("secret")
	token, err := verifier.Issue("root", []string{"admin"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	id, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !id.IsAdmin() {
		t.Fatal("expected admin identity")
	}
}

func TestVerifierExpiredToken(t *testing.T) {
	verifier, _ := NewVerifier("secret")
	token, err := verifier.Issue("alice", nil, -time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestVerifierRejectsForeignKey(t *testing.T) {
	issuer, _ := NewVerifier("one")
	verifier, _ := NewVerifier("two")
	token, err := issuer.Issue("alice", nil, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify() error = %v, want ErrInvalidToken", err)
	}
}

func TestNewVerifierEmptyKey(t *testing.T) {
	if _, err := NewVerifier("  "); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestVerifierGarbageToken(t *testing.T) {
	verifier, _ := NewVerifier("secret")
	if _, err := verifier.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify() error = %v, want ErrInvalidToken", err)
	}
}
