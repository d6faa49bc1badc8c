package authkit

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestBcryptHasherSaltsEachHash(t *testing.T) {
	hasher := NewBcryptHasher(bcrypt.MinCost)
	first, err := hasher.Hash("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	second, err := hasher.Hash("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct digests for the same password")
	}
	if !hasher.Verify("hunter2", first) || !hasher.Verify("hunter2", second) {
		t.Fatalf("expected both digests to verify")
	}
	if hasher.Verify("hunter3", first) {
		t.Fatalf("wrong password verified")
	}
}

func TestBcryptHasherRejectsMarkerAndEmpty(t *testing.T) {
	hasher := NewBcryptHasher(bcrypt.MinCost)
	if hasher.Verify(GoogleSignInPasswordMarker, GoogleSignInPasswordMarker) {
		t.Fatalf("google marker must never verify")
	}
	if hasher.Verify("", "") {
		t.Fatalf("empty digest must never verify")
	}
	if _, err := hasher.Hash(""); err == nil {
		t.Fatalf("expected error hashing empty password")
	}
}

func TestBcryptHasherRejectsOverlongPassword(t *testing.T) {
	hasher := NewBcryptHasher(bcrypt.MinCost)
	if _, err := hasher.Hash(strings.Repeat("a", MaxPasswordBytes+1)); !errors.Is(err, errPasswordTooLong) {
		t.Fatalf("expected errPasswordTooLong, got %v", err)
	}
	digest, err := hasher.Hash(strings.Repeat("a", MaxPasswordBytes))
	if err != nil {
		t.Fatalf("hash at the limit: %v", err)
	}
	if !hasher.Verify(strings.Repeat("a", MaxPasswordBytes), digest) {
		t.Fatalf("expected digest at the limit to verify")
	}
}

func TestNewBcryptHasherFallsBackToDefaultCost(t *testing.T) {
	if hasher := NewBcryptHasher(bcrypt.MaxCost + 1); hasher.cost != DefaultBcryptCost {
		t.Fatalf("expected default cost, got %d", hasher.cost)
	}
	if hasher := NewBcryptHasher(0); hasher.cost != DefaultBcryptCost {
		t.Fatalf("expected default cost, got %d", hasher.cost)
	}
}
