package auth

import (
	"testing"
	"time"
)

func TestTokenLifecycle(t *testing.T) {
	tm := NewTokenManager()

	token, err := tm.GenerateToken("cli", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if token == "" {
		t.Fatal("Generated token should not be empty")
	}

	if err := tm.ValidateToken("cli", token); err != nil {
		t.Errorf("Freshly minted token should validate, got %v", err)
	}
	if err := tm.ValidateToken("cli", "wrong"); err != ErrInvalidToken {
		t.Errorf("Wrong token should be invalid, got %v", err)
	}
	if err := tm.ValidateToken("other", token); err != ErrInvalidToken {
		t.Errorf("Unknown client should be invalid, got %v", err)
	}

	// Minting again replaces the previous token.
	replacement, err := tm.GenerateToken("cli", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate replacement token: %v", err)
	}
	if err := tm.ValidateToken("cli", token); err != ErrInvalidToken {
		t.Errorf("Replaced token should be invalid, got %v", err)
	}
	if err := tm.ValidateToken("cli", replacement); err != nil {
		t.Errorf("Replacement token should validate, got %v", err)
	}

	tm.RevokeToken("cli")
	if err := tm.ValidateToken("cli", replacement); err != ErrInvalidToken {
		t.Errorf("Revoked token should be invalid, got %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	tm := NewTokenManager()

	token, err := tm.GenerateToken("cli", -time.Minute)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if err := tm.ValidateToken("cli", token); err != ErrTokenExpired {
		t.Errorf("Expired token should report expiry, got %v", err)
	}

	tm.CleanupExpiredTokens()
	if err := tm.ValidateToken("cli", token); err != ErrInvalidToken {
		t.Errorf("Cleaned up token should be unknown, got %v", err)
	}
}

func TestSecureCompare(t *testing.T) {
	if !SecureCompare("abc", "abc") {
		t.Error("Equal strings should compare equal")
	}
	if SecureCompare("abc", "abd") {
		t.Error("Different strings should not compare equal")
	}
	if SecureCompare("abc", "abcd") {
		t.Error("Different lengths should not compare equal")
	}
}
