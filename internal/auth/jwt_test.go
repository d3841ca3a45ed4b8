package auth

import (
	"testing"
	"time"
)

func TestCreateAndVerifyToken(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	token, err := CreateToken(7, "alpha", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	claims, err := VerifyToken(token, cfg)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.UserID != 7 || claims.Namespace != "alpha" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	token, err := CreateToken(1, "alpha", TokenConfig{Secret: "a", Expiry: time.Hour, Issuer: "test"})
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if _, err := VerifyToken(token, TokenConfig{Secret: "b", Expiry: time.Hour, Issuer: "test"}); err == nil {
		t.Fatalf("expected verification failure")
	}
}

func TestCreateToken_RequiresNamespace(t *testing.T) {
	if _, err := CreateToken(1, "", TokenConfig{Secret: "a", Expiry: time.Hour}); err == nil {
		t.Fatalf("expected error for empty namespace")
	}
}
