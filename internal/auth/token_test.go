package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var secret = []byte("test-secret")

func TestIssueAndParseToken(t *testing.T) {
	claims := Claims{
		Sub:   "usr_1",
		Name:  "Avery",
		Email: "avery@example.com",
		Role:  "editor",
		JTI:   "jti-1",
		Exp:   time.Now().Add(time.Minute).Unix(),
	}
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	parsed, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if parsed != claims {
		t.Errorf("claims round-trip mismatch: %+v vs %+v", parsed, claims)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	claims := Claims{Sub: "usr_1", Name: "Avery", Role: "admin", JTI: "jti-1", Exp: time.Now().Add(time.Minute).Unix()}
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	payload, _, _ := strings.Cut(token, ".")
	forged := payload + ".forged-signature"
	if _, err := ParseToken(secret, forged); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("forged signature: error = %v, want ErrInvalidToken", err)
	}

	if _, err := ParseToken([]byte("other-secret"), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret: error = %v, want ErrInvalidToken", err)
	}

	if _, err := ParseToken(secret, "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("malformed token: error = %v, want ErrInvalidToken", err)
	}
}

func TestParseTokenExpired(t *testing.T) {
	claims := Claims{Sub: "usr_1", Name: "Avery", Role: "viewer", JTI: "jti-1", Exp: time.Now().Add(-time.Second).Unix()}
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("error = %v, want ErrExpiredToken", err)
	}
}

func TestHashTokenIsStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Error("hash should be deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Error("different inputs should not collide")
	}
}
