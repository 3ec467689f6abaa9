package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestTokenPrefersPrimary(t *testing.T) {
	s := NewSource(func() (string, error) { return "live", nil }, "stored")

	tok, err := s.Token()
	if err != nil {
		t.Fatal(err)
	}
	if tok != "live" {
		t.Fatalf("token = %q", tok)
	}
	if s.Degraded() {
		t.Fatal("primary token must not mark the source degraded")
	}
}

func TestTokenFallsBackWhenPrimaryFails(t *testing.T) {
	s := NewSource(func() (string, error) { return "", errors.New("offline") }, "stored")

	tok, err := s.Token()
	if err != nil {
		t.Fatal(err)
	}
	if tok != "stored" {
		t.Fatalf("token = %q", tok)
	}
	if !s.Degraded() {
		t.Fatal("fallback use must mark the source degraded")
	}

	// Primary recovering clears the degraded flag.
	s.primary = func() (string, error) { return "live", nil }
	if tok, _ := s.Token(); tok != "live" {
		t.Fatalf("token = %q after recovery", tok)
	}
	if s.Degraded() {
		t.Fatal("degraded flag not cleared after recovery")
	}
}

func TestTokenNoCredential(t *testing.T) {
	s := NewSource(func() (string, error) { return "", errors.New("offline") }, "")
	if _, err := s.Token(); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v, want ErrNoCredential", err)
	}

	// Nil primary and no fallback is also no credential.
	s = NewSource(nil, "")
	if _, err := s.Token(); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v, want ErrNoCredential", err)
	}
}

func TestParseIdentity(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := signedToken(t, jwt.MapClaims{"sub": "user-42", "exp": exp.Unix()})

	id, err := ParseIdentity(tok)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "user-42" {
		t.Fatalf("user id = %q", id.UserID)
	}
	if !id.ExpiresAt.Equal(exp) {
		t.Fatalf("expires at = %s, want %s", id.ExpiresAt, exp)
	}
}

func TestParseIdentityRejectsBadTokens(t *testing.T) {
	if _, err := ParseIdentity("not-a-jwt"); err == nil {
		t.Fatal("expected parse error")
	}

	// A token without a subject is useless for a session.
	tok := signedToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	if _, err := ParseIdentity(tok); err == nil {
		t.Fatal("expected error for missing subject")
	}
}
