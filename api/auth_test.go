package api

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func signedTestToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestUserIDFromAuthHeader(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewTestAuth(secret)
	token := signedTestToken(t, secret, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	userID, err := auth.UserIDFromAuthHeader("Bearer " + token)
	if err != nil {
		t.Fatal(err)
	}
	if userID != "user-42" {
		t.Fatalf("expected user-42, got %q", userID)
	}
}

func TestUserIDFromAuthHeaderMissing(t *testing.T) {
	auth := NewTestAuth([]byte("x"))
	if _, err := auth.UserIDFromAuthHeader(""); err != errMissingAuthorization {
		t.Fatalf("expected missing header error, got %v", err)
	}
}

func TestUserIDFromAuthHeaderNotBearer(t *testing.T) {
	auth := NewTestAuth([]byte("x"))
	if _, err := auth.UserIDFromAuthHeader("Basic abc"); err != errBadAuthorization {
		t.Fatalf("expected bad header error, got %v", err)
	}
}

func TestUserIDFromAuthHeaderManyPeriods(t *testing.T) {
	auth := NewTestAuth([]byte("x"))
	header := "Bearer " + strings.Repeat(".", 10000)
	if _, err := auth.UserIDFromAuthHeader(header); err != errBadAuthorization {
		t.Fatalf("expected bad header error, got %v", err)
	}
}

func TestUserIDFromAuthHeaderExpired(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewTestAuth(secret)
	token := signedTestToken(t, secret, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(-2 * time.Hour).Unix(),
	})
	if _, err := auth.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestUserIDFromAuthHeaderMissingExp(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewTestAuth(secret)
	token := signedTestToken(t, secret, jwt.MapClaims{"sub": "user-42"})
	if _, err := auth.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("expected token without exp to be rejected")
	}
}

func TestUserIDFromAuthHeaderMissingSub(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewTestAuth(secret)
	token := signedTestToken(t, secret, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := auth.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("expected token without sub to be rejected")
	}
}

func TestUserIDFromAuthHeaderWrongSecret(t *testing.T) {
	auth := NewTestAuth([]byte("right"))
	token := signedTestToken(t, []byte("wrong"), jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := auth.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("expected signature mismatch to be rejected")
	}
}
