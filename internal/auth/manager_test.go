package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTokenValidation(t *testing.T) {
	mgr := NewManager("secret")
	token, err := mgr.IssueToken("user|with|pipes", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	userID, err := mgr.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if userID != "user|with|pipes" {
		t.Fatalf("unexpected user %s", userID)
	}
}

func TestExpiredToken(t *testing.T) {
	mgr := NewManager("secret")
	token, err := mgr.IssueToken("u1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := mgr.ValidateToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expiration error, got %v", err)
	}
}

func TestForeignSecretRejected(t *testing.T) {
	token, err := NewManager("a").IssueToken("u1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := NewManager("b").ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	for _, bad := range []string{"", "abc", "a.b.c", "!!!.???"} {
		if _, err := NewManager("a").ValidateToken(bad); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%q: expected invalid token, got %v", bad, err)
		}
	}
	if _, err := NewManager("a").IssueToken(" ", 0); err == nil {
		t.Fatalf("expected error for empty user")
	}
}

func TestBearerToken(t *testing.T) {
	if tok, ok := BearerToken("Bearer abc.def"); !ok || tok != "abc.def" {
		t.Fatalf("unexpected %q %v", tok, ok)
	}
	if tok, ok := BearerToken("bearer   xyz "); !ok || !strings.EqualFold(tok, "xyz") {
		t.Fatalf("unexpected %q %v", tok, ok)
	}
	for _, h := range []string{"", "Bearer ", "Basic abc", "Bearer"} {
		if _, ok := BearerToken(h); ok {
			t.Fatalf("%q should not yield a token", h)
		}
	}
}
