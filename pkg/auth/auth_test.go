package auth

import (
	"encoding/base64"
	"testing"
)

func newTestValidator(t *testing.T) *HMACValidator {
	t.Helper()
	secret := base64.StdEncoding.EncodeToString([]byte("test-secret-key-thats-long-enough"))
	v, err := NewHMACValidator(secret)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestIssueAndRequireAdmin(t *testing.T) {
	v := newTestValidator(t)
	token, err := v.Issue(Claims{Role: RoleAdmin})
	if err != nil {
		t.Fatal(err)
	}
	if err := v.RequireAdmin(token); err != nil {
		t.Fatalf("RequireAdmin: %v", err)
	}
}

func TestUserTokenFailsAdminCheck(t *testing.T) {
	v := newTestValidator(t)
	token, err := v.Issue(Claims{Role: RoleUser})
	if err != nil {
		t.Fatal(err)
	}
	if err := v.RequireAdmin(token); err == nil {
		t.Fatal("expected user token to fail admin check")
	}
	if err := v.RequireUser(token); err != nil {
		t.Fatalf("RequireUser: %v", err)
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	v := newTestValidator(t)
	token, err := v.Issue(Claims{Role: RoleAdmin})
	if err != nil {
		t.Fatal(err)
	}
	tampered := token[:len(token)-2] + "xx"
	if err := v.RequireAdmin(tampered); err == nil {
		t.Fatal("expected tampered token to be rejected")
	}
}

func TestDifferentSecretRejectsToken(t *testing.T) {
	v1 := newTestValidator(t)
	token, err := v1.Issue(Claims{Role: RoleAdmin})
	if err != nil {
		t.Fatal(err)
	}
	v2, err := NewHMACValidator(base64.StdEncoding.EncodeToString([]byte("a-totally-different-secret-value")))
	if err != nil {
		t.Fatal(err)
	}
	if err := v2.RequireAdmin(token); err == nil {
		t.Fatal("expected token signed with a different secret to be rejected")
	}
}
