package gateway

import (
	"context"
	"errors"
	"testing"
)

func TestValidateAPIKeyFormat(t *testing.T) {
	cases := []struct {
		name string
		key  string
		ok   bool
	}{
		{"valid", "gk_abcdef0123456789", true},
		{"valid with dash", "gk_abc-def_0123456", true},
		{"missing prefix", "sk_abcdef0123456789", false},
		{"too short", "gk_short", false},
		{"empty", "", false},
		{"bad character", "gk_abcdef01234567!", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateAPIKeyFormat(tc.key)
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected format error")
			}
		})
	}
}

func TestParseCredentialsJSON(t *testing.T) {
	store, err := ParseCredentials(`[{"key":"gk_abcdef0123456789","userId":"u1","orgId":"acme","orgSlug":"acme-corp"}]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	auth, err := store.Verify(context.Background(), "gk_abcdef0123456789", "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if auth.OrgID != "acme" || auth.UserID != "u1" || auth.OrgSlug != "acme-corp" {
		t.Fatalf("unexpected identity: %+v", auth)
	}
}

func TestParseCredentialsCSV(t *testing.T) {
	store, err := ParseCredentials("gk_abcdef0123456789:acme:u1, gk_zyxwvu9876543210:globex")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	auth, err := store.Verify(context.Background(), "gk_zyxwvu9876543210", "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if auth.OrgID != "globex" || auth.UserID != "" {
		t.Fatalf("unexpected identity: %+v", auth)
	}
}

func TestParseCredentialsErrors(t *testing.T) {
	if _, err := ParseCredentials("[not json"); err == nil {
		t.Fatal("expected error for bad JSON")
	}
	if _, err := ParseCredentials("keywithoutorg"); err == nil {
		t.Fatal("expected error for entry without org")
	}
	if _, err := ParseCredentials(`[{"key":"gk_abcdef0123456789"}]`); err == nil {
		t.Fatal("expected error for record without orgId")
	}
}

func TestVerifyUserBinding(t *testing.T) {
	store, _ := ParseCredentials("")
	store.Add("gk_abcdef0123456789", AuthContext{UserID: "u1", OrgID: "acme"})
	store.Add("gk_orgonly123456789", AuthContext{OrgID: "acme"})

	if _, err := store.Verify(context.Background(), "gk_abcdef0123456789", "u2"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected rejection for mismatched user, got %v", err)
	}
	auth, err := store.Verify(context.Background(), "gk_orgonly123456789", "u7")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if auth.UserID != "u7" {
		t.Fatalf("org-scoped key should adopt caller user id, got %q", auth.UserID)
	}
	if _, err := store.Verify(context.Background(), "gk_unknown123456789", ""); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected rejection for unknown key, got %v", err)
	}
}
