// ABOUTME: Unit tests for opaque API token generation and verification
// ABOUTME: Covers format, bcrypt comparison, revocation, and lookup failures

package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeTokenStore struct {
	records map[string]*TokenRecord
}

func (f *fakeTokenStore) GetAPIToken(_ context.Context, id string) (*TokenRecord, error) {
	record, ok := f.records[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return record, nil
}

func TestGenerateAPIToken_Format(t *testing.T) {
	token, record, err := GenerateAPIToken("user-1", "dev@example.com")
	if err != nil {
		t.Fatalf("GenerateAPIToken() error = %v", err)
	}

	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 || parts[0] != "pt" {
		t.Fatalf("token format = %q, want pt_<id>_<secret>", token)
	}
	if parts[1] != record.ID {
		t.Errorf("token id %q does not match record id %q", parts[1], record.ID)
	}
	if strings.Contains(record.SecretHash, parts[2]) {
		t.Error("record must not contain the plaintext secret")
	}
	if !IsAPIToken(token) {
		t.Error("IsAPIToken() = false for generated token")
	}
}

func TestAPITokenVerifier_RoundTrip(t *testing.T) {
	token, record, err := GenerateAPIToken("user-1", "dev@example.com")
	if err != nil {
		t.Fatalf("GenerateAPIToken() error = %v", err)
	}

	verifier := NewAPITokenVerifier(&fakeTokenStore{
		records: map[string]*TokenRecord{record.ID: record},
	})

	identity, err := verifier.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if identity.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", identity.UserID, "user-1")
	}
	if identity.Email != "dev@example.com" {
		t.Errorf("Email = %q", identity.Email)
	}
}

func TestAPITokenVerifier_WrongSecret(t *testing.T) {
	_, record, _ := GenerateAPIToken("user-1", "")
	verifier := NewAPITokenVerifier(&fakeTokenStore{
		records: map[string]*TokenRecord{record.ID: record},
	})

	bad := "pt_" + record.ID + "_0000000000000000000000000000000000000000000000"
	if _, err := verifier.Verify(context.Background(), bad); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
	}
}

func TestAPITokenVerifier_Revoked(t *testing.T) {
	token, record, _ := GenerateAPIToken("user-1", "")
	record.Revoked = true
	verifier := NewAPITokenVerifier(&fakeTokenStore{
		records: map[string]*TokenRecord{record.ID: record},
	})

	if _, err := verifier.Verify(context.Background(), token); !errors.Is(err, ErrRevokedToken) {
		t.Errorf("Verify() error = %v, want ErrRevokedToken", err)
	}
}

func TestAPITokenVerifier_Malformed(t *testing.T) {
	verifier := NewAPITokenVerifier(&fakeTokenStore{records: map[string]*TokenRecord{}})

	for _, token := range []string{"", "pt_onlyid", "xx_id_secret", "pt_unknown_secret"} {
		if _, err := verifier.Verify(context.Background(), token); err == nil {
			t.Errorf("Verify(%q) should fail", token)
		}
	}
}

func TestIsAPIToken(t *testing.T) {
	if IsAPIToken("eyJhbGciOi.eyJzdWIi.sig") {
		t.Error("JWT should not look like an API token")
	}
	if !IsAPIToken("pt_abc_def") {
		t.Error("pt_ token should be recognized")
	}
}
