// ABOUTME: Opaque API tokens for long-lived proxy credentials
// ABOUTME: Format pt_<id>_<secret>; the secret is bcrypt-hashed at rest

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const tokenPrefix = "pt"

// ErrRevokedToken indicates the token row exists but was revoked.
var ErrRevokedToken = errors.New("token revoked")

// TokenRecord is one stored API token. SecretHash is a bcrypt hash of the
// secret half of the token string.
type TokenRecord struct {
	ID         string
	UserID     string
	Email      string
	SecretHash string
	Revoked    bool
}

// TokenStore looks up token records by id.
type TokenStore interface {
	GetAPIToken(ctx context.Context, id string) (*TokenRecord, error)
}

// APITokenVerifier verifies opaque pt_ tokens against a store.
type APITokenVerifier struct {
	store TokenStore
}

// NewAPITokenVerifier creates a verifier backed by the given store.
func NewAPITokenVerifier(store TokenStore) *APITokenVerifier {
	return &APITokenVerifier{store: store}
}

// GenerateAPIToken produces a new token string and the record to persist.
// The plaintext secret is only available in the returned token string.
func GenerateAPIToken(userID, email string) (token string, record *TokenRecord, err error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return "", nil, fmt.Errorf("generating token id: %w", err)
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, fmt.Errorf("generating token secret: %w", err)
	}

	id := hex.EncodeToString(idBytes)
	secret := hex.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing token secret: %w", err)
	}

	return fmt.Sprintf("%s_%s_%s", tokenPrefix, id, secret), &TokenRecord{
		ID:         id,
		UserID:     userID,
		Email:      email,
		SecretHash: string(hash),
	}, nil
}

// IsAPIToken reports whether the string looks like an opaque pt_ token
// (as opposed to a JWT).
func IsAPIToken(token string) bool {
	return strings.HasPrefix(token, tokenPrefix+"_")
}

// Verify parses the token, looks up its record, and compares the secret
// against the stored bcrypt hash.
func (v *APITokenVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 || parts[0] != tokenPrefix {
		return nil, ErrInvalidToken
	}
	id, secret := parts[1], parts[2]

	record, err := v.store.GetAPIToken(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if record.Revoked {
		return nil, ErrRevokedToken
	}

	if err := bcrypt.CompareHashAndPassword([]byte(record.SecretHash), []byte(secret)); err != nil {
		return nil, ErrInvalidToken
	}

	return &Identity{UserID: record.UserID, Email: record.Email}, nil
}
