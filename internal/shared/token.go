package shared

import (
	"crypto/sha256"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// TokenVerifier checks bearer tokens against a bcrypt hash. Successful
// comparisons are remembered by digest so bcrypt only runs once per token.
type TokenVerifier struct {
	hash     []byte
	verified sync.Map
}

// NewTokenVerifier builds a verifier for the given bcrypt hash.
func NewTokenVerifier(hash string) (*TokenVerifier, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil, errors.New("api token hash must be provided")
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, err
	}
	return &TokenVerifier{hash: []byte(hash)}, nil
}

// Verify returns ErrInvalidToken when the token does not match.
func (v *TokenVerifier) Verify(token string) error {
	if v == nil {
		return ErrInvalidToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(token))
	if _, ok := v.verified.Load(digest); ok {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	v.verified.Store(digest, struct{}{})
	return nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
