package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// AnyToken admits every non-empty token. The subject is a short fingerprint
// of the token so log lines can tell callers apart without echoing secrets.
func AnyToken() Validator {
	return ValidatorFunc(func(_ context.Context, token string) (Identity, error) {
		sum := sha256.Sum256([]byte(token))
		return Identity{Subject: "token:" + hex.EncodeToString(sum[:4])}, nil
	})
}

// StaticTokens validates against a fixed token table.
type StaticTokens struct {
	tokens map[string]Identity
}

// NewStaticTokens builds a StaticTokens validator from token → identity.
func NewStaticTokens(tokens map[string]Identity) *StaticTokens {
	copied := make(map[string]Identity, len(tokens))
	for tok, id := range tokens {
		copied[tok] = id
	}
	return &StaticTokens{tokens: copied}
}

// Validate compares token against every configured token in constant time.
func (s *StaticTokens) Validate(_ context.Context, token string) (Identity, error) {
	var (
		match Identity
		found int
	)
	for candidate, id := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			match = id
			found = 1
		}
	}
	if found == 0 {
		return Identity{}, ErrInvalidToken
	}
	return match, nil
}

// UserLookup resolves a credential to a stored user.
type UserLookup interface {
	LookupUser(ctx context.Context, privateKey string) (Identity, bool, error)
}

// StoreValidator admits tokens that match a user's private key in the store.
type StoreValidator struct {
	users UserLookup
}

// NewStoreValidator returns a validator backed by users.
func NewStoreValidator(users UserLookup) *StoreValidator {
	return &StoreValidator{users: users}
}

// Validate looks the token up in the store.
func (v *StoreValidator) Validate(ctx context.Context, token string) (Identity, error) {
	id, found, err := v.users.LookupUser(ctx, token)
	if err != nil {
		return Identity{}, fmt.Errorf("lookup user: %w", err)
	}
	if !found {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}
