// Package auth implements the admission gate that runs before a WebSocket
// upgrade. The gate extracts a bearer token and hands it to a pluggable
// Validator; it never knows how credentials are checked.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingToken is returned when the Authorization header is absent or empty.
	ErrMissingToken = errors.New("missing token")

	// ErrInvalidToken is returned by validators that reject a credential.
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is what a validator learned about the caller.
type Identity struct {
	Subject string `json:"subject"`
	NodeID  string `json:"node_id,omitempty"`
}

// Validator checks a bearer token.
type Validator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, token string) (Identity, error)

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// Gate guards connection admission.
type Gate struct {
	validator Validator
}

// NewGate returns a Gate that delegates credential checks to v.
func NewGate(v Validator) *Gate {
	return &Gate{validator: v}
}

// Authenticate extracts the bearer token from header and validates it.
func (g *Gate) Authenticate(ctx context.Context, header http.Header) (Identity, error) {
	token := BearerToken(header)
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	return g.validator.Validate(ctx, token)
}

// BearerToken returns the credential carried by the Authorization header.
// The "Bearer" scheme is conventional; a bare value is accepted as-is.
func BearerToken(header http.Header) string {
	value := strings.TrimSpace(header.Get("Authorization"))
	if value == "" {
		return ""
	}
	scheme, rest, found := strings.Cut(value, " ")
	if found && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(rest)
	}
	return value
}

// Reason maps a gate error to a short machine-readable label.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing_token"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	default:
		return "auth_failed"
	}
}

// WriteError writes the explicit rejection for a failed admission.
func WriteError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="neolink"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": Reason(err)})
}
