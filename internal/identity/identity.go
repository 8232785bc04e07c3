// Package identity resolves bearer credentials to the user on whose behalf
// a connection or request acts, and carries that user through a context.
package identity

import (
	"context"
	"strings"

	"github.com/p-blackswan/collabhub/internal/chat"
)

// Identity is an authenticated principal.
type Identity struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// IsAgent reports whether the identity is the AI service account.
func (i Identity) IsAgent() bool {
	return i.UserID == chat.AgentID
}

// Participant maps the identity to its chat participant.
func (i Identity) Participant() chat.Participant {
	return chat.ParticipantFor(i.UserID, i.Email)
}

// Verifier checks a credential.
type Verifier interface {
	// Verify returns the identity behind token or an error wrapping
	// ErrAuthFailure.
	Verify(ctx context.Context, token string) (Identity, error)
}

type ctxKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// BearerToken extracts the credential from an Authorization header value.
// It returns "" for anything but a non-empty Bearer credential.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
