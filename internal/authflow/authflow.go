// Package authflow orchestrates the OAuth redirect flow: building consent
// URLs, exchanging callback codes for tokens, and deciding which
// credential (if any) ends up stored for an identity.
package authflow

import (
	"context"
	"strings"

	"github.com/relayops/mailbridge/internal/provider"
)

// ContactPrefix marks identity keys belonging to end-user contacts as
// opposed to the administrator-configured mailbox owner. Class detection
// is this prefix check and nothing else.
const ContactPrefix = "wsContact#"

// IsContact reports whether an identity key belongs to a contact.
func IsContact(identityKey string) bool {
	return strings.HasPrefix(identityKey, ContactPrefix)
}

// Google access tokens are "ya29." prefixed; refresh tokens are not. A
// stored value with this shape means the grant was degraded to a bare
// access token at some point.
const accessTokenPrefix = "ya29."

func looksLikeAccessToken(secret string) bool {
	return strings.HasPrefix(secret, accessTokenPrefix)
}

// Callback outcome strings rendered to the user's browser. Support
// tooling greps logs for these exact phrases; do not reword.
const (
	OutcomeAuthenticated    = "Authenticated successfully. You may close this window."
	OutcomeSaveChanges      = "Authenticated successfully. Please go back and save your changes."
	OutcomeRegainAccess     = "Stored access was incomplete and has been cleared. Please validate again to regain access."
	OutcomeUnauthorizedUser = "Unauthorized user: the authenticated account does not match the configured mailbox."
)

// CredentialStore persists one long-lived credential per identity key.
type CredentialStore interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, secret string) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	LockKey(key string) func()
}

// ContextStore persists single-use context records keyed by a random
// reference.
type ContextStore interface {
	Get(ctx context.Context, ref string) (*provider.ContextRecord, error)
	Put(ctx context.Context, ref string, rec *provider.ContextRecord) error
	Remove(ctx context.Context, ref string) error
}
