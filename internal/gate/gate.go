// Package gate wraps outbound provider calls and turns unauthorized
// responses into the two recoverability signals the host understands:
// re-run the redirect flow, or stop and page an administrator.
//
// Token refresh itself is not here: the oauth2 client refreshes access
// tokens transparently while the refresh token is good. By the time a
// call surfaces ErrUnauthorized, "expired", "revoked" and "never
// authorized" are indistinguishable.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/relayops/mailbridge/internal/provider"
)

// ErrAdminActionRequired is fatal for the current invocation: nobody in
// a non-interactive context can complete a consent screen, so an
// administrator has to re-validate out of band.
var ErrAdminActionRequired = errors.New("administrator action required: provider access must be re-validated")

// MustAuthorizeError signals that the identity has to go back through
// the redirect flow. The host's middleware consumes it to build the
// consent URL; the failed operation is not retried here.
type MustAuthorizeError struct {
	IdentityKey string
	ContextRef  string
}

func (e *MustAuthorizeError) Error() string {
	return fmt.Sprintf("authorization required for %s", e.IdentityKey)
}

// Invocation describes who is making a provider call and whether that
// caller may be bounced through an interactive consent screen.
type Invocation struct {
	IdentityKey string
	ContextRef  string

	// Interactive is false for scheduled and webhook-driven work.
	Interactive bool
}

// Run executes fn and classifies an unauthorized result. Any other
// error passes through untouched.
func Run(ctx context.Context, inv Invocation, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}

	if errors.Is(err, provider.ErrUnauthorized) {
		if !inv.Interactive {
			return fmt.Errorf("%w (identity %s): %v", ErrAdminActionRequired, inv.IdentityKey, err)
		}
		return &MustAuthorizeError{
			IdentityKey: inv.IdentityKey,
			ContextRef:  inv.ContextRef,
		}
	}

	return err
}
