package authflow

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/relayops/mailbridge/internal/authstate"
	"github.com/relayops/mailbridge/internal/provider"
)

// Authorizer runs the redirect-based OAuth flow for every identity class.
type Authorizer struct {
	defaults provider.AppConfig
	auth     provider.AuthClient
	creds    CredentialStore
	contexts ContextStore
}

// New wires an Authorizer from its collaborators. defaults is the
// platform's own provider application; context records override it for a
// single round-trip.
func New(defaults provider.AppConfig, auth provider.AuthClient, creds CredentialStore, contexts ContextStore) *Authorizer {
	return &Authorizer{
		defaults: defaults,
		auth:     auth,
		creds:    creds,
		contexts: contexts,
	}
}

// CreateContext stores a context record under a fresh random reference
// and returns the reference. The record lives for exactly one
// authorization round-trip.
func (a *Authorizer) CreateContext(ctx context.Context, rec *provider.ContextRecord) (string, error) {
	ref := uuid.NewString()
	if err := a.contexts.Put(ctx, ref, rec); err != nil {
		return "", fmt.Errorf("store context record: %w", err)
	}
	return ref, nil
}

// AuthorizationURL builds the consent URL for an identity. contextRef is
// "" when the platform's default application credentials apply.
func (a *Authorizer) AuthorizationURL(ctx context.Context, identityKey, contextRef string) (string, error) {
	app, _, err := a.resolveApp(ctx, contextRef)
	if err != nil {
		return "", err
	}

	state, err := authstate.Encode(identityKey, contextRef)
	if err != nil {
		return "", err
	}

	return a.auth.AuthCodeURL(app, state)
}

// HandleCallback consumes the provider's redirect: decodes state,
// exchanges the code, persists (or discards) the resulting credential and
// verifies mailbox ownership. The returned string is the plain-text
// outcome shown in the user's browser.
func (a *Authorizer) HandleCallback(ctx context.Context, code, state string) (string, error) {
	identityKey, contextRef, err := authstate.Decode(state)
	if err != nil {
		return "", err
	}

	// The context record is single-use: it must be gone after this
	// callback no matter how the exchange below ends.
	if contextRef != "" {
		defer func() {
			cleanupCtx := context.WithoutCancel(ctx)
			if err := a.contexts.Remove(cleanupCtx, contextRef); err != nil {
				log.Printf("failed to remove context record %s: %v", contextRef, err)
			}
		}()
	}

	app, _, err := a.resolveApp(ctx, contextRef)
	if err != nil {
		return "", err
	}

	unlock := a.creds.LockKey(identityKey)
	defer unlock()

	tok, err := a.auth.Exchange(ctx, app, code)
	if err != nil {
		var xerr *provider.ExchangeError
		if errors.As(err, &xerr) {
			return "Authorization failed: " + xerr.Describe(), nil
		}
		// Network-level failure. Nothing was stored; the user restarts
		// the consent flow.
		return "", err
	}

	outcome, err := a.persist(ctx, identityKey, tok)
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// persist applies the credential decision table and, for the admin
// identity, the ownership check.
func (a *Authorizer) persist(ctx context.Context, identityKey string, tok *provider.Token) (string, error) {
	contact := IsContact(identityKey)

	if !contact {
		stored, err := a.creds.Get(ctx, identityKey)
		if err != nil {
			return "", err
		}
		if looksLikeAccessToken(stored) || (tok.RefreshToken == "" && stored == "") {
			// The grant degraded to a bare access token at some point.
			// The admin identity must never hold one, so the fresh
			// access token is revoked, the record dropped, and the user
			// sent back through a clean consent. Intentionally no
			// fall-through to storing a fresh refresh token even when
			// one arrived with this exchange.
			if err := a.auth.Revoke(ctx, tok.AccessToken); err != nil {
				log.Printf("best-effort revoke for %s failed: %v", identityKey, err)
			}
			if err := a.creds.Remove(ctx, identityKey); err != nil {
				return "", err
			}
			return OutcomeRegainAccess, nil
		}
	}

	switch {
	case tok.RefreshToken != "":
		if err := a.creds.Put(ctx, identityKey, tok.RefreshToken); err != nil {
			return "", err
		}
	case contact:
		// Best available credential for this class when the provider
		// granted no refresh token.
		if err := a.creds.Put(ctx, identityKey, tok.AccessToken); err != nil {
			return "", err
		}
	}

	if contact {
		return OutcomeSaveChanges, nil
	}

	// Ownership check: an admin identity key is the mailbox address the
	// administrator configured. A consent grant from any other account
	// must not bind to it.
	if err := a.auth.VerifyMailbox(ctx, tok, identityKey); err != nil {
		if errors.Is(err, provider.ErrUnreachable) {
			// Transient failure, not an identity verdict. Keep state.
			return "", err
		}
		if err := a.creds.Remove(ctx, identityKey); err != nil {
			return "", err
		}
		return OutcomeUnauthorizedUser, nil
	}

	return OutcomeAuthenticated, nil
}

// resolveApp picks the effective application credentials: the platform
// default, or the context record's when a reference is present. The
// second return is the mailbox the context authenticates, "" for the
// default application.
func (a *Authorizer) resolveApp(ctx context.Context, contextRef string) (provider.AppConfig, string, error) {
	if contextRef == "" {
		return a.defaults, "", nil
	}

	rec, err := a.contexts.Get(ctx, contextRef)
	if err != nil {
		return provider.AppConfig{}, "", err
	}
	if rec == nil {
		return provider.AppConfig{}, "", fmt.Errorf("%w: unknown context reference", authstate.ErrInvalidState)
	}
	return rec.AppConfig(a.defaults.RedirectURL), rec.Mailbox, nil
}
