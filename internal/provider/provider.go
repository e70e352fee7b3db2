package provider

import (
	"context"
	"errors"
	"time"
)

// Name represents mailbox provider types
type Name string

const (
	NameGoogle    Name = "GOOGLE"
	NameMicrosoft Name = "MICROSOFT"
)

// Token represents the tokens issued by one authorization code exchange.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// AppConfig identifies the provider application a flow authenticates
// against. Usually the platform default; overridden by a context record.
type AppConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// LabelSent is the normalized outbound marker. The watch subscribes to
// the sent label too, so the sender's own echo carries it and gets
// filtered out of change notifications.
const LabelSent = "SENT"

// LabelInbox is the normalized inbox label.
const LabelInbox = "INBOX"

// ContextRecord holds the non-default application credentials used for
// exactly one authorization round-trip. It is keyed by a random
// reference and deleted once the callback that needed it completes.
type ContextRecord struct {
	ClientID     string
	ClientSecret string
	Mailbox      string
}

// AppConfig merges a context record with the host's redirect URL.
func (r *ContextRecord) AppConfig(redirectURL string) AppConfig {
	return AppConfig{
		ClientID:     r.ClientID,
		ClientSecret: r.ClientSecret,
		RedirectURL:  redirectURL,
	}
}

// WatchResult is the provider's answer to a watch registration: the
// baseline cursor to sync from and when the subscription lapses.
type WatchResult struct {
	Cursor string
	Expiry time.Time
}

// AddedMessage is one "message added" history entry.
type AddedMessage struct {
	ID       string
	ThreadID string
	Labels   []string
}

// HistoryDelta is the result of one history fetch. Cursor is the latest
// server-reported position, valid even when Added is empty.
type HistoryDelta struct {
	Cursor string
	Added  []AddedMessage
}

var (
	// ErrUnauthorized is the 401-equivalent: the stored credential was
	// rejected, whether expired, revoked or never granted.
	ErrUnauthorized = errors.New("provider rejected credential")

	// ErrUnreachable marks network-level failures. No local state may be
	// mutated when it is returned; the whole operation is retryable.
	ErrUnreachable = errors.New("provider unreachable")

	// ErrCursorExpired means the stored cursor is too old for the provider
	// to compute a delta. The caller must re-baseline via watch
	// registration, never fabricate a cursor.
	ErrCursorExpired = errors.New("history cursor expired")

	// ErrInvalidTopic means the provider rejected the notification topic
	// name. Configuration error, fatal until corrected.
	ErrInvalidTopic = errors.New("invalid notification topic format")
)

// ExchangeError is a structured rejection of a code-for-token exchange.
// It carries the provider's error fields so a human-readable description
// can be shown instead of a generic failure.
type ExchangeError struct {
	Code        string
	Description string
}

func (e *ExchangeError) Error() string {
	return "token exchange rejected: " + e.Describe()
}

// Describe builds the user-facing description from whatever structured
// fields the provider supplied.
func (e *ExchangeError) Describe() string {
	switch {
	case e.Description != "":
		return e.Description
	case e.Code != "":
		return e.Code
	default:
		return "the provider rejected the authorization code"
	}
}

// AuthClient is the OAuth surface of a provider.
type AuthClient interface {
	// AuthCodeURL builds the consent URL for the given app. Implementations
	// must request offline access and force the consent prompt, otherwise a
	// returning user gets no refresh token.
	AuthCodeURL(app AppConfig, state string) (string, error)

	// Exchange trades an authorization code for tokens.
	Exchange(ctx context.Context, app AppConfig, code string) (*Token, error)

	// Revoke invalidates a token at the provider. Best effort: callers
	// delete local state even when it fails.
	Revoke(ctx context.Context, token string) error

	// VerifyMailbox checks that the credential authenticates as the given
	// mailbox address. ErrUnauthorized when it does not.
	VerifyMailbox(ctx context.Context, tok *Token, mailbox string) error
}

// MailboxClient is the change-watch surface of a provider.
type MailboxClient interface {
	// Watch registers (or re-registers) the push subscription for the
	// inbox and sent labels and returns the baseline cursor.
	Watch(ctx context.Context, topic string) (*WatchResult, error)

	// StopWatch tears down the subscription.
	StopWatch(ctx context.Context) error

	// History lists mailbox changes after cursor.
	History(ctx context.Context, cursor string) (*HistoryDelta, error)
}
