// Package gmail implements the provider contracts against the Gmail API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/relayops/mailbridge/internal/provider"
)

const revokeURL = "https://oauth2.googleapis.com/revoke"

func oauthConfig(app provider.AppConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		RedirectURL:  app.RedirectURL,
		Scopes:       []string{gmailapi.GmailModifyScope},
		Endpoint:     google.Endpoint,
	}
}

// Auth is the Gmail OAuth surface.
type Auth struct {
	httpClient *http.Client
}

// NewAuth creates the Gmail auth client.
func NewAuth() *Auth {
	return &Auth{httpClient: http.DefaultClient}
}

// AuthCodeURL builds the consent URL. Offline access and the forced
// consent prompt are both mandatory: without the prompt a returning user
// is not re-asked and gets no refresh token on later grants.
func (a *Auth) AuthCodeURL(app provider.AppConfig, state string) (string, error) {
	return oauthConfig(app).AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange trades an authorization code for tokens.
func (a *Auth) Exchange(ctx context.Context, app provider.AppConfig, code string) (*provider.Token, error) {
	tok, err := oauthConfig(app).Exchange(ctx, code)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.ErrorCode != "" {
			return nil, &provider.ExchangeError{
				Code:        rerr.ErrorCode,
				Description: rerr.ErrorDescription,
			}
		}
		return nil, fmt.Errorf("%w: %v", provider.ErrUnreachable, err)
	}

	return &provider.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// Revoke invalidates a token at Google's revocation endpoint.
func (a *Auth) Revoke(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke returned status %d", resp.StatusCode)
	}
	return nil
}

// VerifyMailbox fetches the profile for the given mailbox address with
// the just-issued token. Gmail rejects the call when the authenticated
// account is a different user, which is exactly the ownership check.
func (a *Auth) VerifyMailbox(ctx context.Context, tok *provider.Token, mailbox string) error {
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: tok.AccessToken,
	}))
	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return fmt.Errorf("create gmail service: %w", err)
	}

	profile, err := svc.Users.GetProfile(mailbox).Context(ctx).Do()
	if err != nil {
		return mapAPIError(err)
	}
	if !strings.EqualFold(profile.EmailAddress, mailbox) {
		return fmt.Errorf("%w: authenticated as %s", provider.ErrUnauthorized, profile.EmailAddress)
	}
	return nil
}

// CredentialSource yields the stored secret for an identity key.
type CredentialSource interface {
	Get(ctx context.Context, key string) (string, error)
}

// Client is the Gmail mailbox surface, authenticating as the configured
// mailbox owner with whatever credential is currently stored.
type Client struct {
	app     provider.AppConfig
	mailbox string
	creds   CredentialSource
}

// NewClient creates the Gmail mailbox client for the admin mailbox.
func NewClient(app provider.AppConfig, mailbox string, creds CredentialSource) *Client {
	return &Client{app: app, mailbox: mailbox, creds: creds}
}

// service builds a Gmail service from the stored credential. The oauth2
// transport refreshes access tokens transparently while the refresh
// token is valid.
func (c *Client) service(ctx context.Context) (*gmailapi.Service, error) {
	secret, err := c.creds.Get(ctx, c.mailbox)
	if err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, fmt.Errorf("%w: no stored credential for %s", provider.ErrUnauthorized, c.mailbox)
	}

	var src oauth2.TokenSource
	if strings.HasPrefix(secret, "ya29.") {
		// Degraded credential: a bare access token with no refresh.
		src = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: secret})
	} else {
		src = oauthConfig(c.app).TokenSource(ctx, &oauth2.Token{RefreshToken: secret})
	}

	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, src)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

// Watch registers the push subscription for the inbox and sent labels.
func (c *Client) Watch(ctx context.Context, topic string) (*provider.WatchResult, error) {
	svc, err := c.service(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Users.Watch("me", &gmailapi.WatchRequest{
		TopicName:           topic,
		LabelIds:            []string{provider.LabelInbox, provider.LabelSent},
		LabelFilterBehavior: "INCLUDE",
	}).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusBadRequest {
			return nil, fmt.Errorf("%w: topic %q: %v", provider.ErrInvalidTopic, topic, gerr.Message)
		}
		return nil, mapAPIError(err)
	}

	return &provider.WatchResult{
		Cursor: strconv.FormatUint(resp.HistoryId, 10),
		Expiry: millisToTime(resp.Expiration),
	}, nil
}

// StopWatch tears down the subscription.
func (c *Client) StopWatch(ctx context.Context) error {
	svc, err := c.service(ctx)
	if err != nil {
		return err
	}
	if err := svc.Users.Stop("me").Context(ctx).Do(); err != nil {
		return mapAPIError(err)
	}
	return nil
}

// History lists "message added" changes after cursor. Gmail answers 404
// when the cursor is older than it keeps history for, which is the
// re-baseline signal, not a generic failure.
func (c *Client) History(ctx context.Context, cursor string) (*provider.HistoryDelta, error) {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid history cursor %q: %w", cursor, err)
	}

	svc, err := c.service(ctx)
	if err != nil {
		return nil, err
	}

	delta := &provider.HistoryDelta{Cursor: cursor}
	latest := start

	call := svc.Users.History.List("me").
		StartHistoryId(start).
		HistoryTypes("messageAdded").
		MaxResults(100)

	err = call.Pages(ctx, func(page *gmailapi.ListHistoryResponse) error {
		if page.HistoryId > latest {
			latest = page.HistoryId
		}
		for _, h := range page.History {
			if h.Id > latest {
				latest = h.Id
			}
			for _, added := range h.MessagesAdded {
				if added.Message == nil {
					continue
				}
				delta.Added = append(delta.Added, provider.AddedMessage{
					ID:       added.Message.Id,
					ThreadID: added.Message.ThreadId,
					Labels:   added.Message.LabelIds,
				})
			}
		}
		return nil
	})
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: start %d", provider.ErrCursorExpired, start)
		}
		return nil, mapAPIError(err)
	}

	delta.Cursor = strconv.FormatUint(latest, 10)
	return delta, nil
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// mapAPIError folds transport and API errors into the provider
// taxonomy.
func mapAPIError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", provider.ErrUnauthorized, gerr.Message)
		}
		return err
	}

	// A refresh-token rejection surfaces from the oauth2 transport, not
	// as an API status. Indistinguishable from "never authorized."
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return fmt.Errorf("%w: %v", provider.ErrUnauthorized, rerr.ErrorCode)
	}

	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%w: %v", provider.ErrUnreachable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", provider.ErrUnreachable, err)
	}

	return err
}
