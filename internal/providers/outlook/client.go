// Package outlook implements the provider contracts against Microsoft
// Graph. It is the secondary provider; selection happens in the
// composition root.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/relayops/mailbridge/internal/provider"
)

const revokeSessionsURL = "https://graph.microsoft.com/v1.0/me/revokeSignInSessions"

var scopes = []string{"offline_access", "https://graph.microsoft.com/Mail.ReadWrite"}

func oauthConfig(app provider.AppConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		RedirectURL:  app.RedirectURL,
		Scopes:       scopes,
		Endpoint:     microsoft.AzureADEndpoint("common"),
	}
}

// Auth is the Microsoft OAuth surface.
type Auth struct {
	httpClient *http.Client
}

// NewAuth creates the Microsoft auth client.
func NewAuth() *Auth {
	return &Auth{httpClient: http.DefaultClient}
}

// AuthCodeURL builds the consent URL. offline_access is in the scope
// set; prompt=consent forces re-consent so returning users still get a
// refresh token.
func (a *Auth) AuthCodeURL(app provider.AppConfig, state string) (string, error) {
	return oauthConfig(app).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
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

// Revoke invalidates the user's refresh tokens. Microsoft has no
// per-token revocation endpoint; revoking the sign-in sessions is the
// closest equivalent.
func (a *Auth) Revoke(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeSessionsURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("revoke returned status %d", resp.StatusCode)
	}
	return nil
}

// VerifyMailbox fetches /me and compares the authenticated account to
// the configured mailbox address.
func (a *Auth) VerifyMailbox(ctx context.Context, tok *provider.Token, mailbox string) error {
	client, err := graphClient(tok.AccessToken)
	if err != nil {
		return err
	}

	me, err := client.Me().Get(ctx, nil)
	if err != nil {
		return mapGraphError(err)
	}

	for _, addr := range []*string{me.GetMail(), me.GetUserPrincipalName()} {
		if addr != nil && strings.EqualFold(*addr, mailbox) {
			return nil
		}
	}
	return fmt.Errorf("%w: authenticated account is not %s", provider.ErrUnauthorized, mailbox)
}

// CredentialSource yields the stored secret for an identity key.
type CredentialSource interface {
	Get(ctx context.Context, key string) (string, error)
}

// subscriptionClient is the slice of the Graph subscription API the
// watch lifecycle needs.
type subscriptionClient interface {
	Create(ctx context.Context, topic string, expiry time.Time) (string, error)
	Delete(ctx context.Context, id string) error
}

// Client is the Graph mailbox surface for the configured mailbox owner.
type Client struct {
	app     provider.AppConfig
	mailbox string
	creds   CredentialSource

	subs func(ctx context.Context) (subscriptionClient, error)

	// mu guards subscriptionID: Watch races between the renewal ticker
	// and the initiate endpoint.
	mu             sync.Mutex
	subscriptionID string
}

// NewClient creates the Graph mailbox client.
func NewClient(app provider.AppConfig, mailbox string, creds CredentialSource) *Client {
	c := &Client{app: app, mailbox: mailbox, creds: creds}
	c.subs = func(ctx context.Context) (subscriptionClient, error) {
		client, err := c.graph(ctx)
		if err != nil {
			return nil, err
		}
		return graphSubscriptions{client: client}, nil
	}
	return c
}

func (c *Client) graph(ctx context.Context) (*msgraphsdk.GraphServiceClient, error) {
	secret, err := c.creds.Get(ctx, c.mailbox)
	if err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, fmt.Errorf("%w: no stored credential for %s", provider.ErrUnauthorized, c.mailbox)
	}

	src := oauthConfig(c.app).TokenSource(ctx, &oauth2.Token{RefreshToken: secret})
	tok, err := src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return nil, fmt.Errorf("%w: %v", provider.ErrUnauthorized, rerr.ErrorCode)
		}
		return nil, fmt.Errorf("%w: %v", provider.ErrUnreachable, err)
	}

	return graphClient(tok.AccessToken)
}

// Watch creates a Graph change-notification subscription. For Graph the
// "topic" is the notification URL the subscription posts to. The
// baseline cursor is the registration instant: History filters on
// receivedDateTime, since message delta links cannot be seeded without
// walking the whole mailbox first.
func (c *Client) Watch(ctx context.Context, topic string) (*provider.WatchResult, error) {
	if _, err := url.ParseRequestURI(topic); err != nil {
		return nil, fmt.Errorf("%w: %q is not a notification URL", provider.ErrInvalidTopic, topic)
	}

	subs, err := c.subs(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replace, never stack: a re-registration that left the previous
	// subscription alive would duplicate every push delivery.
	if c.subscriptionID != "" {
		if err := subs.Delete(ctx, c.subscriptionID); err != nil {
			log.Printf("delete superseded graph subscription %s: %v", c.subscriptionID, err)
		}
		c.subscriptionID = ""
	}

	expiry := time.Now().Add(72 * time.Hour).UTC()
	id, err := subs.Create(ctx, topic, expiry)
	if err != nil {
		return nil, err
	}
	c.subscriptionID = id

	baseline := time.Now().UTC()
	return &provider.WatchResult{
		Cursor: baseline.Format(time.RFC3339),
		Expiry: expiry,
	}, nil
}

// StopWatch deletes the subscription created by Watch.
func (c *Client) StopWatch(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subscriptionID == "" {
		return nil
	}

	subs, err := c.subs(ctx)
	if err != nil {
		return err
	}
	if err := subs.Delete(ctx, c.subscriptionID); err != nil {
		return err
	}
	c.subscriptionID = ""
	return nil
}

// History lists messages received after the cursor timestamp. Outbound
// messages are tagged with the normalized sent label so the manager can
// filter the sender's own echo.
func (c *Client) History(ctx context.Context, cursor string) (*provider.HistoryDelta, error) {
	since, err := time.Parse(time.RFC3339, cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid history cursor %q: %w", cursor, err)
	}

	client, err := c.graph(ctx)
	if err != nil {
		return nil, err
	}

	filter := fmt.Sprintf("receivedDateTime gt %s", since.UTC().Format(time.RFC3339))
	cfg := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     ptr(int32(100)),
			Filter:  &filter,
			Orderby: []string{"receivedDateTime asc"},
			Select:  []string{"id", "conversationId", "from", "receivedDateTime"},
		},
	}

	result, err := client.Me().Messages().Get(ctx, cfg)
	if err != nil {
		return nil, mapGraphError(err)
	}

	delta := &provider.HistoryDelta{Cursor: cursor}
	latest := since

	for _, msg := range result.GetValue() {
		added := provider.AddedMessage{}
		if id := msg.GetId(); id != nil {
			added.ID = *id
		}
		if convID := msg.GetConversationId(); convID != nil {
			added.ThreadID = *convID
		}
		if c.isOutbound(msg) {
			added.Labels = []string{provider.LabelSent}
		} else {
			added.Labels = []string{provider.LabelInbox}
		}
		if rcvd := msg.GetReceivedDateTime(); rcvd != nil && rcvd.After(latest) {
			latest = *rcvd
		}
		delta.Added = append(delta.Added, added)
	}

	delta.Cursor = latest.UTC().Format(time.RFC3339)
	return delta, nil
}

func (c *Client) isOutbound(msg models.Messageable) bool {
	from := msg.GetFrom()
	if from == nil {
		return false
	}
	email := from.GetEmailAddress()
	if email == nil || email.GetAddress() == nil {
		return false
	}
	return strings.EqualFold(*email.GetAddress(), c.mailbox)
}

// graphSubscriptions implements subscriptionClient over the SDK.
type graphSubscriptions struct {
	client *msgraphsdk.GraphServiceClient
}

func (g graphSubscriptions) Create(ctx context.Context, topic string, expiry time.Time) (string, error) {
	sub := models.NewSubscription()
	sub.SetChangeType(ptr("created"))
	sub.SetNotificationUrl(ptr(topic))
	sub.SetResource(ptr("me/messages"))
	sub.SetExpirationDateTime(&expiry)

	created, err := g.client.Subscriptions().Post(ctx, sub, nil)
	if err != nil {
		return "", mapGraphError(err)
	}
	if id := created.GetId(); id != nil {
		return *id, nil
	}
	return "", nil
}

func (g graphSubscriptions) Delete(ctx context.Context, id string) error {
	if err := g.client.Subscriptions().BySubscriptionId(id).Delete(ctx, nil); err != nil {
		return mapGraphError(err)
	}
	return nil
}

func graphClient(accessToken string) (*msgraphsdk.GraphServiceClient, error) {
	cred := &staticTokenCredential{token: accessToken}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("create graph client: %w", err)
	}
	return client, nil
}

// mapGraphError folds Graph errors into the provider taxonomy.
func mapGraphError(err error) error {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		switch oerr.ResponseStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", provider.ErrUnauthorized, oerr.Error())
		case http.StatusGone:
			return fmt.Errorf("%w: %v", provider.ErrCursorExpired, oerr.Error())
		}
		return err
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

// staticTokenCredential adapts a bearer token to the Azure credential
// interface the Graph SDK wants.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

func ptr[T any](v T) *T { return &v }
