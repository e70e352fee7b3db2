package pubsub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

// Verifier checks the OIDC token Google attaches to push deliveries.
// JWKS keys are cached with background refresh so verification never
// blocks on a network fetch.
type Verifier struct {
	jwksURL        string
	audience       string
	serviceAccount string

	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	refreshTTL  time.Duration
}

// NewVerifier builds a verifier for the given push audience. When
// serviceAccount is non-empty the token's email claim must match it.
func NewVerifier(audience, serviceAccount string) (*Verifier, error) {
	v := &Verifier{
		jwksURL:        googleJWKSURL,
		audience:       audience,
		serviceAccount: serviceAccount,
		refreshTTL:     5 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(v.jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keySet, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.backgroundRefresh()

	return v, nil
}

func (v *Verifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *Verifier) backgroundRefresh() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.fetchKeySet(ctx)
		cancel()

		if err == nil {
			v.keySetMutex.Lock()
			v.keySet = keySet
			v.keySetMutex.Unlock()
		}
		// Retry on next tick
	}
}

func (v *Verifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// VerifyRequest validates the bearer token on an inbound push request.
func (v *Verifier) VerifyRequest(r *http.Request) error {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
		jwt.WithAudience(v.audience),
		jwt.WithIssuer("https://accounts.google.com"),
	)
	if err != nil {
		return fmt.Errorf("failed to verify push token: %w", err)
	}

	if v.serviceAccount != "" {
		email, _ := token.Get("email")
		if email != v.serviceAccount {
			return fmt.Errorf("push token email %v is not the expected service account", email)
		}
	}
	return nil
}
