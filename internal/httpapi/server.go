// Package httpapi exposes the redirect callback, the push-notification
// webhook and the host-facing sync trigger over gin.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relayops/mailbridge/internal/authstate"
	"github.com/relayops/mailbridge/internal/gate"
	"github.com/relayops/mailbridge/internal/provider"
	"github.com/relayops/mailbridge/internal/pubsub"
	"github.com/relayops/mailbridge/internal/watch"
)

// Authorizer is the OAuth flow surface the handlers call.
type Authorizer interface {
	AuthorizationURL(ctx context.Context, identityKey, contextRef string) (string, error)
	HandleCallback(ctx context.Context, code, state string) (string, error)
}

// WatchManager is the change-watch surface the handlers call.
type WatchManager interface {
	Initiate(ctx context.Context) error
	OnNotification(ctx context.Context) ([]string, error)
}

// Outbox accepts events for dispatch to the host's event system.
type Outbox interface {
	AppendOutbox(ctx context.Context, subject, eventType string, payload []byte, msgID string) error
}

// PushVerifier validates the OIDC token on inbound push deliveries.
type PushVerifier interface {
	VerifyRequest(r *http.Request) error
}

// Forwarder hands a raw notification payload to the host's event system.
type Forwarder interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Server holds the wired core components behind the HTTP surface.
type Server struct {
	Authorizer Authorizer
	Watch      WatchManager
	Events     Outbox
	Forwarder  Forwarder
	Verifier   PushVerifier // nil disables push verification

	Provider provider.Name
	Mailbox  string
	Subject  string
	Timeout  time.Duration
}

// Register attaches all routes to r.
func (s *Server) Register(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/oauth2/authorize", s.handleAuthorize)
	r.GET("/oauth2/callback", s.handleCallback)
	r.POST("/notifications", s.handleNotification)
	r.POST("/notifications/sync", s.handleSync)
	r.POST("/watch/initiate", s.handleInitiate)
}

func (s *Server) callCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.Timeout)
}

// handleAuthorize redirects the browser to the provider's consent
// screen. The host's middleware sends users here when it catches a
// MustAuthorize signal.
func (s *Server) handleAuthorize(c *gin.Context) {
	identity := c.Query("identity")
	if identity == "" {
		c.String(http.StatusBadRequest, "missing identity parameter")
		return
	}

	ctx, cancel := s.callCtx(c)
	defer cancel()

	url, err := s.Authorizer.AuthorizationURL(ctx, identity, c.Query("context"))
	if err != nil {
		if errors.Is(err, authstate.ErrMalformedIdentity) {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		c.String(http.StatusBadGateway, "failed to build authorization URL: %v", err)
		return
	}

	c.Redirect(http.StatusFound, url)
}

// handleCallback consumes the provider redirect. The response is a
// plain-text outcome for the user's browser, never JSON.
func (s *Server) handleCallback(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		c.String(http.StatusBadRequest, "missing code or state parameter")
		return
	}

	ctx, cancel := s.callCtx(c)
	defer cancel()

	outcome, err := s.Authorizer.HandleCallback(ctx, code, state)
	if err != nil {
		if errors.Is(err, authstate.ErrInvalidState) || errors.Is(err, authstate.ErrMalformedIdentity) {
			c.String(http.StatusBadRequest, "invalid authorization state")
			return
		}
		c.String(http.StatusBadGateway, "Authorization could not be completed. Please try again.")
		return
	}

	c.String(http.StatusOK, outcome)
}

// handleNotification accepts a push delivery and forwards the payload
// to the host's event system. History processing happens separately,
// when the host asks what changed.
func (s *Server) handleNotification(c *gin.Context) {
	if s.Verifier != nil {
		if err := s.Verifier.VerifyRequest(c.Request); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
	}

	var env pubsub.PushEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// A delivery whose body cannot be decoded is junk; dropping it here
	// keeps the host's event stream clean.
	if _, err := pubsub.DecodeNotification(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload, err := json.Marshal(env)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	msgID := env.Message.MessageID
	if msgID == "" {
		msgID = uuid.NewString()
	}

	subject := fmt.Sprintf("%s.notification.push", s.Subject)
	if err := s.Forwarder.Publish(subject, payload, "notification.push|"+msgID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to forward notification"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}

// handleSync runs the change-watch fetch and queues one event per new
// message. Non-interactive: an unauthorized credential is an
// administrator problem here, never a redirect.
func (s *Server) handleSync(c *gin.Context) {
	ctx, cancel := s.callCtx(c)
	defer cancel()

	inv := gate.Invocation{IdentityKey: s.Mailbox, Interactive: false}

	var ids []string
	err := gate.Run(ctx, inv, func(ctx context.Context) error {
		var err error
		ids, err = s.Watch.OnNotification(ctx)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, gate.ErrAdminActionRequired):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, provider.ErrCursorExpired):
			c.JSON(http.StatusConflict, gin.H{"error": "history cursor expired, re-initiate the watch"})
		case errors.Is(err, watch.ErrNotWatching):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	for _, id := range ids {
		event := map[string]any{
			"event_id":   uuid.NewString(),
			"ts":         time.Now().Unix(),
			"provider":   string(s.Provider),
			"mailbox":    s.Mailbox,
			"message_id": id,
		}
		payload, _ := json.Marshal(event)

		subject := fmt.Sprintf("%s.message.new", s.Subject)
		msgID := fmt.Sprintf("message.new|%s|%s", s.Provider, id)
		if err := s.Events.AppendOutbox(ctx, subject, "message.new", payload, msgID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"message_ids": ids})
}

// handleInitiate (re-)registers the watch subscription. Also the
// recovery path after a cursor-expired sync.
func (s *Server) handleInitiate(c *gin.Context) {
	ctx, cancel := s.callCtx(c)
	defer cancel()

	inv := gate.Invocation{IdentityKey: s.Mailbox, Interactive: false}
	err := gate.Run(ctx, inv, func(ctx context.Context) error {
		return s.Watch.Initiate(ctx)
	})
	if err != nil {
		switch {
		case errors.Is(err, gate.ErrAdminActionRequired):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, provider.ErrInvalidTopic):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "watching"})
}
