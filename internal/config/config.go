package config

import (
	"fmt"
	"time"
)

// Config represents the application configuration
type Config struct {
	Provider ProviderConfig `toml:"provider"`
	Watch    WatchConfig    `toml:"watch"`
	Server   ServerConfig   `toml:"server"`
	NATS     NATSConfig     `toml:"nats"`
	Storage  StorageConfig  `toml:"storage"`
	Push     PushConfig     `toml:"push"`
}

// ProviderConfig holds the default provider application credentials and
// the administrator-configured mailbox owner.
type ProviderConfig struct {
	Kind           string `toml:"kind"` // "google" or "microsoft"
	ClientID       string `toml:"client_id"`
	ClientSecret   string `toml:"client_secret"` // overridden by MAILBRIDGE_CLIENT_SECRET
	RedirectURL    string `toml:"redirect_url"`
	Mailbox        string `toml:"mailbox"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Timeout returns the per-call provider request timeout.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// WatchConfig controls the push-notification subscription. An empty
// Topic disables watching entirely.
type WatchConfig struct {
	Topic           string `toml:"topic"`
	RenewEveryHours int    `toml:"renew_every_hours"`
}

// RenewEvery returns how often the subscription is re-registered.
func (w WatchConfig) RenewEvery() time.Duration {
	return time.Duration(w.RenewEveryHours) * time.Hour
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// NATSConfig holds the event hand-off settings
type NATSConfig struct {
	URL     string `toml:"url"`
	Stream  string `toml:"stream"`
	Subject string `toml:"subject"`
}

// StorageConfig holds local persistence settings
type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

// PushConfig controls verification of inbound push deliveries.
type PushConfig struct {
	VerifyOIDC     bool   `toml:"verify_oidc"`
	Audience       string `toml:"audience"`
	ServiceAccount string `toml:"service_account"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Kind:           "google",
			RedirectURL:    "http://localhost:8080/oauth2/callback",
			TimeoutSeconds: 30,
		},
		Watch: WatchConfig{
			RenewEveryHours: 24,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Stream:  "MAIL_EVENTS",
			Subject: "mail",
		},
		Storage: StorageConfig{
			DataDir: "data",
		},
	}
}

// Validate checks the configuration for values that cannot work
func (c *Config) Validate() error {
	switch c.Provider.Kind {
	case "google", "microsoft":
	default:
		return fmt.Errorf("provider.kind must be google or microsoft, got %q", c.Provider.Kind)
	}

	if c.Provider.ClientID == "" {
		return fmt.Errorf("provider.client_id is required")
	}
	if c.Provider.Mailbox == "" {
		return fmt.Errorf("provider.mailbox is required")
	}
	if c.Provider.TimeoutSeconds <= 0 {
		return fmt.Errorf("provider.timeout_seconds must be positive, got %d", c.Provider.TimeoutSeconds)
	}
	if c.Watch.Topic != "" && c.Watch.RenewEveryHours <= 0 {
		return fmt.Errorf("watch.renew_every_hours must be positive when a topic is set")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.NATS.URL == "" || c.NATS.Stream == "" || c.NATS.Subject == "" {
		return fmt.Errorf("nats.url, nats.stream and nats.subject are required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Push.VerifyOIDC && c.Push.Audience == "" {
		return fmt.Errorf("push.audience is required when push.verify_oidc is set")
	}
	return nil
}
