package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relayops/mailbridge/internal/authflow"
	"github.com/relayops/mailbridge/internal/config"
	eventsqlite "github.com/relayops/mailbridge/internal/eventstore/sqlite"
	"github.com/relayops/mailbridge/internal/httpapi"
	natsjs "github.com/relayops/mailbridge/internal/nats"
	"github.com/relayops/mailbridge/internal/provider"
	"github.com/relayops/mailbridge/internal/providers/gmail"
	"github.com/relayops/mailbridge/internal/providers/outlook"
	"github.com/relayops/mailbridge/internal/pubsub"
	"github.com/relayops/mailbridge/internal/store"
	"github.com/relayops/mailbridge/internal/watch"
)

func main() {
	configPath := flag.String("config", "mailbridge.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		log.Fatal(err)
	}

	authStore, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		log.Fatalf("open auth store: %v", err)
	}
	defer authStore.Close()

	events, err := eventsqlite.Open(filepath.Join(cfg.Storage.DataDir, "events.db"))
	if err != nil {
		log.Fatalf("open event store: %v", err)
	}
	defer events.Close()

	publisher, err := natsjs.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream)
	if err != nil {
		log.Fatalf("connect NATS: %v", err)
	}
	defer publisher.Close()

	if err := publisher.EnsureStream(context.Background()); err != nil {
		log.Fatalf("ensure stream: %v", err)
	}

	app := provider.AppConfig{
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		RedirectURL:  cfg.Provider.RedirectURL,
	}

	var (
		authClient    provider.AuthClient
		mailboxClient provider.MailboxClient
		providerName  provider.Name
	)
	switch cfg.Provider.Kind {
	case "microsoft":
		authClient = outlook.NewAuth()
		mailboxClient = outlook.NewClient(app, cfg.Provider.Mailbox, authStore.Credentials())
		providerName = provider.NameMicrosoft
	default:
		authClient = gmail.NewAuth()
		mailboxClient = gmail.NewClient(app, cfg.Provider.Mailbox, authStore.Credentials())
		providerName = provider.NameGoogle
	}

	authorizer := authflow.New(app, authClient, authStore.Credentials(), authStore.Contexts())
	watcher := watch.NewManager(mailboxClient, events, cfg.Watch.Topic)

	var verifier httpapi.PushVerifier
	if cfg.Push.VerifyOIDC {
		v, err := pubsub.NewVerifier(cfg.Push.Audience, cfg.Push.ServiceAccount)
		if err != nil {
			log.Fatalf("init push verifier: %v", err)
		}
		verifier = v
	}

	api := &httpapi.Server{
		Authorizer: authorizer,
		Watch:      watcher,
		Events:     events,
		Forwarder:  publisher,
		Verifier:   verifier,
		Provider:   providerName,
		Mailbox:    cfg.Provider.Mailbox,
		Subject:    cfg.NATS.Subject,
		Timeout:    cfg.Provider.Timeout(),
	}

	r := gin.Default()
	api.Register(r)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher := &natsjs.Dispatcher{Publisher: publisher, Store: events}
	go dispatcher.Run(ctx)

	if cfg.Watch.Topic != "" {
		go renewLoop(ctx, watcher, cfg.Watch.RenewEvery(), cfg.Provider.Timeout())
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}
	go func() {
		log.Printf("listening on %s (provider=%s mailbox=%s)", cfg.Server.Addr, providerName, cfg.Provider.Mailbox)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := watcher.Stop(shutdownCtx); err != nil {
		log.Printf("stop watch: %v", err)
	}
}

// renewLoop registers the watch subscription and keeps re-registering
// it before the provider lets it lapse. Failures are retried on the
// next tick rather than crashing the process.
func renewLoop(ctx context.Context, watcher *watch.Manager, every, timeout time.Duration) {
	register := func() {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := watcher.Initiate(callCtx); err != nil {
			log.Printf("watch registration failed: %v", err)
		}
	}

	register()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			register()
		}
	}
}
