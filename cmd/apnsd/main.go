// apnsd exposes the dispatch engine over a small HTTP API: device
// registration, single-destination pushes with retry, and broadcasts.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/pushgate/apns"
	"github.com/pushgate/apns/registry"
	"github.com/pushgate/apns/retry"
	"github.com/pushgate/apns/token"
)

type config struct {
	Addr string `env:"APNSD_ADDR, default=:8080"`

	// Exactly one of KeyPath and KMSKey must be set.
	KeyPath string `env:"APNS_KEY_PATH"`
	KMSKey  string `env:"APNS_KMS_KEY"`

	KeyID   string        `env:"APNS_KEY_ID, required"`
	TeamID  string        `env:"APNS_TEAM_ID, required"`
	Topic   string        `env:"APNS_TOPIC, required"`
	Sandbox bool          `env:"APNS_SANDBOX, default=true"`
	Timeout time.Duration `env:"APNS_TIMEOUT, default=20s"`

	// DBPath enables the SQLite-backed registry; empty keeps
	// registrations in memory.
	DBPath string `env:"APNSD_DB"`
}

func main() {
	_ = godotenv.Load()

	log := clog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := clog.WithLogger(context.Background(), log)

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	var signer token.Signer
	switch {
	case cfg.KMSKey != "":
		kmsSigner, err := token.NewKMSSigner(ctx, cfg.KMSKey)
		if err != nil {
			log.Fatalf("initializing KMS signer: %v", err)
		}
		defer kmsSigner.Close()
		signer = kmsSigner
	case cfg.KeyPath != "":
		signer = token.NewFileSigner(cfg.KeyPath)
	default:
		log.Fatalf("either APNS_KEY_PATH or APNS_KMS_KEY must be set")
	}

	issuer := token.NewIssuer(signer, cfg.KeyID, cfg.TeamID)
	// Fail fast on unusable key material instead of at the first push.
	if _, err := issuer.Bearer(ctx); err != nil {
		log.Fatalf("validating provider credentials: %v", err)
	}

	var (
		store registry.Store
		err   error
	)
	if cfg.DBPath != "" {
		store, err = registry.NewSQLite(cfg.DBPath)
		if err != nil {
			log.Fatalf("opening device registry %s: %v", cfg.DBPath, err)
		}
		log.Infof("device registry persisted at %s", cfg.DBPath)
	} else {
		store = registry.NewMemory()
		log.Infof("device registry kept in memory")
	}
	defer store.Close()

	client := apns.NewClient(issuer, store, apns.Config{
		Topic:   cfg.Topic,
		Sandbox: cfg.Sandbox,
		Timeout: cfg.Timeout,
	})
	defer client.Close()

	srv := &server{
		client: client,
		store:  store,
		retry: retry.Config{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
	}

	log.Infof("apnsd listening on %s (sandbox=%v, topic=%s)", cfg.Addr, cfg.Sandbox, cfg.Topic)
	if err := http.ListenAndServe(cfg.Addr, withContext(ctx, srv.routes())); err != nil {
		log.Fatalf("server: %v", err)
	}
}

// withContext hands every request the logger-carrying base context.
func withContext(ctx context.Context, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(clog.WithLogger(r.Context(), clog.FromContext(ctx))))
	})
}
