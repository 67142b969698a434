package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/quizdeck/sessiond/internal/config"
	"github.com/quizdeck/sessiond/internal/directory"
	"github.com/quizdeck/sessiond/internal/gateway"
	"github.com/quizdeck/sessiond/internal/kvstore"
	"github.com/quizdeck/sessiond/internal/notify"
	"github.com/quizdeck/sessiond/internal/password"
	"github.com/quizdeck/sessiond/internal/provider"
	"github.com/quizdeck/sessiond/internal/provider/google"
	"github.com/quizdeck/sessiond/internal/sessions"
	"github.com/quizdeck/sessiond/internal/token"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	dir, closeDir, err := buildDirectory(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDir()

	issuer, err := token.NewIssuer(token.Config{
		AccessSecret:    []byte(cfg.AccessSecret),
		RefreshSecret:   []byte(cfg.RefreshSecret),
		Issuer:          cfg.JWTIssuer,
		AccessTTL:       cfg.AccessTTL,
		RefreshTTL:      cfg.RefreshTTL,
		AdminRefreshTTL: cfg.AdminRefreshTTL,
	})
	if err != nil {
		return err
	}

	machine := sessions.NewMachine(store, dir, issuer, sessions.Config{
		AnonymousTTL:     cfg.AnonymousTTL,
		MaxAuthorizedTTL: cfg.SessionAuthTTL,
	}, log)

	var sink notify.Sink
	if cfg.ResendAPIKey != "" {
		sink, err = notify.NewResendSink(cfg.ResendAPIKey, cfg.EmailFrom)
		if err != nil {
			return err
		}
	} else {
		log.Warn("RESEND_API_KEY not set, verification codes go to the log")
		sink = notify.NewLogSink(log)
	}

	var providers *provider.Registry
	if cfg.GoogleEnabled() {
		g, err := google.New(ctx, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
		if err != nil {
			return err
		}
		providers = provider.NewRegistry()
		providers.Register(g)
		log.Info("identity providers enabled", "providers", providers.Names())
	}

	gw := gateway.New(machine, dir, issuer, password.NewHasher(password.Config{}), sink, providers, nil, gateway.Config{
		SecureCookies: cfg.SecureCookies,
	}, log)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// buildStore returns the Redis-backed store when REDIS_ADDR is set and
// the embedded in-memory store otherwise.
func buildStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (kvstore.Store, func(), error) {
	if cfg.RedisAddr == "" {
		log.Warn("REDIS_ADDR not set, sessions are process-local")
		mem := kvstore.NewMemory()
		return mem, func() { mem.Close() }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := kvstore.NewRedis(client, "")

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		client.Close()
		return nil, nil, err
	}
	log.Info("session store connected", "addr", cfg.RedisAddr)
	return store, func() { client.Close() }, nil
}

// buildDirectory returns the Postgres directory when DATABASE_DSN is set
// and the embedded in-memory directory otherwise.
func buildDirectory(ctx context.Context, cfg *config.Config, log *slog.Logger) (directory.Directory, func(), error) {
	if cfg.DatabaseDSN == "" {
		log.Warn("DATABASE_DSN not set, user directory is process-local")
		return directory.NewMemory(), func() {}, nil
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	pg := directory.NewPostgres(db)
	if err := pg.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	log.Info("user directory connected")
	return pg, func() { db.Close() }, nil
}
