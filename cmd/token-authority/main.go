package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/token-authority/internal/config"
	"github.com/alexjbarnes/token-authority/internal/grants"
	"github.com/alexjbarnes/token-authority/internal/hawk"
	"github.com/alexjbarnes/token-authority/internal/logging"
	"github.com/alexjbarnes/token-authority/internal/nonce"
	"github.com/alexjbarnes/token-authority/internal/registry"
	"github.com/alexjbarnes/token-authority/internal/scopes"
	"github.com/alexjbarnes/token-authority/internal/server"
	"github.com/alexjbarnes/token-authority/internal/store"
	"github.com/alexjbarnes/token-authority/internal/tokens"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle hash-secret subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-secret" {
		hashSecret()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashSecret reads a client secret or resource owner password from
// stdin and prints the bcrypt hash for the registry file.
func hashSecret() {
	fmt.Fprint(os.Stderr, "Enter secret: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	hash, err := bcrypt.GenerateFromPassword(scanner.Bytes(), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

func openBackend(ctx context.Context, cfg *config.Config) (store.TokenStore, error) {
	switch cfg.StoreBackend {
	case config.BackendBolt:
		return store.OpenBolt(cfg.StorePath)
	case config.BackendRedis:
		return store.OpenRedis(ctx, store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, nil)
	default:
		return store.NewMemoryStore(), nil
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.TokenStore, error) {
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.TokenEncryptionKey == "" {
		return backend, nil
	}

	key, err := store.DeriveKey(cfg.TokenEncryptionKey, cfg.TokenEncryptionSalt)
	if err != nil {
		backend.Close()
		return nil, err
	}
	enc, err := store.NewEncryptedStore(backend, key)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return enc, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("token-authority starting",
		slog.String("version", Version),
		slog.String("store", cfg.StoreBackend),
		slog.Bool("encrypted", cfg.TokenEncryptionKey != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, file, err := registry.Load(cfg.RegistryFile)
	if err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}
	catalog, err := scopes.NewCatalog(file.Scopes, file.RequiredScopes)
	if err != nil {
		return fmt.Errorf("building scope catalog: %w", err)
	}

	tokenStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.StoreBackend, err)
	}
	defer tokenStore.Close()

	verifierOpts := []nonce.Option{
		nonce.WithRetention(cfg.NonceRetention),
		nonce.WithStoreTimeout(cfg.StoreTimeout),
		nonce.WithLogger(logger),
	}
	if cfg.NonceAdaptive {
		verifierOpts = append(verifierOpts, nonce.WithPolicy(nonce.DefaultCadenceWindow))
	}
	verifier := nonce.NewVerifier(tokenStore, verifierOpts...)

	authenticator := hawk.NewAuthenticator(tokenStore, verifier, hawk.Config{
		Security:     logging.SecurityLogger(logger),
		Logger:       logger,
		StoreTimeout: cfg.StoreTimeout,
	})

	manager := tokens.NewManager(tokenStore, catalog, cfg.Tokens(), nil, logger)

	handlers := []grants.Handler{
		grants.ClientCredentials{Catalog: catalog},
		grants.Password{Catalog: catalog, Users: reg},
		grants.Refresh{Tokens: manager},
	}
	if cfg.JWTBearerSecret != "" {
		handlers = append(handlers, grants.JWTBearer{
			Catalog:  catalog,
			Secret:   []byte(cfg.JWTBearerSecret),
			Audience: cfg.JWTBearerAudience,
		})
	}
	dispatcher := grants.NewDispatcher(manager, logger, handlers...)

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.NewRouter(server.Config{
			Clients:     reg,
			Users:       reg,
			Dispatcher:  dispatcher,
			Tokens:      manager,
			Hawk:        authenticator,
			NonceWindow: cfg.NonceWindow,
			Logger:      logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server",
			slog.String("listen", cfg.ListenAddr),
			slog.Int("clients", reg.Len()),
			slog.Int("scopes", catalog.Len()),
			slog.Any("grant_types", dispatcher.GrantTypes(
				grants.TypeClientCredentials, grants.TypePassword,
				grants.TypeRefreshToken, grants.TypeJWTBearer,
			)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.WatchRegistry {
		g.Go(func() error {
			if err := reg.Watch(gctx, logger); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watching registry: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return reloadOnHangup(gctx, reg, logger)
	})

	return g.Wait()
}

// reloadOnHangup reloads the registry on SIGHUP.
func reloadOnHangup(ctx context.Context, reg *registry.Registry, logger *slog.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := reg.Reload(); err != nil {
				logger.Error("registry reload failed", slog.String("error", err.Error()))
				continue
			}
			logger.Info("registry reloaded", slog.Int("clients", reg.Len()))
		}
	}
}
