package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Andiesam/test-dpr/internal/approval"
	"github.com/Andiesam/test-dpr/internal/audit"
	"github.com/Andiesam/test-dpr/internal/auth"
	"github.com/Andiesam/test-dpr/internal/config"
	"github.com/Andiesam/test-dpr/internal/credential"
	"github.com/Andiesam/test-dpr/internal/decision"
	"github.com/Andiesam/test-dpr/internal/dispatch"
	"github.com/Andiesam/test-dpr/internal/metrics"
	"github.com/Andiesam/test-dpr/internal/server"
	"github.com/Andiesam/test-dpr/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Receive protection rule webhooks and relay operator decisions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			setupLogger(cfg.Log)

			ctx, cancel := setupSignalHandler()
			defer cancel()

			if err := run(ctx, cfg); err != nil {
				log.Error().Err(err).Msg("relay error")
				return err
			}

			log.Info().Msg("relay stopped")
			return nil
		},
	}

	flags := serve.Flags()
	flags.Int("port", 8080, "HTTP listen port")
	flags.String("public-url", "", "URL operators use to reach the relay")
	flags.String("app-id", "", "GitHub App id")
	flags.String("private-key-path", "", "GitHub App private key (PEM), reloaded on change")
	flags.String("api-url", "", "GitHub API base URL")
	flags.String("db-path", "", "audit database path")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "console or json")

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Deployment protection rule relay",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./relay.yaml or ./configs/relay.yaml)")
	root.Flags().AddFlagSet(flags)
	root.AddCommand(serve)

	return root
}

func run(ctx context.Context, cfg *config.Config) error {
	log.Info().Msg("starting deployment relay")

	m := metrics.New(prometheus.DefaultRegisterer)

	auditStore, err := initAuditStore(cfg.Audit)
	if err != nil {
		return err
	}
	defer func() {
		if err := auditStore.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close audit store")
		}
	}()

	issuer, err := initIssuer(cfg, m)
	if err != nil {
		return err
	}

	if cfg.GitHub.PrivateKeyPath != "" && cfg.GitHub.PrivateKey == "" {
		watcher, err := credential.NewKeyWatcher(cfg.GitHub.PrivateKeyPath, issuer.SetSigningKey)
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	registry := approval.NewInMemoryRegistry()
	defer func() {
		if err := registry.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close registry")
		}
	}()

	maxRetries := cfg.Dispatch.MaxRetries
	if maxRetries == 0 {
		maxRetries = dispatch.NoRetries
	}
	dispatcher := dispatch.New(issuer, dispatch.Config{
		MaxRetries:  maxRetries,
		BaseBackoff: cfg.Dispatch.BaseBackoff,
		Timeout:     cfg.Dispatch.Timeout,
		RateLimit:   cfg.Dispatch.RateLimit,
		RateBurst:   cfg.Dispatch.RateBurst,
	}, m)

	authManager, err := initAuthManager(cfg.Auth)
	if err != nil {
		return err
	}

	ingress := webhook.NewIngress(webhook.Config{PublicURL: cfg.Server.PublicURL}, registry, dispatcher, auditStore, m)
	defer ingress.Wait()

	srv := server.New(server.Config{
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, server.Deps{
		Registry:  registry,
		Ingress:   ingress,
		Decisions: decision.NewService(registry, dispatcher, auditStore, m),
		Audit:     auditStore,
		Auth:      authManager,
		Gatherer:  prometheus.DefaultGatherer,
	})

	return runServer(ctx, srv)
}

func setupLogger(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	return ctx, cancel
}

func initAuditStore(cfg config.AuditConfig) (audit.Store, error) {
	if !cfg.Enabled {
		log.Info().Msg("audit disabled")
		return audit.NopStore{}, nil
	}

	log.Info().Str("path", cfg.DBPath).Msg("initializing audit store")

	store, err := audit.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}

	return store, nil
}

func initIssuer(cfg *config.Config, m *metrics.Metrics) (*credential.Issuer, error) {
	key, err := cfg.PrivateKeyPEM()
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("app_id", cfg.GitHub.AppID).
		Str("api_url", cfg.GitHub.APIURL).
		Bool("key_loaded", len(key) > 0).
		Msg("initializing credential issuer")

	return credential.NewIssuer(credential.Config{
		AppID:              cfg.GitHub.AppID,
		PrivateKey:         key,
		APIURL:             cfg.GitHub.APIURL,
		Timeout:            cfg.GitHub.TokenTimeout,
		Permissions:        cfg.GitHub.Permissions,
		CacheSize:          cfg.TokenCache.Size,
		RefreshSkew:        cfg.TokenCache.RefreshSkew,
		BreakerMaxFailures: cfg.Breaker.MaxFailures,
		BreakerOpenTimeout: cfg.Breaker.OpenTimeout,
	}, m)
}

func initAuthManager(cfg config.AuthConfig) (*auth.Manager, error) {
	log.Info().Bool("required", cfg.Require).Msg("initializing auth manager")

	return auth.NewManager(auth.Config{
		JWTSecret:       cfg.JWTSecret,
		TokenExpiration: cfg.TokenTTL,
		RequireAuth:     cfg.Require,
		Users:           cfg.Users,
	})
}

func runServer(ctx context.Context, srv *server.Server) error {
	errChan := make(chan error, 1)

	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	}
}
