package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/internal/api"
	"github.com/gatehouse-io/gatehouse/internal/auth"
	"github.com/gatehouse-io/gatehouse/internal/db"
	"github.com/gatehouse-io/gatehouse/internal/delivery"
	"github.com/gatehouse-io/gatehouse/internal/eviction"
	"github.com/gatehouse-io/gatehouse/internal/repository"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr string
	dbDriver string
	dbDSN    string
	logLevel string

	issuerURL     string
	siteURL       string
	signingSecret string
	jwtKeyFile    string
	jwks          string

	sessionTotalDuration    string
	sessionInactiveDuration string
	accessTokenDuration     string
	evictionInterval        string

	secureCookies string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "gatehouse",
		Short: "Gatehouse — self-hosted authentication server",
		Long: `Gatehouse is a self-hosted authentication server. It manages users,
accounts, sessions and refresh tokens, delivers verification codes over
email and SMS, drives OAuth and OIDC sign-in flows, and issues JWTs that
downstream services verify against its JWKS endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("GATEHOUSE_HTTP_ADDR", ":8080"), "HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("GATEHOUSE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("GATEHOUSE_DB_DSN", "./gatehouse.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("GATEHOUSE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	root.PersistentFlags().StringVar(&cfg.issuerURL, "issuer-url", envOrDefault("GATEHOUSE_ISSUER_URL", ""), "Public base URL of this server, used as the JWT issuer (required)")
	root.PersistentFlags().StringVar(&cfg.siteURL, "site-url", envOrDefault("GATEHOUSE_SITE_URL", ""), "Frontend base URL for magic links and OAuth redirects (required)")
	root.PersistentFlags().StringVar(&cfg.signingSecret, "signing-secret", envOrDefault("GATEHOUSE_SIGNING_SECRET", ""), "Secret for refresh-token envelopes, code hashing and at-rest encryption (required)")
	root.PersistentFlags().StringVar(&cfg.jwtKeyFile, "jwt-key-file", envOrDefault("GATEHOUSE_JWT_KEY_FILE", ""), "Path to the PEM-encoded RSA or EC private key for signing JWTs (required)")
	root.PersistentFlags().StringVar(&cfg.jwks, "jwks", envOrDefault("GATEHOUSE_JWKS", ""), "Literal JWKS JSON to serve instead of the derived key set (optional)")

	root.PersistentFlags().StringVar(&cfg.sessionTotalDuration, "session-total-duration", envOrDefault("GATEHOUSE_SESSION_TOTAL_DURATION", ""), "Absolute session lifetime, e.g. 720h (default 30 days)")
	root.PersistentFlags().StringVar(&cfg.sessionInactiveDuration, "session-inactive-duration", envOrDefault("GATEHOUSE_SESSION_INACTIVE_DURATION", ""), "Refresh-token inactivity lifetime, e.g. 720h (default 30 days)")
	root.PersistentFlags().StringVar(&cfg.accessTokenDuration, "access-token-duration", envOrDefault("GATEHOUSE_ACCESS_TOKEN_DURATION", ""), "Access JWT validity, e.g. 1h (default 1 hour)")
	root.PersistentFlags().StringVar(&cfg.evictionInterval, "eviction-interval", envOrDefault("GATEHOUSE_EVICTION_INTERVAL", "10m"), "How often the expired-row sweep runs")

	root.PersistentFlags().StringVar(&cfg.secureCookies, "secure-cookies", envOrDefault("GATEHOUSE_SECURE_COOKIES", "true"), "Set the Secure flag on flow cookies (disable for local HTTP development)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gatehouse %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.signingSecret == "" {
		return fmt.Errorf("signing secret is required — set --signing-secret or GATEHOUSE_SIGNING_SECRET")
	}
	if cfg.jwtKeyFile == "" {
		return fmt.Errorf("JWT key file is required — set --jwt-key-file or GATEHOUSE_JWT_KEY_FILE")
	}

	logger.Info("starting gatehouse",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The at-rest encryption key is derived from the signing secret so a
	// single secret covers both concerns.
	key := sha256.Sum256([]byte(cfg.signingSecret))
	if err := db.InitEncryption(key[:]); err != nil {
		return err
	}

	database, err := db.New(db.Config{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	store := repository.NewStore(database, repository.NewTriggers())

	keyPEM, err := os.ReadFile(cfg.jwtKeyFile)
	if err != nil {
		return fmt.Errorf("failed to read JWT key file: %w", err)
	}

	authCfg := auth.Config{
		IssuerURL:     cfg.issuerURL,
		SiteURL:       cfg.siteURL,
		SigningSecret: cfg.signingSecret,
		JWKS:          cfg.jwks,
	}
	if authCfg.SessionTotalDuration, err = parseDuration(cfg.sessionTotalDuration); err != nil {
		return fmt.Errorf("invalid session-total-duration: %w", err)
	}
	if authCfg.SessionInactiveDuration, err = parseDuration(cfg.sessionInactiveDuration); err != nil {
		return fmt.Errorf("invalid session-inactive-duration: %w", err)
	}
	if authCfg.AccessTokenDuration, err = parseDuration(cfg.accessTokenDuration); err != nil {
		return fmt.Errorf("invalid access-token-duration: %w", err)
	}
	authCfg = authCfg.WithDefaults()

	jwtMgr, err := auth.NewJWTManager(string(keyPEM), authCfg.IssuerURL, authCfg.AccessTokenDuration)
	if err != nil {
		return err
	}

	svc, err := auth.NewService(auth.Options{
		Store:     store,
		Config:    authCfg,
		JWT:       jwtMgr,
		Providers: buildProviders(logger),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	evictionInterval, err := time.ParseDuration(cfg.evictionInterval)
	if err != nil {
		return fmt.Errorf("invalid eviction-interval: %w", err)
	}
	sweeper, err := eviction.New(svc, evictionInterval, logger)
	if err != nil {
		return err
	}
	if err := sweeper.Start(); err != nil {
		return err
	}

	secure, err := strconv.ParseBool(cfg.secureCookies)
	if err != nil {
		return fmt.Errorf("invalid secure-cookies value %q: %w", cfg.secureCookies, err)
	}

	router := api.NewRouter(api.RouterConfig{
		Service: svc,
		Logger:  logger,
		Secure:  secure,
	})

	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down gatehouse")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	if err := sweeper.Stop(); err != nil {
		logger.Error("sweeper shutdown error", zap.Error(err))
	}
	return nil
}

// buildProviders assembles the provider set from the environment. Password
// and anonymous sign-in are always available; email, SMS and OAuth
// providers activate when their configuration is present.
func buildProviders(logger *zap.Logger) []*auth.ProviderConfig {
	providers := []*auth.ProviderConfig{
		auth.PasswordProvider(),
		auth.AnonymousProvider(),
	}

	if host := os.Getenv("GATEHOUSE_SMTP_HOST"); host != "" {
		port, _ := strconv.Atoi(envOrDefault("GATEHOUSE_SMTP_PORT", "587"))
		tlsOn, _ := strconv.ParseBool(envOrDefault("GATEHOUSE_SMTP_TLS", "false"))
		sender := delivery.NewEmailSender(delivery.SMTPConfig{
			Host:     host,
			Port:     port,
			Username: os.Getenv("GATEHOUSE_SMTP_USERNAME"),
			Password: os.Getenv("GATEHOUSE_SMTP_PASSWORD"),
			From:     os.Getenv("GATEHOUSE_SMTP_FROM"),
			TLS:      tlsOn,
		}, os.Getenv("GATEHOUSE_SMTP_SUBJECT"), logger)

		providers = append(providers,
			auth.EmailProvider("email", sender.SendVerificationRequest),
			auth.EmailOTPProvider("email-otp", sender.SendVerificationRequest),
		)
	}

	if url := os.Getenv("GATEHOUSE_SMS_WEBHOOK_URL"); url != "" {
		sender := delivery.NewWebhookSender(url, os.Getenv("GATEHOUSE_SMS_WEBHOOK_TOKEN"), logger)
		providers = append(providers, auth.PhoneProvider("phone", sender.SendVerificationRequest))
	}

	if id := os.Getenv("GATEHOUSE_GITHUB_CLIENT_ID"); id != "" {
		providers = append(providers, githubProvider(id, os.Getenv("GATEHOUSE_GITHUB_CLIENT_SECRET")))
	}
	if id := os.Getenv("GATEHOUSE_GOOGLE_CLIENT_ID"); id != "" {
		providers = append(providers, &auth.ProviderConfig{
			ID:           "google",
			Type:         auth.ProviderTypeOIDC,
			ClientID:     id,
			ClientSecret: os.Getenv("GATEHOUSE_GOOGLE_CLIENT_SECRET"),
			Issuer:       "https://accounts.google.com",
		})
	}

	return providers
}

// githubProvider configures GitHub, which is plain OAuth2 (no id_token) and
// needs a custom profile mapping for its userinfo shape.
func githubProvider(clientID, clientSecret string) *auth.ProviderConfig {
	return &auth.ProviderConfig{
		ID:                    "github",
		Type:                  auth.ProviderTypeOAuth,
		ClientID:              clientID,
		ClientSecret:          clientSecret,
		AuthorizationEndpoint: "https://github.com/login/oauth/authorize",
		TokenEndpoint:         "https://github.com/login/oauth/access_token",
		UserinfoEndpoint:      "https://api.github.com/user",
		Scopes:                []string{"read:user", "user:email"},
		Profile: func(raw map[string]any) (auth.ProfileResult, error) {
			id, ok := raw["id"].(float64)
			if !ok {
				return auth.ProfileResult{}, fmt.Errorf("github profile has no id")
			}
			p := auth.ProfileResult{ID: strconv.FormatInt(int64(id), 10)}
			if email, ok := raw["email"].(string); ok {
				p.Email = email
				// GitHub only returns a primary email the user made public
				// or granted through the user:email scope; treat it as
				// verified either way.
				p.EmailVerified = email != ""
			}
			if name, ok := raw["name"].(string); ok {
				p.Name = name
			}
			if avatar, ok := raw["avatar_url"].(string); ok {
				p.Image = avatar
			}
			return p, nil
		},
	}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
