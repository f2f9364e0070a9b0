// Command aegis-auth runs the Aegis Auth HTTP API: the OAuth
// authorization-code + PKCE flow, the magic-code and browser-to-device
// handoff orchestrators, session refresh/revocation, and the identity
// broker webhook, wired to PostgreSQL, Redis, and (optionally) NATS.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crewjam/saml"
	"github.com/gin-gonic/gin"

	"github.com/aegis-auth/aegis/internal/account"
	"github.com/aegis-auth/aegis/internal/authcode"
	"github.com/aegis-auth/aegis/internal/broker"
	"github.com/aegis-auth/aegis/internal/cache"
	"github.com/aegis-auth/aegis/internal/clients"
	"github.com/aegis-auth/aegis/internal/config"
	"github.com/aegis-auth/aegis/internal/cron"
	"github.com/aegis-auth/aegis/internal/db"
	apperrors "github.com/aegis-auth/aegis/internal/errors"
	"github.com/aegis-auth/aegis/internal/events"
	"github.com/aegis-auth/aegis/internal/handoff"
	"github.com/aegis-auth/aegis/internal/identity"
	"github.com/aegis-auth/aegis/internal/keys"
	"github.com/aegis-auth/aegis/internal/logger"
	"github.com/aegis-auth/aegis/internal/magicauth"
	"github.com/aegis-auth/aegis/internal/middleware"
	"github.com/aegis-auth/aegis/internal/oauth"
	"github.com/aegis-auth/aegis/internal/sessions"
	"github.com/aegis-auth/aegis/internal/sso"
	"github.com/aegis-auth/aegis/internal/tokens"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.Log

	database, err := db.NewDatabase(db.Config{
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		DBName:   cfg.DB.Name,
		SSLMode:  cfg.DB.SSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	cacheClient, err := cache.NewCache(cache.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		Enabled:  cfg.Redis.Enabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to cache")
	}
	defer cacheClient.Close()

	rsaKey, err := parseRSAPrivateKey(cfg.Tokens.RSAPrivateKeyPEM)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse RSA signing key")
	}

	// One master secret, three independent subkeys (HKDF) — compromising
	// the refresh-token HMAC key reveals nothing about the state-blob key.
	refreshSecret, err := keys.Derive(cfg.Tokens.MasterSecret, "aegis-auth/refresh-token")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to derive refresh token key")
	}
	stateSecret, err := keys.Derive(cfg.Tokens.MasterSecret, "aegis-auth/oauth-state")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to derive oauth state key")
	}
	webhookDerived, err := keys.Derive(cfg.Tokens.MasterSecret, "aegis-auth/webhook-secret")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to derive webhook key")
	}
	webhookSecret := cfg.Webhook.Secret
	if webhookSecret == "" {
		webhookSecret = string(webhookDerived)
	}

	accessSigner := tokens.NewSigner(rsaKey, cfg.Tokens.KeyID, cfg.Tokens.Issuer, cfg.Tokens.Audience, cfg.Tokens.AccessTokenTTL, cfg.Tokens.ClockSkew)
	registry := tokens.NewRegistry(accessSigner)
	refreshSigner := tokens.NewRefreshSigner(refreshSecret)
	stateSigner := tokens.NewStateSigner(stateSecret)

	publisher := events.NewPublisher(cfg.NATS)
	defer publisher.Close()

	sqlDB := database.DB()
	sessionStore := sessions.New(sqlDB, refreshSigner, sessions.NewAccessSigner(registry), cfg.Tokens.RefreshTokenTTL, publisher)
	codeStore := authcode.New(sqlDB, cfg.OAuth.AuthorizationCodeTTL)
	handoffStore := handoff.NewStore(sqlDB, cfg.Handoff.CodeTTL)
	clientStore := clients.New(sqlDB, cfg.OAuth)
	linker := identity.New(sqlDB)
	ssoResolver := sso.New(sqlDB)

	seedCtx, seedCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := clients.Seed(seedCtx, sqlDB, cfg.OAuth.Clients); err != nil {
		log.Fatal().Err(err).Msg("failed to seed OAuth client allowlist")
	}
	seedCancel()

	redirectBase := getEnv("AEGIS_OAUTH_REDIRECT_BASE", cfg.Tokens.Issuer)
	brokerReg := buildBrokerRegistry(cfg, webhookSecret, redirectBase)

	oauthOrch := oauth.New(clientStore, codeStore, sessionStore, stateSigner, brokerReg, ssoResolver, linker, cfg.OAuth.DefaultSocialOrder, cfg.Broker.CallTimeout)
	oauthHandler := oauth.NewHandler(oauthOrch, registry)

	magicOrch := magicauth.New(clientStore, codeStore, sessionStore, brokerReg, linker, cfg.Broker.CallTimeout)
	magicHandler := magicauth.NewHandler(magicOrch, middleware.NewRateLimiter())

	handoffOrch := handoff.New(handoffStore, sessionStore, linker, registry, cfg.Handoff.WebLoginURL, cfg.Handoff.DeepLinkScheme)
	handoffHandler := handoff.NewHandler(handoffOrch, middleware.NewRateLimiter())

	accountHandler := account.NewHandler(sessionStore, registry, brokerReg, linker)

	scheduler := cron.New(cacheClient)
	registerPurgeJobs(scheduler, sessionStore, codeStore, handoffStore)
	scheduler.Start()
	defer scheduler.Stop()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(apperrors.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.SecurityHeaders())
	router.Use(apperrors.ErrorHandler())

	validator := middleware.NewInputValidator()
	router.Use(validator.Middleware())
	router.Use(validator.SanitizeJSONMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	oauthGroup := router.Group("/oauth")
	oauthHandler.RegisterRoutes(oauthGroup)
	oauthHandler.RegisterJWKSRoute(oauthGroup, cache.CacheMiddleware(cacheClient, 10*time.Minute))
	oauthHandler.RegisterACSRoute(oauthGroup)

	api := router.Group("/api/v1")
	magicHandler.RegisterRoutes(api)
	handoffHandler.RegisterRoutes(api, router)

	authed := api.Group("/")
	authed.Use(account.RequireSession(registry, sessionStore))
	accountHandler.RegisterRoutes(api, authed)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		TLSConfig:    &tls.Config{MinVersion: tls.VersionTLS12},
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("aegis-auth listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// buildBrokerRegistry wires every social/enterprise adapter the running
// configuration actually enables. Each OIDC adapter is optional on its
// own client id — omitting OIDC_GOOGLE_CLIENT_ID, say, simply leaves
// "oidc_google" unregistered rather than failing startup, since most
// deployments will not enable every social provider at once. The SAML
// connection is similarly optional on SAML_ENTITY_ID; this service only
// carries configuration for a single enterprise connection, so a
// deployment wanting several customer IdPs runs one process per tenant
// today.
func buildBrokerRegistry(cfg *config.Config, webhookSecret, redirectBase string) *broker.Registry {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var magicAdapter broker.Adapter
	if cfg.Broker.MagicBaseURL != "" {
		magicAdapter = broker.NewMagicAdapter(cfg.Broker.MagicBaseURL, cfg.Broker.MagicAPIKey, cfg.Broker.CallTimeout)
	}
	reg := broker.NewRegistry(magicAdapter, webhookSecret)

	type socialProvider struct {
		tag      string
		clientID string
		build    func(context.Context, config.BrokerConfig, string) (broker.Adapter, error)
	}
	providers := []socialProvider{
		{"oidc_google", cfg.Broker.OIDCGoogleClientID, broker.NewGoogleAdapter},
		{"oidc_microsoft", cfg.Broker.OIDCMicrosoftClientID, broker.NewMicrosoftAdapter},
		{"oidc_apple", cfg.Broker.OIDCAppleClientID, broker.NewAppleAdapter},
	}
	for _, p := range providers {
		if p.clientID == "" {
			continue
		}
		adapter, err := p.build(ctx, cfg.Broker, redirectBase+"/oauth/callback")
		if err != nil {
			logger.Log.Error().Err(err).Str("provider", p.tag).Msg("failed to configure social provider, skipping")
			continue
		}
		reg.RegisterSocial(p.tag, adapter)
	}

	if cfg.Broker.SAMLEntityID != "" {
		key, cert, idpMeta, err := loadSAMLCredentials(ctx, cfg.Broker)
		if err != nil {
			logger.Log.Error().Err(err).Msg("failed to configure enterprise SAML connection, skipping")
		} else {
			connectionID := getEnv("SAML_CONNECTION_ID", "default")
			adapter, err := broker.NewSAMLAdapter(connectionID, cfg.Broker, key, cert, idpMeta, redirectBase+"/oauth/acs")
			if err != nil {
				logger.Log.Error().Err(err).Msg("failed to build SAML adapter, skipping")
			} else {
				reg.RegisterSSO(connectionID, adapter)
			}
		}
	}

	return reg
}

// loadSAMLCredentials reads this service's SP signing key/certificate
// from disk and fetches the customer IdP's metadata document over HTTP.
// A dedicated samlsp.FetchMetadata-style helper would do the same thing
// with retry/caching built in, but fetching once at startup and holding
// the parsed descriptor in memory for the process lifetime is enough for
// a single fixed enterprise connection.
func loadSAMLCredentials(ctx context.Context, cfg config.BrokerConfig) (*rsa.PrivateKey, *x509.Certificate, *saml.EntityDescriptor, error) {
	keyPEM, err := os.ReadFile(cfg.SAMLKeyFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read SAML key file: %w", err)
	}
	key, err := parseRSAPrivateKey(keyPEM)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse SAML key: %w", err)
	}

	certPEM, err := os.ReadFile(cfg.SAMLCertFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read SAML cert file: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, nil, fmt.Errorf("no PEM block in SAML cert file")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse SAML certificate: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.SAMLIDPMetadataURL, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build IdP metadata request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("fetch IdP metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, nil, fmt.Errorf("fetch IdP metadata: unexpected status %d", resp.StatusCode)
	}

	var descriptor saml.EntityDescriptor
	if err := xml.NewDecoder(resp.Body).Decode(&descriptor); err != nil {
		return nil, nil, nil, fmt.Errorf("parse IdP metadata: %w", err)
	}

	return key, cert, &descriptor, nil
}

func registerPurgeJobs(scheduler *cron.Scheduler, sessionStore *sessions.Store, codeStore *authcode.Store, handoffStore *handoff.Store) {
	jobs := []struct {
		name string
		expr string
		run  func(ctx context.Context) (int64, error)
	}{
		{"purge_expired_sessions", "*/15 * * * *", sessionStore.PurgeExpired},
		{"purge_expired_authorization_codes", "*/10 * * * *", codeStore.PurgeExpired},
		{"purge_expired_handoff_codes", "*/5 * * * *", handoffStore.PurgeExpired},
	}
	for _, j := range jobs {
		if err := scheduler.Register(j.name, j.expr, j.run); err != nil {
			logger.Log.Error().Err(err).Str("job", j.name).Msg("failed to register cron job")
		}
	}
}

// parseRSAPrivateKey accepts either PKCS#1 ("RSA PRIVATE KEY") or PKCS#8
// ("PRIVATE KEY") PEM encodings, matching however the operator's key was
// generated (openssl genrsa vs. openssl genpkey).
func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in RSA private key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse RSA private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
