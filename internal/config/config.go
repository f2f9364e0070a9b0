// Package config loads Aegis Auth's configuration.
//
// Scalars (ports, hosts, TTLs, feature toggles) come from environment
// variables, following the getEnv/getEnvInt convention the rest of this
// codebase uses. Structural configuration that is naturally a list — the
// redirect-uri allowlist, the social-provider default order, the
// native-client PKCE-requirement allowlist — lives in a YAML file instead,
// parsed with gopkg.in/yaml.v3, because env vars encode lists awkwardly.
// The YAML file is loaded first; individual scalar fields may still be
// overridden by an AEGIS_-prefixed env var for per-deployment tweaks
// without editing the checked-in file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved process configuration.
type Config struct {
	Port string

	DB       DBConfig
	Redis    RedisConfig
	Broker   BrokerConfig
	Tokens   TokenConfig
	OAuth    OAuthConfig
	Webhook  WebhookConfig
	Handoff  HandoffConfig
	NATS     NATSConfig
	LogLevel string
	LogPretty bool
}

// NATSConfig configures the security-event publisher. An empty URL
// disables publishing entirely; every call becomes a no-op rather than
// the request failing.
type NATSConfig struct {
	URL      string
	User     string
	Password string
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
}

// BrokerConfig configures the concrete Identity Broker Adapter
// implementations (C6).
type BrokerConfig struct {
	OIDCGoogleIssuer       string
	OIDCGoogleClientID     string
	OIDCGoogleClientSecret string

	OIDCMicrosoftIssuer       string
	OIDCMicrosoftClientID     string
	OIDCMicrosoftClientSecret string

	OIDCAppleIssuer       string
	OIDCAppleClientID     string
	OIDCAppleClientSecret string

	SAMLEntityID      string
	SAMLCertFile      string
	SAMLKeyFile       string
	SAMLIDPMetadataURL string

	MagicBaseURL string
	MagicAPIKey  string

	CallTimeout time.Duration
}

// TokenConfig carries the master secret and timing parameters for C1.
type TokenConfig struct {
	MasterSecret    []byte
	RSAPrivateKeyPEM []byte
	KeyID           string
	Issuer          string
	Audience        string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	ClockSkew       time.Duration
}

// OAuthConfig carries the redirect/client allowlists for C8.
type OAuthConfig struct {
	AuthorizationCodeTTL time.Duration
	LoopbackPaths        []string
	CustomSchemes        []string
	WebRedirects         []string
	DefaultSocialOrder   []string
	Clients              []ClientEntry
}

// ClientEntry seeds the clients allowlist table (resolves the spec's
// "magic-code PKCE requirement must be data-driven" open question).
type ClientEntry struct {
	ClientID     string   `yaml:"clientId"`
	DisplayName  string   `yaml:"displayName"`
	RedirectURIs []string `yaml:"redirectUris"`
	IsNative     bool     `yaml:"isNative"`
	RequiresPKCE bool     `yaml:"requiresPkce"`
}

type WebhookConfig struct {
	Secret        string
	ToleranceSecs int64
}

type HandoffConfig struct {
	CodeTTL time.Duration

	// WebLoginURL is the sign-in page GET /login trampolines the system
	// browser to, with device_id/poll_token appended as query params.
	WebLoginURL string
	// DeepLinkScheme builds the app deep link returned alongside the
	// handoff code, e.g. "app://handoff?code=".
	DeepLinkScheme string
}

// fileConfig is the shape of the optional YAML file — only the
// structurally list-like fields live here.
type fileConfig struct {
	LoopbackPaths      []string      `yaml:"loopbackPaths"`
	CustomSchemes      []string      `yaml:"customSchemes"`
	WebRedirects       []string      `yaml:"webRedirects"`
	DefaultSocialOrder []string      `yaml:"defaultSocialOrder"`
	Clients            []ClientEntry `yaml:"clients"`
}

// Load resolves the full configuration: YAML file first (if
// AEGIS_CONFIG_FILE is set and exists), then environment overrides.
func Load() (*Config, error) {
	var fc fileConfig
	if path := os.Getenv("AEGIS_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if len(fc.LoopbackPaths) == 0 {
		fc.LoopbackPaths = []string{"/callback"}
	}
	if len(fc.CustomSchemes) == 0 {
		fc.CustomSchemes = []string{"app://callback", "app://auth/callback", "app://oauth/callback"}
	}

	masterSecret := []byte(getEnv("AEGIS_MASTER_SECRET", ""))
	rsaKeyPEM := []byte(os.Getenv("AEGIS_RSA_PRIVATE_KEY_PEM"))
	if len(rsaKeyPEM) == 0 {
		if path := os.Getenv("AEGIS_RSA_PRIVATE_KEY_FILE"); path != "" {
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("config: read RSA key file: %w", err)
			}
			rsaKeyPEM = raw
		}
	}

	cfg := &Config{
		Port: getEnv("API_PORT", "8000"),
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "aegis"),
			Password: getEnv("DB_PASSWORD", "aegis"),
			Name:     getEnv("DB_NAME", "aegis"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Enabled:  getEnv("CACHE_ENABLED", "false") == "true",
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
		Broker: BrokerConfig{
			OIDCGoogleIssuer:          getEnv("OIDC_GOOGLE_ISSUER", "https://accounts.google.com"),
			OIDCGoogleClientID:        getEnv("OIDC_GOOGLE_CLIENT_ID", ""),
			OIDCGoogleClientSecret:    getEnv("OIDC_GOOGLE_CLIENT_SECRET", ""),
			OIDCMicrosoftIssuer:       getEnv("OIDC_MICROSOFT_ISSUER", "https://login.microsoftonline.com/common/v2.0"),
			OIDCMicrosoftClientID:     getEnv("OIDC_MICROSOFT_CLIENT_ID", ""),
			OIDCMicrosoftClientSecret: getEnv("OIDC_MICROSOFT_CLIENT_SECRET", ""),
			OIDCAppleIssuer:           getEnv("OIDC_APPLE_ISSUER", "https://appleid.apple.com"),
			OIDCAppleClientID:         getEnv("OIDC_APPLE_CLIENT_ID", ""),
			OIDCAppleClientSecret:     getEnv("OIDC_APPLE_CLIENT_SECRET", ""),
			SAMLEntityID:              getEnv("SAML_ENTITY_ID", ""),
			SAMLCertFile:              getEnv("SAML_CERT_FILE", ""),
			SAMLKeyFile:               getEnv("SAML_KEY_FILE", ""),
			SAMLIDPMetadataURL:        getEnv("SAML_IDP_METADATA_URL", ""),
			MagicBaseURL:              getEnv("MAGIC_AUTH_BASE_URL", ""),
			MagicAPIKey:               getEnv("MAGIC_AUTH_API_KEY", ""),
			CallTimeout:               getEnvDuration("BROKER_CALL_TIMEOUT", 10*time.Second),
		},
		Tokens: TokenConfig{
			MasterSecret:    masterSecret,
			RSAPrivateKeyPEM: rsaKeyPEM,
			KeyID:           getEnv("AEGIS_KEY_ID", "aegis-2026-01"),
			Issuer:          getEnv("AEGIS_TOKEN_ISSUER", "https://auth.aegis.example.com"),
			Audience:        getEnv("AEGIS_TOKEN_AUDIENCE", "aegis-clients"),
			AccessTokenTTL:  getEnvDuration("ACCESS_TOKEN_TTL", 10*time.Minute),
			RefreshTokenTTL: getEnvDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
			ClockSkew:       getEnvDuration("TOKEN_CLOCK_SKEW", 60*time.Second),
		},
		OAuth: OAuthConfig{
			AuthorizationCodeTTL: getEnvDuration("AUTHORIZATION_CODE_TTL", 10*time.Minute),
			LoopbackPaths:        fc.LoopbackPaths,
			CustomSchemes:        fc.CustomSchemes,
			WebRedirects:         fc.WebRedirects,
			DefaultSocialOrder:   fc.DefaultSocialOrder,
			Clients:              fc.Clients,
		},
		Webhook: WebhookConfig{
			Secret:        getEnv("WEBHOOK_SECRET", ""),
			ToleranceSecs: int64(getEnvInt("WEBHOOK_TOLERANCE_SECONDS", 300)),
		},
		Handoff: HandoffConfig{
			CodeTTL:        getEnvDuration("HANDOFF_CODE_TTL", 5*time.Minute),
			WebLoginURL:    getEnv("HANDOFF_WEB_LOGIN_URL", "https://app.aegis.example.com/login"),
			DeepLinkScheme: getEnv("HANDOFF_DEEP_LINK_SCHEME", "app://handoff"),
		},
		NATS: NATSConfig{
			URL:      getEnv("NATS_URL", ""),
			User:     getEnv("NATS_USER", ""),
			Password: getEnv("NATS_PASSWORD", ""),
		},
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnv("LOG_PRETTY", "false") == "true",
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
