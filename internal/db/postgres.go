// Package db provides PostgreSQL database access and management for Aegis
// Auth.
//
// This file implements the core database connection and lifecycle
// management: connection pooling, schema migration, and configuration
// validation.
package db

import (
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/aegis-auth/aegis/internal/logger"
)

// Config holds database configuration.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Database represents the database connection.
type Database struct {
	db *sql.DB
}

// validateConfig validates database configuration to prevent SQL injection
// through connection-string interpolation.
func validateConfig(config Config) error {
	if config.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if net.ParseIP(config.Host) == nil {
		hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
		if !hostnameRegex.MatchString(config.Host) {
			return fmt.Errorf("invalid database host: %s", config.Host)
		}
	}

	if config.Port == "" {
		return fmt.Errorf("database port cannot be empty")
	}
	port, err := strconv.Atoi(config.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid database port: %s (must be 1-65535)", config.Port)
	}

	if config.User == "" {
		return fmt.Errorf("database user cannot be empty")
	}
	userRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !userRegex.MatchString(config.User) {
		return fmt.Errorf("invalid database user: %s", config.User)
	}

	if config.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	dbNameRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !dbNameRegex.MatchString(config.DBName) {
		return fmt.Errorf("invalid database name: %s", config.DBName)
	}

	validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if config.SSLMode != "" {
		valid := false
		for _, mode := range validSSLModes {
			if config.SSLMode == mode {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid SSL mode: %s (must be one of: %s)", config.SSLMode, strings.Join(validSSLModes, ", "))
		}
	}

	if config.SSLMode == "" || config.SSLMode == "disable" {
		logger.Log.Warn().Msg("database SSL/TLS is disabled — set DB_SSL_MODE to require/verify-ca/verify-full in production")
	}

	return nil
}

// NewDatabase creates a new database connection with connection pooling.
// Pool sizing is deliberately modest: this service's per-request database
// work is a handful of short statements (code/session lookups, one
// row-locked update), never a long-running query.
func NewDatabase(config Config) (*Database, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(1 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{db: sqlDB}, nil
}

// NewDatabaseForTesting creates a Database from an existing sql.DB
// connection. Intended only for tests that inject a sqlmock.DB.
func NewDatabaseForTesting(sqlDB *sql.DB) *Database {
	return &Database{db: sqlDB}
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying sql.DB.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Migrate runs schema migrations. Each statement is idempotent
// (CREATE ... IF NOT EXISTS) so Migrate can run on every process start.
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(64) PRIMARY KEY,
			email VARCHAR(320) NOT NULL,
			first_name VARCHAR(255) NOT NULL DEFAULT '',
			last_name VARCHAR(255) NOT NULL DEFAULT '',
			is_admin BOOLEAN NOT NULL DEFAULT false,
			org_tag VARCHAR(255) NOT NULL DEFAULT '',
			last_login_web TIMESTAMPTZ,
			last_login_app TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email_active
			ON users (email) WHERE deleted_at IS NULL`,

		`CREATE TABLE IF NOT EXISTS identities (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL REFERENCES users(id),
			protocol VARCHAR(32) NOT NULL,
			provider_subject VARCHAR(512) NOT NULL,
			last_seen_email VARCHAR(320) NOT NULL DEFAULT '',
			attributes JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_identities_protocol_subject
			ON identities (protocol, provider_subject)`,
		`CREATE INDEX IF NOT EXISTS idx_identities_user_id ON identities (user_id)`,

		`CREATE TABLE IF NOT EXISTS devices (
			id VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL REFERENCES users(id),
			type VARCHAR(32) NOT NULL,
			platform VARCHAR(64) NOT NULL DEFAULT '',
			app_version VARCHAR(64) NOT NULL DEFAULT '',
			last_active TIMESTAMPTZ NOT NULL DEFAULT now(),
			active BOOLEAN NOT NULL DEFAULT true,
			revoked_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL REFERENCES users(id),
			device_id VARCHAR(255) REFERENCES devices(id),
			refresh_token_hash VARCHAR(128) NOT NULL,
			refresh_token_family_id VARCHAR(64) NOT NULL,
			auth_method VARCHAR(32) NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			last_used_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			revoked_at TIMESTAMPTZ,
			revoke_reason VARCHAR(32) NOT NULL DEFAULT '',
			remote_ip VARCHAR(64) NOT NULL DEFAULT '',
			user_agent VARCHAR(512) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_device ON sessions (user_id, device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_family_id ON sessions (refresh_token_family_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_refresh_hash ON sessions (refresh_token_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_device_active ON sessions (device_id) WHERE revoked_at IS NULL`,

		`CREATE TABLE IF NOT EXISTS authorization_codes (
			code VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL REFERENCES users(id),
			client_id VARCHAR(255) NOT NULL,
			redirect_uri TEXT NOT NULL,
			code_challenge VARCHAR(255) NOT NULL,
			code_challenge_method VARCHAR(16) NOT NULL DEFAULT 'S256',
			scopes VARCHAR(512) NOT NULL DEFAULT '',
			auth_method VARCHAR(32) NOT NULL,
			device_id VARCHAR(255),
			platform VARCHAR(64) NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL,
			used_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_authz_codes_expires ON authorization_codes (expires_at)`,

		`CREATE TABLE IF NOT EXISTS handoff_codes (
			code VARCHAR(64) PRIMARY KEY,
			poll_token VARCHAR(64) NOT NULL,
			user_id VARCHAR(64) NOT NULL DEFAULT '' REFERENCES users(id),
			device_id VARCHAR(255) NOT NULL,
			external_session_id VARCHAR(255) NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL,
			used BOOLEAN NOT NULL DEFAULT false,
			used_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_handoff_device_pending
			ON handoff_codes (device_id) WHERE used = false`,

		`CREATE TABLE IF NOT EXISTS auth_connections (
			id VARCHAR(64) PRIMARY KEY,
			broker_connection_id VARCHAR(255) NOT NULL,
			protocol VARCHAR(32) NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT true,
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS sso_domains (
			domain VARCHAR(255) PRIMARY KEY,
			connection_id VARCHAR(64) NOT NULL REFERENCES auth_connections(id),
			email_pattern VARCHAR(512) NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS clients (
			client_id VARCHAR(255) PRIMARY KEY,
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			redirect_uris TEXT NOT NULL DEFAULT '',
			is_native BOOLEAN NOT NULL DEFAULT false,
			requires_pkce BOOLEAN NOT NULL DEFAULT true
		)`,
	}

	for i, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	logger.Database().Info().Int("statements", len(migrations)).Msg("schema migrated")
	return nil
}
