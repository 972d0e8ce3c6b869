package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Config holds all configuration for the migration tool
type Config struct {
	// DatabaseURL is the PostgreSQL connection string
	DatabaseURL string

	// MigrationTable is the name of the table to track migrations
	MigrationTable string
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	config := &Config{
		DatabaseURL:    getEnvOrDefault("DATABASE_URL", ""),
		MigrationTable: getEnvOrDefault("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// String returns a string representation of the configuration (safe for logging)
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

// getEnvOrDefault returns the environment variable value or a default if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// maskDatabaseURL hides the password portion of a database URL for logging.
// Credential-free URLs come back unchanged.
func maskDatabaseURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err == nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			return parsed.Redacted()
		}

		return raw
	}

	return maskUnparseableURL(raw)
}

// maskUnparseableURL masks credentials in URLs the parser rejects, such as
// passwords holding an unescaped '@'. Everything between the userinfo colon
// and the last '@' before the path is hidden.
func maskUnparseableURL(raw string) string {
	schemeEnd := strings.Index(raw, "//")
	if schemeEnd == -1 {
		return raw
	}

	authority := raw[schemeEnd+2:]
	if end := strings.IndexAny(authority, "/?#"); end != -1 {
		authority = authority[:end]
	}

	at := strings.LastIndex(authority, "@")
	if at == -1 {
		return raw
	}

	colon := strings.Index(authority[:at], ":")
	if colon == -1 || colon == at-1 {
		return raw
	}

	return raw[:schemeEnd+2+colon+1] + "xxxxx" + raw[schemeEnd+2+at:]
}
